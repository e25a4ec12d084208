package device

import (
	"fmt"
	"log"
	"strings"
	"time"
)

// Credentials identifies one physical printer. The serial number is the
// primary key used everywhere else in the system.
type Credentials struct {
	IPAddress    string `json:"ip_address" yaml:"ip_address"`
	SerialNumber string `json:"serial_number" yaml:"serial_number"`
	AccessCode   string `json:"access_code" yaml:"access_code"`
	Nickname     string `json:"nickname" yaml:"nickname"`
}

func (c Credentials) String() string {
	if c.Nickname != "" {
		return fmt.Sprintf("%s (%s@%s)", c.Nickname, c.SerialNumber, c.IPAddress)
	}
	return fmt.Sprintf("%s@%s", c.SerialNumber, c.IPAddress)
}

// Handle is the capability surface a connected printer exposes. Different
// vendor and firmware builds support different subsets of verbs, so callers
// never invoke a method name directly: TryInvoke probes one name and reports
// whether the device honored it.
type Handle interface {
	TryInvoke(name string, args ...any) (any, bool)
	Disconnect()
}

// Connector dials a printer and returns a live handle. The concrete driver
// lives outside this module.
type Connector interface {
	Dial(creds Credentials, timeout time.Duration) (Handle, error)
}

// Candidate method orders per verb. The fallback order is a declared
// constant, not implicit code order; first name a firmware answers wins.
var (
	HomeCandidates       = []string{"home", "home_printer", "auto_home"}
	ParkCandidates       = []string{"park", "park_head", "move_to_park"}
	PauseCandidates      = []string{"pause", "pause_print", "print_pause"}
	ResumeCandidates     = []string{"resume", "resume_print", "print_resume"}
	StopCandidates       = []string{"stop", "stop_print", "cancel_print", "abort_print"}
	NozzleTempCandidates = []string{"set_nozzle_temperature", "set_hotend_temperature", "set_tool_temp"}
	BedTempCandidates    = []string{"set_bed_temperature", "set_bed_temp"}
	FanCandidates        = []string{"set_fan_speed", "set_part_fan_speed", "set_cooling_fan"}
	SpeedCandidates      = []string{"set_print_speed", "set_speed_level", "set_speed"}
	FlowCandidates       = []string{"set_flow_rate", "set_flow"}
	JogCandidates        = []string{"jog", "move_axis", "relative_move"}
	RawCandidates        = []string{"send_raw", "send_control_message", "publish_raw"}
	GcodeCandidates      = []string{"send_gcode", "gcode", "run_gcode"}
	StartCandidates      = []string{"start_print", "print_file", "begin_print"}
	StateCandidates      = []string{"get_state", "get_printer_state", "state"}
	PercentCandidates    = []string{"get_percentage", "get_percent_complete", "get_progress"}
	GcodeStateCandidates = []string{"get_gcode_state", "gcode_state", "get_print_stage"}
)

// Adapter presents uniform calls over the inconsistent handle surface.
type Adapter struct {
	handle Handle
	creds  Credentials
}

func NewAdapter(handle Handle, creds Credentials) *Adapter {
	return &Adapter{handle: handle, creds: creds}
}

func (a *Adapter) Credentials() Credentials {
	return a.creds
}

// InvokeFirst tries candidate method names in order, swallowing per-attempt
// failures. It returns whether any method worked and which one. It never
// returns an error: callers decide whether "no method worked" is fatal.
func (a *Adapter) InvokeFirst(candidates []string, args ...any) (bool, string) {
	for _, name := range candidates {
		if _, ok := a.handle.TryInvoke(name, args...); ok {
			return true, name
		}
	}
	log.Printf("[device %s] no supported method among %v", a.creds.SerialNumber, candidates)
	return false, ""
}

// QueryFirst is InvokeFirst for accessors: it additionally returns the value
// the first supported method produced.
func (a *Adapter) QueryFirst(candidates []string, args ...any) (any, string, bool) {
	for _, name := range candidates {
		if v, ok := a.handle.TryInvoke(name, args...); ok {
			return v, name, true
		}
	}
	return nil, "", false
}

func (a *Adapter) Disconnect() {
	a.handle.Disconnect()
}

// HMSCodeAMSConflict is the error code synthesized when the raw state text
// matches a filament/slot conflict the firmware did not report natively.
const HMSCodeAMSConflict = "HMS_0700_2000_0002_0001"

var amsConflictMarkers = []string{
	"ams filament mismatch",
	"filament mismatch",
	"ams slot conflict",
	"slot mismatch",
	"pulling back current filament",
	"0700 2000",
}

// IsAMSConflictText reports whether free-form device text carries the
// AMS filament conflict signature.
func IsAMSConflictText(s string) bool {
	if s == "" {
		return false
	}
	lower := strings.ToLower(s)
	for _, marker := range amsConflictMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
