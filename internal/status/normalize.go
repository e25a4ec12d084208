package status

import (
	"fmt"
	"strings"
	"time"

	"github.com/orrn/fleetd/internal/device"
)

// Snapshot is the canonical normalized telemetry derived from one poll of a
// device. It is never persisted verbatim; only derived fields are.
type Snapshot struct {
	State            string    `json:"state"`
	GcodeState       string    `json:"gcode_state"`
	Progress         float64   `json:"progress_percent"`
	NozzleTemp       float64   `json:"nozzle_temp"`
	BedTemp          float64   `json:"bed_temp"`
	RemainingSeconds int64     `json:"remaining_time_seconds"`
	HMSErrorCode     string    `json:"hms_error_code"`
	ErrorMessage     string    `json:"error_message"`
	CurrentJobID     string    `json:"current_job_id"`
	FileName         string    `json:"file_name"`
	Timestamp        time.Time `json:"timestamp"`
}

// Known key spellings per field. Vendors are inconsistent, so normalization
// searches arbitrarily nested payloads for any of these.
var (
	stateKeys     = []string{"state", "printer_state", "print_status", "stat", "status"}
	gcodeKeys     = []string{"gcode_state", "gcodeState", "print_stage", "mc_print_stage"}
	progressKeys  = []string{"mc_percent", "percent", "percentage", "progress", "print_percent"}
	nozzleKeys    = []string{"nozzle_temper", "nozzle_temp", "tool_temp", "hotend_temp"}
	bedKeys       = []string{"bed_temper", "bed_temp", "heatbed_temp"}
	remainingKeys = []string{"mc_remaining_time", "remaining_time", "time_remaining", "eta_seconds"}
	hmsKeys       = []string{"hms", "hms_code", "error_code", "print_error"}
	errorKeys     = []string{"error", "err_msg", "error_message", "fail_reason"}
	jobKeys       = []string{"job_id", "task_id", "subtask_id", "print_job_id"}
	fileKeys      = []string{"gcode_file", "file", "filename", "file_name", "subtask_name"}
)

// Normalize builds a Snapshot from the three raw accessor results. The state
// blob may be a bare string or an arbitrarily nested vendor payload; the
// percentage and gcode-state values override anything found inside the blob.
func Normalize(rawState, rawPercent, rawGcode any) Snapshot {
	snap := Snapshot{Timestamp: time.Now()}

	switch blob := rawState.(type) {
	case string:
		snap.State = blob
	case nil:
	default:
		snap.State = findString(blob, stateKeys)
		snap.GcodeState = findString(blob, gcodeKeys)
		snap.Progress, _ = findFloat(blob, progressKeys)
		snap.NozzleTemp, _ = findFloat(blob, nozzleKeys)
		snap.BedTemp, _ = findFloat(blob, bedKeys)
		if v, ok := findFloat(blob, remainingKeys); ok {
			snap.RemainingSeconds = int64(v)
		}
		snap.HMSErrorCode = findString(blob, hmsKeys)
		snap.ErrorMessage = findString(blob, errorKeys)
		snap.CurrentJobID = findString(blob, jobKeys)
		snap.FileName = findString(blob, fileKeys)
	}

	if rawPercent != nil {
		if v, ok := coerceFloat(rawPercent); ok {
			snap.Progress = v
		}
	}
	if rawGcode != nil {
		if s := coerceString(rawGcode); s != "" {
			snap.GcodeState = s
		}
	}

	// Some firmwares signal an AMS filament conflict only as free text; give
	// it the same HMS code a native report would carry.
	if snap.HMSErrorCode == "" {
		text := snap.State + " " + snap.GcodeState + " " + snap.ErrorMessage
		if device.IsAMSConflictText(text) {
			snap.HMSErrorCode = device.HMSCodeAMSConflict
		}
	}

	return snap
}

func findString(raw any, keys []string) string {
	if v, ok := findNested(raw, keys); ok {
		return coerceString(v)
	}
	return ""
}

func findFloat(raw any, keys []string) (float64, bool) {
	if v, ok := findNested(raw, keys); ok {
		return coerceFloat(v)
	}
	return 0, false
}

// findNested walks maps and slices depth-first looking for any of the given
// key spellings, earliest spelling winning over deeper matches.
func findNested(raw any, keys []string) (any, bool) {
	switch node := raw.(type) {
	case map[string]any:
		for _, key := range keys {
			if v, ok := node[key]; ok && v != nil {
				return v, true
			}
		}
		for _, child := range node {
			if v, ok := findNested(child, keys); ok {
				return v, true
			}
		}
	case []any:
		for _, child := range node {
			if v, ok := findNested(child, keys); ok {
				return v, true
			}
		}
	}
	return nil, false
}

func coerceString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func coerceFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(n), "%f", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

var terminalGcodeStates = map[string]bool{
	"finish":    true,
	"finished":  true,
	"complete":  true,
	"completed": true,
	"failed":    true,
	"cancelled": true,
	"canceled":  true,
	"stopped":   true,
	"aborted":   true,
}

// IsTerminalGcodeState reports whether the gcode state marks the job over,
// successfully or not.
func IsTerminalGcodeState(state string) bool {
	return terminalGcodeStates[strings.ToLower(state)]
}
