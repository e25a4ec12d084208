package monitor

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/orrn/fleetd/internal/status"
)

// CompletionResult is a decision artifact, consumed immediately by the
// caller; it is never stored.
type CompletionResult struct {
	Completed     bool
	Reason        string
	JobID         string
	FileName      string
	PrinterSerial string
	Timestamp     time.Time
}

// CompletionCallback fires when a completion is confirmed for the first
// time for a given (printer, job) pair.
type CompletionCallback func(result CompletionResult)

var completedStates = map[string]bool{
	"finish":    true,
	"finished":  true,
	"completed": true,
	"complete":  true,
}

var failedStates = map[string]bool{
	"failed":    true,
	"cancelled": true,
	"canceled":  true,
	"stopped":   true,
	"aborted":   true,
	"error":     true,
}

// Monitor debounces and deduplicates completion detection across printers.
// Each printer's history is independent: the same job id on two printers is
// two events.
type Monitor struct {
	debounceCount int

	mu       sync.Mutex
	streaks  map[string]int             // serial -> consecutive completion signals
	reported map[string]map[string]bool // serial -> dedup key -> reported
}

func New(debounceCount int) *Monitor {
	if debounceCount < 1 {
		debounceCount = 1
	}
	return &Monitor{
		debounceCount: debounceCount,
		streaks:       make(map[string]int),
		reported:      make(map[string]map[string]bool),
	}
}

// CheckAndNotify inspects one snapshot. A completion signal must repeat for
// debounceCount consecutive checks before being reported; any intervening
// non-completed reading resets the streak. Once reported for a (serial,
// dedup key) pair, later identical completions return Completed=true but the
// callback stays silent.
func (m *Monitor) CheckAndNotify(snap status.Snapshot, serial string, onCompletion CompletionCallback) CompletionResult {
	result := CompletionResult{
		JobID:         snap.CurrentJobID,
		FileName:      snap.FileName,
		PrinterSerial: serial,
		Timestamp:     time.Now(),
	}

	completed, reason := IsPrintCompleted(snap)

	m.mu.Lock()
	if !completed {
		m.streaks[serial] = 0
		m.mu.Unlock()
		return result
	}

	m.streaks[serial]++
	if m.streaks[serial] < m.debounceCount {
		m.mu.Unlock()
		return result
	}

	result.Completed = true
	result.Reason = reason

	key := dedupKey(snap)
	seen := m.reported[serial]
	if seen == nil {
		seen = make(map[string]bool)
		m.reported[serial] = seen
	}
	alreadyReported := seen[key]
	seen[key] = true
	m.mu.Unlock()

	if alreadyReported {
		return result
	}

	log.Printf("[monitor] print completed on %s (job %q file %q): %s", serial, snap.CurrentJobID, snap.FileName, reason)
	if onCompletion != nil {
		onCompletion(result)
	}
	return result
}

// ClearPrinter forgets a printer's reported completions, allowing the next
// job to report again. Call it when a new job starts.
func (m *Monitor) ClearPrinter(serial string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reported, serial)
	delete(m.streaks, serial)
}

// IsPrintCompleted applies the detection priority: gcode state first, then
// progress, then the generic state field.
func IsPrintCompleted(snap status.Snapshot) (bool, string) {
	if completedStates[strings.ToLower(snap.GcodeState)] {
		return true, "gcode_state " + snap.GcodeState
	}
	if snap.Progress >= 100 {
		return true, "progress at 100%"
	}
	if completedStates[strings.ToLower(snap.State)] {
		return true, "state " + snap.State
	}
	return false, ""
}

// IsPrintFailed reports whether the snapshot carries a failure/cancel
// signal.
func IsPrintFailed(snap status.Snapshot) (bool, string) {
	if failedStates[strings.ToLower(snap.GcodeState)] {
		return true, "gcode_state " + snap.GcodeState
	}
	if failedStates[strings.ToLower(snap.State)] {
		return true, "state " + snap.State
	}
	return false, ""
}

func dedupKey(snap status.Snapshot) string {
	if snap.CurrentJobID != "" {
		return snap.CurrentJobID
	}
	if snap.FileName != "" {
		return snap.FileName
	}
	return "unknown"
}
