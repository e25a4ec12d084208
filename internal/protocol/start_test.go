package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/orrn/fleetd/internal/device"
)

type scriptedCall struct {
	name string
	args []any
}

// scriptedHandle answers get_state/get_percentage from fixed sequences,
// repeating the last entry once the script runs out. Every other method
// succeeds unless listed in unsupported.
type scriptedHandle struct {
	states      []string
	percentages []float64
	unsupported map[string]bool

	calls    []scriptedCall
	stateIdx int
	pctIdx   int
}

func (h *scriptedHandle) TryInvoke(name string, args ...any) (any, bool) {
	h.calls = append(h.calls, scriptedCall{name: name, args: args})
	if h.unsupported[name] {
		return nil, false
	}
	switch name {
	case "get_state":
		if len(h.states) == 0 {
			return "", true
		}
		s := h.states[h.stateIdx]
		if h.stateIdx < len(h.states)-1 {
			h.stateIdx++
		}
		return s, true
	case "get_percentage":
		if len(h.percentages) == 0 {
			return float64(0), true
		}
		p := h.percentages[h.pctIdx]
		if h.pctIdx < len(h.percentages)-1 {
			h.pctIdx++
		}
		return p, true
	}
	return nil, true
}

func (h *scriptedHandle) Disconnect() {}

func (h *scriptedHandle) callsTo(name string) []scriptedCall {
	var out []scriptedCall
	for _, c := range h.calls {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

func newTestStarter() *Starter {
	return NewStarter(StarterConfig{AckTimeout: 25 * time.Millisecond, AckPollInterval: time.Millisecond})
}

func newTestAdapter(h *scriptedHandle) *device.Adapter {
	return device.NewAdapter(h, device.Credentials{SerialNumber: "SN1", IPAddress: "10.0.0.1"})
}

func TestStartPrintAcknowledgedByRunningState(t *testing.T) {
	handle := &scriptedHandle{states: []string{"RUNNING"}}

	res, err := newTestStarter().StartPrint(newTestAdapter(handle), "a.gcode", "", StartOptions{UseAMS: true})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !res.Acknowledged || res.FallbackTriggered {
		t.Fatalf("res = %+v, want acknowledged without fallback", res)
	}
	if !res.UseAMSActually {
		t.Fatal("UseAMSActually = false, AMS was never turned off")
	}
}

func TestStartPrintAcknowledgedByProgress(t *testing.T) {
	handle := &scriptedHandle{states: []string{"IDLE"}, percentages: []float64{3}}

	res, err := newTestStarter().StartPrint(newTestAdapter(handle), "a.gcode", "", StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !res.Acknowledged {
		t.Fatalf("res = %+v, want progress 0<p<100 to count as acknowledgement", res)
	}
}

func TestStartPrintStaleFinishIsNeverAnAck(t *testing.T) {
	// The previous job's FINISH/100% lingers across the new start call.
	handle := &scriptedHandle{states: []string{"FINISH"}, percentages: []float64{100}}

	res, err := newTestStarter().StartPrint(newTestAdapter(handle), "a.gcode", "", StartOptions{})
	if err == nil {
		t.Fatal("start succeeded on a stale FINISH/100 reading")
	}
	if res.Acknowledged {
		t.Fatalf("res = %+v, stale status must not acknowledge", res)
	}
	var startErr *StartError
	if !errors.As(err, &startErr) {
		t.Fatalf("err = %v, want *StartError", err)
	}
}

func TestStartPrintConflictResubmitsWithoutAMS(t *testing.T) {
	handle := &scriptedHandle{states: []string{"AMS filament mismatch", "RUNNING"}}

	res, err := newTestStarter().StartPrint(newTestAdapter(handle), "a.gcode", "p.json", StartOptions{UseAMS: true})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !res.Acknowledged || !res.FallbackTriggered {
		t.Fatalf("res = %+v, want acknowledged via fallback", res)
	}
	if res.UseAMSActually {
		t.Fatal("UseAMSActually = true after AMS-off resubmission")
	}

	starts := handle.callsTo("start_print")
	if len(starts) != 2 {
		t.Fatalf("start_print called %d times, want 2", len(starts))
	}
	if useAMS, ok := starts[1].args[2].(bool); !ok || useAMS {
		t.Fatalf("retry args = %v, want use_ams forced off", starts[1].args)
	}

	if len(handle.callsTo("stop")) == 0 {
		t.Fatal("stalled conflicting attempt was never stopped")
	}
}

func TestStartPrintConflictWithoutAMSUsesAlternateChannel(t *testing.T) {
	handle := &scriptedHandle{states: []string{"slot mismatch", "RUNNING"}}

	res, err := newTestStarter().StartPrint(newTestAdapter(handle), "a.gcode", "p.json", StartOptions{UseAMS: false})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !res.Acknowledged || !res.FallbackTriggered {
		t.Fatalf("res = %+v, want acknowledged via fallback", res)
	}

	raws := handle.callsTo("send_raw")
	if len(raws) != 1 {
		t.Fatalf("send_raw called %d times, want 1", len(raws))
	}
	payload, ok := raws[0].args[0].(map[string]any)
	if !ok {
		t.Fatalf("raw payload = %T, want map", raws[0].args[0])
	}
	if payload["command"] != "project_file" || payload["file"] != "a.gcode" {
		t.Fatalf("raw payload = %v", payload)
	}
}

func TestStartPrintConflictPersistingAfterFallbackFails(t *testing.T) {
	handle := &scriptedHandle{states: []string{"AMS filament mismatch"}}

	_, err := newTestStarter().StartPrint(newTestAdapter(handle), "a.gcode", "", StartOptions{UseAMS: true})

	var conflictErr *ProtocolConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("err = %v, want wrapped *ProtocolConflictError", err)
	}
}

func TestStartPrintNoSupportedStartMethod(t *testing.T) {
	handle := &scriptedHandle{unsupported: map[string]bool{
		"start_print": true,
		"print_file":  true,
		"begin_print": true,
	}}

	res, err := newTestStarter().StartPrint(newTestAdapter(handle), "a.gcode", "", StartOptions{})
	if err == nil || res.Acknowledged {
		t.Fatalf("res = %+v err = %v, want failure when no start verb lands", res, err)
	}
}
