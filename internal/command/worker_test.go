package command

import (
	"strings"
	"testing"

	"github.com/orrn/fleetd/internal/cloud"
)

func TestHandleSkipsAlreadyReservedCommand(t *testing.T) {
	source := &recordingSource{}
	w := newTestWorker(t, "SN1", "10.0.0.1", source, nil)

	w.reservations.Reserve("cmd-1")
	w.Handle(cloud.Command{CommandID: "cmd-1", CommandType: TypePoke, TargetSerial: "SN1"})

	if len(source.acks) != 0 {
		t.Fatalf("acked %d times for a pre-reserved command, want 0", len(source.acks))
	}
}

func TestHandleDispatchesVerbAndFinalizes(t *testing.T) {
	source := &recordingSource{}
	handle := &fakeHandle{supported: map[string]any{"pause_print": nil}}
	w := newTestWorker(t, "SN1", "10.0.0.1", source, &fakeConnector{handle: handle})

	w.Handle(cloud.Command{CommandID: "cmd-1", CommandType: TypePause, TargetSerial: "SN1"})

	if len(source.acks) != 1 || source.acks[0].Status != "completed" {
		t.Fatalf("acks = %+v, want one completed ack", source.acks)
	}
	if len(source.results) != 1 || source.results[0].Status != "completed" {
		t.Fatalf("results = %+v, want one completed result", source.results)
	}

	status, _ := w.reservations.Status("cmd-1")
	if status != ReservationCompleted {
		t.Fatalf("reservation status = %q, want completed", status)
	}

	// The adapter must have fallen through "pause" to the supported name.
	found := false
	for _, name := range handle.invoked {
		if name == "pause_print" {
			found = true
		}
	}
	if !found {
		t.Fatalf("invoked = %v, want pause_print attempted", handle.invoked)
	}
}

func TestHandleUnsupportedCommandFailsWithoutRetry(t *testing.T) {
	source := &recordingSource{}
	w := newTestWorker(t, "SN1", "10.0.0.1", source, nil)

	w.Handle(cloud.Command{CommandID: "cmd-1", CommandType: "levitate", TargetSerial: "SN1"})

	if len(source.acks) != 1 || source.acks[0].Status != "failed" {
		t.Fatalf("acks = %+v, want one failed ack", source.acks)
	}
	if !strings.Contains(source.acks[0].ErrorMessage, "unsupported command type") {
		t.Fatalf("error message %q lacks explicit unsupported note", source.acks[0].ErrorMessage)
	}

	status, _ := w.reservations.Status("cmd-1")
	if status != ReservationFailed {
		t.Fatalf("reservation status = %q, want failed", status)
	}
}

func TestSendRawTransportMismatchIsRejected(t *testing.T) {
	source := &recordingSource{}
	handle := &fakeHandle{supported: map[string]any{"send_raw": nil}}
	w := newTestWorker(t, "SN1", "10.0.0.1", source, &fakeConnector{handle: handle})

	w.Handle(cloud.Command{
		CommandID:    "cmd-1",
		CommandType:  TypeSendRaw,
		TargetSerial: "SN1",
		Metadata:     map[string]string{"transport": "cloud", "payload": "M104 S0"},
	})

	if len(source.acks) != 1 || source.acks[0].Status != "failed" {
		t.Fatalf("acks = %+v, want one failed ack", source.acks)
	}
	if !strings.Contains(source.acks[0].ErrorMessage, "transport") {
		t.Fatalf("error message %q does not identify the transport mismatch", source.acks[0].ErrorMessage)
	}
	if len(handle.invoked) != 0 {
		t.Fatalf("device invoked %v despite transport mismatch, want no downgrade", handle.invoked)
	}
}

func TestSendRawMatchingTransportSucceeds(t *testing.T) {
	source := &recordingSource{}
	handle := &fakeHandle{supported: map[string]any{"send_raw": nil}}
	w := newTestWorker(t, "SN1", "10.0.0.1", source, &fakeConnector{handle: handle})

	w.Handle(cloud.Command{
		CommandID:    "cmd-1",
		CommandType:  TypeSendRaw,
		TargetSerial: "SN1",
		Metadata:     map[string]string{"transport": "lan", "payload": "M104 S0"},
	})

	if len(source.acks) != 1 || source.acks[0].Status != "completed" {
		t.Fatalf("acks = %+v, want one completed ack", source.acks)
	}
}

func TestCooldownFailsWhenNoTemperatureMethodWorks(t *testing.T) {
	source := &recordingSource{}
	handle := &fakeHandle{supported: map[string]any{}}
	w := newTestWorker(t, "SN1", "10.0.0.1", source, &fakeConnector{handle: handle})

	w.Handle(cloud.Command{CommandID: "cmd-1", CommandType: TypeCooldown, TargetSerial: "SN1"})

	if len(source.acks) != 1 || source.acks[0].Status != "failed" {
		t.Fatalf("acks = %+v, want failed when the device honors neither verb", source.acks)
	}
}

func TestCooldownSucceedsWithPartialSupport(t *testing.T) {
	source := &recordingSource{}
	handle := &fakeHandle{supported: map[string]any{"set_bed_temperature": nil}}
	w := newTestWorker(t, "SN1", "10.0.0.1", source, &fakeConnector{handle: handle})

	w.Handle(cloud.Command{CommandID: "cmd-1", CommandType: TypeCooldown, TargetSerial: "SN1"})

	if len(source.acks) != 1 || source.acks[0].Status != "completed" {
		t.Fatalf("acks = %+v, want completed with bed-only support", source.acks)
	}
}

func TestHeatCommandSetsTemperatures(t *testing.T) {
	source := &recordingSource{}
	handle := &fakeHandle{supported: map[string]any{
		"set_nozzle_temperature": nil,
		"set_bed_temperature":    nil,
	}}
	w := newTestWorker(t, "SN1", "10.0.0.1", source, &fakeConnector{handle: handle})

	w.Handle(cloud.Command{
		CommandID:    "cmd-1",
		CommandType:  TypeHeat,
		TargetSerial: "SN1",
		Metadata:     map[string]string{"nozzle_temp": "215", "bed_temp": "60"},
	})

	if len(source.acks) != 1 || source.acks[0].Status != "completed" {
		t.Fatalf("acks = %+v, want one completed ack", source.acks)
	}
}
