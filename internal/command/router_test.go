package command

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/orrn/fleetd/internal/cloud"
	"github.com/orrn/fleetd/internal/device"
)

type nullSource struct{}

func (nullSource) FetchCommands(ctx context.Context, serial, ip string) ([]cloud.Command, error) {
	return nil, nil
}

func (nullSource) AckCommand(ctx context.Context, serial, commandID, status, message, errorMessage string) error {
	return nil
}

func (nullSource) PostCommandResult(ctx context.Context, commandID, status, message, errorMessage string) error {
	return nil
}

type recordingSource struct {
	mu      sync.Mutex
	acks    []ackRecord
	results []ackRecord
}

type ackRecord struct {
	CommandID    string
	Status       string
	Message      string
	ErrorMessage string
}

func (r *recordingSource) FetchCommands(ctx context.Context, serial, ip string) ([]cloud.Command, error) {
	return nil, nil
}

func (r *recordingSource) AckCommand(ctx context.Context, serial, commandID, status, message, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = append(r.acks, ackRecord{commandID, status, message, errorMessage})
	return nil
}

func (r *recordingSource) PostCommandResult(ctx context.Context, commandID, status, message, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, ackRecord{commandID, status, message, errorMessage})
	return nil
}

type fakeHandle struct {
	supported map[string]any
	invoked   []string
}

func (h *fakeHandle) TryInvoke(name string, args ...any) (any, bool) {
	h.invoked = append(h.invoked, name)
	v, ok := h.supported[name]
	return v, ok
}

func (h *fakeHandle) Disconnect() {}

type fakeConnector struct {
	handle *fakeHandle
	err    error
}

func (c *fakeConnector) Dial(creds device.Credentials, timeout time.Duration) (device.Handle, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.handle, nil
}

func newTestWorker(t *testing.T, serial, ip string, source CommandSource, connector device.Connector) *Worker {
	t.Helper()
	reservations, err := NewReservationStore(filepath.Join(t.TempDir(), "commands.json"))
	if err != nil {
		t.Fatalf("reservation store: %v", err)
	}
	if connector == nil {
		connector = &fakeConnector{handle: &fakeHandle{supported: map[string]any{}}}
	}
	creds := device.Credentials{SerialNumber: serial, IPAddress: ip}
	cfg := WorkerConfig{PollInterval: time.Minute, RetryDelay: time.Millisecond}
	return NewWorker(creds, cfg, connector, nil, nil, source, reservations, nil)
}

func drainInbox(w *Worker) []cloud.Command {
	var cmds []cloud.Command
	for {
		select {
		case cmd := <-w.inbox:
			cmds = append(cmds, cmd)
		default:
			return cmds
		}
	}
}

func TestBacklogDrainsMatchingCommandsInOrder(t *testing.T) {
	r := NewRouter()

	r.Route(cloud.Command{CommandID: "c1", TargetSerial: "SN1"})
	r.Route(cloud.Command{CommandID: "c2", TargetSerial: "SN1"})
	r.Route(cloud.Command{CommandID: "c3", TargetSerial: "SN2"})

	if got := r.BacklogSize(); got != 3 {
		t.Fatalf("backlog = %d before any worker, want 3", got)
	}

	w := newTestWorker(t, "SN1", "10.0.0.1", nullSource{}, nil)
	r.Register(w)

	drained := drainInbox(w)
	if len(drained) != 2 {
		t.Fatalf("drained %d commands, want 2", len(drained))
	}
	if drained[0].CommandID != "c1" || drained[1].CommandID != "c2" {
		t.Fatalf("drain order = %s,%s, want c1,c2", drained[0].CommandID, drained[1].CommandID)
	}

	if got := r.BacklogSize(); got != 1 {
		t.Fatalf("backlog = %d after SN1 drain, want the SN2 command still queued", got)
	}
}

func TestRouteToRegisteredWorker(t *testing.T) {
	r := NewRouter()
	w := newTestWorker(t, "SN1", "10.0.0.1", nullSource{}, nil)
	r.Register(w)

	r.Route(cloud.Command{CommandID: "c1", TargetSerial: "SN1"})
	r.Route(cloud.Command{CommandID: "c2", TargetIP: "10.0.0.1"})

	drained := drainInbox(w)
	if len(drained) != 2 {
		t.Fatalf("worker got %d commands, want 2 (serial and ip targeting)", len(drained))
	}
	if r.BacklogSize() != 0 {
		t.Fatalf("backlog = %d, want 0", r.BacklogSize())
	}
}

func TestRouteKeepsCommandWhenInboxIsFull(t *testing.T) {
	r := NewRouter()
	w := newTestWorker(t, "SN1", "10.0.0.1", nullSource{}, nil)
	r.Register(w)

	// Fill the inbox of the not-yet-started worker to capacity.
	for i := 0; i < cap(w.inbox); i++ {
		r.Route(cloud.Command{CommandID: "fill", TargetSerial: "SN1"})
	}

	r.Route(cloud.Command{CommandID: "overflow", TargetSerial: "SN1"})

	if got := r.BacklogSize(); got != 1 {
		t.Fatalf("backlog = %d, want the overflowing command held, not dropped", got)
	}
}

func TestRegisterRequeuesBacklogTheWorkerCannotAccept(t *testing.T) {
	r := NewRouter()
	w := newTestWorker(t, "SN1", "10.0.0.1", nullSource{}, nil)

	total := cap(w.inbox) + 2
	for i := 0; i < total; i++ {
		r.Route(cloud.Command{CommandID: fmt.Sprintf("c%d", i), TargetSerial: "SN1"})
	}

	r.Register(w)

	if got := r.BacklogSize(); got != 2 {
		t.Fatalf("backlog = %d, want the 2 unaccepted commands re-queued", got)
	}

	// The re-queued commands keep their original order at the head.
	w2 := newTestWorker(t, "SN1", "10.0.0.1", nullSource{}, nil)
	drainInbox(w)
	r.Remove("SN1")
	r.Register(w2)
	drained := drainInbox(w2)
	if len(drained) != 2 || drained[0].CommandID != fmt.Sprintf("c%d", total-2) {
		t.Fatalf("re-queued drain = %+v, want the tail commands in order", drained)
	}
}

func TestSubmitRejectedAfterStop(t *testing.T) {
	w := newTestWorker(t, "SN1", "10.0.0.1", nullSource{}, nil)
	w.Stop()

	if w.Submit(cloud.Command{CommandID: "c1", TargetSerial: "SN1"}) {
		t.Fatal("stopped worker accepted a command")
	}
}

func TestRemoveWorkerKeepsBacklog(t *testing.T) {
	r := NewRouter()
	w := newTestWorker(t, "SN1", "10.0.0.1", nullSource{}, nil)
	r.Register(w)
	r.Remove("SN1")

	r.Route(cloud.Command{CommandID: "c1", TargetSerial: "SN1"})
	if r.BacklogSize() != 1 {
		t.Fatalf("backlog = %d after remove, want 1", r.BacklogSize())
	}

	// Re-registering later drains what accumulated in the meantime.
	w2 := newTestWorker(t, "SN1", "10.0.0.1", nullSource{}, nil)
	r.Register(w2)
	if got := len(drainInbox(w2)); got != 1 {
		t.Fatalf("re-registered worker drained %d commands, want 1", got)
	}
}
