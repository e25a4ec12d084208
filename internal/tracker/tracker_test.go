package tracker

import (
	"errors"
	"testing"
	"time"

	"github.com/orrn/fleetd/internal/db"
)

type fakeStore struct {
	inserted []*db.TrackedJobRow
	printing []*db.TrackedJobRow
	unsent   []*db.TrackedJobRow
}

func (f *fakeStore) InsertJob(row *db.TrackedJobRow) error {
	f.inserted = append(f.inserted, row)
	return nil
}

func (f *fakeStore) UpdateJobStatus(serial, jobKey, status string, finishedAt *time.Time) error {
	return nil
}

func (f *fakeStore) MarkJobSent(serial, jobKey, eventID string) error { return nil }

func (f *fakeStore) ListJobsByStatus(status string) ([]*db.TrackedJobRow, error) {
	return f.printing, nil
}

func (f *fakeStore) ListUnsentTerminal() ([]*db.TrackedJobRow, error) { return f.unsent, nil }

func (f *fakeStore) DeleteTerminalBefore(cutoff time.Time) (int64, error) { return 0, nil }

func TestStartJobIsIdempotent(t *testing.T) {
	tr := New(&fakeStore{}, nil)

	first := tr.StartJob("SN1", "10.0.0.5", "job-1", "benchy.gcode", "", "")
	second := tr.StartJob("SN1", "10.0.0.5", "job-1", "benchy.gcode", "", "")

	if first.JobKey != second.JobKey || !first.StartedAt.Equal(second.StartedAt) {
		t.Fatalf("second StartJob returned a different job: %+v vs %+v", first, second)
	}
	if second.Status != StatusPrinting {
		t.Fatalf("status = %s, want printing", second.Status)
	}
}

func TestJobKeySynthesis(t *testing.T) {
	if got := JobKey("job-9", "f.gcode"); got != "job-9" {
		t.Errorf("JobKey with id = %q, want job-9", got)
	}
	if got := JobKey("", "f.gcode"); got != "_local_f.gcode" {
		t.Errorf("JobKey without id = %q, want _local_f.gcode", got)
	}
	if got := JobKey("", ""); got != "_local_unknown" {
		t.Errorf("JobKey without anything = %q, want _local_unknown", got)
	}
}

func TestFinishJobOnFinishedJobIsNoOp(t *testing.T) {
	tr := New(&fakeStore{}, nil)

	tr.StartJob("SN1", "", "job-1", "", "", "")
	first, ok := tr.FinishJob("SN1", "job-1", "")
	if !ok || first.Status != StatusFinished || first.FinishedAt == nil {
		t.Fatalf("first finish: ok=%v job=%+v", ok, first)
	}

	time.Sleep(5 * time.Millisecond)

	second, ok := tr.FinishJob("SN1", "job-1", "")
	if !ok {
		t.Fatal("second finish should still find the job")
	}
	if !second.FinishedAt.Equal(*first.FinishedAt) {
		t.Fatalf("finishedAt moved on repeat finish: %v -> %v", first.FinishedAt, second.FinishedAt)
	}
}

func TestStatusNeverMovesBackward(t *testing.T) {
	tr := New(&fakeStore{}, nil)

	tr.StartJob("SN1", "", "job-1", "", "", "")
	tr.CancelJob("SN1", "job-1", "")

	job, ok := tr.FinishJob("SN1", "job-1", "")
	if !ok {
		t.Fatal("job disappeared")
	}
	if job.Status != StatusCancelled {
		t.Fatalf("status = %s after finish-on-cancelled, want cancelled", job.Status)
	}
}

func TestTerminalCallbackFiresExactlyOnce(t *testing.T) {
	fired := 0
	tr := New(&fakeStore{}, func(job TrackedJob) error {
		fired++
		return errors.New("callback failure must not propagate")
	})

	tr.StartJob("SN1", "", "job-1", "", "", "")
	tr.FinishJob("SN1", "job-1", "")
	tr.FinishJob("SN1", "job-1", "")
	tr.CancelJob("SN1", "job-1", "")

	if fired != 1 {
		t.Fatalf("terminal callback fired %d times, want 1", fired)
	}
}

func TestMarkAsSentAndPendingJobs(t *testing.T) {
	tr := New(&fakeStore{}, nil)

	tr.StartJob("SN1", "", "job-1", "", "", "")
	tr.StartJob("SN1", "", "job-2", "", "", "")
	tr.FinishJob("SN1", "job-1", "")
	tr.FinishJob("SN1", "job-2", "")

	if got := len(tr.GetPendingJobs()); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}

	if !tr.MarkAsSent("SN1", "job-1", "evt-1") {
		t.Fatal("MarkAsSent failed for terminal job")
	}

	pending := tr.GetPendingJobs()
	if len(pending) != 1 || pending[0].JobKey != "job-2" {
		t.Fatalf("pending = %+v, want only job-2", pending)
	}
}

func TestMarkAsSentRejectsNonTerminal(t *testing.T) {
	tr := New(&fakeStore{}, nil)
	tr.StartJob("SN1", "", "job-1", "", "", "")

	if tr.MarkAsSent("SN1", "job-1", "evt-1") {
		t.Fatal("MarkAsSent succeeded on a printing job")
	}
}

func TestLoadFromDatabaseSkipsKnownJobs(t *testing.T) {
	store := &fakeStore{
		printing: []*db.TrackedJobRow{
			{JobKey: "job-1", PrinterSerial: "SN1", Status: "printing", StartedAt: time.Now().Add(-time.Hour)},
			{JobKey: "job-2", PrinterSerial: "SN1", Status: "printing", StartedAt: time.Now().Add(-time.Hour)},
		},
	}
	tr := New(store, nil)

	live := tr.StartJob("SN1", "", "job-1", "", "", "")

	if err := tr.LoadFromDatabase(); err != nil {
		t.Fatalf("LoadFromDatabase: %v", err)
	}

	job, ok := tr.GetJob("SN1", "job-1")
	if !ok || !job.StartedAt.Equal(live.StartedAt) {
		t.Fatal("recovery overwrote an in-memory job")
	}

	if _, ok := tr.GetJob("SN1", "job-2"); !ok {
		t.Fatal("recovery did not restore job-2")
	}
}
