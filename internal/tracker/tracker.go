package tracker

import (
	"log"
	"sync"
	"time"

	"github.com/orrn/fleetd/internal/db"
)

type JobStatus string

const (
	StatusPrinting  JobStatus = "printing"
	StatusFinished  JobStatus = "finished"
	StatusCancelled JobStatus = "cancelled"
)

// TrackedJob is the lifecycle record for one print. Values handed out by
// the tracker are copies; the tracker exclusively owns the live record.
type TrackedJob struct {
	JobKey         string     `json:"job_key"`
	PrinterSerial  string     `json:"printer_serial"`
	PrinterIP      string     `json:"printer_ip"`
	FileName       string     `json:"file_name"`
	Status         JobStatus  `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
	SentToBackend  bool       `json:"sent_to_backend"`
	BackendEventID string     `json:"backend_event_id"`
	ProductID      string     `json:"product_id"`
	ProductName    string     `json:"product_name"`
}

func (j TrackedJob) Terminal() bool {
	return j.Status == StatusFinished || j.Status == StatusCancelled
}

// Store is the persistence the tracker needs; db.JobStore satisfies it.
type Store interface {
	InsertJob(row *db.TrackedJobRow) error
	UpdateJobStatus(serial, jobKey, status string, finishedAt *time.Time) error
	MarkJobSent(serial, jobKey, eventID string) error
	ListJobsByStatus(status string) ([]*db.TrackedJobRow, error)
	ListUnsentTerminal() ([]*db.TrackedJobRow, error)
	DeleteTerminalBefore(cutoff time.Time) (int64, error)
}

// TerminalCallback fires exactly once per job, on its first transition to a
// terminal state. Errors are logged, never propagated.
type TerminalCallback func(job TrackedJob) error

// Tracker owns job lifecycle state: PRINTING -> FINISHED | CANCELLED, never
// backward. All transitions are persisted so a restart can recover jobs
// still mid-print.
type Tracker struct {
	store      Store
	onTerminal TerminalCallback

	mu   sync.Mutex
	jobs map[string]*TrackedJob // jobMapKey(serial, jobKey)
}

func New(store Store, onTerminal TerminalCallback) *Tracker {
	return &Tracker{
		store:      store,
		onTerminal: onTerminal,
		jobs:       make(map[string]*TrackedJob),
	}
}

// JobKey derives the tracking key for a job: the device-reported job id, or
// a synthesized local key when the device reports none.
func JobKey(jobID, fileName string) string {
	if jobID != "" {
		return jobID
	}
	if fileName != "" {
		return "_local_" + fileName
	}
	return "_local_unknown"
}

func jobMapKey(serial, jobKey string) string {
	return serial + "|" + jobKey
}

// StartJob records a job first observed printing. It is idempotent: a
// second call for the same (serial, job key) returns the existing record
// unchanged.
func (t *Tracker) StartJob(serial, ip, jobID, fileName, productID, productName string) TrackedJob {
	key := JobKey(jobID, fileName)

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.jobs[jobMapKey(serial, key)]; ok {
		return *existing
	}

	job := &TrackedJob{
		JobKey:        key,
		PrinterSerial: serial,
		PrinterIP:     ip,
		FileName:      fileName,
		Status:        StatusPrinting,
		StartedAt:     time.Now(),
		ProductID:     productID,
		ProductName:   productName,
	}
	t.jobs[jobMapKey(serial, key)] = job

	if err := t.store.InsertJob(&db.TrackedJobRow{
		JobKey:        job.JobKey,
		PrinterSerial: job.PrinterSerial,
		PrinterIP:     job.PrinterIP,
		FileName:      job.FileName,
		Status:        string(job.Status),
		StartedAt:     job.StartedAt,
		ProductID:     job.ProductID,
		ProductName:   job.ProductName,
	}); err != nil {
		log.Printf("[tracker] failed to persist job %s on %s: %v", key, serial, err)
	}

	log.Printf("[tracker] tracking job %s on %s (file %q)", key, serial, fileName)
	return *job
}

// FinishJob moves a job to FINISHED. Already-terminal jobs are untouched
// no-ops; the recorded timestamps do not move.
func (t *Tracker) FinishJob(serial, jobID, fileName string) (TrackedJob, bool) {
	return t.terminate(serial, JobKey(jobID, fileName), StatusFinished)
}

// CancelJob moves a job to CANCELLED with the same no-op semantics.
func (t *Tracker) CancelJob(serial, jobID, fileName string) (TrackedJob, bool) {
	return t.terminate(serial, JobKey(jobID, fileName), StatusCancelled)
}

func (t *Tracker) terminate(serial, key string, status JobStatus) (TrackedJob, bool) {
	t.mu.Lock()
	job, ok := t.jobs[jobMapKey(serial, key)]
	if !ok {
		t.mu.Unlock()
		return TrackedJob{}, false
	}
	if job.Terminal() {
		copied := *job
		t.mu.Unlock()
		return copied, true
	}

	now := time.Now()
	job.Status = status
	job.FinishedAt = &now
	copied := *job
	t.mu.Unlock()

	if err := t.store.UpdateJobStatus(serial, key, string(status), &now); err != nil {
		log.Printf("[tracker] failed to persist %s transition for job %s on %s: %v", status, key, serial, err)
	}

	log.Printf("[tracker] job %s on %s -> %s", key, serial, status)

	if t.onTerminal != nil {
		if err := t.onTerminal(copied); err != nil {
			log.Printf("[tracker] terminal callback failed for job %s on %s: %v", key, serial, err)
		}
	}

	return copied, true
}

// GetJob returns a copy of a tracked job.
func (t *Tracker) GetJob(serial, jobKey string) (TrackedJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[jobMapKey(serial, jobKey)]
	if !ok {
		return TrackedJob{}, false
	}
	return *job, true
}

// ListJobs returns copies of every in-memory job.
func (t *Tracker) ListJobs() []TrackedJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	jobs := make([]TrackedJob, 0, len(t.jobs))
	for _, job := range t.jobs {
		jobs = append(jobs, *job)
	}
	return jobs
}

// MarkAsSent flags a terminal job as reported to the backend.
func (t *Tracker) MarkAsSent(serial, jobKey, backendEventID string) bool {
	t.mu.Lock()
	job, ok := t.jobs[jobMapKey(serial, jobKey)]
	if !ok || !job.Terminal() {
		t.mu.Unlock()
		return false
	}
	job.SentToBackend = true
	job.BackendEventID = backendEventID
	t.mu.Unlock()

	if err := t.store.MarkJobSent(serial, jobKey, backendEventID); err != nil {
		log.Printf("[tracker] failed to persist sent flag for job %s on %s: %v", jobKey, serial, err)
	}
	return true
}

// GetPendingJobs returns terminal jobs not yet reported to the backend,
// used to flush backlog after a connectivity gap.
func (t *Tracker) GetPendingJobs() []TrackedJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	var pending []TrackedJob
	for _, job := range t.jobs {
		if job.Terminal() && !job.SentToBackend {
			pending = append(pending, *job)
		}
	}
	return pending
}

// LoadFromDatabase reconstructs in-memory PRINTING jobs from persisted state
// at process start. Jobs already known in memory are skipped.
func (t *Tracker) LoadFromDatabase() error {
	rows, err := t.store.ListJobsByStatus(string(StatusPrinting))
	if err != nil {
		return err
	}

	unsent, err := t.store.ListUnsentTerminal()
	if err != nil {
		return err
	}
	rows = append(rows, unsent...)

	t.mu.Lock()
	defer t.mu.Unlock()

	recovered := 0
	for _, row := range rows {
		mapKey := jobMapKey(row.PrinterSerial, row.JobKey)
		if _, exists := t.jobs[mapKey]; exists {
			continue
		}
		t.jobs[mapKey] = &TrackedJob{
			JobKey:         row.JobKey,
			PrinterSerial:  row.PrinterSerial,
			PrinterIP:      row.PrinterIP,
			FileName:       row.FileName,
			Status:         JobStatus(row.Status),
			StartedAt:      row.StartedAt,
			FinishedAt:     row.FinishedAt,
			SentToBackend:  row.SentToBackend,
			BackendEventID: row.BackendEventID,
			ProductID:      row.ProductID,
			ProductName:    row.ProductName,
		}
		recovered++
	}

	if recovered > 0 {
		log.Printf("[tracker] recovered %d job(s) from database", recovered)
	}
	return nil
}

// Prune drops terminal jobs older than the cutoff from store and memory.
func (t *Tracker) Prune(cutoff time.Time) {
	deleted, err := t.store.DeleteTerminalBefore(cutoff)
	if err != nil {
		log.Printf("[tracker] prune failed: %v", err)
		return
	}

	t.mu.Lock()
	for key, job := range t.jobs {
		if job.Terminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(t.jobs, key)
		}
	}
	t.mu.Unlock()

	if deleted > 0 {
		log.Printf("[tracker] pruned %d old job(s)", deleted)
	}
}
