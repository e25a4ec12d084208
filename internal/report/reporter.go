package report

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orrn/fleetd/internal/tracker"
)

const (
	EventJobFinished  = "job_finished"
	EventJobCancelled = "job_cancelled"
)

// JobEventPayload is the body posted to the backend for one terminal job.
type JobEventPayload struct {
	EventID       string     `json:"event_id"`
	Event         string     `json:"event"`
	JobKey        string     `json:"job_key"`
	PrinterSerial string     `json:"printer_serial"`
	PrinterIP     string     `json:"printer_ip"`
	FileName      string     `json:"file_name"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	ProductID     string     `json:"product_id,omitempty"`
	ProductName   string     `json:"product_name,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
	Signature     string     `json:"signature,omitempty"`
}

// DeliveredFunc is called after an event reaches the backend, with the
// event id that was accepted.
type DeliveredFunc func(printerSerial, jobKey, eventID string)

type reportTask struct {
	payload *JobEventPayload
	attempt int
}

type Config struct {
	Endpoint    string
	Secret      string
	RetryCount  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	WorkerCount int
	QueueSize   int
}

// Reporter delivers job lifecycle events to the backend through a buffered
// queue and a small worker pool, retrying transient failures with backoff.
type Reporter struct {
	endpoint    string
	secret      string
	httpClient  *http.Client
	retryCount  int
	retryDelay  time.Duration
	onDelivered DeliveredFunc

	queue   chan *reportTask
	workers int
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewReporter(config Config, onDelivered DeliveredFunc) *Reporter {
	if config.RetryCount <= 0 {
		config.RetryCount = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 5 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 2
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}

	return &Reporter{
		endpoint:    config.Endpoint,
		secret:      config.Secret,
		httpClient:  &http.Client{Timeout: config.Timeout},
		retryCount:  config.RetryCount,
		retryDelay:  config.RetryDelay,
		onDelivered: onDelivered,
		queue:       make(chan *reportTask, config.QueueSize),
		workers:     config.WorkerCount,
		stopCh:      make(chan struct{}),
	}
}

func (r *Reporter) Start() {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
}

func (r *Reporter) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// ReportJob queues one terminal job for delivery. Safe to call from the
// tracker's terminal callback.
func (r *Reporter) ReportJob(job tracker.TrackedJob) error {
	event := EventJobFinished
	if job.Status == tracker.StatusCancelled {
		event = EventJobCancelled
	}

	payload := &JobEventPayload{
		EventID:       uuid.NewString(),
		Event:         event,
		JobKey:        job.JobKey,
		PrinterSerial: job.PrinterSerial,
		PrinterIP:     job.PrinterIP,
		FileName:      job.FileName,
		Status:        string(job.Status),
		StartedAt:     job.StartedAt,
		FinishedAt:    job.FinishedAt,
		ProductID:     job.ProductID,
		ProductName:   job.ProductName,
		Timestamp:     time.Now(),
	}

	select {
	case r.queue <- &reportTask{payload: payload}:
		return nil
	default:
		log.Printf("[reporter] queue full, dropping event for job %s on %s", job.JobKey, job.PrinterSerial)
		return fmt.Errorf("reporter queue full")
	}
}

func (r *Reporter) worker(id int) {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopCh:
			return
		case task := <-r.queue:
			if err := r.sendWithRetry(task); err != nil {
				log.Printf("[reporter worker %d] failed to deliver event %s for job %s after %d attempts: %v",
					id, task.payload.EventID, task.payload.JobKey, task.attempt, err)
			}
		}
	}
}

func (r *Reporter) sendWithRetry(task *reportTask) error {
	var lastErr error
	for task.attempt < r.retryCount {
		task.attempt++

		err := r.sendRequest(task.payload)
		if err == nil {
			if r.onDelivered != nil {
				r.onDelivered(task.payload.PrinterSerial, task.payload.JobKey, task.payload.EventID)
			}
			return nil
		}

		lastErr = err

		if isClientError(err) {
			log.Printf("[reporter] client error for event %s, not retrying: %v", task.payload.EventID, err)
			return err
		}

		if task.attempt < r.retryCount {
			backoff := r.retryDelay * time.Duration(1<<(task.attempt-1))
			log.Printf("[reporter] retry %d/%d for event %s in %v: %v",
				task.attempt, r.retryCount, task.payload.EventID, backoff, err)

			select {
			case <-r.stopCh:
				return fmt.Errorf("shutdown requested")
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (r *Reporter) sendRequest(payload *JobEventPayload) error {
	dataBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if r.secret != "" {
		payload.Signature = r.signPayload(dataBytes)
		if dataBytes, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("marshal signed event: %w", err)
		}
	}

	req, err := http.NewRequest("POST", r.endpoint, bytes.NewReader(dataBytes))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Signature", payload.Signature)
	req.Header.Set("X-Event-Type", payload.Event)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("http error: %d", resp.StatusCode)
	}

	return nil
}

func (r *Reporter) signPayload(payload []byte) string {
	h := hmac.New(sha256.New, []byte(r.secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func isClientError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()
	if strings.Contains(errStr, "http error: 4") {
		return true
	}
	return false
}
