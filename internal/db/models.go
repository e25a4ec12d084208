package db

import (
	"time"
)

type TrackedJobRow struct {
	ID             int64      `json:"id"`
	JobKey         string     `json:"job_key"`
	PrinterSerial  string     `json:"printer_serial"`
	PrinterIP      string     `json:"printer_ip"`
	FileName       string     `json:"file_name"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
	SentToBackend  bool       `json:"sent_to_backend"`
	BackendEventID string     `json:"backend_event_id"`
	ProductID      string     `json:"product_id"`
	ProductName    string     `json:"product_name"`
}
