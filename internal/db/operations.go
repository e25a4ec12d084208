package db

import (
	"database/sql"
	"fmt"
	"time"
)

// JobStore is the persistence surface the job tracker talks to.
type JobStore struct {
	db *sql.DB
}

func NewJobStore(database *sql.DB) *JobStore {
	return &JobStore{db: database}
}

func (s *JobStore) InsertJob(row *TrackedJobRow) error {
	_, err := s.db.Exec(InsertTrackedJob,
		row.JobKey, row.PrinterSerial, row.PrinterIP, row.FileName,
		row.Status, row.StartedAt, row.ProductID, row.ProductName,
	)
	if err != nil {
		return fmt.Errorf("failed to insert tracked job: %w", err)
	}
	return nil
}

func (s *JobStore) UpdateJobStatus(serial, jobKey, status string, finishedAt *time.Time) error {
	var finishedVal interface{}
	if finishedAt != nil {
		finishedVal = finishedAt
	}
	_, err := s.db.Exec(UpdateTrackedJobStatus, status, finishedVal, serial, jobKey)
	if err != nil {
		return fmt.Errorf("failed to update tracked job status: %w", err)
	}
	return nil
}

func (s *JobStore) MarkJobSent(serial, jobKey, eventID string) error {
	_, err := s.db.Exec(MarkTrackedJobSent, eventID, serial, jobKey)
	if err != nil {
		return fmt.Errorf("failed to mark tracked job sent: %w", err)
	}
	return nil
}

func (s *JobStore) ListJobsByStatus(status string) ([]*TrackedJobRow, error) {
	rows, err := s.db.Query(ListTrackedJobsByStatus, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracked jobs: %w", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

func (s *JobStore) ListUnsentTerminal() ([]*TrackedJobRow, error) {
	rows, err := s.db.Query(ListUnsentTerminalJobs)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsent jobs: %w", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

func (s *JobStore) ListJobs(limit, offset int) ([]*TrackedJobRow, error) {
	rows, err := s.db.Query(ListAllTrackedJobs, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracked jobs: %w", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

func (s *JobStore) DeleteTerminalBefore(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(DeleteTerminalJobsBefore, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune tracked jobs: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected, nil
}

func scanJobRows(rows *sql.Rows) ([]*TrackedJobRow, error) {
	var jobs []*TrackedJobRow
	for rows.Next() {
		row := &TrackedJobRow{}
		var finishedAt sql.NullTime
		var sent int
		err := rows.Scan(
			&row.ID, &row.JobKey, &row.PrinterSerial, &row.PrinterIP,
			&row.FileName, &row.Status, &row.StartedAt, &finishedAt,
			&sent, &row.BackendEventID, &row.ProductID, &row.ProductName,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tracked job: %w", err)
		}
		if finishedAt.Valid {
			row.FinishedAt = &finishedAt.Time
		}
		row.SentToBackend = sent == 1
		jobs = append(jobs, row)
	}
	return jobs, nil
}
