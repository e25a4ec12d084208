package command

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	ReservationReserved  = "reserved"
	ReservationCompleted = "completed"
	ReservationFailed    = "failed"
)

type reservationEntry struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type reservationFile struct {
	Commands map[string]reservationEntry `json:"commands"`
}

// ReservationStore enforces at-most-once local execution per command id,
// across process restarts. It is the one deliberately shared mutable
// resource in the system: a single mutex guards it and every write is
// flushed to disk so a crash mid-command still blocks double execution.
type ReservationStore struct {
	path string

	mu      sync.Mutex
	entries map[string]reservationEntry
}

func NewReservationStore(path string) (*ReservationStore, error) {
	s := &ReservationStore{
		path:    path,
		entries: make(map[string]reservationEntry),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ReservationStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read reservation cache: %w", err)
	}

	var parsed reservationFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		// A corrupt cache must not brick the agent; start fresh but keep
		// the bytes around for diagnosis.
		log.Printf("[reservations] cache at %s is corrupt, starting fresh: %v", s.path, err)
		_ = os.Rename(s.path, s.path+".corrupt")
		return nil
	}

	if parsed.Commands != nil {
		s.entries = parsed.Commands
	}
	return nil
}

// Reserve attempts to claim a command id. The second and all later calls
// for the same id return false.
func (s *ReservationStore) Reserve(commandID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[commandID]; exists {
		return false
	}

	s.entries[commandID] = reservationEntry{
		Status:    ReservationReserved,
		Timestamp: time.Now(),
	}
	s.flushLocked()
	return true
}

// Finalize records the outcome of a reserved command.
func (s *ReservationStore) Finalize(commandID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[commandID] = reservationEntry{
		Status:    status,
		Timestamp: time.Now(),
	}
	s.flushLocked()
}

// Status returns the recorded state of a command id.
func (s *ReservationStore) Status(commandID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[commandID]
	if !ok {
		return "", false
	}
	return entry.Status, true
}

// Count returns how many command ids the cache knows.
func (s *ReservationStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *ReservationStore) flushLocked() {
	data, err := json.MarshalIndent(reservationFile{Commands: s.entries}, "", "  ")
	if err != nil {
		log.Printf("[reservations] failed to marshal cache: %v", err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		log.Printf("[reservations] failed to create cache directory: %v", err)
		return
	}

	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		log.Printf("[reservations] failed to flush cache to %s: %v", s.path, err)
	}
}
