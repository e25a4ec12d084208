package command

import (
	"path/filepath"
	"testing"
)

func TestReserveTwiceRejectsSecond(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.json")
	store, err := NewReservationStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	if !store.Reserve("cmd-1") {
		t.Fatal("first reservation rejected")
	}
	if store.Reserve("cmd-1") {
		t.Fatal("second reservation accepted")
	}
}

func TestReservationSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.json")

	store, err := NewReservationStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	store.Reserve("cmd-1")
	store.Finalize("cmd-1", ReservationCompleted)

	reopened, err := NewReservationStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}

	if reopened.Reserve("cmd-1") {
		t.Fatal("command re-reserved after restart")
	}

	status, ok := reopened.Status("cmd-1")
	if !ok || status != ReservationCompleted {
		t.Fatalf("status = %q ok=%v, want completed", status, ok)
	}
}

func TestReservationSurvivesCrashMidCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.json")

	store, err := NewReservationStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	// Reserve but never finalize, as a crash mid-command would leave it.
	store.Reserve("cmd-1")

	reopened, err := NewReservationStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	if reopened.Reserve("cmd-1") {
		t.Fatal("unfinalized reservation did not block replay")
	}
}

func TestMissingCacheFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "commands.json")
	store, err := NewReservationStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if store.Count() != 0 {
		t.Fatalf("count = %d, want 0", store.Count())
	}
	if !store.Reserve("cmd-1") {
		t.Fatal("reservation failed on fresh store")
	}
}
