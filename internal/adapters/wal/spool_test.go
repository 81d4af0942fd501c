package wal

import (
	"os"
	"testing"
	"time"

	"github.com/ghalamif/aquaflow/internal/domain"
	"github.com/ghalamif/aquaflow/internal/ports"
)

func TestSpoolAppendIterateAndReplay(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}

	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	id1, err := s.Append(&domain.Snapshot{MachineID: "m-1", WaterLevel: 2, CapturedAt: ts})
	if err != nil || id1 == 0 {
		t.Fatalf("append 1: %v id=%d", err, id1)
	}
	id2, err := s.Append(&domain.Snapshot{MachineID: "m-2", WaterLevel: 4, CapturedAt: ts})
	if err != nil || id2 != id1+1 {
		t.Fatalf("append 2: %v id=%d", err, id2)
	}

	var machines []string
	if err := s.Iterate(id2, func(id ports.WALEntryID, snap *domain.Snapshot) error {
		machines = append(machines, snap.MachineID)
		return nil
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(machines) != 1 || machines[0] != "m-2" {
		t.Fatalf("expected only m-2 from id %d, got %v", id2, machines)
	}

	if err := s.Commit(id1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	stats := reopened.Stats()
	if stats.LatestAppended != id2 {
		t.Fatalf("expected latest appended %d, got %d", id2, stats.LatestAppended)
	}
	if stats.OldestUncommitted != id2 {
		t.Fatalf("expected oldest uncommitted %d, got %d", id2, stats.OldestUncommitted)
	}
}

func TestSpoolTruncatesWhenFullyCommitted(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	defer s.Close()

	id, err := s.Append(&domain.Snapshot{MachineID: "m-1", WaterLevel: 1, CapturedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if s.Stats().SizeBytes == 0 {
		t.Fatalf("expected spool to hold bytes before commit")
	}
	if err := s.Commit(id); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := s.Stats().SizeBytes; got != 0 {
		t.Fatalf("expected empty spool after full commit, got %d bytes", got)
	}

	next, err := s.Append(&domain.Snapshot{MachineID: "m-1", WaterLevel: 2, CapturedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("append after truncate: %v", err)
	}
	if next <= id {
		t.Fatalf("expected ids to keep growing, got %d after %d", next, id)
	}
}

func TestSpoolDropsTornTail(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	if _, err := s.Append(&domain.Snapshot{MachineID: "m-1", WaterLevel: 1, CapturedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("append: %v", err)
	}
	size := s.Stats().SizeBytes
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if _, err := f.Write([]byte{0xFF, 0xAA}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	f.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen after garbage: %v", err)
	}
	defer reopened.Close()
	if got := reopened.Stats().SizeBytes; got != size {
		t.Fatalf("expected torn tail dropped (size %d), got %d", size, got)
	}
}
