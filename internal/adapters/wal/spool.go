package wal

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/ghalamif/aquaflow/internal/domain"
	"github.com/ghalamif/aquaflow/internal/ports"
)

// record layout: [8 bytes id][4 bytes len][len bytes json snapshot]
const recordHeaderLen = 12

// Spool is an append-only file of captured snapshots. Entries past the
// committed id have not been confirmed by the snapshot store yet.
type Spool struct {
	mu        sync.Mutex
	dir       string
	path      string
	metaPath  string
	file      *os.File
	writer    *bufio.Writer
	nextID    ports.WALEntryID
	committed ports.WALEntryID
	sizeBytes int64
}

func Open(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &Spool{
		dir:      dir,
		path:     filepath.Join(dir, "snapshots.wal"),
		metaPath: filepath.Join(dir, "snapshots.meta"),
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	if err := s.loadCommitted(); err != nil {
		return nil, err
	}
	if s.nextID < s.committed {
		s.nextID = s.committed
	}
	return s, nil
}

func (s *Spool) open() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	s.writer = bufio.NewWriterSize(f, 64<<10)
	return s.recover()
}

// recover scans existing records and drops a torn tail left by a crash mid-append.
func (s *Spool) recover() error {
	rf, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	var (
		offset int64
		lastID ports.WALEntryID
	)
	err = readRecords(bufio.NewReader(rf), func(id ports.WALEntryID, body []byte) error {
		offset += recordHeaderLen + int64(len(body))
		lastID = id
		return nil
	})
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("spool scan: %w", err)
	}
	if err := s.file.Truncate(offset); err != nil {
		return err
	}
	s.sizeBytes = offset
	if lastID > s.nextID {
		s.nextID = lastID
	}
	return nil
}

func (s *Spool) loadCommitted() error {
	data, err := os.ReadFile(s.metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	val := strings.TrimSpace(string(data))
	if val == "" {
		return nil
	}
	u, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return fmt.Errorf("spool meta parse: %w", err)
	}
	s.committed = ports.WALEntryID(u)
	return nil
}

func (s *Spool) Append(snap *domain.Snapshot) (ports.WALEntryID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.Marshal(snap)
	if err != nil {
		return 0, err
	}
	id := s.nextID + 1

	var hdr [recordHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(id))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(b)))
	if _, err := s.writer.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := s.writer.Write(b); err != nil {
		return 0, err
	}
	// the snapshot must survive a crash before the store write is attempted
	if err := s.writer.Flush(); err != nil {
		return 0, err
	}
	if err := s.file.Sync(); err != nil {
		return 0, err
	}

	s.nextID = id
	s.sizeBytes += int64(len(b) + recordHeaderLen)
	return id, nil
}

// Iterate calls fn for every record with id >= from, in append order.
func (s *Spool) Iterate(from ports.WALEntryID, fn func(id ports.WALEntryID, snap *domain.Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writer.Flush(); err != nil {
		return err
	}
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	return readRecords(bufio.NewReader(f), func(id ports.WALEntryID, body []byte) error {
		if id < from {
			return nil
		}
		var snap domain.Snapshot
		if err := json.Unmarshal(body, &snap); err != nil {
			return fmt.Errorf("corrupt spool entry %d: %w", id, err)
		}
		return fn(id, &snap)
	})
}

func (s *Spool) Commit(upto ports.WALEntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upto > s.committed {
		s.committed = upto
	}
	if err := os.WriteFile(s.metaPath, []byte(fmt.Sprintf("%d\n", s.committed)), 0o644); err != nil {
		return err
	}
	if s.committed >= s.nextID && s.sizeBytes > 0 {
		return s.truncateLocked()
	}
	return nil
}

// truncateLocked empties the log once every entry is committed; ids keep growing.
func (s *Spool) truncateLocked() error {
	if err := s.writer.Flush(); err != nil {
		return err
	}
	if err := s.file.Truncate(0); err != nil {
		return err
	}
	s.sizeBytes = 0
	return nil
}

func (s *Spool) Stats() ports.WALStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ports.WALStats{
		OldestUncommitted: s.committed + 1,
		LatestAppended:    s.nextID,
		SizeBytes:         s.sizeBytes,
	}
}

func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}

func readRecords(r io.Reader, fn func(id ports.WALEntryID, body []byte) error) error {
	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		id := ports.WALEntryID(binary.BigEndian.Uint64(hdr[0:8]))
		body := make([]byte, binary.BigEndian.Uint32(hdr[8:12]))
		if _, err := io.ReadFull(r, body); err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if err := fn(id, body); err != nil {
			return err
		}
	}
}

var _ ports.SnapshotSpool = (*Spool)(nil)
