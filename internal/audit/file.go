// Package audit implements the append-only decision trail. The file sink
// is the synchronous primary: every processed request appends exactly one
// hash-chained JSONL record before the decision is released. Secondary
// sinks (ClickHouse, structured log) mirror records best-effort.
package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/suhlabs/gatekeeper/internal/engine"
)

// FileSink appends records to one JSONL file per UTC day,
// audit-YYYY-MM-DD.jsonl under the configured directory. Each record's
// record_hash covers the record plus the previous record's hash, so any
// retroactive edit breaks the chain from that point on.
type FileSink struct {
	dir string

	mu       sync.Mutex
	day      string
	file     *os.File
	prevHash string
}

// NewFileSink opens (or creates) the audit directory and recovers the
// chain tail from today's file if one exists.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit dir: %w", err)
	}
	s := &FileSink{dir: dir}
	if err := s.rotate(time.Now().UTC()); err != nil {
		return nil, err
	}
	return s, nil
}

// Record implements engine.AuditSink. The append is flushed to the OS
// before returning; an error here means the decision must not be trusted.
func (s *FileSink) Record(_ context.Context, rec *engine.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := rec.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if day := now.Format("2006-01-02"); day != s.day {
		if err := s.rotate(now); err != nil {
			return err
		}
	}

	rec.PrevHash = s.prevHash
	rec.RecordHash = ""
	hash, err := chainHash(rec)
	if err != nil {
		return fmt.Errorf("audit hash: %w", err)
	}
	rec.RecordHash = hash

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit marshal: %w", err)
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit append: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("audit sync: %w", err)
	}
	s.prevHash = hash
	return nil
}

// Close closes the current day file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// rotate switches to the file for the given day, recovering the previous
// record hash from its last line when the file already has content.
// Callers hold s.mu.
func (s *FileSink) rotate(now time.Time) error {
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return fmt.Errorf("audit rotate: %w", err)
		}
	}
	day := now.Format("2006-01-02")
	path := filepath.Join(s.dir, "audit-"+day+".jsonl")

	prev, err := tailRecordHash(path)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("audit open: %w", err)
	}
	s.file = f
	s.day = day
	s.prevHash = prev
	return nil
}

// tailRecordHash returns the record_hash of the last line of an existing
// audit file, or "" when the file is absent or empty.
func tailRecordHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("audit recover: %w", err)
	}
	defer f.Close()

	var last string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("audit recover: %w", err)
	}
	if last == "" {
		return "", nil
	}
	var rec engine.AuditRecord
	if err := json.Unmarshal([]byte(last), &rec); err != nil {
		return "", fmt.Errorf("audit recover: corrupt tail record: %w", err)
	}
	return rec.RecordHash, nil
}

// chainHash hashes the record's canonical JSON with RecordHash cleared
// and PrevHash already set.
func chainHash(rec *engine.AuditRecord) (string, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyFile walks one day's audit file and checks every link of the hash
// chain. It returns the number of valid records, stopping at the first
// broken link.
func VerifyFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var (
		count int
		prev  string
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec engine.AuditRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return count, fmt.Errorf("record %d: unparsable: %w", count+1, err)
		}
		if rec.PrevHash != prev {
			return count, fmt.Errorf("record %d: chain broken: prev_hash %q, want %q", count+1, rec.PrevHash, prev)
		}
		want := rec.RecordHash
		rec.RecordHash = ""
		got, err := chainHash(&rec)
		if err != nil {
			return count, fmt.Errorf("record %d: %w", count+1, err)
		}
		if got != want {
			return count, fmt.Errorf("record %d: record_hash mismatch", count+1)
		}
		prev = want
		count++
	}
	if err := sc.Err(); err != nil {
		return count, err
	}
	return count, nil
}
