package store

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	cerrors "cyclon/internal/errors"
	"cyclon/internal/logging"
)

// FileStore is a JSONL append-only run log: one event per line under
// {dir}/run.log. Corrupt lines (a crash mid-write) are skipped on replay.
type FileStore struct {
	path   string
	logger logging.Logger

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

// NewFileStore opens (creating if needed) the run log under dir.
func NewFileStore(dir string, logger logging.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, cerrors.New(cerrors.KindPersistence, "create run dir: %v", err)
	}
	path := filepath.Join(dir, "run.log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, cerrors.New(cerrors.KindPersistence, "open run log: %v", err)
	}
	return &FileStore{
		path:   path,
		logger: logging.OrNop(logger),
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

// Append writes one event line.
func (s *FileStore) Append(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return cerrors.New(cerrors.KindPersistence, "marshal event: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writer.Write(data); err != nil {
		return cerrors.New(cerrors.KindPersistence, "append event: %v", err)
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return cerrors.New(cerrors.KindPersistence, "append event: %v", err)
	}
	return nil
}

// Sync flushes buffered events to disk.
func (s *FileStore) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return cerrors.New(cerrors.KindPersistence, "flush run log: %v", err)
	}
	if err := s.file.Sync(); err != nil {
		return cerrors.New(cerrors.KindPersistence, "sync run log: %v", err)
	}
	return nil
}

// Replay reads every event recorded so far, oldest first, skipping
// corrupt trailing lines.
func (s *FileStore) Replay() ([]Event, error) {
	s.mu.Lock()
	if err := s.writer.Flush(); err != nil {
		s.mu.Unlock()
		return nil, cerrors.New(cerrors.KindPersistence, "flush before replay: %v", err)
	}
	s.mu.Unlock()

	file, err := os.Open(s.path)
	if err != nil {
		return nil, cerrors.New(cerrors.KindPersistence, "open run log for replay: %v", err)
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	skipped := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			skipped++
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, cerrors.New(cerrors.KindPersistence, "scan run log: %v", err)
	}
	if skipped > 0 {
		s.logger.Warn("run log replay skipped %d corrupt line(s)", skipped)
	}
	return events, nil
}

// Close flushes and closes the log.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return cerrors.New(cerrors.KindPersistence, "flush run log: %v", err)
	}
	return s.file.Close()
}
