package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// JSONLSink appends events to a newline-delimited JSON file. Writers
// serialize on an internal lock; every line is flushed to the OS before
// Append returns, and Sync forces an fsync.
type JSONLSink struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	logger *zap.Logger
}

// NewJSONLSink opens (or creates) the log file in append-only mode.
func NewJSONLSink(logger *zap.Logger, path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}
	return &JSONLSink{
		file:   f,
		writer: bufio.NewWriter(f),
		logger: logger.Named("audit"),
	}, nil
}

// Append writes one event as a single JSON line.
func (s *JSONLSink) Append(ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event %s: %w", ev.EventType, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writer.Write(line); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return s.writer.Flush()
}

// Sync fsyncs the underlying file.
func (s *JSONLSink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

// Close flushes and closes the file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		s.logger.Warn("flush on close failed", zap.Error(err))
	}
	return s.file.Close()
}

// MemorySink collects events in memory; used by tests and the simulation
// engine when no file sink is configured.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Append stores the event.
func (s *MemorySink) Append(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Events returns a copy of everything appended so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByType returns appended events of one type, in order.
func (s *MemorySink) ByType(eventType string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}
