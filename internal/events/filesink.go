package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink appends TraceEvents to a JSONL file.
// It is safe for concurrent use from multiple goroutines.
type FileSink struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
}

// DefaultFilename is the trace log name used when a directory is given.
const DefaultFilename = "trace.jsonl"

// NewFileSink opens path for appending. If path is an existing directory the
// sink writes to path/trace.jsonl.
func NewFileSink(path string) (*FileSink, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, DefaultFilename)
	}

	// 0600: details may contain repository names and model settings
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	return &FileSink{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

// Write appends a batch of events, one JSON object per line, and flushes.
func (s *FileSink) Write(events []TraceEvent) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("trace file %s is closed", s.path)
	}

	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		if _, err := s.writer.Write(data); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
		if err := s.writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("failed to write newline: %w", err)
		}
	}

	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush events: %w", err)
	}
	return nil
}

// WriteOne appends a single event.
func (s *FileSink) WriteOne(event TraceEvent) error {
	return s.Write([]TraceEvent{event})
}

// Close flushes any remaining data and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}

	if err := s.writer.Flush(); err != nil {
		_ = s.file.Close()
		s.file = nil
		return fmt.Errorf("failed to flush before close: %w", err)
	}

	err := s.file.Close()
	s.file = nil
	if err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// Path returns the path to the trace file.
func (s *FileSink) Path() string {
	return s.path
}

// ReadEvents reads all events from a JSONL trace file.
func ReadEvents(path string) ([]TraceEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var events []TraceEvent
	scanner := bufio.NewScanner(file)
	const maxLineSize = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event TraceEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("failed to parse event on line %d: %w", lineNum, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trace file: %w", err)
	}
	return events, nil
}

// FilterByStatus returns the events whose status is one of statuses.
func FilterByStatus(events []TraceEvent, statuses ...Status) []TraceEvent {
	if len(statuses) == 0 {
		return events
	}
	want := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var filtered []TraceEvent
	for _, ev := range events {
		if want[ev.Status] {
			filtered = append(filtered, ev)
		}
	}
	return filtered
}
