package events

import (
	"path/filepath"
	"testing"
	"time"
)

func ms(v int64) *int64 { return &v }

func TestFileSink(t *testing.T) {
	dir := t.TempDir()

	sink, err := NewFileSink(dir)
	if err != nil {
		t.Fatalf("failed to create file sink: %v", err)
	}

	expectedPath := filepath.Join(dir, DefaultFilename)
	if sink.Path() != expectedPath {
		t.Errorf("Path() = %q, want %q", sink.Path(), expectedPath)
	}

	now := time.Now().UTC()
	batch := []TraceEvent{
		{Timestamp: now, Stage: "fetch-issue", Status: StatusStart},
		{Timestamp: now, Stage: "fetch-issue", Status: StatusSuccess, DurationMs: ms(12), Detail: map[string]any{"comments": 3}},
	}
	if err := sink.Write(batch); err != nil {
		t.Fatalf("failed to write events: %v", err)
	}
	if err := sink.WriteOne(TraceEvent{Timestamp: now, Stage: "understand-issue", Status: StatusError, DurationMs: ms(5)}); err != nil {
		t.Fatalf("failed to write event: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("failed to close sink: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("second Close() should be a no-op, got %v", err)
	}
	if err := sink.WriteOne(TraceEvent{}); err == nil {
		t.Error("expected error writing to closed sink")
	}

	got, err := ReadEvents(expectedPath)
	if err != nil {
		t.Fatalf("failed to read events: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[1].Duration() != 12*time.Millisecond {
		t.Errorf("expected duration 12ms, got %v", got[1].Duration())
	}
	if got[1].Detail["comments"] != float64(3) {
		t.Errorf("expected comments detail 3, got %v", got[1].Detail["comments"])
	}

	errs := FilterByStatus(got, StatusError)
	if len(errs) != 1 || errs[0].Stage != "understand-issue" {
		t.Errorf("unexpected filtered events: %+v", errs)
	}
}

func TestFileSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")

	for i := 0; i < 2; i++ {
		sink, err := NewFileSink(path)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if err := sink.WriteOne(TraceEvent{Stage: "persist-artifacts", Status: StatusStart}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		_ = sink.Close()
	}

	got, err := ReadEvents(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 appended events, got %d", len(got))
	}
}
