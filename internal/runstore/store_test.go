package runstore

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andywolf/issuelens/internal/events"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("run-%02d", n)
	}
}

func traceEvent(stage string, status events.Status) events.TraceEvent {
	return events.TraceEvent{Timestamp: time.Now(), Stage: stage, Status: status}
}

func TestCreateAndStatus(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	created := s.Create(Meta{Repository: "acme/widget", IssueNumber: 42})
	require.NotEmpty(t, created.RunID)
	assert.Equal(t, StatusRunning, created.Status)
	assert.Equal(t, clock.Now(), created.CreatedAt)
	assert.Empty(t, created.Trace)

	snap, err := s.Status(created.RunID, 0)
	require.NoError(t, err)
	assert.Equal(t, "acme/widget", snap.Meta.Repository)
	assert.Nil(t, snap.Result)
	assert.Nil(t, snap.Error)
	assert.Nil(t, snap.FinishedAt)

	_, err = s.Status("missing", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendTraceIncrementalPolling(t *testing.T) {
	s := New()
	id := s.Create(Meta{}).RunID

	s.AppendTrace(id, traceEvent("fetch-issue", events.StatusStart))
	s.AppendTrace(id, traceEvent("fetch-issue", events.StatusSuccess))

	snap, err := s.Status(id, 0)
	require.NoError(t, err)
	require.Len(t, snap.Trace, 2)
	assert.Equal(t, 2, snap.TraceIndex)

	s.AppendTrace(id, traceEvent("understand-issue", events.StatusStart))
	snap, err = s.Status(id, snap.TraceIndex)
	require.NoError(t, err)
	require.Len(t, snap.Trace, 1)
	assert.Equal(t, "understand-issue", snap.Trace[0].Stage)
	assert.Equal(t, 3, snap.TraceIndex)

	// Out of range cursors clamp.
	snap, err = s.Status(id, 99)
	require.NoError(t, err)
	assert.Empty(t, snap.Trace)
	snap, err = s.Status(id, -5)
	require.NoError(t, err)
	assert.Len(t, snap.Trace, 3)
}

func TestPollingIsIdempotent(t *testing.T) {
	s := New()
	id := s.Create(Meta{}).RunID
	s.AppendTrace(id, traceEvent("resolve-reference", events.StatusStart))

	first, err := s.Status(id, 1)
	require.NoError(t, err)
	second, err := s.Status(id, 1)
	require.NoError(t, err)

	assert.Empty(t, first.Trace)
	assert.Empty(t, second.Trace)
	assert.Equal(t, first.TraceIndex, second.TraceIndex)
}

func TestSnapshotIsACopy(t *testing.T) {
	s := New()
	id := s.Create(Meta{}).RunID
	s.AppendTrace(id, traceEvent("a", events.StatusStart))

	snap, err := s.Status(id, 0)
	require.NoError(t, err)
	snap.Trace[0].Stage = "mutated"

	again, err := s.Status(id, 0)
	require.NoError(t, err)
	assert.Equal(t, "a", again.Trace[0].Stage)
}

func TestTerminalTransitionsHappenOnce(t *testing.T) {
	s := New()
	id := s.Create(Meta{}).RunID

	require.True(t, s.MarkCompleted(id, map[string]string{"report": "ok"}))
	assert.False(t, s.MarkFailed(id, "late failure", nil))
	assert.False(t, s.MarkCompleted(id, "second"))

	s.AppendTrace(id, traceEvent("ignored", events.StatusStart))

	snap, err := s.Status(id, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, map[string]string{"report": "ok"}, snap.Result)
	assert.Nil(t, snap.Error)
	assert.Empty(t, snap.Trace)
	require.NotNil(t, snap.FinishedAt)

	assert.False(t, s.MarkCompleted("unknown", nil))
}

func TestMarkFailedExposesErrorAndDetail(t *testing.T) {
	s := New()
	id := s.Create(Meta{}).RunID
	s.AppendTrace(id, traceEvent("understand-issue", events.StatusError))

	require.True(t, s.MarkFailed(id, "provider unavailable", map[string]any{"status": 503}))

	snap, err := s.Status(id, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, snap.Status)
	require.NotNil(t, snap.Error)
	assert.Equal(t, "provider unavailable", *snap.Error)
	assert.Equal(t, 503, snap.Detail["status"])
	assert.Nil(t, snap.Result)
	assert.Len(t, snap.Trace, 1)
}

func TestTTLEviction(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now), WithTTL(time.Hour))
	id := s.Create(Meta{}).RunID

	clock.Advance(59 * time.Minute)
	_, err := s.Status(id, 0)
	require.NoError(t, err)

	clock.Advance(61 * time.Minute)
	_, err = s.Status(id, 0)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, s.Len())
}

func TestTTLCountsFromLastUpdate(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now), WithTTL(time.Hour))
	id := s.Create(Meta{}).RunID

	clock.Advance(50 * time.Minute)
	s.AppendTrace(id, traceEvent("a", events.StatusStart))
	clock.Advance(50 * time.Minute)

	_, err := s.Status(id, 0)
	assert.NoError(t, err)
}

func TestCapacityEvictsLeastRecentlyUpdated(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now), WithMaxRuns(3), WithIDGenerator(sequentialIDs()))

	for i := 0; i < 3; i++ {
		s.Create(Meta{})
		clock.Advance(time.Minute)
	}
	// Touch the oldest run so run-02 becomes least recently updated.
	s.AppendTrace("run-01", traceEvent("a", events.StatusStart))
	clock.Advance(time.Minute)

	s.Create(Meta{})
	assert.Equal(t, 3, s.Len())

	_, err := s.Status("run-02", 0)
	assert.ErrorIs(t, err, ErrNotFound)
	for _, id := range []string{"run-01", "run-03", "run-04"} {
		_, err := s.Status(id, 0)
		assert.NoError(t, err, id)
	}
}

func TestConcurrentAppendsAndReads(t *testing.T) {
	s := New()
	id := s.Create(Meta{}).RunID

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s.AppendTrace(id, traceEvent("stage", events.StatusStart))
				snap, err := s.Status(id, 0)
				if err == nil && len(snap.Trace) != snap.TraceIndex {
					t.Errorf("torn snapshot: %d events, index %d", len(snap.Trace), snap.TraceIndex)
				}
			}
		}()
	}
	wg.Wait()

	snap, err := s.Status(id, 0)
	require.NoError(t, err)
	assert.Equal(t, 200, snap.TraceIndex)
}
