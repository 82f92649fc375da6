// Package runstore keeps an in-memory, bounded registry of analysis runs so
// clients can poll progress incrementally.
package runstore

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andywolf/issuelens/internal/events"
	"github.com/andywolf/issuelens/internal/logging"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const (
	DefaultTTL     = time.Hour
	DefaultMaxRuns = 60
)

// ErrNotFound is returned for unknown or evicted runs.
var ErrNotFound = errors.New("run not found")

// Meta describes what a run was asked to do.
type Meta struct {
	IssueURL    string `json:"issueUrl,omitempty"`
	Repository  string `json:"repository,omitempty"`
	IssueNumber int    `json:"issueNumber,omitempty"`
	Model       string `json:"model,omitempty"`
	Language    string `json:"language,omitempty"`
	Mode        string `json:"mode,omitempty"`
}

// Snapshot is a consistent copy of a run's state.
type Snapshot struct {
	RunID      string              `json:"runId"`
	Status     Status              `json:"status"`
	CreatedAt  time.Time           `json:"createdAt"`
	StartedAt  time.Time           `json:"startedAt"`
	UpdatedAt  time.Time           `json:"updatedAt"`
	FinishedAt *time.Time          `json:"finishedAt"`
	Trace      []events.TraceEvent `json:"trace"`
	TraceIndex int                 `json:"traceIndex"`
	Result     any                 `json:"result"`
	Error      *string             `json:"error"`
	Detail     map[string]any      `json:"detail"`
	Meta       Meta                `json:"meta"`
}

type run struct {
	id         string
	status     Status
	createdAt  time.Time
	updatedAt  time.Time
	finishedAt *time.Time
	trace      []events.TraceEvent
	result     any
	err        string
	detail     map[string]any
	meta       Meta
}

// Store is safe for concurrent use. Every mutation of a run happens under the
// store lock, so readers see a run either before or after a change.
type Store struct {
	mu      sync.Mutex
	runs    map[string]*run
	ttl     time.Duration
	maxRuns int
	now     func() time.Time
	newID   func() string
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets how long a run survives without updates.
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithMaxRuns bounds the number of retained runs.
func WithMaxRuns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRuns = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator replaces the run id source.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// WithLogger sets the logger used for eviction messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		ttl:     DefaultTTL,
		maxRuns: DefaultMaxRuns,
		now:     time.Now,
		newID:   uuid.NewString,
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) registry() map[string]*run {
	if s.runs == nil {
		s.runs = make(map[string]*run)
	}
	return s.runs
}

// Create registers a new running run and returns its initial snapshot.
func (s *Store) Create(meta Meta) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evict(s.maxRuns - 1)
	now := s.now().UTC()
	r := &run{
		id:        s.newID(),
		status:    StatusRunning,
		createdAt: now,
		updatedAt: now,
		meta:      meta,
	}
	s.registry()[r.id] = r
	return r.snapshot(0)
}

// AppendTrace adds ev to a running run. Unknown and terminal runs are ignored.
func (s *Store) AppendTrace(id string, ev events.TraceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.registry()[id]
	if !ok || r.status != StatusRunning {
		return
	}
	r.trace = append(r.trace, ev)
	r.updatedAt = s.now().UTC()
}

// MarkCompleted moves a running run to completed. It reports whether the
// transition happened.
func (s *Store) MarkCompleted(id string, result any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.registry()[id]
	if !ok || r.status != StatusRunning {
		return false
	}
	now := s.now().UTC()
	r.status = StatusCompleted
	r.result = result
	r.finishedAt = &now
	r.updatedAt = now
	return true
}

// MarkFailed moves a running run to failed. It reports whether the
// transition happened.
func (s *Store) MarkFailed(id, message string, detail map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.registry()[id]
	if !ok || r.status != StatusRunning {
		return false
	}
	now := s.now().UTC()
	r.status = StatusFailed
	r.err = message
	r.detail = detail
	r.finishedAt = &now
	r.updatedAt = now
	return true
}

// Status returns the run with trace events from index after onward.
func (s *Store) Status(id string, after int) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evict(s.maxRuns)
	r, ok := s.registry()[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return r.snapshot(after), nil
}

// Len returns the number of retained runs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// evict drops expired runs, then the least recently updated runs until at
// most limit remain. Callers hold s.mu.
func (s *Store) evict(limit int) {
	runs := s.registry()
	now := s.now()
	expired := 0
	for id, r := range runs {
		if now.Sub(r.updatedAt) > s.ttl {
			delete(runs, id)
			expired++
		}
	}

	overflow := 0
	if limit >= 0 && len(runs) > limit {
		byUpdated := make([]*run, 0, len(runs))
		for _, r := range runs {
			byUpdated = append(byUpdated, r)
		}
		sort.Slice(byUpdated, func(i, j int) bool {
			return byUpdated[i].updatedAt.Before(byUpdated[j].updatedAt)
		})
		overflow = len(runs) - limit
		for _, r := range byUpdated[:overflow] {
			delete(runs, r.id)
		}
	}

	if expired > 0 || overflow > 0 {
		s.logger.Debug("evicted runs", "expired", expired, "overflow", overflow, "remaining", len(runs))
	}
}

func (r *run) snapshot(after int) Snapshot {
	if after < 0 {
		after = 0
	}
	if after > len(r.trace) {
		after = len(r.trace)
	}
	trace := make([]events.TraceEvent, len(r.trace)-after)
	copy(trace, r.trace[after:])

	snap := Snapshot{
		RunID:      r.id,
		Status:     r.status,
		CreatedAt:  r.createdAt,
		StartedAt:  r.createdAt,
		UpdatedAt:  r.updatedAt,
		Trace:      trace,
		TraceIndex: len(r.trace),
		Meta:       r.meta,
	}
	if r.finishedAt != nil {
		t := *r.finishedAt
		snap.FinishedAt = &t
	}
	switch r.status {
	case StatusCompleted:
		snap.Result = r.result
	case StatusFailed:
		msg := r.err
		snap.Error = &msg
		snap.Detail = r.detail
	}
	return snap
}
