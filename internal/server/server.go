// Package server exposes issue analysis over HTTP: a synchronous route, a
// submit-and-poll pair backed by the run store, and a server-sent events
// stream that pushes trace events and report text as they happen.
package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/andywolf/issuelens/internal/events"
	"github.com/andywolf/issuelens/internal/evidence"
	"github.com/andywolf/issuelens/internal/logging"
	"github.com/andywolf/issuelens/internal/observability"
	"github.com/andywolf/issuelens/internal/pipeline"
	"github.com/andywolf/issuelens/internal/report"
	"github.com/andywolf/issuelens/internal/runstore"
	"github.com/andywolf/issuelens/internal/security"
	"github.com/andywolf/issuelens/internal/version"
)

const (
	maxBodyBytes            = 1 << 20
	defaultKeepAlive        = 15 * time.Second
	defaultMaxConcurrentRun = 4
)

// Runner executes one analysis. *pipeline.Analyzer satisfies it.
type Runner interface {
	Run(ctx context.Context, opts pipeline.Options) (*pipeline.Result, error)
}

// Defaults are applied to request fields the client leaves empty.
type Defaults struct {
	Language  string
	Model     string
	Mode      pipeline.Mode
	OutputDir string
	Budgets   evidence.Budgets
	Provider  pipeline.ProviderSettings
	// GitHubToken is only used to decide whether a request without its own
	// token can be served; the runner's host factory holds the credential.
	GitHubToken string
	// GitHubApp reports that GitHub App credentials are configured.
	GitHubApp bool
}

// Server holds the HTTP handlers and the runs they started.
type Server struct {
	runner   Runner
	defaults Defaults
	store    *runstore.Store
	exporter observability.Exporter
	limiter  *security.RateLimiter
	sem      *semaphore.Weighted
	logger   *slog.Logger

	keepAlive time.Duration
	newID     func() string
	now       func() time.Time

	wg sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithStore replaces the default run store.
func WithStore(s *runstore.Store) Option {
	return func(srv *Server) { srv.store = s }
}

// WithExporter sends every run's trace to exp.
func WithExporter(exp observability.Exporter) Option {
	return func(srv *Server) { srv.exporter = exp }
}

// WithRateLimit allows perMinute analysis submissions per client. Zero or
// less disables limiting.
func WithRateLimit(perMinute int) Option {
	return func(srv *Server) {
		if perMinute > 0 {
			srv.limiter = security.NewRateLimiter(perMinute, time.Minute)
		}
	}
}

// WithMaxConcurrentRuns bounds how many analyses execute at once. Excess
// runs wait in the running state.
func WithMaxConcurrentRuns(n int) Option {
	return func(srv *Server) {
		if n > 0 {
			srv.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(srv *Server) { srv.logger = l }
}

// WithKeepAlive sets the SSE keep-alive interval.
func WithKeepAlive(d time.Duration) Option {
	return func(srv *Server) { srv.keepAlive = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(srv *Server) { srv.now = now }
}

// WithIDGenerator overrides the stream id generator.
func WithIDGenerator(fn func() string) Option {
	return func(srv *Server) { srv.newID = fn }
}

// New builds a Server around runner.
func New(runner Runner, defaults Defaults, opts ...Option) *Server {
	s := &Server{
		runner:    runner,
		defaults:  defaults,
		exporter:  observability.NoOp{},
		sem:       semaphore.NewWeighted(defaultMaxConcurrentRun),
		logger:    logging.New("server"),
		keepAlive: defaultKeepAlive,
		newID:     uuid.NewString,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = runstore.New(runstore.WithLogger(s.logger))
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/analyze", s.limited(http.HandlerFunc(s.handleAnalyze)))
	mux.Handle("POST /api/analyze/start", s.limited(http.HandlerFunc(s.handleStart)))
	mux.Handle("POST /api/analyze/stream", s.limited(http.HandlerFunc(s.handleStream)))
	mux.HandleFunc("GET /api/analyze/status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

func (s *Server) limited(h http.Handler) http.Handler {
	if s.limiter == nil {
		return h
	}
	return s.limiter.Middleware(security.IPKeyFunc, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "Rate limit exceeded."})
	})(h)
}

// Wait blocks until every background run has finished or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resultPayload is the finished-run body shared by every route.
type resultPayload struct {
	OutputDir string `json:"outputDir"`
	report.ArtifactIndex
	Mode     pipeline.Mode       `json:"mode"`
	Markdown string              `json:"markdown"`
	Report   *report.IssueReport `json:"report"`
	Trace    []events.TraceEvent `json:"trace"`
}

func newResultPayload(res *pipeline.Result, markdown string) resultPayload {
	if strings.TrimSpace(markdown) == "" {
		markdown = res.ReportMarkdown
	}
	return resultPayload{
		OutputDir:     res.OutputDir,
		ArtifactIndex: res.ArtifactIndex,
		Mode:          res.Mode,
		Markdown:      markdown,
		Report:        res.Report,
		Trace:         res.Trace,
	}
}

// readOptions decodes and validates the request body. On failure it writes
// the 400 response and reports false.
func (s *Server) readOptions(w http.ResponseWriter, r *http.Request) (pipeline.Options, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "could not read request body"})
		return pipeline.Options{}, false
	}
	req, err := decodeRequest(body)
	if err == nil {
		var opts pipeline.Options
		opts, err = req.options(s.defaults)
		if err == nil {
			return opts, true
		}
	}
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	return pipeline.Options{}, false
}

// traceLogger logs each event the way operators grep for it.
func (s *Server) traceLogger(runID string) events.Func {
	return func(ev events.TraceEvent) {
		attrs := []any{"run_id", runID, "stage", ev.Stage, "status", string(ev.Status)}
		if ev.DurationMs != nil {
			attrs = append(attrs, "duration_ms", *ev.DurationMs)
		}
		s.logger.Info("analyze trace", attrs...)
	}
}

func exportRun(id string, opts pipeline.Options) observability.Run {
	return observability.Run{
		ID:          id,
		IssueURL:    opts.Reference.IssueURL,
		Repository:  opts.Reference.Repository,
		IssueNumber: opts.Reference.IssueNumber,
		Model:       opts.Model,
		Mode:        string(opts.Mode),
	}
}

// execute runs one analysis with exporter bookkeeping. The run context is
// detached from the request so a disconnecting client never aborts it.
func (s *Server) execute(ctx context.Context, id string, opts pipeline.Options) (*pipeline.Result, error) {
	run := exportRun(id, opts)
	opts.Trace = events.Fanout(opts.Trace, s.traceLogger(id), observability.Observe(s.exporter, run))

	res, err := s.runner.Run(context.WithoutCancel(ctx), opts)

	outcome := observability.Outcome{Status: string(runstore.StatusCompleted)}
	if err != nil {
		outcome = observability.Outcome{Status: string(runstore.StatusFailed), Message: security.ScrubError(err)}
		s.logger.Error("analysis failed", "run_id", id, "error", err)
	}
	s.exporter.EndRun(run, outcome)
	return res, err
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	opts, ok := s.readOptions(w, r)
	if !ok {
		return
	}

	var rec events.Recorder
	opts.Trace = rec.Record

	if err := s.sem.Acquire(r.Context(), 1); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "request cancelled while waiting for a free slot"})
		return
	}
	res, err := s.execute(r.Context(), s.newID(), opts)
	s.sem.Release(1)

	if err != nil {
		e := describe(err)
		writeJSON(w, e.Status, map[string]any{"error": e.Message, "detail": e.Detail, "trace": rec.Events()})
		return
	}
	writeJSON(w, http.StatusOK, newResultPayload(res, ""))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	opts, ok := s.readOptions(w, r)
	if !ok {
		return
	}

	snap := s.store.Create(runstore.Meta{
		IssueURL:    opts.Reference.IssueURL,
		Repository:  opts.Reference.Repository,
		IssueNumber: opts.Reference.IssueNumber,
		Model:       opts.Model,
		Language:    opts.Language,
		Mode:        string(opts.Mode),
	})
	id := snap.RunID
	opts.Trace = func(ev events.TraceEvent) { s.store.AppendTrace(id, ev) }

	ctx := context.WithoutCancel(r.Context())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.store.MarkFailed(id, err.Error(), nil)
			return
		}
		defer s.sem.Release(1)

		res, err := s.execute(ctx, id, opts)
		if err != nil {
			e := describe(err)
			s.store.MarkFailed(id, e.Message, e.Detail)
			return
		}
		s.store.MarkCompleted(id, newResultPayload(res, ""))
	}()

	writeJSON(w, http.StatusOK, map[string]any{
		"runId":     id,
		"status":    snap.Status,
		"createdAt": snap.CreatedAt,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := strings.TrimSpace(q.Get("runId"))
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "runId is required."})
		return
	}
	after, err := strconv.Atoi(q.Get("after"))
	if err != nil {
		after = 0
	}

	snap, err := s.store.Status(id, after)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Run not found or expired."})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	opts, ok := s.readOptions(w, r)
	if !ok {
		return
	}
	stream, ok := newEventStream(w)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "streaming unsupported"})
		return
	}
	defer stream.close()

	id := s.newID()
	stream.send(eventReady, map[string]any{"runId": id, "startedAt": s.now().UTC()})

	var (
		rec      events.Recorder
		recMu    sync.Mutex
		markdown strings.Builder
	)
	opts.Trace = func(ev events.TraceEvent) {
		recMu.Lock()
		rec.Record(ev)
		recMu.Unlock()
		stream.send(eventTrace, ev)
	}
	opts.ReportDelta = func(delta string) {
		markdown.WriteString(delta)
		stream.send(eventReportDelta, map[string]any{"delta": delta})
	}

	finished := make(chan struct{})
	ctx := context.WithoutCancel(r.Context())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(finished)

		if err := s.sem.Acquire(ctx, 1); err != nil {
			stream.send(eventError, map[string]any{"error": err.Error()})
			stream.send(eventDone, map[string]any{"finishedAt": s.now().UTC()})
			return
		}
		defer s.sem.Release(1)

		res, err := s.execute(ctx, id, opts)
		if err != nil {
			e := describe(err)
			recMu.Lock()
			trace := rec.Events()
			recMu.Unlock()
			stream.send(eventError, map[string]any{"error": e.Message, "detail": e.Detail, "trace": trace})
		} else {
			stream.send(eventResult, newResultPayload(res, markdown.String()))
		}
		stream.send(eventDone, map[string]any{"finishedAt": s.now().UTC()})
	}()

	var tick <-chan time.Time
	if s.keepAlive > 0 {
		ticker := time.NewTicker(s.keepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-finished:
			return
		case <-r.Context().Done():
			s.logger.Info("stream client disconnected, run continues", "run_id", id)
			return
		case <-tick:
			stream.comment("keep-alive")
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Get(),
		"runs":    s.store.Len(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
