package observability

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andywolf/issuelens/internal/events"
	"github.com/andywolf/issuelens/internal/logging"
)

const (
	// defaultBaseURL is the Langfuse Cloud ingestion endpoint.
	defaultBaseURL = "https://cloud.langfuse.com"

	// ingestionPath is the batched ingestion API path.
	ingestionPath = "/api/public/ingestion"

	// flushInterval is how often the background goroutine flushes events.
	flushInterval = 5 * time.Second

	// maxBatchSize is the maximum number of events to send in one request.
	maxBatchSize = 50

	// eventBufferSize is the channel buffer size for incoming events.
	eventBufferSize = 1024

	// retryDelay is the delay between send retries.
	retryDelay = 500 * time.Millisecond
)

// errUnparsedResponse marks a 2xx reply whose body was not the expected JSON.
var errUnparsedResponse = errors.New("unparsed ingestion response")

// LangfuseConfig holds Langfuse connection parameters.
type LangfuseConfig struct {
	PublicKey string
	SecretKey string
	BaseURL   string // Defaults to https://cloud.langfuse.com
}

// LangfuseOption configures a LangfuseExporter.
type LangfuseOption func(*LangfuseExporter)

// WithLangfuseHTTPClient replaces the default HTTP client.
func WithLangfuseHTTPClient(c *http.Client) LangfuseOption {
	return func(e *LangfuseExporter) { e.client = c }
}

// WithLangfuseLogger sets the logger for delivery warnings.
func WithLangfuseLogger(l *slog.Logger) LangfuseOption {
	return func(e *LangfuseExporter) { e.logger = l }
}

// LangfuseExporter sends one trace per run and one span per stage to the
// Langfuse ingestion API. Events are buffered in a channel and flushed
// periodically or on explicit Flush calls.
type LangfuseExporter struct {
	config     LangfuseConfig
	authHeader string
	client     *http.Client
	events     chan ingestionEvent
	logger     *slog.Logger

	spansMu sync.Mutex
	spans   map[string]map[string]string // run id -> stage -> span id

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
	flushMu  sync.Mutex // protects concurrent drain operations
}

// NewLangfuseExporter creates an exporter and starts its background flush
// goroutine. Call Stop to drain what is left.
func NewLangfuseExporter(cfg LangfuseConfig, opts ...LangfuseOption) *LangfuseExporter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}

	auth := base64.StdEncoding.EncodeToString([]byte(cfg.PublicKey + ":" + cfg.SecretKey))

	e := &LangfuseExporter{
		config:     cfg,
		authHeader: "Basic " + auth,
		client:     &http.Client{Timeout: 10 * time.Second},
		events:     make(chan ingestionEvent, eventBufferSize),
		logger:     logging.New("langfuse"),
		spans:      make(map[string]map[string]string),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.wg.Add(1)
	go e.flushLoop()

	return e
}

// StartRun creates the Langfuse trace. The run id doubles as the trace id so
// runs can be looked up directly.
func (e *LangfuseExporter) StartRun(run Run) {
	e.spansMu.Lock()
	e.spans[run.ID] = make(map[string]string)
	e.spansMu.Unlock()

	e.enqueue(ingestionEvent{
		Type: "trace-create",
		Body: map[string]interface{}{
			"id":    run.ID,
			"name":  "issue-analysis",
			"input": map[string]interface{}{"issueUrl": run.IssueURL},
			"metadata": map[string]interface{}{
				"repository":   run.Repository,
				"issue_number": run.IssueNumber,
				"model":        run.Model,
				"mode":         run.Mode,
			},
			"tags": []string{run.Repository},
		},
	})
}

// Export maps a start event to span-create and a terminal event to
// span-update on the same span.
func (e *LangfuseExporter) Export(run Run, ev events.TraceEvent) {
	at := ev.Timestamp.UTC().Format(time.RFC3339Nano)

	if ev.Status == events.StatusStart {
		spanID := uuid.New().String()
		e.spansMu.Lock()
		stages, ok := e.spans[run.ID]
		if !ok {
			stages = make(map[string]string)
			e.spans[run.ID] = stages
		}
		stages[ev.Stage] = spanID
		e.spansMu.Unlock()

		e.enqueue(ingestionEvent{
			Type: "span-create",
			Body: map[string]interface{}{
				"id":        spanID,
				"traceId":   run.ID,
				"name":      ev.Stage,
				"input":     ev.Detail,
				"startTime": at,
			},
		})
		return
	}

	e.spansMu.Lock()
	spanID := e.spans[run.ID][ev.Stage]
	e.spansMu.Unlock()
	if spanID == "" {
		e.logger.Debug("terminal event without open span", "run_id", run.ID, "stage", ev.Stage)
		return
	}

	body := map[string]interface{}{
		"id":      spanID,
		"traceId": run.ID,
		"output":  ev.Detail,
		"metadata": map[string]interface{}{
			"status":      string(ev.Status),
			"duration_ms": ev.Duration().Milliseconds(),
		},
		"endTime": at,
	}
	if ev.Status == events.StatusError {
		body["level"] = "ERROR"
		if msg, ok := ev.Detail["message"].(string); ok {
			body["statusMessage"] = msg
		}
	}
	e.enqueue(ingestionEvent{Type: "span-update", Body: body})
}

// EndRun records the final status on the trace and forgets its spans.
func (e *LangfuseExporter) EndRun(run Run, outcome Outcome) {
	e.spansMu.Lock()
	delete(e.spans, run.ID)
	e.spansMu.Unlock()

	output := map[string]interface{}{"status": outcome.Status}
	if outcome.Message != "" {
		output["message"] = outcome.Message
	}
	e.enqueue(ingestionEvent{
		Type: "trace-create",
		Body: map[string]interface{}{
			"id":     run.ID,
			"output": output,
		},
	})
}

// Flush sends all buffered events to Langfuse and waits for completion.
// Safe to call concurrently with the background flush loop.
func (e *LangfuseExporter) Flush(ctx context.Context) error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	var batch []ingestionEvent
	for {
		select {
		case evt := <-e.events:
			batch = append(batch, evt)
		default:
			if len(batch) > 0 {
				if err := e.sendBatchWithRetry(ctx, batch); err != nil {
					return fmt.Errorf("langfuse flush: %w", err)
				}
			}
			return nil
		}
	}
}

// enqueue adds an event to the buffer. If the buffer is full, the event
// is dropped with a warning.
func (e *LangfuseExporter) enqueue(evt ingestionEvent) {
	evt.ID = uuid.New().String()
	evt.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	select {
	case e.events <- evt:
	default:
		e.logger.Warn("event buffer full, dropping event", "type", evt.Type)
	}
}

// flushLoop periodically drains the event buffer and sends batches.
func (e *LangfuseExporter) flushLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			e.drainAndSend()
			return
		case <-ticker.C:
			e.drainAndSend()
		}
	}
}

// drainAndSend collects all buffered events and sends them in batches.
func (e *LangfuseExporter) drainAndSend() {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var batch []ingestionEvent
	for {
		select {
		case evt := <-e.events:
			batch = append(batch, evt)
			if len(batch) >= maxBatchSize {
				if err := e.sendBatchWithRetry(ctx, batch); err != nil {
					e.logger.Warn("batch send failed", "error", err)
				}
				batch = nil
			}
		default:
			if len(batch) > 0 {
				if err := e.sendBatchWithRetry(ctx, batch); err != nil {
					e.logger.Warn("batch send failed", "error", err)
				}
			}
			return
		}
	}
}

// sendBatchWithRetry sends a batch with a single retry on failure.
func (e *LangfuseExporter) sendBatchWithRetry(ctx context.Context, batch []ingestionEvent) error {
	err := e.sendBatch(ctx, batch)
	if err == nil {
		return nil
	}
	e.logger.Warn("batch send failed, retrying", "error", err)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(retryDelay):
	}
	return e.sendBatch(ctx, batch)
}

func (e *LangfuseExporter) post(ctx context.Context, batch []ingestionEvent) (*ingestionResponse, error) {
	body, err := json.Marshal(ingestionPayload{Batch: batch})
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.BaseURL+ingestionPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", e.authHeader)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("langfuse API returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result ingestionResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", errUnparsedResponse, err)
	}
	return &result, nil
}

// sendBatch sends a batch and logs per-event rejections.
func (e *LangfuseExporter) sendBatch(ctx context.Context, batch []ingestionEvent) error {
	result, err := e.post(ctx, batch)
	if errors.Is(err, errUnparsedResponse) {
		e.logger.Warn("could not parse ingestion response", "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	for _, r := range result.Errors {
		e.logger.Warn("event rejected", "event_id", r.ID, "status", r.Status, "message", r.Message)
	}
	e.logger.Debug("batch sent", "events", len(batch), "accepted", len(result.Successes), "rejected", len(result.Errors))
	return nil
}

// Stop shuts down the background flush goroutine and flushes remaining events.
// Safe to call multiple times.
func (e *LangfuseExporter) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	return e.Flush(ctx)
}

// Ping sends a minimal trace-create event to verify that the Langfuse API is
// reachable and the credentials are accepted.
func (e *LangfuseExporter) Ping(ctx context.Context) error {
	event := ingestionEvent{
		ID:        uuid.New().String(),
		Type:      "trace-create",
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Body: map[string]interface{}{
			"id":   "issuelens-ping-" + uuid.New().String(),
			"name": "issuelens-connectivity-test",
		},
	}

	result, err := e.post(ctx, []ingestionEvent{event})
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("ping event rejected: %s", result.Errors[0].Message)
	}
	return nil
}

// BaseURL returns the configured Langfuse base URL.
func (e *LangfuseExporter) BaseURL() string {
	return e.config.BaseURL
}

// ingestionEvent is a single event in the Langfuse ingestion API batch.
type ingestionEvent struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp string                 `json:"timestamp"`
	Body      map[string]interface{} `json:"body"`
}

// ingestionPayload is the top-level payload for the Langfuse ingestion API.
type ingestionPayload struct {
	Batch []ingestionEvent `json:"batch"`
}

// ingestionResponse is the Langfuse ingestion API response body.
type ingestionResponse struct {
	Successes []ingestionSuccess `json:"successes"`
	Errors    []ingestionError   `json:"errors"`
}

type ingestionSuccess struct {
	ID     string `json:"id"`
	Status int    `json:"status"`
}

type ingestionError struct {
	ID      string `json:"id"`
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
	Error   any    `json:"error,omitempty"`
}

var _ Exporter = (*LangfuseExporter)(nil)
