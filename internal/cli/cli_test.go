package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andywolf/issuelens/internal/config"
	"github.com/andywolf/issuelens/internal/events"
	"github.com/andywolf/issuelens/internal/pipeline"
	"github.com/andywolf/issuelens/internal/runstore"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Provider.APIType = "responses"
	cfg.Provider.APIKey = "sk-test"
	cfg.Provider.Timeout = "5m"
	cfg.Analysis.Language = "zh-CN"
	cfg.Analysis.Model = "gpt-4.1"
	cfg.Analysis.Mode = "markdown"
	cfg.Analysis.OutputDir = "reports"
	cfg.Analysis.MaxQueries = 8
	cfg.Analysis.MaxFiles = 10
	cfg.Analysis.ResultsPerQuery = 8
	cfg.Analysis.MaxCharsPerFile = 4500
	cfg.GitHub.Token = "gh-test"
	return cfg
}

func TestAnalyzeOptions(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		flags   analyzeFlags
		wantErr string
		check   func(t *testing.T, opts pipeline.Options)
	}{
		{
			name:  "url with config defaults",
			flags: analyzeFlags{url: "https://github.com/acme/widget/issues/42"},
			check: func(t *testing.T, opts pipeline.Options) {
				if opts.Reference.IssueURL != "https://github.com/acme/widget/issues/42" {
					t.Errorf("IssueURL = %q", opts.Reference.IssueURL)
				}
				if opts.Language != "zh-CN" || opts.Model != "gpt-4.1" || opts.Mode != pipeline.ModeMarkdown {
					t.Errorf("defaults not applied: %+v", opts)
				}
				if opts.Provider.Timeout != 5*time.Minute {
					t.Errorf("Timeout = %v", opts.Provider.Timeout)
				}
				if opts.Budgets.MaxFiles != 10 {
					t.Errorf("MaxFiles = %d", opts.Budgets.MaxFiles)
				}
			},
		},
		{
			name:  "flags override config",
			flags: analyzeFlags{repo: "acme/widget", issue: 7, lang: "en", mode: "structured", apiType: "chat", outputDir: "out"},
			check: func(t *testing.T, opts pipeline.Options) {
				if opts.Reference.Repository != "acme/widget" || opts.Reference.IssueNumber != 7 {
					t.Errorf("reference = %+v", opts.Reference)
				}
				if opts.Language != "en" || opts.Mode != pipeline.ModeStructured || opts.OutputDir != "out" {
					t.Errorf("overrides not applied: %+v", opts)
				}
				if opts.Provider.APIType != "chat" {
					t.Errorf("APIType = %q", opts.Provider.APIType)
				}
			},
		},
		{
			name:    "missing reference",
			flags:   analyzeFlags{repo: "acme/widget"},
			wantErr: "provide an issue URL",
		},
		{
			name:    "bad mode",
			flags:   analyzeFlags{url: "https://github.com/acme/widget/issues/1", mode: "html"},
			wantErr: "unsupported mode",
		},
		{
			name:    "bad api type",
			flags:   analyzeFlags{url: "https://github.com/acme/widget/issues/1", apiType: "completions"},
			wantErr: "unsupported api type",
		},
		{
			name:    "missing api key",
			mutate:  func(c *config.Config) { c.Provider.APIKey = "" },
			flags:   analyzeFlags{url: "https://github.com/acme/widget/issues/1"},
			wantErr: "provider API key is required",
		},
		{
			name:    "missing github credentials",
			mutate:  func(c *config.Config) { c.GitHub.Token = "" },
			flags:   analyzeFlags{url: "https://github.com/acme/widget/issues/1"},
			wantErr: "GitHub credentials are required",
		},
		{
			name:   "github app counts as credentials",
			mutate: func(c *config.Config) { c.GitHub.Token = ""; c.GitHub.AppID = "123" },
			flags:  analyzeFlags{url: "https://github.com/acme/widget/issues/1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			opts, err := analyzeOptions(cfg, tt.flags)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.check != nil {
				tt.check(t, opts)
			}
		})
	}
}

func TestServerDefaults(t *testing.T) {
	cfg := testConfig()
	cfg.GitHub.Token = ""
	cfg.GitHub.AppID = "123"

	d := serverDefaults(cfg)
	if !d.GitHubApp || d.GitHubToken != "" {
		t.Errorf("github credentials = %q app=%v", d.GitHubToken, d.GitHubApp)
	}
	if d.Provider.APIKey != "sk-test" || d.Mode != pipeline.ModeMarkdown || d.Budgets.MaxQueries != 8 {
		t.Errorf("defaults = %+v", d)
	}
}

func TestGithubFallback(t *testing.T) {
	cfg := testConfig()
	src, err := githubFallback(cfg)
	if err != nil {
		t.Fatal(err)
	}
	tok, err := src.Token(context.Background())
	if err != nil || tok != "gh-test" {
		t.Errorf("Token() = %q, %v", tok, err)
	}

	cfg.GitHub.Token = ""
	src, err = githubFallback(cfg)
	if err != nil || src != nil {
		t.Errorf("no credentials should give nil source, got %v, %v", src, err)
	}

	cfg.GitHub.AppID = "123"
	cfg.GitHub.InstallationID = 9
	cfg.GitHub.PrivateKey = "not a pem"
	if _, err := githubFallback(cfg); err == nil {
		t.Error("expected error for invalid private key")
	}
}

func traceFixture() []events.TraceEvent {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ms := int64(1500)
	return []events.TraceEvent{
		{Timestamp: ts, Stage: "fetch-issue", Status: events.StatusStart},
		{Timestamp: ts, Stage: "fetch-issue", Status: events.StatusSuccess, DurationMs: &ms, Detail: map[string]any{"title": "Crash on save"}},
		{Timestamp: ts, Stage: "understand-issue", Status: events.StatusStart},
		{Timestamp: ts, Stage: "understand-issue", Status: events.StatusError, Detail: map[string]any{"message": "provider unavailable"}},
		{Timestamp: ts, Stage: "write-report", Status: events.StatusStart},
	}
}

func TestRenderTrace(t *testing.T) {
	var buf bytes.Buffer
	renderTrace(&buf, traceFixture())
	out := buf.String()

	for _, want := range []string{"fetch-issue", "1.5s", "title=Crash on save", "understand-issue", "provider unavailable", "write-report", "running"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, ""},
		{250 * time.Millisecond, "250ms"},
		{1540 * time.Millisecond, "1.5s"},
		{2 * time.Minute, "2m0s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.in); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// fakeStatusServer serves a run whose trace grows by one event per poll.
func fakeStatusServer(t *testing.T) (*httptest.Server, *[]int) {
	t.Helper()
	trace := traceFixture()[:2]
	var (
		mu     sync.Mutex
		polls  int
		afters []int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/analyze/status" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("runId") != "run-1" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "Run not found or expired."})
			return
		}
		after, _ := strconv.Atoi(r.URL.Query().Get("after"))

		mu.Lock()
		afters = append(afters, after)
		polls++
		visible := polls
		mu.Unlock()
		if visible > len(trace) {
			visible = len(trace)
		}

		snap := runstore.Snapshot{
			RunID:      "run-1",
			Status:     runstore.StatusRunning,
			Trace:      trace[after:visible],
			TraceIndex: visible,
			Meta:       runstore.Meta{Repository: "acme/widget", IssueNumber: 42},
		}
		if visible == len(trace) {
			snap.Status = runstore.StatusCompleted
		}
		_ = json.NewEncoder(w).Encode(snap)
	}))
	t.Cleanup(srv.Close)
	return srv, &afters
}

func TestStatusClientWatch(t *testing.T) {
	srv, afters := fakeStatusServer(t)
	client := &statusClient{baseURL: srv.URL, http: srv.Client()}

	var seen []string
	snap, trace, err := client.watch(context.Background(), "run-1", time.Millisecond, func(batch []events.TraceEvent) {
		for _, ev := range batch {
			seen = append(seen, string(ev.Status))
		}
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if snap.Status != runstore.StatusCompleted {
		t.Errorf("status = %s", snap.Status)
	}
	if len(trace) != 2 || strings.Join(seen, ",") != "start,success" {
		t.Errorf("trace = %d events, seen %v", len(trace), seen)
	}
	if got := *afters; len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Errorf("after cursors = %v, want [0 1]", got)
	}
}

func TestStatusClientNotFound(t *testing.T) {
	srv, _ := fakeStatusServer(t)
	client := &statusClient{baseURL: srv.URL + "/", http: srv.Client()}

	_, err := client.fetch(context.Background(), "missing", 0)
	if err == nil || !strings.Contains(err.Error(), "Run not found or expired.") {
		t.Errorf("error = %v", err)
	}
}

func TestRenderRunStatus(t *testing.T) {
	msg := "provider unavailable"
	var buf bytes.Buffer
	renderRunStatus(&buf, runstore.Snapshot{
		RunID:  "run-7",
		Status: runstore.StatusFailed,
		Error:  &msg,
		Meta:   runstore.Meta{Repository: "acme/widget", IssueNumber: 42, Model: "gpt-4.1"},
	})
	out := buf.String()
	for _, want := range []string{"run-7", "failed", "acme/widget#42", "gpt-4.1", "provider unavailable"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
