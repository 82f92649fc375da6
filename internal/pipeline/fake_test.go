package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/andywolf/issuelens/internal/github"
	"github.com/andywolf/issuelens/internal/llm"
)

type fakeHost struct {
	bundle   *github.IssueBundle
	fetchErr error
	results  map[string][]github.CodeMatch
	files    map[string]string
	fileErr  map[string]error

	mu       sync.Mutex
	searches []string
}

func (h *fakeHost) FetchIssue(_ context.Context, ref github.IssueReference) (*github.IssueBundle, error) {
	if h.fetchErr != nil {
		return nil, h.fetchErr
	}
	b := *h.bundle
	b.Reference = ref
	return &b, nil
}

func (h *fakeHost) SearchCode(_ context.Context, _, query string, _ int) ([]github.CodeMatch, error) {
	h.mu.Lock()
	h.searches = append(h.searches, query)
	h.mu.Unlock()
	return h.results[query], nil
}

func (h *fakeHost) FileContent(_ context.Context, _, _, path, _ string) (string, error) {
	if err := h.fileErr[path]; err != nil {
		return "", err
	}
	return h.files[path], nil
}

func strPtr(s string) *string { return &s }

func newFakeHost() *fakeHost {
	return &fakeHost{
		bundle: &github.IssueBundle{
			Issue: github.IssueSnapshot{
				Number:    42,
				Title:     "Login handler panics on expired session",
				State:     "open",
				Body:      strPtr("Calling /login with an expired cookie returns 500.\nStack: session.Refresh nil pointer"),
				User:      "reporter",
				Labels:    []string{"bug"},
				CreatedAt: "2026-01-02T03:04:05Z",
				UpdatedAt: "2026-01-03T03:04:05Z",
			},
			Comments: []github.Comment{
				{ID: 1, User: "maintainer", Body: strPtr("Reproduced on main."), CreatedAt: "2026-01-02T05:00:00Z"},
			},
		},
		results: map[string][]github.CodeMatch{
			"LoginHandler": {
				{Name: "login.go", Path: "internal/auth/login.go", URL: "https://github.com/acme/widget/blob/main/internal/auth/login.go", Score: 0.9},
			},
			"session.Refresh": {
				{Name: "session.go", Path: "internal/auth/session.go", URL: "https://github.com/acme/widget/blob/main/internal/auth/session.go", Score: 0.7},
			},
		},
		files: map[string]string{
			"internal/auth/login.go":   "package auth\n\nfunc LoginHandler() {}\n",
			"internal/auth/session.go": "package auth\n\nfunc Refresh() {}\n",
		},
	}
}

// scriptedProvider answers by stage. Markdown stages are recognised by
// their system prompt and structured stages by schema name.
type scriptedProvider struct {
	mu        sync.Mutex
	responses map[string]string
	failures  map[string]error
	calls     []llm.Request
	chunkSize int
}

func stageKey(req llm.Request) string {
	if req.Schema != nil {
		return req.Schema.Name
	}
	switch {
	case strings.Contains(req.System, "issue triage specialist"):
		return "understand"
	case strings.Contains(req.System, "investigating root causes"):
		return "investigate"
	case strings.Contains(req.System, "technical lead"):
		return "plan"
	case strings.Contains(req.System, "principal engineer"):
		return "report"
	}
	return "unknown"
}

func (p *scriptedProvider) answer(req llm.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	key := stageKey(req)
	if err := p.failures[key]; err != nil {
		return "", err
	}
	return p.responses[key], nil
}

func (p *scriptedProvider) Complete(_ context.Context, req llm.Request) (string, error) {
	return p.answer(req)
}

func (p *scriptedProvider) Stream(_ context.Context, req llm.Request, onDelta func(string)) (string, error) {
	text, err := p.answer(req)
	if err != nil {
		return "", err
	}
	size := p.chunkSize
	if size <= 0 {
		size = 7
	}
	runes := []rune(text)
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		if onDelta != nil {
			onDelta(string(runes[i:end]))
		}
	}
	return text, nil
}

func (p *scriptedProvider) systems() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.calls))
	for _, c := range p.calls {
		out = append(out, c.System)
	}
	return out
}

const (
	understandingMD = "## Issue Classification\n- Type: bug\n\n## Key Symptoms\n- 500 on /login\n\n" +
		"## Acceptance Signals\n- Expired sessions redirect to sign-in\n\n" +
		"## Suggested Search Keywords\n- `LoginHandler`\n- session.Refresh\n- expired cookie\n"
	investigationMD = "## Root Cause Hypotheses\n- internal/auth/session.go dereferences a nil session\n"
	planMD          = "## Implementation Plan\n1. Guard nil session (verify: unit test)\n"
	reportMD        = "# Analysis Report\n\n## Executive Summary\nGuard the nil session in Refresh.\n"
)

func markdownResponses() map[string]string {
	return map[string]string{
		"understand":  "\n" + understandingMD + "\n",
		"investigate": investigationMD,
		"plan":        planMD,
		"report":      "  " + reportMD + "\n\n",
	}
}

const (
	understandingJSON = `{"issueType":"bug","severity":"high","summary":"Login panics","keySymptoms":["500 on /login"],` +
		`"acceptanceSignals":["expired sessions redirect"],"searchKeywords":["LoginHandler","session.Refresh","expired"]}`
	investigationJSON = `{"hypotheses":[{"title":"Nil session","description":"Refresh dereferences nil","confidence":"high",` +
		`"evidence":[{"filePath":"internal/auth/session.go","rationale":"nil deref","confidence":"high"}],` +
		`"impactedPaths":["internal/auth/session.go"]}],"missingEvidence":[],"additionalFilesToInspect":[]}`
	planJSON = `{"complexity":"S","estimatedEffort":"half a day","riskLevel":"low","risks":["session churn"],"unknowns":[],` +
		`"implementationSteps":[{"step":"Guard nil","detail":"check session","verification":"unit test"},` +
		`{"step":"Redirect","detail":"send to sign-in","verification":"integration test"},` +
		`{"step":"Log","detail":"warn on expiry","verification":"log assertion"}],` +
		`"testPlan":["expired cookie","valid cookie","missing cookie"]}`
	reportJSON = `{"title":"Login panics on expired session","repository":"wrong/repo","issueNumber":7,"issueUrl":"x",` +
		`"generatedAt":"yesterday","classification":{"type":"bug","severity":"high","complexity":"S","riskLevel":"low"},` +
		`"executiveSummary":"Guard the nil session.","rootCauseHypotheses":[{"title":"Nil session","description":"deref",` +
		`"confidence":"high","impactedPaths":["internal/auth/session.go"]}],` +
		`"evidence":[{"filePath":"internal/auth/session.go","rationale":"nil deref","confidence":"high"}],` +
		`"implementationPlan":[{"order":1,"step":"Guard nil","detail":"check","verification":"test"}],` +
		`"testingChecklist":["expired cookie"],"openQuestions":[],"artifacts":{"issueSnapshotPath":"","reportJsonPath":"","reportMarkdownPath":""}}`
)

func structuredResponses() map[string]string {
	return map[string]string{
		"issue_understanding": understandingJSON,
		"code_investigation":  "Here is the analysis:\n```json\n" + investigationJSON + "\n```",
		"execution_plan":      planJSON,
		"issue_report":        reportJSON,
	}
}

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time {
	c.t = c.t.Add(10 * time.Millisecond)
	return c.t
}
