package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestOpenAI(t *testing.T, server *httptest.Server, cfg OpenAIConfig) *OpenAI {
	t.Helper()
	cfg.BaseURL = server.URL + "/v1/"
	if cfg.Model == "" {
		cfg.Model = "openai/gpt-4.1"
	}
	p, err := NewOpenAI(cfg, WithBackoff(func(int) time.Duration { return time.Millisecond }))
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	return p
}

func TestNewOpenAIValidation(t *testing.T) {
	if _, err := NewOpenAI(OpenAIConfig{Model: "gpt-4.1", APIType: "completions"}); err == nil {
		t.Error("expected error for unknown API type")
	}
	if _, err := NewOpenAI(OpenAIConfig{}); err == nil {
		t.Error("expected error for missing model")
	}
	p, err := NewOpenAI(OpenAIConfig{Model: "azure/deployments/gpt-4o"})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	if p.Model() != "gpt-4o" {
		t.Errorf("expected normalized model, got %q", p.Model())
	}
	if p.endpoint() != DefaultBaseURL+"/responses" {
		t.Errorf("unexpected default endpoint %q", p.endpoint())
	}
}

func TestChatComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		if r.Header.Get("OpenAI-Organization") != "org-1" || r.Header.Get("OpenAI-Project") != "proj-1" {
			t.Errorf("missing org/project headers")
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "gpt-4.1" {
			t.Errorf("unexpected model %v", body["model"])
		}
		msgs := body["messages"].([]any)
		if len(msgs) != 2 || msgs[0].(map[string]any)["role"] != "system" {
			t.Errorf("unexpected messages %v", msgs)
		}
		rf := body["response_format"].(map[string]any)
		if rf["type"] != "json_schema" {
			t.Errorf("unexpected response_format %v", rf)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"name\":\"x\"}"}}]}`)
	}))
	defer server.Close()

	p := newTestOpenAI(t, server, OpenAIConfig{APIType: APIChat, APIKey: "sk-test", Organization: "org-1", Project: "proj-1"})
	got, err := p.Complete(context.Background(), Request{System: "s", Prompt: "p", Schema: &Schema{Name: "w", JSON: json.RawMessage(`{"type":"object"}`)}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != `{"name":"x"}` {
		t.Errorf("unexpected text %q", got)
	}
}

func TestResponsesComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/responses" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["instructions"] != "sys" || body["input"] != "hi" {
			t.Errorf("unexpected body %v", body)
		}
		if _, ok := body["stream"]; ok {
			t.Error("stream should be omitted for non-streaming calls")
		}
		fmt.Fprint(w, `{"status":"completed","output":[
			{"type":"reasoning","content":[]},
			{"type":"message","content":[{"type":"output_text","text":"Hello "},{"type":"output_text","text":"there"}]}
		]}`)
	}))
	defer server.Close()

	p := newTestOpenAI(t, server, OpenAIConfig{})
	got, err := p.Complete(context.Background(), Request{System: "sys", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "Hello there" {
		t.Errorf("unexpected text %q", got)
	}
}

func TestChatStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("expected event-stream accept header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{
			`{"choices":[{"delta":{"role":"assistant"}}]}`,
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, ": keep-alive\n\ndata: [DONE]\n\n")
	}))
	defer server.Close()

	p := newTestOpenAI(t, server, OpenAIConfig{APIType: APIChat})
	var deltas []string
	got, err := p.Stream(context.Background(), Request{Prompt: "p"}, func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got != "Hello" || strings.Join(deltas, "|") != "Hel|lo" {
		t.Errorf("unexpected stream result %q deltas %q", got, deltas)
	}
}

func TestResponsesStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: response.created\ndata: {\"type\":\"response.created\"}\n\n")
		fmt.Fprint(w, "event: response.output_text.delta\ndata: {\"type\":\"response.output_text.delta\",\"delta\":\"# Re\"}\n\n")
		fmt.Fprint(w, "event: response.output_text.delta\ndata: {\"type\":\"response.output_text.delta\",\"delta\":\"port\"}\n\n")
		fmt.Fprint(w, "event: response.completed\ndata: {\"type\":\"response.completed\"}\n\n")
		fmt.Fprint(w, "event: response.output_text.delta\ndata: {\"type\":\"response.output_text.delta\",\"delta\":\"ignored\"}\n\n")
	}))
	defer server.Close()

	p := newTestOpenAI(t, server, OpenAIConfig{})
	got, err := p.Stream(context.Background(), Request{Prompt: "p"}, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got != "# Report" {
		t.Errorf("unexpected text %q", got)
	}
}

func TestResponsesStreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"a\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"response.failed\",\"response\":{\"error\":{\"message\":\"context too long\"}}}\n\n")
	}))
	defer server.Close()

	p := newTestOpenAI(t, server, OpenAIConfig{})
	got, err := p.Stream(context.Background(), Request{Prompt: "p"}, nil)
	var pce *ProviderCallError
	if !errors.As(err, &pce) || pce.Message != "context too long" {
		t.Fatalf("expected provider error, got %v", err)
	}
	if got != "a" {
		t.Errorf("expected partial text, got %q", got)
	}
}

func TestStreamRequiredErrorIsClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"Stream must be set to true","type":"invalid_request_error"}}`)
	}))
	defer server.Close()

	p := newTestOpenAI(t, server, OpenAIConfig{MaxRetries: 2})
	_, err := p.Complete(context.Background(), Request{Prompt: "p"})
	var pce *ProviderCallError
	if !errors.As(err, &pce) {
		t.Fatalf("expected ProviderCallError, got %T %v", err, err)
	}
	if pce.Retryable {
		t.Error("400 should not be retryable")
	}
	if !RequiresStreaming(err) {
		t.Error("expected streaming-required classification")
	}
}

func TestRetriesRetryableStatus(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		_, _ = io.Copy(io.Discard, r.Body)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":{"message":"overloaded"}}`)
			return
		}
		fmt.Fprint(w, `{"output":[{"type":"message","content":[{"type":"output_text","text":"ok"}]}]}`)
	}))
	defer server.Close()

	p := newTestOpenAI(t, server, OpenAIConfig{MaxRetries: 2})
	got, err := p.Complete(context.Background(), Request{Prompt: "p"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "ok" || atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected success on third attempt, got %q after %d calls", got, calls)
	}
}

func TestRetryExhausted(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer server.Close()

	p := newTestOpenAI(t, server, OpenAIConfig{MaxRetries: 1})
	_, err := p.Complete(context.Background(), Request{Prompt: "p"})
	var re *RetryExhaustedError
	if !errors.As(err, &re) {
		t.Fatalf("expected RetryExhaustedError, got %v", err)
	}
	if re.Attempts != 2 || re.Reason != ReasonMaxRetries {
		t.Errorf("unexpected retry error %+v", re)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestNoRetriesReturnsBareError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "upstream exploded")
	}))
	defer server.Close()

	p := newTestOpenAI(t, server, OpenAIConfig{MaxRetries: 0})
	_, err := p.Complete(context.Background(), Request{Prompt: "p"})
	var pce *ProviderCallError
	if !errors.As(err, &pce) {
		t.Fatalf("expected ProviderCallError, got %v", err)
	}
	var re *RetryExhaustedError
	if errors.As(err, &re) {
		t.Error("did not expect a retry wrapper")
	}
	if pce.ProviderMessage() != "upstream exploded" || !pce.Retryable {
		t.Errorf("unexpected error %+v", pce)
	}
}
