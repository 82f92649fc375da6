package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andywolf/issuelens/internal/version"
)

// APIType selects the OpenAI endpoint family.
type APIType string

const (
	APIResponses APIType = "responses"
	APIChat      APIType = "chat"
)

// DefaultBaseURL is used when no base URL is configured.
const DefaultBaseURL = "https://api.openai.com/v1"

const maxErrorBody = 1 << 20

// OpenAIConfig configures an OpenAI-compatible provider.
type OpenAIConfig struct {
	BaseURL      string
	APIKey       string
	Organization string
	Project      string
	// Name labels the provider in logs and traces.
	Name       string
	APIType    APIType
	Model      string
	MaxRetries int
	Timeout    time.Duration
}

// OpenAI implements Provider over the chat completions or responses API.
type OpenAI struct {
	cfg     OpenAIConfig
	model   string
	client  *http.Client
	backoff func(attempt int) time.Duration
}

// OpenAIOption configures an OpenAI provider.
type OpenAIOption func(*OpenAI)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(o *OpenAI) { o.client = c }
}

// WithBackoff replaces the delay before retry attempt n (0-based).
func WithBackoff(fn func(attempt int) time.Duration) OpenAIOption {
	return func(o *OpenAI) { o.backoff = fn }
}

// NewOpenAI validates cfg and returns a provider.
func NewOpenAI(cfg OpenAIConfig, opts ...OpenAIOption) (*OpenAI, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIType == "" {
		cfg.APIType = APIResponses
	}
	if cfg.APIType != APIResponses && cfg.APIType != APIChat {
		return nil, fmt.Errorf("unsupported API type %q (want responses or chat)", cfg.APIType)
	}
	model := NormalizeModel(cfg.Model)
	if model == "" {
		return nil, errors.New("model is required")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}

	o := &OpenAI{
		cfg:   cfg,
		model: model,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConns:          20,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 5 * time.Minute,
			},
		},
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<attempt) * 2 * time.Second
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// NormalizeModel strips a provider prefix such as "openai/gpt-4.1".
func NormalizeModel(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[i+1:]
	}
	return id
}

// Model returns the normalized model id.
func (o *OpenAI) Model() string { return o.model }

// Name returns the configured provider label.
func (o *OpenAI) Name() string { return o.cfg.Name }

// Complete performs a non-streaming call.
func (o *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	body, err := o.buildBody(req, false)
	if err != nil {
		return "", err
	}
	resp, err := o.post(ctx, body, false)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ProviderCallError{URL: o.endpoint(), StatusCode: resp.StatusCode, Retryable: true, Message: "read response: " + err.Error(), Err: err}
	}
	if o.cfg.APIType == APIChat {
		return o.parseChat(resp.StatusCode, raw)
	}
	return o.parseResponses(resp.StatusCode, raw)
}

// Stream performs a streaming call.
func (o *OpenAI) Stream(ctx context.Context, req Request, onDelta func(string)) (string, error) {
	body, err := o.buildBody(req, true)
	if err != nil {
		return "", err
	}
	resp, err := o.post(ctx, body, true)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var sb strings.Builder
	var streamErr error
	emit := func(delta string) {
		if delta == "" {
			return
		}
		sb.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}

	readErr := readSSE(resp.Body, func(ev sseEvent) bool {
		if ev.Data == "[DONE]" {
			return false
		}
		var delta string
		var done bool
		if o.cfg.APIType == APIChat {
			delta, done, streamErr = o.chatChunk(resp.StatusCode, ev)
		} else {
			delta, done, streamErr = o.responsesChunk(resp.StatusCode, ev)
		}
		if streamErr != nil {
			return false
		}
		emit(delta)
		return !done
	})
	if streamErr != nil {
		return sb.String(), streamErr
	}
	if readErr != nil {
		return sb.String(), &ProviderCallError{URL: o.endpoint(), StatusCode: resp.StatusCode, Message: "stream interrupted: " + readErr.Error(), Err: readErr}
	}
	return sb.String(), nil
}

func (o *OpenAI) endpoint() string {
	if o.cfg.APIType == APIChat {
		return o.cfg.BaseURL + "/chat/completions"
	}
	return o.cfg.BaseURL + "/responses"
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type jsonSchemaFormat struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Stream         bool          `json:"stream,omitempty"`
	ResponseFormat any           `json:"response_format,omitempty"`
}

type responsesFormat struct {
	Type   string          `json:"type"`
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

type responsesRequest struct {
	Model        string `json:"model"`
	Instructions string `json:"instructions,omitempty"`
	Input        string `json:"input"`
	Stream       bool   `json:"stream,omitempty"`
	Text         any    `json:"text,omitempty"`
}

func (o *OpenAI) buildBody(req Request, stream bool) ([]byte, error) {
	var payload any
	if o.cfg.APIType == APIChat {
		cr := chatRequest{Model: o.model, Stream: stream}
		if req.System != "" {
			cr.Messages = append(cr.Messages, chatMessage{Role: "system", Content: req.System})
		}
		cr.Messages = append(cr.Messages, chatMessage{Role: "user", Content: req.Prompt})
		if req.Schema != nil {
			cr.ResponseFormat = map[string]any{
				"type":        "json_schema",
				"json_schema": jsonSchemaFormat{Name: req.Schema.Name, Schema: req.Schema.JSON},
			}
		}
		payload = cr
	} else {
		rr := responsesRequest{Model: o.model, Instructions: req.System, Input: req.Prompt, Stream: stream}
		if req.Schema != nil {
			rr.Text = map[string]any{
				"format": responsesFormat{Type: "json_schema", Name: req.Schema.Name, Schema: req.Schema.JSON},
			}
		}
		payload = rr
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return b, nil
}

// post sends body with bounded retries on retryable failures.
func (o *OpenAI) post(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	var errs []error
	for attempt := 0; ; attempt++ {
		resp, err := o.postOnce(ctx, body, stream)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, err)

		var pce *ProviderCallError
		retryable := errors.As(err, &pce) && pce.Retryable
		switch {
		case !retryable && len(errs) == 1:
			return nil, err
		case !retryable:
			return nil, &RetryExhaustedError{Errors: errs, Attempts: len(errs), Reason: ReasonNotRetryable}
		case attempt >= o.cfg.MaxRetries && len(errs) == 1:
			return nil, err
		case attempt >= o.cfg.MaxRetries:
			return nil, &RetryExhaustedError{Errors: errs, Attempts: len(errs), Reason: ReasonMaxRetries}
		}

		timer := time.NewTimer(o.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (o *OpenAI) postOnce(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	url := o.endpoint()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	if o.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	}
	if o.cfg.Organization != "" {
		req.Header.Set("OpenAI-Organization", o.cfg.Organization)
	}
	if o.cfg.Project != "" {
		req.Header.Set("OpenAI-Project", o.cfg.Project)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ProviderCallError{URL: url, Retryable: true, Message: err.Error(), Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := extractProviderMessage(string(raw))
	if msg == "" {
		msg = resp.Status
	}
	return nil, &ProviderCallError{
		URL:          url,
		StatusCode:   resp.StatusCode,
		Retryable:    retryableStatus(resp.StatusCode),
		ResponseBody: string(raw),
		Message:      msg,
	}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

type apiErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

type chatCompletion struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiErrorBody `json:"error"`
}

func (o *OpenAI) parseChat(status int, raw []byte) (string, error) {
	var cc chatCompletion
	if err := json.Unmarshal(raw, &cc); err != nil {
		return "", &ProviderCallError{URL: o.endpoint(), StatusCode: status, ResponseBody: string(raw), Message: "invalid JSON response: " + err.Error(), Err: err}
	}
	if cc.Error != nil {
		return "", &ProviderCallError{URL: o.endpoint(), StatusCode: status, ResponseBody: string(raw), Message: cc.Error.Message}
	}
	if len(cc.Choices) == 0 {
		return "", nil
	}
	return cc.Choices[0].Message.Content, nil
}

func (o *OpenAI) chatChunk(status int, ev sseEvent) (string, bool, error) {
	var cc chatCompletion
	if err := json.Unmarshal([]byte(ev.Data), &cc); err != nil {
		return "", false, &ProviderCallError{URL: o.endpoint(), StatusCode: status, ResponseBody: ev.Data, Message: "invalid stream chunk: " + err.Error(), Err: err}
	}
	if cc.Error != nil {
		return "", false, &ProviderCallError{URL: o.endpoint(), StatusCode: status, ResponseBody: ev.Data, Message: cc.Error.Message}
	}
	if len(cc.Choices) == 0 {
		return "", false, nil
	}
	return cc.Choices[0].Delta.Content, false, nil
}

type responsesOutput struct {
	Status string `json:"status"`
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Error *apiErrorBody `json:"error"`
}

func (r responsesOutput) text() string {
	var sb strings.Builder
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" {
				sb.WriteString(c.Text)
			}
		}
	}
	return sb.String()
}

func (o *OpenAI) parseResponses(status int, raw []byte) (string, error) {
	var ro responsesOutput
	if err := json.Unmarshal(raw, &ro); err != nil {
		return "", &ProviderCallError{URL: o.endpoint(), StatusCode: status, ResponseBody: string(raw), Message: "invalid JSON response: " + err.Error(), Err: err}
	}
	if ro.Error != nil && ro.Error.Message != "" {
		return "", &ProviderCallError{URL: o.endpoint(), StatusCode: status, ResponseBody: string(raw), Message: ro.Error.Message}
	}
	return ro.text(), nil
}

type responsesStreamEvent struct {
	Type     string           `json:"type"`
	Delta    string           `json:"delta"`
	Message  string           `json:"message"`
	Response *responsesOutput `json:"response"`
}

func (o *OpenAI) responsesChunk(status int, ev sseEvent) (string, bool, error) {
	var se responsesStreamEvent
	if err := json.Unmarshal([]byte(ev.Data), &se); err != nil {
		return "", false, &ProviderCallError{URL: o.endpoint(), StatusCode: status, ResponseBody: ev.Data, Message: "invalid stream event: " + err.Error(), Err: err}
	}
	typ := se.Type
	if typ == "" {
		typ = ev.Event
	}
	switch typ {
	case "response.output_text.delta":
		return se.Delta, false, nil
	case "response.completed", "response.incomplete":
		return "", true, nil
	case "response.failed":
		msg := "response failed"
		if se.Response != nil && se.Response.Error != nil && se.Response.Error.Message != "" {
			msg = se.Response.Error.Message
		}
		return "", false, &ProviderCallError{URL: o.endpoint(), StatusCode: status, ResponseBody: ev.Data, Message: msg}
	case "error":
		msg := se.Message
		if msg == "" {
			msg = "stream error"
		}
		return "", false, &ProviderCallError{URL: o.endpoint(), StatusCode: status, ResponseBody: ev.Data, Message: msg}
	}
	return "", false, nil
}
