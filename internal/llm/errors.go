package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ProviderCallError is a failed HTTP exchange with the provider.
type ProviderCallError struct {
	URL          string
	StatusCode   int
	Retryable    bool
	ResponseBody string
	Message      string
	Err          error
}

func (e *ProviderCallError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("provider call failed: %s", e.Message)
	}
	return fmt.Sprintf("provider call failed (status %d): %s", e.StatusCode, e.Message)
}

func (e *ProviderCallError) Unwrap() error { return e.Err }

// ProviderMessage returns error.message from a JSON error body, the raw body
// when it is not JSON, or Message when there is no body.
func (e *ProviderCallError) ProviderMessage() string {
	if m := extractProviderMessage(e.ResponseBody); m != "" {
		return m
	}
	return e.Message
}

// NoStructuredOutputError means the model answered but the answer did not
// parse into the requested shape. Text keeps the raw output for recovery.
type NoStructuredOutputError struct {
	Text         string
	FinishReason string
	Cause        error
}

func (e *NoStructuredOutputError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("no structured output generated: %v", e.Cause)
	}
	return "no structured output generated"
}

func (e *NoStructuredOutputError) Unwrap() error { return e.Cause }

// Retry stop reasons.
const (
	ReasonMaxRetries   = "maxRetriesExceeded"
	ReasonNotRetryable = "errorNotRetryable"
)

// RetryExhaustedError collects every failed attempt of a retried call.
type RetryExhaustedError struct {
	Errors   []error
	Attempts int
	Reason   string
}

func (e *RetryExhaustedError) Error() string {
	last := "unknown error"
	if len(e.Errors) > 0 {
		last = e.Errors[len(e.Errors)-1].Error()
	}
	return fmt.Sprintf("failed after %d attempts (%s): %s", e.Attempts, e.Reason, last)
}

// Unwrap exposes every attempt to errors.Is and errors.As.
func (e *RetryExhaustedError) Unwrap() []error { return e.Errors }

// Last returns the final attempt's error.
func (e *RetryExhaustedError) Last() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e.Errors[len(e.Errors)-1]
}

var streamRequiredPattern = regexp.MustCompile(`(?i)stream\s+must\s+be\s+set\s+to\s+true`)

// RequiresStreaming reports whether err says the provider only serves this
// configuration in streaming mode. It inspects provider messages and bodies,
// and every attempt of a RetryExhaustedError.
func RequiresStreaming(err error) bool {
	if err == nil {
		return false
	}
	var re *RetryExhaustedError
	if errors.As(err, &re) {
		for _, inner := range re.Errors {
			if RequiresStreaming(inner) {
				return true
			}
		}
		return false
	}
	var pce *ProviderCallError
	if errors.As(err, &pce) {
		return streamRequiredPattern.MatchString(pce.Message) ||
			streamRequiredPattern.MatchString(extractProviderMessage(pce.ResponseBody))
	}
	return streamRequiredPattern.MatchString(err.Error())
}

func extractProviderMessage(body string) string {
	raw := strings.TrimSpace(body)
	if raw == "" {
		return ""
	}
	var parsed struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil && parsed.Error != nil {
		if m := strings.TrimSpace(parsed.Error.Message); m != "" {
			return m
		}
	}
	return raw
}
