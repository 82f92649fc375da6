package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

const (
	strictSystemSuffix = "CRITICAL OUTPUT RULES:\n" +
		"- Return ONLY raw JSON.\n" +
		"- Do not include markdown fences.\n" +
		"- Do not include any explanation text.\n" +
		"- Ensure JSON is strictly valid and matches the schema."
	strictPromptSuffix = "\n\nReturn only a strict JSON object that matches the schema."
)

// ObjectRequest is a structured generation request.
type ObjectRequest struct {
	Name   string
	System string
	Prompt string
	// Logger receives recovery notes; nil discards them.
	Logger *slog.Logger
}

// GenerateObject asks p for a value of shape T.
//
// The raw answer is decoded and validated. When that fails the answer is
// searched for a valid JSON document (see RecoveryStrategies). If nothing
// validates, the call is repeated once with stricter output rules and the
// recovery is applied to that answer. Streaming-required rejections are
// retried in streaming mode around every provider call.
func GenerateObject[T Shape](ctx context.Context, p Provider, req ObjectRequest) (T, error) {
	var zero T
	schema, err := SchemaFor[T](req.Name)
	if err != nil {
		return zero, err
	}

	v, err := structuredCall[T](ctx, p, Request{System: req.System, Prompt: req.Prompt, Schema: schema})
	if err == nil {
		return v, nil
	}
	var nso *NoStructuredOutputError
	if !errors.As(err, &nso) {
		return zero, err
	}
	if rec := Recover[T](nso.Text); rec.OK {
		logRecovery(req.Logger, req.Name, rec.Strategy, false)
		return rec.Value, nil
	}

	strict := Request{
		System: req.System + "\n" + strictSystemSuffix,
		Prompt: req.Prompt + strictPromptSuffix,
		Schema: schema,
	}
	v, retryErr := structuredCall[T](ctx, p, strict)
	if retryErr == nil {
		logRecovery(req.Logger, req.Name, "strict-retry", true)
		return v, nil
	}
	if errors.As(retryErr, &nso) {
		if rec := Recover[T](nso.Text); rec.OK {
			logRecovery(req.Logger, req.Name, rec.Strategy, true)
			return rec.Value, nil
		}
	}
	return zero, retryErr
}

func structuredCall[T Shape](ctx context.Context, p Provider, req Request) (T, error) {
	var zero T
	text, err := p.Complete(ctx, req)
	if err != nil {
		if !RequiresStreaming(err) {
			return zero, err
		}
		if text, err = p.Stream(ctx, req, nil); err != nil {
			return zero, err
		}
	}
	v, err := decodeShape[T](text)
	if err != nil {
		return zero, &NoStructuredOutputError{Text: text, Cause: fmt.Errorf("response did not match schema: %w", err)}
	}
	return v, nil
}

func logRecovery(l *slog.Logger, name, strategy string, retried bool) {
	if l == nil {
		return
	}
	l.Info("recovered structured output", "schema", name, "strategy", strategy, "strict_retry", retried)
}
