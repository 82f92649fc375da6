package llm

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	providerMessageLimit = 800
	textPreviewLimit     = 1200
)

// Description is the client-facing rendering of a generation failure.
type Description struct {
	Status  int            `json:"status"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// DescribeError renders provider, structured-output and retry failures for
// clients. ok is false for errors that are not generation failures.
func DescribeError(err error) (d Description, ok bool) {
	var re *RetryExhaustedError
	if errors.As(err, &re) {
		var nested Description
		found := false
		for i := len(re.Errors) - 1; i >= 0 && !found; i-- {
			nested, found = describeLeaf(re.Errors[i])
		}
		if !found {
			nested = Description{Status: http.StatusInternalServerError, Message: re.Error(), Detail: map[string]any{}}
		} else {
			nested.Message = fmt.Sprintf("%s (after %d attempts)", nested.Message, re.Attempts)
		}
		nested.Detail["retryReason"] = re.Reason
		nested.Detail["attempts"] = re.Attempts
		return nested, true
	}
	return describeLeaf(err)
}

func describeLeaf(err error) (Description, bool) {
	var pce *ProviderCallError
	if errors.As(err, &pce) {
		status := pce.StatusCode
		if status == 0 {
			status = http.StatusBadGateway
		}
		msg := truncate(pce.ProviderMessage(), providerMessageLimit)
		if msg == "" {
			msg = "Provider request failed. Check the model, base URL and API type settings."
		}
		return Description{
			Status:  status,
			Message: msg,
			Detail: map[string]any{
				"url":             pce.URL,
				"statusCode":      pce.StatusCode,
				"isRetryable":     pce.Retryable,
				"providerMessage": msg,
			},
		}, true
	}

	var nso *NoStructuredOutputError
	if errors.As(err, &nso) {
		detail := map[string]any{
			"generatedTextPreview": truncate(nso.Text, textPreviewLimit),
		}
		if nso.FinishReason != "" {
			detail["finishReason"] = nso.FinishReason
		}
		if nso.Cause != nil {
			detail["cause"] = nso.Cause.Error()
		}
		return Description{
			Status:  http.StatusUnprocessableEntity,
			Message: nso.Error(),
			Detail:  detail,
		}, true
	}
	return Description{}, false
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
