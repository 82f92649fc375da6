package server

import (
	"errors"
	"net/http"

	"github.com/andywolf/issuelens/internal/github"
	"github.com/andywolf/issuelens/internal/llm"
	"github.com/andywolf/issuelens/internal/pipeline"
	"github.com/andywolf/issuelens/internal/security"
)

// apiError is the client-facing form of a failed run. Message and detail
// are scrubbed of credentials.
type apiError struct {
	Status  int
	Message string
	Detail  map[string]any
}

// describe maps a run error onto an HTTP status, a short message and a
// structured detail object.
func describe(err error) apiError {
	if d, ok := llm.DescribeError(err); ok {
		return apiError{
			Status:  d.Status,
			Message: security.Scrub(d.Message),
			Detail:  security.ScrubDetail(d.Detail),
		}
	}

	out := apiError{Status: http.StatusInternalServerError, Message: security.ScrubError(err)}

	var refErr *github.ReferenceError
	var hostErr *github.HostError
	switch {
	case errors.As(err, &refErr):
		out.Status = http.StatusBadRequest
	case errors.As(err, &hostErr):
		out.Detail = map[string]any{"kind": string(hostErr.Kind)}
		if hostErr.StatusCode != 0 {
			out.Detail["statusCode"] = hostErr.StatusCode
		}
		switch hostErr.Kind {
		case github.KindNotFound:
			out.Status = http.StatusNotFound
		case github.KindNotAnIssue:
			out.Status = http.StatusUnprocessableEntity
		default:
			out.Status = http.StatusBadGateway
		}
	case pipeline.IsPersistenceError(err):
		out.Detail = map[string]any{"kind": "persistence"}
	}
	return out
}
