package github

import (
	"errors"
	"fmt"
	"net/http"

	gh "github.com/google/go-github/v58/github"
)

// HostErrorKind classifies failures of the code host.
type HostErrorKind string

const (
	KindNotFound            HostErrorKind = "not-found"
	KindNotAnIssue          HostErrorKind = "not-an-issue"
	KindNotAFile            HostErrorKind = "not-a-file"
	KindUnsupportedEncoding HostErrorKind = "unsupported-encoding"
	KindEmptyContent        HostErrorKind = "empty-content"
	KindRequest             HostErrorKind = "request"
)

// HostError is a failure talking to GitHub or an unexpected resource shape.
type HostError struct {
	Kind       HostErrorKind
	Op         string
	Target     string
	StatusCode int
	Message    string
	Err        error
}

func (e *HostError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("github %s %s: %s (status %d)", e.Op, e.Target, msg, e.StatusCode)
	}
	return fmt.Sprintf("github %s %s: %s", e.Op, e.Target, msg)
}

func (e *HostError) Unwrap() error { return e.Err }

// IsKind reports whether err is a HostError of the given kind.
func IsKind(err error, kind HostErrorKind) bool {
	var he *HostError
	return errors.As(err, &he) && he.Kind == kind
}

// wrapRequestError converts a go-github error into a HostError.
func wrapRequestError(op, target string, err error) error {
	he := &HostError{Kind: KindRequest, Op: op, Target: target, Err: err}

	var er *gh.ErrorResponse
	var rl *gh.RateLimitError
	var arl *gh.AbuseRateLimitError
	switch {
	case errors.As(err, &rl):
		he.StatusCode = statusOf(rl.Response)
		he.Message = "rate limited: " + rl.Message
	case errors.As(err, &arl):
		he.StatusCode = statusOf(arl.Response)
		he.Message = "secondary rate limit: " + arl.Message
	case errors.As(err, &er):
		he.StatusCode = statusOf(er.Response)
		he.Message = er.Message
		if he.StatusCode == http.StatusNotFound {
			he.Kind = KindNotFound
		}
	}
	return he
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}
