// Package github talks to the GitHub REST API: issue references, issue and
// comment retrieval, scoped code search, file contents and GitHub App auth.
package github

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// IssueReference identifies one issue. IssueURL is always the canonical
// https://github.com/{owner}/{repo}/issues/{n} form.
type IssueReference struct {
	Owner       string `json:"owner"`
	Repo        string `json:"repo"`
	IssueNumber int    `json:"issueNumber"`
	IssueURL    string `json:"issueUrl"`
}

// Repository returns "owner/repo".
func (r IssueReference) Repository() string {
	return r.Owner + "/" + r.Repo
}

// ReferenceInput carries the raw identifiers a caller may provide.
type ReferenceInput struct {
	IssueURL    string
	Repository  string
	IssueNumber int
}

// ReferenceError reports a malformed or incomplete issue identifier.
type ReferenceError struct {
	Input  string
	Reason string
}

func (e *ReferenceError) Error() string {
	if e.Input == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Input)
}

var issueURLPattern = regexp.MustCompile(`(?i)https?://github\.com/([^/\s]+)/([^/\s]+)/issues/(\d+)`)

// ParseReference resolves a URL, or an owner/repo plus number pair, into an
// IssueReference. The URL wins when both are given.
func ParseReference(in ReferenceInput) (IssueReference, error) {
	if u := strings.TrimSpace(in.IssueURL); u != "" {
		m := issueURLPattern.FindStringSubmatch(u)
		if m == nil {
			return IssueReference{}, &ReferenceError{Input: u, Reason: "invalid issue URL"}
		}
		n, err := strconv.Atoi(m[3])
		if err != nil || n <= 0 {
			return IssueReference{}, &ReferenceError{Input: u, Reason: "invalid issue number"}
		}
		return NewReference(m[1], m[2], n), nil
	}

	repo := strings.TrimSpace(in.Repository)
	if repo == "" || in.IssueNumber == 0 {
		return IssueReference{}, &ReferenceError{Reason: "provide either an issue URL or both a repository and an issue number"}
	}
	if in.IssueNumber < 0 {
		return IssueReference{}, &ReferenceError{Input: strconv.Itoa(in.IssueNumber), Reason: "issue number must be positive"}
	}
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return IssueReference{}, &ReferenceError{Input: repo, Reason: "invalid repository format, expected owner/repo"}
	}
	return NewReference(owner, name, in.IssueNumber), nil
}

// NewReference builds a reference with its canonical URL.
func NewReference(owner, repo string, number int) IssueReference {
	return IssueReference{
		Owner:       owner,
		Repo:        repo,
		IssueNumber: number,
		IssueURL:    fmt.Sprintf("https://github.com/%s/%s/issues/%d", owner, repo, number),
	}
}
