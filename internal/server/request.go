package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/andywolf/issuelens/internal/github"
	"github.com/andywolf/issuelens/internal/llm"
	"github.com/andywolf/issuelens/internal/pipeline"
)

// issueNumber accepts a JSON number or a numeric string.
type issueNumber int

func (n *issueNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	s := string(b)
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("issueNumber must be a number")
	}
	if f != float64(int(f)) {
		return fmt.Errorf("issueNumber must be an integer")
	}
	*n = issueNumber(int(f))
	return nil
}

type providerRequest struct {
	Type         string `json:"type"`
	BaseURL      string `json:"baseURL"`
	APIKey       string `json:"apiKey"`
	Organization string `json:"organization"`
	Project      string `json:"project"`
	Name         string `json:"name"`
}

// analyzeRequest is the body shared by the analyze, start and stream routes.
type analyzeRequest struct {
	IssueURL    string           `json:"issueUrl"`
	Repo        string           `json:"repo"`
	IssueNumber *issueNumber     `json:"issueNumber"`
	GitHubToken string           `json:"githubToken"`
	Lang        string           `json:"lang"`
	Model       string           `json:"model"`
	APIType     string           `json:"apiType"`
	Mode        string           `json:"mode"`
	Provider    *providerRequest `json:"provider"`
}

// validationError collects every problem with a request.
type validationError struct {
	issues []string
}

func (e *validationError) Error() string { return strings.Join(e.issues, "; ") }

func (e *validationError) add(format string, args ...any) {
	e.issues = append(e.issues, fmt.Sprintf(format, args...))
}

var repoPattern = regexp.MustCompile(`^[^/\s]+/[^/\s]+$`)

func decodeRequest(body []byte) (analyzeRequest, error) {
	var req analyzeRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&req); err != nil {
		return req, &validationError{issues: []string{"invalid JSON body: " + err.Error()}}
	}
	return req, nil
}

// options validates req and merges it over the server defaults. Request
// values win; empty request fields fall back to the defaults.
func (req analyzeRequest) options(d Defaults) (pipeline.Options, error) {
	verr := &validationError{}

	issueURL := strings.TrimSpace(req.IssueURL)
	if issueURL != "" {
		u, err := url.ParseRequestURI(issueURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			verr.add("issueUrl must be a valid URL")
		}
	}
	repo := strings.TrimSpace(req.Repo)
	if repo != "" && !repoPattern.MatchString(repo) {
		verr.add("repo must look like owner/repo")
	}
	number := 0
	if req.IssueNumber != nil {
		number = int(*req.IssueNumber)
		if number <= 0 {
			verr.add("issueNumber must be a positive integer")
		}
	}
	if issueURL == "" && (repo == "" || number == 0) {
		verr.add("Provide issueUrl OR repo + issueNumber")
	}

	lang := orDefault(req.Lang, d.Language)
	if n := utf8.RuneCountInString(lang); n < 2 || n > 40 {
		verr.add("lang must be between 2 and 40 characters")
	}
	model := orDefault(req.Model, d.Model)
	if n := utf8.RuneCountInString(model); n < 2 || n > 80 {
		verr.add("model must be between 2 and 80 characters")
	}

	apiType := llm.APIType(orDefault(req.APIType, string(d.Provider.APIType)))
	if apiType == "" {
		apiType = llm.APIResponses
	}
	if apiType != llm.APIResponses && apiType != llm.APIChat {
		verr.add("apiType must be responses or chat")
	}

	mode, err := pipeline.ParseMode(orDefault(req.Mode, string(d.Mode)))
	if err != nil {
		verr.add("mode must be markdown or structured")
	}

	provider := d.Provider
	provider.APIType = apiType
	if p := req.Provider; p != nil {
		if t := strings.TrimSpace(p.Type); t != "" && t != "openai" {
			verr.add("provider.type must be openai")
		}
		provider.BaseURL = orDefault(p.BaseURL, provider.BaseURL)
		provider.APIKey = orDefault(p.APIKey, provider.APIKey)
		provider.Organization = orDefault(p.Organization, provider.Organization)
		provider.Project = orDefault(p.Project, provider.Project)
		provider.Name = orDefault(p.Name, provider.Name)
	}

	if len(verr.issues) > 0 {
		return pipeline.Options{}, verr
	}

	if provider.APIKey == "" {
		return pipeline.Options{}, errMissingAPIKey
	}
	token := orDefault(req.GitHubToken, d.GitHubToken)
	if token == "" && !d.GitHubApp {
		return pipeline.Options{}, errMissingGitHubToken
	}

	return pipeline.Options{
		Reference: github.ReferenceInput{
			IssueURL:    issueURL,
			Repository:  repo,
			IssueNumber: number,
		},
		OutputDir:   d.OutputDir,
		Language:    lang,
		Model:       model,
		Mode:        mode,
		Budgets:     d.Budgets,
		Provider:    provider,
		GitHubToken: strings.TrimSpace(req.GitHubToken),
	}, nil
}

var (
	errMissingAPIKey      = errors.New("OPENAI_API_KEY is required (from settings or server environment).")
	errMissingGitHubToken = errors.New("GITHUB_TOKEN is required (from settings or server environment).")
)

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}
