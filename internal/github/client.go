package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v58/github"

	"github.com/andywolf/issuelens/internal/version"
)

const (
	commentsPerPage = 100
	defaultRef      = "HEAD"
)

// IssueSnapshot is the persisted view of an issue.
type IssueSnapshot struct {
	ID        int64    `json:"id"`
	Number    int      `json:"number"`
	Title     string   `json:"title"`
	State     string   `json:"state"`
	Body      *string  `json:"body"`
	User      string   `json:"user"`
	Labels    []string `json:"labels"`
	Assignees []string `json:"assignees"`
	CreatedAt string   `json:"createdAt"`
	UpdatedAt string   `json:"updatedAt"`
	Comments  int      `json:"comments"`
}

// BodyText returns the body or "" when the issue has none.
func (s IssueSnapshot) BodyText() string {
	if s.Body == nil {
		return ""
	}
	return *s.Body
}

// Comment is one issue comment.
type Comment struct {
	ID        int64   `json:"id"`
	User      string  `json:"user"`
	Body      *string `json:"body"`
	CreatedAt string  `json:"createdAt"`
	UpdatedAt string  `json:"updatedAt"`
}

// BodyText returns the body or "".
func (c Comment) BodyText() string {
	if c.Body == nil {
		return ""
	}
	return *c.Body
}

// IssueBundle is an issue with all of its comments in server order.
type IssueBundle struct {
	Reference IssueReference `json:"reference"`
	Issue     IssueSnapshot  `json:"issue"`
	Comments  []Comment      `json:"comments"`
}

// CodeMatch is one code search hit.
type CodeMatch struct {
	Name  string  `json:"name"`
	Path  string  `json:"path"`
	SHA   string  `json:"sha"`
	URL   string  `json:"url"`
	Score float64 `json:"score"`
}

// Client wraps go-github for the calls an analysis run needs.
type Client struct {
	gh *gh.Client
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	baseURL   string
	transport http.RoundTripper
	source    TokenSource
}

// WithAPIURL points the client at a GitHub Enterprise or test server root.
func WithAPIURL(u string) ClientOption {
	return func(c *clientConfig) { c.baseURL = u }
}

// WithTransport sets the base round tripper.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *clientConfig) { c.transport = rt }
}

// WithTokenSource authenticates every request with source.
func WithTokenSource(source TokenSource) ClientOption {
	return func(c *clientConfig) { c.source = source }
}

// NewClient builds a Client. Without a token source requests are anonymous
// and subject to the unauthenticated rate limit; code search requires auth.
func NewClient(opts ...ClientOption) (*Client, error) {
	var cfg clientConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	httpClient := NewAuthClient(cfg.source, cfg.transport)
	httpClient.Timeout = 60 * time.Second
	c := gh.NewClient(httpClient)
	c.UserAgent = version.UserAgent()

	if cfg.baseURL != "" {
		u := cfg.baseURL
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		parsed, err := url.Parse(u)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL %q: %w", cfg.baseURL, err)
		}
		c.BaseURL = parsed
	}
	return &Client{gh: c}, nil
}

// FetchIssue retrieves an issue and every comment, following pagination.
// Pull requests are rejected with KindNotAnIssue.
func (c *Client) FetchIssue(ctx context.Context, ref IssueReference) (*IssueBundle, error) {
	target := fmt.Sprintf("%s#%d", ref.Repository(), ref.IssueNumber)

	issue, _, err := c.gh.Issues.Get(ctx, ref.Owner, ref.Repo, ref.IssueNumber)
	if err != nil {
		return nil, wrapRequestError("get issue", target, err)
	}
	if issue.IsPullRequest() {
		return nil, &HostError{
			Kind:    KindNotAnIssue,
			Op:      "get issue",
			Target:  target,
			Message: fmt.Sprintf("issue #%d in %s is a pull request, not a regular issue", ref.IssueNumber, ref.Repository()),
		}
	}

	comments, err := c.listComments(ctx, ref, target)
	if err != nil {
		return nil, err
	}

	return &IssueBundle{
		Reference: ref,
		Issue:     snapshotIssue(issue),
		Comments:  comments,
	}, nil
}

func (c *Client) listComments(ctx context.Context, ref IssueReference, target string) ([]Comment, error) {
	opts := &gh.IssueListCommentsOptions{
		Sort:        gh.String("created"),
		Direction:   gh.String("asc"),
		ListOptions: gh.ListOptions{PerPage: commentsPerPage},
	}
	out := []Comment{}
	for {
		page, resp, err := c.gh.Issues.ListComments(ctx, ref.Owner, ref.Repo, ref.IssueNumber, opts)
		if err != nil {
			return nil, wrapRequestError("list comments", target, err)
		}
		for _, ic := range page {
			out = append(out, Comment{
				ID:        ic.GetID(),
				User:      loginOrUnknown(ic.GetUser()),
				Body:      ic.Body,
				CreatedAt: formatTime(ic.CreatedAt),
				UpdatedAt: formatTime(ic.UpdatedAt),
			})
		}
		if resp == nil || resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

type codeSearchResponse struct {
	TotalCount int `json:"total_count"`
	Items      []struct {
		Name    string  `json:"name"`
		Path    string  `json:"path"`
		SHA     string  `json:"sha"`
		HTMLURL string  `json:"html_url"`
		Score   float64 `json:"score"`
	} `json:"items"`
}

// SearchCode runs a code search scoped to repository ("owner/repo").
// go-github's CodeResult drops the relevance score, so the raw response is
// decoded here.
func (c *Client) SearchCode(ctx context.Context, repository, query string, perPage int) ([]CodeMatch, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, nil
	}
	params := url.Values{}
	params.Set("q", q+" repo:"+repository)
	params.Set("per_page", fmt.Sprint(perPage))

	req, err := c.gh.NewRequest(http.MethodGet, "search/code?"+params.Encode(), nil)
	if err != nil {
		return nil, &HostError{Kind: KindRequest, Op: "search code", Target: repository, Err: err}
	}
	var res codeSearchResponse
	if _, err := c.gh.Do(ctx, req, &res); err != nil {
		return nil, wrapRequestError("search code", repository, err)
	}

	matches := make([]CodeMatch, 0, len(res.Items))
	for _, it := range res.Items {
		matches = append(matches, CodeMatch{Name: it.Name, Path: it.Path, SHA: it.SHA, URL: it.HTMLURL, Score: it.Score})
	}
	return matches, nil
}

// FileContent returns the decoded text of a file at ref (HEAD when empty).
// Directories, symlinks and submodules are KindNotAFile; anything other than
// base64 is KindUnsupportedEncoding.
func (c *Client) FileContent(ctx context.Context, owner, repo, path, ref string) (string, error) {
	if ref == "" {
		ref = defaultRef
	}
	target := fmt.Sprintf("%s/%s:%s", owner, repo, path)

	file, dir, _, err := c.gh.Repositories.GetContents(ctx, owner, repo, path, &gh.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return "", wrapRequestError("get contents", target, err)
	}
	if dir != nil || file == nil || file.GetType() != "file" {
		return "", &HostError{Kind: KindNotAFile, Op: "get contents", Target: target, Message: "path is not a file"}
	}
	if file.Content == nil {
		return "", &HostError{Kind: KindEmptyContent, Op: "get contents", Target: target, Message: "no file content returned"}
	}
	if enc := file.GetEncoding(); enc != "base64" {
		return "", &HostError{Kind: KindUnsupportedEncoding, Op: "get contents", Target: target, Message: fmt.Sprintf("unsupported encoding %q", enc)}
	}
	text, err := file.GetContent()
	if err != nil {
		return "", &HostError{Kind: KindUnsupportedEncoding, Op: "get contents", Target: target, Err: err}
	}
	return text, nil
}

func snapshotIssue(is *gh.Issue) IssueSnapshot {
	labels := []string{}
	for _, l := range is.Labels {
		if name := l.GetName(); name != "" {
			labels = append(labels, name)
		}
	}
	assignees := []string{}
	for _, a := range is.Assignees {
		if login := a.GetLogin(); login != "" {
			assignees = append(assignees, login)
		}
	}
	return IssueSnapshot{
		ID:        is.GetID(),
		Number:    is.GetNumber(),
		Title:     is.GetTitle(),
		State:     is.GetState(),
		Body:      is.Body,
		User:      loginOrUnknown(is.GetUser()),
		Labels:    labels,
		Assignees: assignees,
		CreatedAt: formatTime(is.CreatedAt),
		UpdatedAt: formatTime(is.UpdatedAt),
		Comments:  is.GetComments(),
	}
}

func loginOrUnknown(u *gh.User) string {
	if login := u.GetLogin(); login != "" {
		return login
	}
	return "unknown"
}

func formatTime(ts *gh.Timestamp) string {
	if ts == nil {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}
