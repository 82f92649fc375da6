// Package evidence turns search keywords into a ranked, budgeted set of
// source file excerpts from the issue's repository.
package evidence

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/andywolf/issuelens/internal/github"
	"github.com/andywolf/issuelens/internal/logging"
)

// CodeHost is the subset of the GitHub client the collector needs.
type CodeHost interface {
	SearchCode(ctx context.Context, repository, query string, perPage int) ([]github.CodeMatch, error)
	FileContent(ctx context.Context, owner, repo, path, ref string) (string, error)
}

// Budgets bound the work of one collection.
type Budgets struct {
	MaxQueries      int
	MaxFiles        int
	ResultsPerQuery int
	MaxCharsPerFile int
}

// DefaultBudgets apply to zero fields of a caller's Budgets.
var DefaultBudgets = Budgets{
	MaxQueries:      6,
	MaxFiles:        8,
	ResultsPerQuery: 6,
	MaxCharsPerFile: 5000,
}

func (b Budgets) withDefaults() Budgets {
	if b.MaxQueries <= 0 {
		b.MaxQueries = DefaultBudgets.MaxQueries
	}
	if b.MaxFiles <= 0 {
		b.MaxFiles = DefaultBudgets.MaxFiles
	}
	if b.ResultsPerQuery <= 0 {
		b.ResultsPerQuery = DefaultBudgets.ResultsPerQuery
	}
	if b.MaxCharsPerFile <= 0 {
		b.MaxCharsPerFile = DefaultBudgets.MaxCharsPerFile
	}
	return b
}

// FileEvidence is one admitted file. Content holds at most MaxCharsPerFile
// characters; Truncated is set iff the sanitized file was longer.
type FileEvidence struct {
	Path        string `json:"path"`
	SourceQuery string `json:"sourceQuery"`
	URL         string `json:"url"`
	Content     string `json:"content"`
	Truncated   bool   `json:"truncated"`
}

// Result is the outcome of a collection. Queries lists every query issued;
// FailedQueries the subset whose search failed.
type Result struct {
	Files         []FileEvidence `json:"files"`
	Queries       []string       `json:"queries"`
	SkippedFiles  []string       `json:"skippedFiles"`
	FailedQueries []string       `json:"failedQueries,omitempty"`
}

// Collector runs searches and fetches serially against a CodeHost.
type Collector struct {
	host    CodeHost
	budgets Budgets
	logger  *slog.Logger
}

// Option configures a Collector.
type Option func(*Collector)

// WithBudgets overrides the default budgets.
func WithBudgets(b Budgets) Option {
	return func(c *Collector) { c.budgets = b.withDefaults() }
}

// WithLogger sets the logger used for skipped queries and files.
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// NewCollector returns a Collector over host.
func NewCollector(host CodeHost, opts ...Option) *Collector {
	c := &Collector{host: host, budgets: DefaultBudgets, logger: logging.New("evidence")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Budgets returns the effective budgets.
func (c *Collector) Budgets() Budgets { return c.budgets }

type candidate struct {
	path  string
	url   string
	score float64
	query string
	seq   int
}

// Collect searches ref's repository for each normalized keyword and fetches
// the best scoring files. Failures of individual searches or fetches are
// absorbed; the only error returned is the context's.
func (c *Collector) Collect(ctx context.Context, ref github.IssueReference, keywords []string) (Result, error) {
	res := Result{Files: []FileEvidence{}, Queries: NormalizeKeywords(keywords, c.budgets.MaxQueries), SkippedFiles: []string{}}
	if len(res.Queries) == 0 {
		return res, nil
	}

	best := make(map[string]*candidate)
	seq := 0
	for _, q := range res.Queries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		matches, err := c.host.SearchCode(ctx, ref.Repository(), q, c.budgets.ResultsPerQuery)
		if err != nil {
			res.FailedQueries = append(res.FailedQueries, q)
			c.logger.Warn("code search failed, skipping query", "query", q, "error", err)
			continue
		}
		for _, m := range matches {
			cur, ok := best[m.Path]
			if !ok {
				best[m.Path] = &candidate{path: m.Path, url: m.URL, score: m.Score, query: q, seq: seq}
				seq++
				continue
			}
			if m.Score > cur.score {
				cur.url, cur.score, cur.query = m.URL, m.Score, q
			}
		}
	}

	ranked := make([]*candidate, 0, len(best))
	for _, cand := range best {
		ranked = append(ranked, cand)
	}
	// ties keep first-seen order so results are deterministic
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].seq < ranked[j].seq
	})
	if len(ranked) > c.budgets.MaxFiles {
		ranked = ranked[:c.budgets.MaxFiles]
	}

	for _, cand := range ranked {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		raw, err := c.host.FileContent(ctx, ref.Owner, ref.Repo, cand.path, "")
		if err != nil {
			res.SkippedFiles = append(res.SkippedFiles, cand.path)
			c.logger.Debug("file fetch failed, skipping", "path", cand.path, "error", err)
			continue
		}
		content, truncated := Truncate(Sanitize(raw), c.budgets.MaxCharsPerFile)
		res.Files = append(res.Files, FileEvidence{
			Path:        cand.path,
			SourceQuery: cand.query,
			URL:         cand.url,
			Content:     content,
			Truncated:   truncated,
		})
	}
	return res, nil
}

// NormalizeKeywords trims, drops empties and case-insensitive duplicates,
// and caps the list at max, keeping first-seen order and casing.
func NormalizeKeywords(keywords []string, max int) []string {
	seen := make(map[string]bool, len(keywords))
	out := []string{}
	for _, k := range keywords {
		clean := strings.TrimSpace(k)
		if clean == "" {
			continue
		}
		key := strings.ToLower(clean)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, clean)
		if len(out) >= max {
			break
		}
	}
	return out
}

// Sanitize removes control characters other than tab and newlines, and
// trims surrounding whitespace.
func Sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// Truncate cuts s to at most max characters.
func Truncate(s string, max int) (string, bool) {
	if utf8.RuneCountInString(s) <= max {
		return s, false
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i], true
		}
		n++
	}
	return s, false
}
