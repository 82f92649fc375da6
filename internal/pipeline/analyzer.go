// Package pipeline runs the staged analysis of one GitHub issue: it resolves
// the reference, gathers the issue and code evidence, drives the model
// through triage, investigation, planning and report writing, and persists
// every artifact. Each stage reports a start event and exactly one outcome
// event before the next stage begins.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/andywolf/issuelens/internal/evidence"
	"github.com/andywolf/issuelens/internal/github"
	"github.com/andywolf/issuelens/internal/llm"
	"github.com/andywolf/issuelens/internal/logging"
	"github.com/andywolf/issuelens/internal/report"
	"github.com/andywolf/issuelens/internal/skills"
)

// CodeHost is the code-hosting service as seen by a run.
type CodeHost interface {
	FetchIssue(ctx context.Context, ref github.IssueReference) (*github.IssueBundle, error)
	evidence.CodeHost
}

// HostFactory returns a CodeHost authenticated with token, or with default
// credentials when token is empty.
type HostFactory func(token string) (CodeHost, error)

// ProviderFactory builds the model provider for a run.
type ProviderFactory func(cfg llm.OpenAIConfig) (llm.Provider, error)

// GitHubHosts returns a HostFactory backed by the GitHub REST API. fallback
// authenticates runs that carry no token of their own; it may be nil.
func GitHubHosts(apiURL string, fallback github.TokenSource) HostFactory {
	return func(token string) (CodeHost, error) {
		opts := []github.ClientOption{}
		if apiURL != "" {
			opts = append(opts, github.WithAPIURL(apiURL))
		}
		switch {
		case token != "":
			opts = append(opts, github.WithTokenSource(github.StaticToken(token)))
		case fallback != nil:
			opts = append(opts, github.WithTokenSource(fallback))
		}
		return github.NewClient(opts...)
	}
}

// OpenAIProviders builds providers with llm.NewOpenAI.
func OpenAIProviders(opts ...llm.OpenAIOption) ProviderFactory {
	return func(cfg llm.OpenAIConfig) (llm.Provider, error) {
		return llm.NewOpenAI(cfg, opts...)
	}
}

// Analyzer runs analyses. It holds no per-run state and is safe for
// concurrent use.
type Analyzer struct {
	hosts     HostFactory
	providers ProviderFactory
	skills    *skills.Library
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithHostFactory replaces the code host factory.
func WithHostFactory(f HostFactory) Option {
	return func(a *Analyzer) { a.hosts = f }
}

// WithProviderFactory replaces the model provider factory.
func WithProviderFactory(f ProviderFactory) Option {
	return func(a *Analyzer) { a.providers = f }
}

// WithSkills sets the skill library merged into stage instructions.
func WithSkills(lib *skills.Library) Option {
	return func(a *Analyzer) { a.skills = lib }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

// New returns an Analyzer using GitHub and OpenAI unless overridden.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{
		hosts:     GitHubHosts("", nil),
		providers: OpenAIProviders(),
		now:       time.Now,
		logger:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run executes every stage in order and returns the persisted result. The
// first failing stage ends the run; its error is returned unchanged after
// the stage's error event has been emitted.
func (a *Analyzer) Run(ctx context.Context, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	mode, err := ParseMode(string(opts.Mode))
	if err != nil {
		return nil, err
	}

	t := &tracer{emit: opts.Trace, now: a.now, logger: a.logger}

	ref, err := runStage(t, StageResolveReference,
		map[string]any{
			"issueUrl":    opts.Reference.IssueURL,
			"repository":  opts.Reference.Repository,
			"issueNumber": opts.Reference.IssueNumber,
		},
		func() (github.IssueReference, error) { return github.ParseReference(opts.Reference) },
		func(r github.IssueReference) map[string]any {
			return map[string]any{"repository": r.Repository(), "issueNumber": r.IssueNumber, "issueUrl": r.IssueURL}
		})
	if err != nil {
		return nil, err
	}
	logger := a.logger.With("repository", ref.Repository(), "issue", ref.IssueNumber)
	t.logger = logger

	var host CodeHost
	bundle, err := runStage(t, StageFetchIssue,
		map[string]any{
			"repository":  ref.Repository(),
			"issueNumber": ref.IssueNumber,
			"githubToken": maskSecret(opts.GitHubToken),
		},
		func() (*github.IssueBundle, error) {
			h, err := a.hosts(opts.GitHubToken)
			if err != nil {
				return nil, err
			}
			host = h
			return h.FetchIssue(ctx, ref)
		},
		func(b *github.IssueBundle) map[string]any {
			labels := b.Issue.Labels
			if len(labels) > 10 {
				labels = labels[:10]
			}
			return map[string]any{"title": b.Issue.Title, "commentCount": len(b.Comments), "labels": labels}
		})
	if err != nil {
		return nil, err
	}

	var paths report.ArtifactIndex
	outputDir, err := runStage(t, StageCreateOutput,
		map[string]any{"baseDir": opts.OutputDir},
		func() (string, error) {
			dir, err := createRunOutputDir(opts.OutputDir, ref.Repository(), ref.IssueNumber, a.now())
			if err != nil {
				return "", err
			}
			paths = artifactPaths(dir)
			return dir, AtomicWriteJSON(paths.IssueSnapshotPath, bundle)
		},
		func(dir string) map[string]any {
			return map[string]any{"outputDir": dir, "issueSnapshotPath": paths.IssueSnapshotPath}
		})
	if err != nil {
		return nil, err
	}

	gen, err := runStage(t, StageBuildModel,
		map[string]any{
			"model":        opts.Model,
			"mode":         string(mode),
			"apiType":      string(opts.Provider.APIType),
			"baseURL":      orDefault(opts.Provider.BaseURL, "default"),
			"providerName": orDefault(opts.Provider.Name, "openai"),
			"apiKey":       maskSecret(opts.Provider.APIKey),
			"githubToken":  maskSecret(opts.GitHubToken),
		},
		func() (*generator, error) { return a.buildGenerator(opts, mode, logger) },
		func(g *generator) map[string]any {
			return map[string]any{"model": llm.NormalizeModel(opts.Model), "skills": a.skillNames()}
		})
	if err != nil {
		return nil, err
	}

	u, err := runStage(t, StageUnderstand,
		map[string]any{
			"issueTitleLength": len(bundle.Issue.Title),
			"issueBodyLength":  len(bundle.Issue.BodyText()),
			"commentCount":     len(bundle.Comments),
		},
		func() (understanding, error) {
			u, err := gen.understandIssue(ctx, bundle)
			if err != nil {
				return u, err
			}
			return u, AtomicWrite(paths.IssueUnderstandingPath, []byte(u.markdown))
		},
		func(u understanding) map[string]any {
			d := map[string]any{"markdownLength": len(u.markdown), "keywordCount": len(u.keywords)}
			if u.structured != nil {
				d["issueType"] = string(u.structured.IssueType)
				d["severity"] = string(u.structured.Severity)
			}
			return d
		})
	if err != nil {
		return nil, err
	}

	keywords := append(append([]string{}, u.keywords...), titleKeywords(bundle.Issue.Title)...)
	requested := keywords
	if len(requested) > maxKeywords {
		requested = requested[:maxKeywords]
	}
	collector := evidence.NewCollector(host, evidence.WithBudgets(opts.Budgets), evidence.WithLogger(logger))
	ev, err := runStage(t, StageCollectEvidence,
		map[string]any{"requestedKeywords": requested},
		func() (evidence.Result, error) { return collector.Collect(ctx, ref, keywords) },
		func(r evidence.Result) map[string]any {
			return map[string]any{
				"queryCount":        len(r.Queries),
				"evidenceFileCount": len(r.Files),
				"skippedFileCount":  len(r.SkippedFiles),
				"failedQueryCount":  len(r.FailedQueries),
			}
		})
	if err != nil {
		return nil, err
	}

	inv, err := runStage(t, StageInvestigate,
		map[string]any{"evidenceFileCount": len(ev.Files), "searchQueryCount": len(ev.Queries)},
		func() (investigation, error) {
			inv, err := gen.investigateCode(ctx, bundle, u, ev.Files)
			if err != nil {
				return inv, err
			}
			return inv, AtomicWrite(paths.CodeInvestigationPath, []byte(inv.markdown))
		},
		func(inv investigation) map[string]any {
			d := map[string]any{"markdownLength": len(inv.markdown)}
			if inv.structured != nil {
				d["hypothesisCount"] = len(inv.structured.Hypotheses)
			}
			return d
		})
	if err != nil {
		return nil, err
	}

	pl, err := runStage(t, StagePlan,
		map[string]any{"investigationLength": len(inv.markdown)},
		func() (plan, error) {
			pl, err := gen.planExecution(ctx, bundle, u, inv)
			if err != nil {
				return pl, err
			}
			return pl, AtomicWrite(paths.ExecutionPlanPath, []byte(pl.markdown))
		},
		func(pl plan) map[string]any {
			d := map[string]any{"markdownLength": len(pl.markdown)}
			if pl.structured != nil {
				d["stepCount"] = len(pl.structured.ImplementationSteps)
				d["complexity"] = string(pl.structured.Complexity)
			}
			return d
		})
	if err != nil {
		return nil, err
	}

	generatedAt := a.now().UTC().Format(time.RFC3339)
	final, err := runStage(t, StageWriteReport,
		map[string]any{
			"understandingLength": len(u.markdown),
			"investigationLength": len(inv.markdown),
			"planLength":          len(pl.markdown),
			"streaming":           opts.ReportDelta != nil,
		},
		func() (finalReport, error) {
			return gen.writeReport(ctx, bundle, u, inv, pl, reportInputs{
				artifacts: report.ArtifactPaths{
					IssueSnapshotPath:  paths.IssueSnapshotPath,
					ReportJSONPath:     paths.ReportJSONPath,
					ReportMarkdownPath: paths.ReportMarkdownPath,
				},
				generatedAt: generatedAt,
			}, opts.ReportDelta)
		},
		func(r finalReport) map[string]any {
			return map[string]any{"markdownLength": len(r.markdown)}
		})
	if err != nil {
		return nil, err
	}

	doc := report.Document{
		Repository:      ref.Repository(),
		IssueNumber:     ref.IssueNumber,
		IssueURL:        ref.IssueURL,
		GeneratedAt:     generatedAt,
		Mode:            string(mode),
		Artifacts:       paths,
		SearchedQueries: ev.Queries,
		SkippedFiles:    ev.SkippedFiles,
		Evidence:        evidenceRefs(ev.Files),
		Structured:      final.structured,
		ReportMarkdown:  final.markdown,
	}
	if err := a.persist(t, paths, doc); err != nil {
		return nil, err
	}

	return &Result{
		OutputDir:      outputDir,
		ArtifactIndex:  paths,
		Mode:           mode,
		ReportMarkdown: final.markdown,
		Report:         final.structured,
		Trace:          t.snapshot(),
	}, nil
}

// persist writes the final report files and a trace dump. The dump already
// contains this stage's success event, which is emitted only after every
// write succeeded.
func (a *Analyzer) persist(t *tracer, paths report.ArtifactIndex, doc report.Document) error {
	s := t.begin(StagePersist, map[string]any{"outputDir": filepath.Dir(paths.ReportJSONPath)})
	if err := AtomicWriteJSON(paths.ReportJSONPath, doc); err != nil {
		return s.fail(err)
	}
	if err := AtomicWrite(paths.ReportMarkdownPath, []byte(doc.ReportMarkdown)); err != nil {
		return s.fail(err)
	}
	done := s.successEvent(map[string]any{
		"reportJsonPath":     paths.ReportJSONPath,
		"reportMarkdownPath": paths.ReportMarkdownPath,
		"tracePath":          paths.TracePath,
	})
	if err := AtomicWriteJSON(paths.TracePath, append(t.snapshot(), done)); err != nil {
		return s.fail(err)
	}
	s.commit(done)
	return nil
}

func (a *Analyzer) buildGenerator(opts Options, mode Mode, logger *slog.Logger) (*generator, error) {
	provider, err := a.providers(llm.OpenAIConfig{
		BaseURL:      opts.Provider.BaseURL,
		APIKey:       opts.Provider.APIKey,
		Organization: opts.Provider.Organization,
		Project:      opts.Provider.Project,
		Name:         opts.Provider.Name,
		APIType:      opts.Provider.APIType,
		Model:        opts.Model,
		MaxRetries:   opts.Provider.MaxRetries,
		Timeout:      opts.Provider.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("build model provider: %w", err)
	}

	guidance := func(string) string { return "" }
	if a.skills != nil {
		all, err := a.skills.Skills()
		if err != nil {
			return nil, err
		}
		guidance = skills.NewSelector(all).ForStage
	}
	return &generator{provider: provider, mode: mode, lang: opts.Language, guidance: guidance, logger: logger}, nil
}

func (a *Analyzer) skillNames() []string {
	if a.skills == nil {
		return []string{}
	}
	return a.skills.Names()
}

func artifactPaths(dir string) report.ArtifactIndex {
	return report.ArtifactIndex{
		IssueSnapshotPath:      filepath.Join(dir, IssueSnapshotFile),
		IssueUnderstandingPath: filepath.Join(dir, IssueUnderstandingFile),
		CodeInvestigationPath:  filepath.Join(dir, CodeInvestigationFile),
		ExecutionPlanPath:      filepath.Join(dir, ExecutionPlanFile),
		ReportJSONPath:         filepath.Join(dir, ReportJSONFile),
		ReportMarkdownPath:     filepath.Join(dir, ReportMarkdownFile),
		TracePath:              filepath.Join(dir, TraceFile),
	}
}

func evidenceRefs(files []evidence.FileEvidence) []report.EvidenceRef {
	refs := make([]report.EvidenceRef, 0, len(files))
	for _, f := range files {
		refs = append(refs, report.EvidenceRef{Path: f.Path, SourceQuery: f.SourceQuery, URL: f.URL, Truncated: f.Truncated})
	}
	return refs
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
