package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/andywolf/issuelens/internal/evidence"
	"github.com/andywolf/issuelens/internal/github"
	"github.com/andywolf/issuelens/internal/llm"
	"github.com/andywolf/issuelens/internal/report"
)

// generator runs the four model-backed stages of one run in either mode.
type generator struct {
	provider llm.Provider
	mode     Mode
	lang     string
	guidance func(stage string) string
	logger   *slog.Logger
}

type understanding struct {
	markdown   string
	keywords   []string
	structured *report.IssueUnderstanding
}

// artifactText is what later stages see of an earlier artifact: the
// markdown document, or pretty JSON of the validated structured value.
func (u understanding) artifactText() string {
	if u.structured != nil {
		return prettyJSON(u.structured)
	}
	return u.markdown
}

type investigation struct {
	markdown   string
	structured *report.CodeInvestigation
}

func (i investigation) artifactText() string {
	if i.structured != nil {
		return prettyJSON(i.structured)
	}
	return i.markdown
}

type plan struct {
	markdown   string
	structured *report.ExecutionPlan
}

func (p plan) artifactText() string {
	if p.structured != nil {
		return prettyJSON(p.structured)
	}
	return p.markdown
}

type finalReport struct {
	markdown   string
	structured *report.IssueReport
}

func (g *generator) text(ctx context.Context, stage, base, prompt string, sink llm.DeltaSink) (string, error) {
	req := llm.Request{System: withGuidance(base, g.guidance(stage)), Prompt: prompt}
	return llm.GenerateText(ctx, g.provider, req, sink)
}

func object[T llm.Shape](ctx context.Context, g *generator, stage, name, base, prompt string) (T, error) {
	return llm.GenerateObject[T](ctx, g.provider, llm.ObjectRequest{
		Name:   name,
		System: withGuidance(base, g.guidance(stage)),
		Prompt: prompt,
		Logger: g.logger,
	})
}

func (g *generator) understandIssue(ctx context.Context, b *github.IssueBundle) (understanding, error) {
	prompt := serializeIssue(b, commentCap(g.mode))
	system := understandSystem(g.mode, g.lang)

	if g.mode == ModeMarkdown {
		md, err := g.text(ctx, StageUnderstand, system, prompt, nil)
		if err != nil {
			return understanding{}, err
		}
		return understanding{markdown: md, keywords: markdownKeywords(md, b.Issue.Title, b.Issue.BodyText())}, nil
	}

	u, err := object[report.IssueUnderstanding](ctx, g, StageUnderstand, "issue_understanding", system, prompt)
	if err != nil {
		recovered, ok := g.recoverUnderstanding(err, b)
		if !ok {
			return understanding{}, err
		}
		u = recovered
	}
	return understanding{markdown: report.RenderUnderstandingMarkdown(u), keywords: u.SearchKeywords, structured: &u}, nil
}

// recoverUnderstanding coerces a loosely shaped triage object into a valid
// understanding when structured generation gave up on it.
func (g *generator) recoverUnderstanding(err error, b *github.IssueBundle) (report.IssueUnderstanding, bool) {
	var nso *llm.NoStructuredOutputError
	if !errors.As(err, &nso) {
		return report.IssueUnderstanding{}, false
	}
	obj := llm.FirstObject(nso.Text)
	if obj == "" {
		return report.IssueUnderstanding{}, false
	}
	u, nerr := report.NormalizeUnderstanding([]byte(obj), report.IssueFacts{
		Repository:  b.Reference.Repository(),
		IssueNumber: b.Reference.IssueNumber,
		IssueURL:    b.Reference.IssueURL,
		Title:       b.Issue.Title,
		Body:        b.Issue.BodyText(),
	})
	if nerr != nil {
		g.logger.Debug("lenient understanding recovery failed", "error", nerr)
		return report.IssueUnderstanding{}, false
	}
	g.logger.Info("recovered issue understanding from loosely shaped output")
	return u, true
}

func (g *generator) investigateCode(ctx context.Context, b *github.IssueBundle, u understanding, files []evidence.FileEvidence) (investigation, error) {
	prompt := investigatePrompt(b, u.artifactText(), files)
	system := investigateSystem(g.mode, g.lang)

	if g.mode == ModeMarkdown {
		md, err := g.text(ctx, StageInvestigate, system, prompt, nil)
		return investigation{markdown: md}, err
	}
	ci, err := object[report.CodeInvestigation](ctx, g, StageInvestigate, "code_investigation", system, prompt)
	if err != nil {
		return investigation{}, err
	}
	return investigation{markdown: report.RenderInvestigationMarkdown(ci), structured: &ci}, nil
}

func (g *generator) planExecution(ctx context.Context, b *github.IssueBundle, u understanding, inv investigation) (plan, error) {
	prompt := planPrompt(b, u.artifactText(), inv.artifactText())
	system := planSystem(g.mode, g.lang)

	if g.mode == ModeMarkdown {
		md, err := g.text(ctx, StagePlan, system, prompt, nil)
		return plan{markdown: md}, err
	}
	p, err := object[report.ExecutionPlan](ctx, g, StagePlan, "execution_plan", system, prompt)
	if err != nil {
		return plan{}, err
	}
	return plan{markdown: report.RenderPlanMarkdown(p), structured: &p}, nil
}

// writeReport produces the final report. In markdown mode the text streams
// to sink as it is generated; in structured mode the rendered markdown is
// delivered to sink as a single delta once the report validates.
func (g *generator) writeReport(ctx context.Context, b *github.IssueBundle, u understanding, inv investigation, p plan, in reportInputs, sink llm.DeltaSink) (finalReport, error) {
	in.understanding = u.artifactText()
	in.investigation = inv.artifactText()
	in.plan = p.artifactText()
	system := reportSystem(g.mode, g.lang)

	if g.mode == ModeMarkdown {
		md, err := g.text(ctx, StageWriteReport, system, reportPrompt(b, in), sink)
		return finalReport{markdown: md}, err
	}

	in.structured = true
	in.evidence = []report.EvidenceItem{}
	if inv.structured != nil {
		for _, h := range inv.structured.Hypotheses {
			in.evidence = append(in.evidence, h.Evidence...)
		}
	}
	r, err := object[report.IssueReport](ctx, g, StageWriteReport, "issue_report", system, reportPrompt(b, in))
	if err != nil {
		return finalReport{}, err
	}
	// identity and artifact fields are facts of the run, not model output
	r.Repository = b.Reference.Repository()
	r.IssueNumber = b.Reference.IssueNumber
	r.IssueURL = b.Reference.IssueURL
	r.GeneratedAt = in.generatedAt
	r.Artifacts = in.artifacts

	md := report.RenderReportMarkdown(r)
	if sink != nil && md != "" {
		sink(md)
	}
	return finalReport{markdown: md, structured: &r}, nil
}
