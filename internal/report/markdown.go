package report

import (
	"fmt"
	"strings"
)

type mdWriter struct {
	lines []string
}

func (w *mdWriter) line(format string, args ...any) {
	if len(args) == 0 {
		w.lines = append(w.lines, format)
		return
	}
	w.lines = append(w.lines, fmt.Sprintf(format, args...))
}

func (w *mdWriter) blank() { w.lines = append(w.lines, "") }

func (w *mdWriter) heading(level int, title string) {
	w.line(strings.Repeat("#", level) + " " + title)
	w.blank()
}

func (w *mdWriter) bullets(items []string, empty string) {
	if len(items) == 0 && empty != "" {
		w.line("- " + empty)
	}
	for _, item := range items {
		w.line("- " + item)
	}
	w.blank()
}

func (w *mdWriter) String() string {
	return strings.TrimRight(strings.Join(w.lines, "\n"), "\n")
}

// RenderReportMarkdown renders the final report as markdown.
func RenderReportMarkdown(r IssueReport) string {
	var w mdWriter

	w.heading(1, fmt.Sprintf("Issue Analysis Report: %s#%d", r.Repository, r.IssueNumber))
	w.line("- **Issue URL:** %s", r.IssueURL)
	w.line("- **Generated At:** %s", r.GeneratedAt)
	w.line("- **Type:** %s", r.Classification.Type)
	w.line("- **Severity:** %s", r.Classification.Severity)
	w.line("- **Complexity:** %s", r.Classification.Complexity)
	w.line("- **Risk Level:** %s", r.Classification.RiskLevel)
	w.blank()

	w.heading(2, "Executive Summary")
	w.line(r.ExecutiveSummary)
	w.blank()

	w.heading(2, "Root Cause Hypotheses")
	for _, h := range r.RootCauseHypotheses {
		w.heading(3, fmt.Sprintf("%s (%s)", h.Title, h.Confidence))
		w.line(h.Description)
		w.blank()
		w.line("Impacted paths:")
		for _, p := range h.ImpactedPaths {
			w.line("- `%s`", p)
		}
		w.blank()
	}

	w.heading(2, "Evidence")
	for _, e := range r.Evidence {
		w.heading(3, fmt.Sprintf("`%s` (%s)", e.FilePath, e.Confidence))
		w.line("- Rationale: %s", e.Rationale)
		if e.Excerpt != "" {
			w.line("- Excerpt:")
			w.blank()
			w.line("```text")
			w.line(e.Excerpt)
			w.line("```")
		}
		w.blank()
	}

	w.heading(2, "Implementation Plan")
	for _, s := range r.ImplementationPlan {
		w.heading(3, fmt.Sprintf("%d. %s", s.Order, s.Step))
		w.line("- Detail: %s", s.Detail)
		w.line("- Verification: %s", s.Verification)
		w.blank()
	}

	w.heading(2, "Testing Checklist")
	for _, t := range r.TestingChecklist {
		w.line("- [ ] %s", t)
	}
	w.blank()

	w.heading(2, "Open Questions")
	w.bullets(r.OpenQuestions, "None.")

	w.heading(2, "Artifacts")
	w.line("- Issue Snapshot: `%s`", r.Artifacts.IssueSnapshotPath)
	w.line("- JSON Report: `%s`", r.Artifacts.ReportJSONPath)
	w.line("- Markdown Report: `%s`", r.Artifacts.ReportMarkdownPath)

	return w.String()
}

// RenderUnderstandingMarkdown renders a triage in the same section layout the
// text-mode triage prompt asks for, so keyword extraction works on either.
func RenderUnderstandingMarkdown(u IssueUnderstanding) string {
	var w mdWriter
	w.heading(2, "Issue Classification")
	w.line("- Type: %s", u.IssueType)
	w.line("- Severity: %s", u.Severity)
	w.blank()
	w.line(u.Summary)
	w.blank()
	w.heading(2, "Key Symptoms")
	w.bullets(u.KeySymptoms, "")
	w.heading(2, "Acceptance Signals")
	w.bullets(u.AcceptanceSignals, "")
	w.heading(2, "Suggested Search Keywords")
	w.bullets(u.SearchKeywords, "")
	return w.String()
}

// RenderInvestigationMarkdown renders hypotheses with their evidence mapping.
func RenderInvestigationMarkdown(ci CodeInvestigation) string {
	var w mdWriter
	w.heading(2, "Root Cause Hypotheses")
	for i, h := range ci.Hypotheses {
		w.heading(3, fmt.Sprintf("%d. %s (%s)", i+1, h.Title, h.Confidence))
		w.line(h.Description)
		w.blank()
	}

	w.heading(2, "Evidence Mapping")
	for _, h := range ci.Hypotheses {
		for _, e := range h.Evidence {
			w.line("- `%s` (%s): %s", e.FilePath, e.Confidence, e.Rationale)
		}
	}
	w.blank()

	w.heading(2, "Impacted Code Paths")
	seen := make(map[string]bool)
	var paths []string
	for _, h := range ci.Hypotheses {
		for _, p := range h.ImpactedPaths {
			if !seen[p] {
				seen[p] = true
				paths = append(paths, "`"+p+"`")
			}
		}
	}
	w.bullets(paths, "")

	w.heading(2, "Missing Evidence")
	missing := append(append([]string{}, ci.MissingEvidence...), ci.AdditionalFilesToInspect...)
	w.bullets(missing, "None.")
	return w.String()
}

// RenderPlanMarkdown renders an execution plan.
func RenderPlanMarkdown(p ExecutionPlan) string {
	var w mdWriter
	w.heading(2, "Complexity and Risk")
	w.line("- Complexity: %s", p.Complexity)
	w.line("- Estimated effort: %s", p.EstimatedEffort)
	w.line("- Risk level: %s", p.RiskLevel)
	for _, r := range p.Risks {
		w.line("- Risk: %s", r)
	}
	for _, u := range p.Unknowns {
		w.line("- Unknown: %s", u)
	}
	w.blank()

	w.heading(2, "Implementation Plan")
	for i, s := range p.ImplementationSteps {
		w.line("%d. **%s**: %s (verify: %s)", i+1, s.Step, s.Detail, s.Verification)
	}
	w.blank()

	w.heading(2, "Test Plan")
	w.bullets(p.TestPlan, "")
	return w.String()
}
