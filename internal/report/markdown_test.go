package report

import (
	"strings"
	"testing"
)

func TestRenderReportMarkdown(t *testing.T) {
	r := IssueReport{
		Repository:  "acme/widget",
		IssueNumber: 42,
		IssueURL:    "https://github.com/acme/widget/issues/42",
		GeneratedAt: "2026-01-02T03:04:05Z",
		Classification: Classification{
			Type: "bug", Severity: "high", Complexity: "M", RiskLevel: "low",
		},
		ExecutiveSummary: "Session cookie is dropped.",
		RootCauseHypotheses: []ReportHypothesis{{
			Title: "Cookie path", Description: "Path is wrong.", Confidence: "high",
			ImpactedPaths: []string{"auth/cookie.go"},
		}},
		Evidence: []EvidenceItem{{
			FilePath: "auth/cookie.go", Rationale: "sets Path", Confidence: ConfidenceHigh, Excerpt: "Path: \"/api\"",
		}},
		ImplementationPlan: []PlanStep{{Order: 1, Step: "Fix path", Detail: "use /", Verification: "unit test"}},
		TestingChecklist:   []string{"login works"},
		Artifacts: ArtifactPaths{
			IssueSnapshotPath:  "out/issue-snapshot.json",
			ReportJSONPath:     "out/analysis-report.json",
			ReportMarkdownPath: "out/analysis-report.md",
		},
	}

	md := RenderReportMarkdown(r)

	for _, want := range []string{
		"# Issue Analysis Report: acme/widget#42",
		"- **Severity:** high",
		"### Cookie path (high)",
		"- `auth/cookie.go`",
		"```text\nPath: \"/api\"\n```",
		"### 1. Fix path",
		"- [ ] login works",
		"## Open Questions\n\n- None.",
		"- Markdown Report: `out/analysis-report.md`",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("rendered markdown missing %q", want)
		}
	}
	if strings.HasSuffix(md, "\n") {
		t.Error("rendered markdown should not end with a newline")
	}
}

func TestRenderUnderstandingKeepsKeywordSection(t *testing.T) {
	md := RenderUnderstandingMarkdown(validUnderstanding())
	idx := strings.Index(md, "## Suggested Search Keywords")
	if idx < 0 {
		t.Fatal("missing keyword section")
	}
	if !strings.Contains(md[idx:], "- session") {
		t.Errorf("keyword bullets should follow the heading, got %q", md[idx:])
	}
}

func TestRenderInvestigationDedupesPaths(t *testing.T) {
	ci := CodeInvestigation{
		Hypotheses: []Hypothesis{
			{Title: "A", Confidence: ConfidenceLow, ImpactedPaths: []string{"a.go", "b.go"}},
			{Title: "B", Confidence: ConfidenceLow, ImpactedPaths: []string{"a.go"}},
		},
	}
	md := RenderInvestigationMarkdown(ci)
	if strings.Count(md, "- `a.go`") != 1 {
		t.Errorf("expected a.go listed once, got:\n%s", md)
	}
	if !strings.Contains(md, "## Missing Evidence\n\n- None.") {
		t.Errorf("expected empty missing evidence placeholder, got:\n%s", md)
	}
}

func TestRenderPlanMarkdown(t *testing.T) {
	p := ExecutionPlan{
		Complexity:          ComplexityL,
		EstimatedEffort:     "3d",
		RiskLevel:           ConfidenceHigh,
		ImplementationSteps: []ImplementationStep{{Step: "s1", Detail: "d1", Verification: "v1"}},
		TestPlan:            []string{"t1"},
	}
	md := RenderPlanMarkdown(p)
	if !strings.Contains(md, "1. **s1**: d1 (verify: v1)") {
		t.Errorf("unexpected plan markdown:\n%s", md)
	}
}
