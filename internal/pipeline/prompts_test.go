package pipeline

import (
	"fmt"
	"strings"
	"testing"

	"github.com/andywolf/issuelens/internal/evidence"
	"github.com/andywolf/issuelens/internal/github"
	"github.com/andywolf/issuelens/internal/report"
)

func bundleWithComments(n int, body string) *github.IssueBundle {
	b := &github.IssueBundle{
		Reference: github.NewReference("acme", "widget", 42),
		Issue:     github.IssueSnapshot{Number: 42, Title: "Crash", User: "octo"},
	}
	for i := 0; i < n; i++ {
		c := body
		b.Comments = append(b.Comments, github.Comment{User: fmt.Sprintf("user%d", i), Body: &c})
	}
	return b
}

func TestSerializeIssueCapsComments(t *testing.T) {
	b := bundleWithComments(25, strings.Repeat("x", 2000))

	md := serializeIssue(b, commentCap(ModeMarkdown))
	if !strings.Contains(md, "Comment 20 by user19") || strings.Contains(md, "Comment 21 ") {
		t.Error("markdown mode should include exactly 20 comments")
	}
	if strings.Contains(md, strings.Repeat("x", 1201)) {
		t.Error("comment bodies should be capped at 1200 characters")
	}

	st := serializeIssue(b, commentCap(ModeStructured))
	if !strings.Contains(st, "Comment 15 by") || strings.Contains(st, "Comment 16 ") {
		t.Error("structured mode should include exactly 15 comments")
	}
}

func TestSerializeIssueEmptyFields(t *testing.T) {
	got := serializeIssue(bundleWithComments(0, ""), 20)
	for _, want := range []string{"Repository: acme/widget", "Labels: none", "Issue body:\n(empty)", "Issue comments:\n(no comments)"} {
		if !strings.Contains(got, want) {
			t.Errorf("serialized issue missing %q:\n%s", want, got)
		}
	}
}

func TestSerializeCodeContext(t *testing.T) {
	if got := serializeCodeContext(nil); !strings.Contains(got, "No file evidence") {
		t.Errorf("unexpected empty context %q", got)
	}
	got := serializeCodeContext([]evidence.FileEvidence{
		{Path: "a.go", SourceQuery: "foo", URL: "u1", Content: "A", Truncated: true},
		{Path: "b.go", SourceQuery: "bar", URL: "u2", Content: "B"},
	})
	if !strings.Contains(got, "File 1: a.go\nSource query: foo\nGitHub URL: u1\nTruncated: yes\nContent:\nA") {
		t.Errorf("unexpected file block:\n%s", got)
	}
	if !strings.Contains(got, "\n\n====\n\nFile 2: b.go") || !strings.Contains(got, "Truncated: no") {
		t.Errorf("unexpected separator or flag:\n%s", got)
	}
}

func TestReportPromptModes(t *testing.T) {
	b := bundleWithComments(0, "")
	in := reportInputs{artifacts: report.ArtifactPaths{ReportJSONPath: "out/analysis-report.json"}, generatedAt: "2026-01-01T00:00:00Z"}

	md := reportPrompt(b, in)
	if !strings.Contains(md, "must include these paths") || strings.Contains(md, "Evidence list:") {
		t.Errorf("unexpected markdown prompt:\n%s", md)
	}

	in.structured = true
	in.evidence = []report.EvidenceItem{{FilePath: "a.go", Confidence: report.ConfidenceHigh}}
	st := reportPrompt(b, in)
	if !strings.Contains(st, "must be copied exactly") || !strings.Contains(st, `"filePath": "a.go"`) {
		t.Errorf("unexpected structured prompt:\n%s", st)
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeMarkdown, "Markdown": ModeMarkdown, " structured ": ModeStructured} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("json"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestMaskSecret(t *testing.T) {
	if maskSecret("") != "unset" || maskSecret("abcd") != "set(len=4)" {
		t.Error("unexpected masks")
	}
}
