package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/andywolf/issuelens/internal/evidence"
	"github.com/andywolf/issuelens/internal/github"
	"github.com/andywolf/issuelens/internal/report"
	"github.com/andywolf/issuelens/internal/skills"
)

const maxCommentChars = 1200

// commentCap bounds how many comments are shown to the model.
func commentCap(mode Mode) int {
	if mode == ModeStructured {
		return 15
	}
	return 20
}

func serializeIssue(b *github.IssueBundle, maxComments int) string {
	var comments []string
	for i, c := range b.Comments {
		if i == maxComments {
			break
		}
		body, _ := evidence.Truncate(c.BodyText(), maxCommentChars)
		comments = append(comments, fmt.Sprintf("Comment %d by %s at %s:\n%s", i+1, c.User, c.CreatedAt, body))
	}
	commentText := strings.Join(comments, "\n\n---\n\n")
	if commentText == "" {
		commentText = "(no comments)"
	}
	labels := strings.Join(b.Issue.Labels, ", ")
	if labels == "" {
		labels = "none"
	}

	return strings.Join([]string{
		"Repository: " + b.Reference.Repository(),
		fmt.Sprintf("Issue: #%d %s", b.Issue.Number, b.Issue.Title),
		"Author: " + b.Issue.User,
		"Labels: " + labels,
		"Created: " + b.Issue.CreatedAt,
		"Updated: " + b.Issue.UpdatedAt,
		"",
		"Issue body:",
		bodyOrEmpty(b),
		"",
		"Issue comments:",
		commentText,
	}, "\n")
}

func bodyOrEmpty(b *github.IssueBundle) string {
	if b.Issue.Body == nil {
		return "(empty)"
	}
	return *b.Issue.Body
}

func serializeCodeContext(files []evidence.FileEvidence) string {
	if len(files) == 0 {
		return "No file evidence was found from GitHub code search."
	}
	parts := make([]string, 0, len(files))
	for i, f := range files {
		truncated := "no"
		if f.Truncated {
			truncated = "yes"
		}
		parts = append(parts, strings.Join([]string{
			fmt.Sprintf("File %d: %s", i+1, f.Path),
			"Source query: " + f.SourceQuery,
			"GitHub URL: " + f.URL,
			"Truncated: " + truncated,
			"Content:",
			f.Content,
		}, "\n"))
	}
	return strings.Join(parts, "\n\n====\n\n")
}

func issueHeader(b *github.IssueBundle) []string {
	return []string{
		"Repository: " + b.Reference.Repository(),
		fmt.Sprintf("Issue #%d: %s", b.Issue.Number, b.Issue.Title),
	}
}

func prettyJSON(v any) string {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(raw)
}

// withGuidance merges skill guidance into base when there is any.
func withGuidance(base, guidance string) string {
	if strings.TrimSpace(guidance) == "" {
		return base
	}
	return skills.MergeInstructions(base, guidance)
}

func understandSystem(mode Mode, lang string) string {
	if mode == ModeStructured {
		return fmt.Sprintf("You are an issue triage specialist. Reply in %s. Use only available evidence from the issue and comments.", lang)
	}
	return strings.Join([]string{
		fmt.Sprintf("You are an issue triage specialist. Reply in %s.", lang),
		"Return a concise markdown document with sections:",
		"- Issue Classification",
		"- Key Symptoms",
		"- Acceptance Signals",
		"- Suggested Search Keywords",
		"",
		`In "Suggested Search Keywords", add 8-12 concrete terms as a bullet list.`,
	}, "\n")
}

func investigateSystem(mode Mode, lang string) string {
	if mode == ModeStructured {
		return fmt.Sprintf("You are a senior software engineer investigating root causes for GitHub issues. Reply in %s. "+
			"Only cite files provided in the code context unless explicitly stating missing evidence.", lang)
	}
	return strings.Join([]string{
		fmt.Sprintf("You are a senior software engineer investigating root causes for GitHub issues. Reply in %s.", lang),
		"Return a markdown document with sections:",
		"- Root Cause Hypotheses",
		"- Evidence Mapping",
		"- Impacted Code Paths",
		"- Missing Evidence",
		"",
		"Use explicit file paths in every hypothesis.",
	}, "\n")
}

func planSystem(mode Mode, lang string) string {
	if mode == ModeStructured {
		return fmt.Sprintf("You are a technical lead creating an implementation plan for a GitHub issue. Reply in %s. Keep steps concrete and testable.", lang)
	}
	return strings.Join([]string{
		fmt.Sprintf("You are a technical lead creating an implementation plan for a GitHub issue. Reply in %s.", lang),
		"Return a markdown document with sections:",
		"- Complexity and Risk",
		"- Implementation Plan (ordered list)",
		"- Test Plan",
		"- Rollout Notes",
		"",
		"Each implementation step must include a concrete verification method.",
	}, "\n")
}

func reportSystem(mode Mode, lang string) string {
	if mode == ModeStructured {
		return fmt.Sprintf("You are a principal engineer writing an implementation-ready issue analysis report. Reply in %s. Stay grounded in evidence.", lang)
	}
	return strings.Join([]string{
		fmt.Sprintf("You are a principal engineer writing an implementation-ready issue analysis report. Reply in %s.", lang),
		"Return a complete markdown report only.",
		"Use sections:",
		"1) Executive Summary",
		"2) Classification",
		"3) Root Cause Hypotheses",
		"4) Evidence",
		"5) Implementation Plan",
		"6) Testing Checklist",
		"7) Open Questions",
		"8) Artifacts",
		"",
		"Be concise but actionable.",
	}, "\n")
}

func investigatePrompt(b *github.IssueBundle, understanding string, files []evidence.FileEvidence) string {
	lines := issueHeader(b)
	lines = append(lines,
		"",
		"Issue understanding:",
		understanding,
		"",
		"Issue body:",
		bodyOrEmpty(b),
		"",
		"Evidence files:",
		serializeCodeContext(files),
	)
	return strings.Join(lines, "\n")
}

func planPrompt(b *github.IssueBundle, understanding, investigation string) string {
	lines := issueHeader(b)
	lines = append(lines,
		"",
		"Issue understanding:",
		understanding,
		"",
		"Root cause investigation:",
		investigation,
	)
	return strings.Join(lines, "\n")
}

type reportInputs struct {
	understanding string
	investigation string
	plan          string
	artifacts     report.ArtifactPaths
	generatedAt   string
	structured    bool
	evidence      []report.EvidenceItem
}

func reportPrompt(b *github.IssueBundle, in reportInputs) string {
	lines := issueHeader(b)
	lines = append(lines,
		"Issue URL: "+b.Reference.IssueURL,
		"Generated At: "+in.generatedAt,
		"",
		"Issue understanding:",
		in.understanding,
		"",
		"Code investigation:",
		in.investigation,
		"",
		"Execution plan:",
		in.plan,
		"",
	)
	if !in.structured {
		lines = append(lines, "Artifacts (must include these paths in Artifacts section):", prettyJSON(in.artifacts))
		return strings.Join(lines, "\n")
	}
	lines = append(lines,
		"Artifacts (must be copied exactly):",
		prettyJSON(in.artifacts),
		"",
		"Evidence list:",
		prettyJSON(in.evidence),
	)
	return strings.Join(lines, "\n")
}
