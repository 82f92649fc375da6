package report

// ArtifactIndex lists every file written for a run.
type ArtifactIndex struct {
	IssueSnapshotPath      string `json:"issueSnapshotPath"`
	IssueUnderstandingPath string `json:"issueUnderstandingPath"`
	CodeInvestigationPath  string `json:"codeInvestigationPath"`
	ExecutionPlanPath      string `json:"executionPlanPath"`
	ReportJSONPath         string `json:"reportJsonPath"`
	ReportMarkdownPath     string `json:"reportMarkdownPath"`
	TracePath              string `json:"tracePath"`
}

// EvidenceRef is the persisted summary of one evidence file. Content is not
// repeated here; it lives in the investigation prompt only.
type EvidenceRef struct {
	Path        string `json:"path"`
	SourceQuery string `json:"sourceQuery"`
	URL         string `json:"url"`
	Truncated   bool   `json:"truncated"`
}

// Document is the JSON report written to analysis-report.json. Structured is
// set only when the run used structured generation.
type Document struct {
	Repository      string        `json:"repository"`
	IssueNumber     int           `json:"issueNumber"`
	IssueURL        string        `json:"issueUrl"`
	GeneratedAt     string        `json:"generatedAt"`
	Mode            string        `json:"mode"`
	Artifacts       ArtifactIndex `json:"artifacts"`
	SearchedQueries []string      `json:"searchedQueries"`
	SkippedFiles    []string      `json:"skippedFiles"`
	Evidence        []EvidenceRef `json:"evidence"`
	Structured      *IssueReport  `json:"structured,omitempty"`
	ReportMarkdown  string        `json:"reportMarkdown"`
}
