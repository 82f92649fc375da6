package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/andywolf/issuelens/internal/events"
	"github.com/andywolf/issuelens/internal/evidence"
	"github.com/andywolf/issuelens/internal/github"
	"github.com/andywolf/issuelens/internal/llm"
	"github.com/andywolf/issuelens/internal/report"
)

// Mode selects how generation stages talk to the model.
type Mode string

const (
	// ModeMarkdown asks for free-text markdown at every stage.
	ModeMarkdown Mode = "markdown"
	// ModeStructured asks for schema-validated JSON at every stage and
	// renders markdown from the validated artifacts.
	ModeStructured Mode = "structured"
)

// ParseMode accepts "markdown", "structured" or "" (markdown).
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeMarkdown:
		return ModeMarkdown, nil
	case ModeStructured:
		return ModeStructured, nil
	}
	return "", fmt.Errorf("unsupported mode %q (want markdown or structured)", s)
}

// Defaults applied to zero Options fields.
const (
	DefaultLanguage  = "zh-CN"
	DefaultModel     = "gpt-4.1"
	DefaultOutputDir = "reports"
)

// DefaultBudgets are the evidence budgets of a full analysis run.
var DefaultBudgets = evidence.Budgets{
	MaxQueries:      8,
	MaxFiles:        10,
	ResultsPerQuery: 8,
	MaxCharsPerFile: 4500,
}

// ProviderSettings configure the model provider for one run.
type ProviderSettings struct {
	APIType      llm.APIType
	BaseURL      string
	APIKey       string
	Organization string
	Project      string
	Name         string
	MaxRetries   int
	Timeout      time.Duration
}

// Options describe one analysis run.
type Options struct {
	Reference github.ReferenceInput
	// OutputDir is the base directory for run artifacts.
	OutputDir string
	Language  string
	Model     string
	Mode      Mode
	Budgets   evidence.Budgets
	Provider  ProviderSettings
	// GitHubToken overrides the analyzer's default GitHub credentials.
	GitHubToken string

	// Trace receives every trace event in order.
	Trace events.Func
	// ReportDelta receives the final report text incrementally.
	ReportDelta llm.DeltaSink
}

func (o Options) withDefaults() Options {
	if o.OutputDir == "" {
		o.OutputDir = DefaultOutputDir
	}
	if strings.TrimSpace(o.Language) == "" {
		o.Language = DefaultLanguage
	}
	if strings.TrimSpace(o.Model) == "" {
		o.Model = DefaultModel
	}
	if o.Mode == "" {
		o.Mode = ModeMarkdown
	}
	if o.Provider.APIType == "" {
		o.Provider.APIType = llm.APIResponses
	}
	b := o.Budgets
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
	o.Budgets = b
	return o
}

// Result is a finished run.
type Result struct {
	OutputDir string `json:"outputDir"`
	report.ArtifactIndex
	Mode           Mode                `json:"mode"`
	ReportMarkdown string              `json:"reportMarkdown"`
	Report         *report.IssueReport `json:"report"`
	Trace          []events.TraceEvent `json:"trace"`
}
