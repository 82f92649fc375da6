// Package report defines the structured artifacts produced by an analysis run
// and their shape validation. Every artifact that flows between pipeline
// stages has passed Validate.
package report

import (
	"errors"
	"fmt"
	"strings"
)

// IssueType classifies an issue.
type IssueType string

const (
	IssueTypeBug           IssueType = "bug"
	IssueTypeFeature       IssueType = "feature"
	IssueTypeRefactor      IssueType = "refactor"
	IssueTypeDocumentation IssueType = "documentation"
	IssueTypeQuestion      IssueType = "question"
	IssueTypeOther         IssueType = "other"
)

// Severity ranks issue impact.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Confidence applies to hypotheses and evidence items.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Complexity is a T-shirt size estimate.
type Complexity string

const (
	ComplexityS  Complexity = "S"
	ComplexityM  Complexity = "M"
	ComplexityL  Complexity = "L"
	ComplexityXL Complexity = "XL"
)

var (
	issueTypes   = []IssueType{IssueTypeBug, IssueTypeFeature, IssueTypeRefactor, IssueTypeDocumentation, IssueTypeQuestion, IssueTypeOther}
	severities   = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	confidences  = []Confidence{ConfidenceLow, ConfidenceMedium, ConfidenceHigh}
	complexities = []Complexity{ComplexityS, ComplexityM, ComplexityL, ComplexityXL}
)

func oneOf[T ~string](v T, allowed []T) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Valid reports whether t is a known issue type.
func (t IssueType) Valid() bool { return oneOf(t, issueTypes) }

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return oneOf(s, severities) }

// Valid reports whether c is a known confidence level.
func (c Confidence) Valid() bool { return oneOf(c, confidences) }

// Valid reports whether c is a known complexity size.
func (c Complexity) Valid() bool { return oneOf(c, complexities) }

// ValidationError lists every shape violation found in an artifact.
type ValidationError struct {
	Artifact string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Artifact, strings.Join(e.Problems, "; "))
}

// IsValidationError reports whether err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

type checker struct {
	artifact string
	problems []string
}

func (c *checker) failf(format string, args ...any) {
	c.problems = append(c.problems, fmt.Sprintf(format, args...))
}

func (c *checker) nonEmpty(field, v string) {
	if strings.TrimSpace(v) == "" {
		c.failf("%s is required", field)
	}
}

func (c *checker) minItems(field string, n, min int) {
	if n < min {
		c.failf("%s needs at least %d item(s), got %d", field, min, n)
	}
}

func (c *checker) maxItems(field string, n, max int) {
	if n > max {
		c.failf("%s allows at most %d item(s), got %d", field, max, n)
	}
}

func (c *checker) err() error {
	if len(c.problems) == 0 {
		return nil
	}
	return &ValidationError{Artifact: c.artifact, Problems: c.problems}
}

// IssueUnderstanding is the triage of an issue.
type IssueUnderstanding struct {
	IssueType         IssueType `json:"issueType" jsonschema:"enum=bug,enum=feature,enum=refactor,enum=documentation,enum=question,enum=other"`
	Severity          Severity  `json:"severity" jsonschema:"enum=low,enum=medium,enum=high,enum=critical"`
	Summary           string    `json:"summary"`
	KeySymptoms       []string  `json:"keySymptoms" jsonschema:"minItems=1"`
	AcceptanceSignals []string  `json:"acceptanceSignals" jsonschema:"minItems=1"`
	SearchKeywords    []string  `json:"searchKeywords" jsonschema:"minItems=3,maxItems=12"`
}

// Validate checks enums and list bounds.
func (u IssueUnderstanding) Validate() error {
	c := checker{artifact: "issue understanding"}
	if !u.IssueType.Valid() {
		c.failf("issueType %q is not one of %v", u.IssueType, issueTypes)
	}
	if !u.Severity.Valid() {
		c.failf("severity %q is not one of %v", u.Severity, severities)
	}
	c.minItems("keySymptoms", len(u.KeySymptoms), 1)
	c.minItems("acceptanceSignals", len(u.AcceptanceSignals), 1)
	c.minItems("searchKeywords", len(u.SearchKeywords), 3)
	c.maxItems("searchKeywords", len(u.SearchKeywords), 12)
	return c.err()
}

// EvidenceItem ties a claim to a file.
type EvidenceItem struct {
	FilePath   string     `json:"filePath"`
	Rationale  string     `json:"rationale"`
	Confidence Confidence `json:"confidence" jsonschema:"enum=low,enum=medium,enum=high"`
	Excerpt    string     `json:"excerpt,omitempty"`
}

func (e EvidenceItem) check(c *checker, prefix string) {
	c.nonEmpty(prefix+".filePath", e.FilePath)
	if !e.Confidence.Valid() {
		c.failf("%s.confidence %q is not one of %v", prefix, e.Confidence, confidences)
	}
}

// Hypothesis is one candidate root cause.
type Hypothesis struct {
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Confidence    Confidence     `json:"confidence" jsonschema:"enum=low,enum=medium,enum=high"`
	Evidence      []EvidenceItem `json:"evidence" jsonschema:"minItems=1"`
	ImpactedPaths []string       `json:"impactedPaths" jsonschema:"minItems=1"`
}

// CodeInvestigation is the root-cause analysis over collected evidence.
type CodeInvestigation struct {
	Hypotheses               []Hypothesis `json:"hypotheses" jsonschema:"minItems=1"`
	MissingEvidence          []string     `json:"missingEvidence"`
	AdditionalFilesToInspect []string     `json:"additionalFilesToInspect"`
}

// Validate checks every hypothesis and its evidence.
func (ci CodeInvestigation) Validate() error {
	c := checker{artifact: "code investigation"}
	c.minItems("hypotheses", len(ci.Hypotheses), 1)
	for i, h := range ci.Hypotheses {
		p := fmt.Sprintf("hypotheses[%d]", i)
		c.nonEmpty(p+".title", h.Title)
		if !h.Confidence.Valid() {
			c.failf("%s.confidence %q is not one of %v", p, h.Confidence, confidences)
		}
		c.minItems(p+".evidence", len(h.Evidence), 1)
		c.minItems(p+".impactedPaths", len(h.ImpactedPaths), 1)
		for j, e := range h.Evidence {
			e.check(&c, fmt.Sprintf("%s.evidence[%d]", p, j))
		}
	}
	return c.err()
}

// ImplementationStep is one ordered unit of work with its verification.
type ImplementationStep struct {
	Step         string `json:"step"`
	Detail       string `json:"detail"`
	Verification string `json:"verification"`
}

// ExecutionPlan sizes and sequences the fix.
type ExecutionPlan struct {
	Complexity          Complexity           `json:"complexity" jsonschema:"enum=S,enum=M,enum=L,enum=XL"`
	EstimatedEffort     string               `json:"estimatedEffort"`
	RiskLevel           Confidence           `json:"riskLevel" jsonschema:"enum=low,enum=medium,enum=high"`
	Risks               []string             `json:"risks"`
	Unknowns            []string             `json:"unknowns"`
	ImplementationSteps []ImplementationStep `json:"implementationSteps" jsonschema:"minItems=3"`
	TestPlan            []string             `json:"testPlan" jsonschema:"minItems=3"`
}

// Validate checks enums and minimum plan depth.
func (p ExecutionPlan) Validate() error {
	c := checker{artifact: "execution plan"}
	if !p.Complexity.Valid() {
		c.failf("complexity %q is not one of %v", p.Complexity, complexities)
	}
	if !p.RiskLevel.Valid() {
		c.failf("riskLevel %q is not one of %v", p.RiskLevel, confidences)
	}
	c.minItems("implementationSteps", len(p.ImplementationSteps), 3)
	c.minItems("testPlan", len(p.TestPlan), 3)
	for i, s := range p.ImplementationSteps {
		c.nonEmpty(fmt.Sprintf("implementationSteps[%d].step", i), s.Step)
	}
	return c.err()
}

// Classification summarizes the enumerated judgements in the final report.
type Classification struct {
	Type       string `json:"type"`
	Severity   string `json:"severity"`
	Complexity string `json:"complexity"`
	RiskLevel  string `json:"riskLevel"`
}

// ReportHypothesis is the condensed hypothesis carried in the final report.
type ReportHypothesis struct {
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Confidence    string   `json:"confidence"`
	ImpactedPaths []string `json:"impactedPaths"`
}

// PlanStep is an ordered implementation step in the final report.
type PlanStep struct {
	Order        int    `json:"order" jsonschema:"minimum=1"`
	Step         string `json:"step"`
	Detail       string `json:"detail"`
	Verification string `json:"verification"`
}

// ArtifactPaths points at the persisted files of a run.
type ArtifactPaths struct {
	IssueSnapshotPath  string `json:"issueSnapshotPath"`
	ReportJSONPath     string `json:"reportJsonPath"`
	ReportMarkdownPath string `json:"reportMarkdownPath"`
}

// IssueReport is the final structured report.
type IssueReport struct {
	Title               string             `json:"title"`
	Repository          string             `json:"repository"`
	IssueNumber         int                `json:"issueNumber" jsonschema:"minimum=1"`
	IssueURL            string             `json:"issueUrl"`
	GeneratedAt         string             `json:"generatedAt"`
	Classification      Classification     `json:"classification"`
	ExecutiveSummary    string             `json:"executiveSummary"`
	RootCauseHypotheses []ReportHypothesis `json:"rootCauseHypotheses"`
	Evidence            []EvidenceItem     `json:"evidence"`
	ImplementationPlan  []PlanStep         `json:"implementationPlan"`
	TestingChecklist    []string           `json:"testingChecklist"`
	OpenQuestions       []string           `json:"openQuestions"`
	Artifacts           ArtifactPaths      `json:"artifacts"`
}

// Validate checks identity fields, evidence enums and step ordering.
func (r IssueReport) Validate() error {
	c := checker{artifact: "issue report"}
	c.nonEmpty("repository", r.Repository)
	if r.IssueNumber <= 0 {
		c.failf("issueNumber must be positive, got %d", r.IssueNumber)
	}
	for i, e := range r.Evidence {
		e.check(&c, fmt.Sprintf("evidence[%d]", i))
	}
	for i, s := range r.ImplementationPlan {
		if s.Order <= 0 {
			c.failf("implementationPlan[%d].order must be positive, got %d", i, s.Order)
		}
	}
	return c.err()
}
