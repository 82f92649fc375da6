package report

import (
	"strings"
	"testing"
)

func validUnderstanding() IssueUnderstanding {
	return IssueUnderstanding{
		IssueType:         IssueTypeBug,
		Severity:          SeverityHigh,
		Summary:           "Login fails after upgrade",
		KeySymptoms:       []string{"500 on /login"},
		AcceptanceSignals: []string{"login returns 200"},
		SearchKeywords:    []string{"login", "session", "auth"},
	}
}

func TestIssueUnderstandingValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*IssueUnderstanding)
		wantErr string
	}{
		{name: "valid", mutate: func(*IssueUnderstanding) {}},
		{name: "bad issue type", mutate: func(u *IssueUnderstanding) { u.IssueType = "defect" }, wantErr: "issueType"},
		{name: "bad severity", mutate: func(u *IssueUnderstanding) { u.Severity = "urgent" }, wantErr: "severity"},
		{name: "no symptoms", mutate: func(u *IssueUnderstanding) { u.KeySymptoms = nil }, wantErr: "keySymptoms"},
		{name: "too few keywords", mutate: func(u *IssueUnderstanding) { u.SearchKeywords = []string{"a", "b"} }, wantErr: "searchKeywords"},
		{
			name: "too many keywords",
			mutate: func(u *IssueUnderstanding) {
				u.SearchKeywords = strings.Split("a b c d e f g h i j k l m", " ")
			},
			wantErr: "at most 12",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := validUnderstanding()
			tt.mutate(&u)
			err := u.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !IsValidationError(err) {
				t.Errorf("expected ValidationError, got %T", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestCodeInvestigationValidate(t *testing.T) {
	ci := CodeInvestigation{
		Hypotheses: []Hypothesis{{
			Title:         "Nil session",
			Confidence:    ConfidenceMedium,
			Evidence:      []EvidenceItem{{FilePath: "auth/session.go", Confidence: "sure"}},
			ImpactedPaths: []string{"auth/session.go"},
		}},
	}
	err := ci.Validate()
	if err == nil || !strings.Contains(err.Error(), "hypotheses[0].evidence[0].confidence") {
		t.Errorf("expected nested confidence error, got %v", err)
	}

	ci.Hypotheses[0].Evidence[0].Confidence = ConfidenceHigh
	if err := ci.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := (CodeInvestigation{}).Validate(); err == nil {
		t.Error("expected error for empty hypotheses")
	}
}

func TestExecutionPlanValidate(t *testing.T) {
	steps := []ImplementationStep{{Step: "a"}, {Step: "b"}, {Step: "c"}}
	p := ExecutionPlan{
		Complexity:          ComplexityM,
		RiskLevel:           ConfidenceLow,
		ImplementationSteps: steps,
		TestPlan:            []string{"x", "y", "z"},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p.Complexity = "XXL"
	p.TestPlan = p.TestPlan[:1]
	err := p.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "complexity") || !strings.Contains(msg, "testPlan") {
		t.Errorf("expected both problems reported, got %q", msg)
	}
}

func TestIssueReportValidate(t *testing.T) {
	r := IssueReport{Repository: "acme/widget", IssueNumber: 42}
	if err := r.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	r.IssueNumber = 0
	r.ImplementationPlan = []PlanStep{{Order: 0, Step: "x"}}
	if err := r.Validate(); err == nil {
		t.Error("expected error for zero issue number and order")
	}
}
