package skills

import (
	"reflect"
	"strings"
	"testing"
)

func newTestSkills() []Skill {
	return []Skill{
		{Entry: Entry{Name: "house-style", Priority: 5}, Content: "HOUSE STYLE"},
		{Entry: Entry{Name: "issue-triage", Priority: 10, Stages: []string{"understand-issue"}}, Content: "TRIAGE"},
		{Entry: Entry{Name: "code-root-cause", Priority: 20, Stages: []string{"investigate-code"}}, Content: "ROOT CAUSE"},
		{Entry: Entry{Name: "report-writing", Priority: 40, Stages: []string{"write-report", "understand-issue"}}, Content: "REPORT"},
	}
}

func TestSelectorForStage(t *testing.T) {
	s := NewSelector(newTestSkills())

	got := s.ForStage("understand-issue")
	if got != "HOUSE STYLE\n\nTRIAGE\n\nREPORT" {
		t.Errorf("ForStage(understand-issue) = %q", got)
	}
	if strings.Contains(s.ForStage("investigate-code"), "TRIAGE") {
		t.Error("investigate-code should not include triage guidance")
	}
	if got := s.ForStage("unknown"); got != "HOUSE STYLE" {
		t.Errorf("unknown stage should only get universal skills, got %q", got)
	}
}

func TestSelectorNamesForStage(t *testing.T) {
	s := NewSelector(newTestSkills())
	got := s.NamesForStage("write-report")
	want := []string{"house-style", "report-writing"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NamesForStage = %v, want %v", got, want)
	}
}

func TestSelectorFromEmbeddedLibrary(t *testing.T) {
	lib, err := NewLibrary("")
	if err != nil {
		t.Fatal(err)
	}
	all, err := lib.Skills()
	if err != nil {
		t.Fatal(err)
	}
	s := NewSelector(all)
	for _, stage := range []string{"understand-issue", "investigate-code", "plan-execution", "write-report"} {
		if names := s.NamesForStage(stage); len(names) != 1 {
			t.Errorf("stage %s: expected exactly one skill, got %v", stage, names)
		}
	}
}
