package skills

import "strings"

// Selector composes skills per pipeline stage.
type Selector struct {
	skills []Skill
}

// NewSelector creates a Selector from skills sorted by priority.
func NewSelector(skills []Skill) *Selector {
	return &Selector{skills: skills}
}

// ForStage joins the guidance of every skill bound to stage, in priority
// order, separated by blank lines. Skills with no stages apply everywhere.
func (s *Selector) ForStage(stage string) string {
	var parts []string
	for _, skill := range s.skills {
		if matchesStage(skill, stage) {
			parts = append(parts, skill.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// NamesForStage returns the names of skills bound to stage.
func (s *Selector) NamesForStage(stage string) []string {
	var names []string
	for _, skill := range s.skills {
		if matchesStage(skill, stage) {
			names = append(names, skill.Entry.Name)
		}
	}
	return names
}

func matchesStage(skill Skill, stage string) bool {
	if len(skill.Entry.Stages) == 0 {
		return true
	}
	for _, st := range skill.Entry.Stages {
		if st == stage {
			return true
		}
	}
	return false
}
