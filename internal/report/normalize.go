package report

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// IssueFacts is the issue context used to back-fill a partially valid triage.
type IssueFacts struct {
	Repository  string
	IssueNumber int
	IssueURL    string
	Title       string
	Body        string
}

var factTokenSplit = regexp.MustCompile(`[^a-zA-Z0-9_/.:-]+`)

// NormalizeUnderstanding coerces a loosely shaped triage object, as models
// tend to produce when they ignore the requested schema, into a valid
// IssueUnderstanding. Synonyms are mapped onto the closed enums, alternate
// key spellings are accepted and missing lists are back-filled from facts.
func NormalizeUnderstanding(raw []byte, facts IssueFacts) (IssueUnderstanding, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return IssueUnderstanding{}, fmt.Errorf("triage is not a JSON object: %w", err)
	}

	classification, _ := obj["classification"].(map[string]any)

	symptoms := uniqueCap(append(
		stringList(first(obj, "keySymptoms", "key_symptoms", "symptoms")),
		stringList(obj["facts"])...), 12)
	signals := uniqueCap(stringList(first(obj, "acceptanceSignals", "acceptance_signals", "expected_signals")), 12)

	pool := stringList(first(obj, "searchKeywords", "search_keywords", "keywords", "search_terms"))
	pool = append(pool, factTokens(facts.Title)...)
	pool = append(pool, factTokens(facts.Body)...)
	keywords := uniqueCap(pool, 12)
	if len(keywords) < 3 {
		keywords = uniqueCap(append(keywords, factTokens(facts.IssueURL)...), 12)
	}
	if len(keywords) < 3 {
		keywords = uniqueCap(append(keywords, facts.Repository, strconv.Itoa(facts.IssueNumber)), 12)
	}

	u := IssueUnderstanding{
		IssueType: NormalizeIssueType(firstString(obj["issueType"], obj["issue_type"], classification["type"])),
		Severity:  NormalizeSeverity(firstString(obj["severity"], obj["priority"], classification["severity"])),
		Summary:   firstString(obj["summary"], obj["executiveSummary"], obj["title"], facts.Title),
	}
	if u.Summary == "" {
		u.Summary = facts.Title
	}
	u.KeySymptoms = symptoms
	if len(u.KeySymptoms) == 0 {
		s := firstString(obj["title"], facts.Title)
		if s == "" {
			s = "Issue symptom captured in report."
		}
		u.KeySymptoms = []string{s}
	}
	u.AcceptanceSignals = signals
	if len(u.AcceptanceSignals) == 0 {
		u.AcceptanceSignals = []string{"Reported behavior is reproducible before the fix and absent after it."}
	}
	u.SearchKeywords = keywords

	if err := u.Validate(); err != nil {
		return IssueUnderstanding{}, err
	}
	return u, nil
}

// NormalizeIssueType maps free text onto an IssueType.
func NormalizeIssueType(v string) IssueType {
	s := strings.ToLower(strings.TrimSpace(v))
	if t := IssueType(s); t.Valid() {
		return t
	}
	switch {
	case s == "":
		return IssueTypeOther
	case containsAny(s, "bug", "regression", "incident"):
		return IssueTypeBug
	case containsAny(s, "feature", "enhancement", "request"):
		return IssueTypeFeature
	case containsAny(s, "refactor", "cleanup"):
		return IssueTypeRefactor
	case strings.Contains(s, "doc"):
		return IssueTypeDocumentation
	case containsAny(s, "question", "help"):
		return IssueTypeQuestion
	}
	return IssueTypeOther
}

// NormalizeSeverity maps free text onto a Severity, defaulting to medium.
func NormalizeSeverity(v string) Severity {
	s := strings.ToLower(strings.TrimSpace(v))
	if sv := Severity(s); sv.Valid() {
		return sv
	}
	switch {
	case containsAny(s, "critical", "blocker", "p0"):
		return SeverityCritical
	case containsAny(s, "high", "major", "p1"):
		return SeverityHigh
	case containsAny(s, "low", "minor", "p3"):
		return SeverityLow
	}
	return SeverityMedium
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func first(obj map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(values ...any) string {
	for _, v := range values {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// stringList accepts a list of strings or of objects carrying the text under
// a conventional key.
func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		var s string
		switch x := item.(type) {
		case string:
			s = strings.TrimSpace(x)
		case map[string]any:
			s = firstString(x["signal"], x["value"], x["name"], x["title"], x["text"], x["description"])
		}
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func factTokens(text string) []string {
	var out []string
	for _, tok := range factTokenSplit.Split(text, -1) {
		if tok = strings.TrimSpace(tok); len(tok) >= 3 {
			out = append(out, tok)
			if len(out) == 8 {
				break
			}
		}
	}
	return out
}

func uniqueCap(items []string, max int) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, s := range items {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
		if len(out) == max {
			break
		}
	}
	return out
}
