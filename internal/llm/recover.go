package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Strategy extracts candidate JSON documents from model text.
type Strategy struct {
	Name    string
	Extract func(text string) []string
}

var fencePattern = regexp.MustCompile("(?is)```(?:json)?\\s*(.*?)```")

// RecoveryStrategies are tried in order; the first candidate that decodes
// and validates wins.
var RecoveryStrategies = []Strategy{
	{Name: "trimmed", Extract: func(text string) []string {
		return nonEmpty(strings.TrimSpace(text))
	}},
	{Name: "fenced", Extract: func(text string) []string {
		var out []string
		for _, m := range fencePattern.FindAllStringSubmatch(text, -1) {
			out = append(out, nonEmpty(strings.TrimSpace(m[1]))...)
		}
		return out
	}},
	{Name: "balanced-object", Extract: func(text string) []string {
		return nonEmpty(strings.TrimSpace(balancedSlice(text, '{', '}')))
	}},
	{Name: "balanced-array", Extract: func(text string) []string {
		return nonEmpty(strings.TrimSpace(balancedSlice(text, '[', ']')))
	}},
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

// Candidate is one extracted document tagged with its strategy.
type Candidate struct {
	Strategy string
	JSON     string
}

// Candidates runs every strategy and returns the distinct documents in
// strategy order.
func Candidates(text string) []Candidate {
	seen := make(map[string]bool)
	var out []Candidate
	for _, s := range RecoveryStrategies {
		for _, doc := range s.Extract(text) {
			if seen[doc] {
				continue
			}
			seen[doc] = true
			out = append(out, Candidate{Strategy: s.Name, JSON: doc})
		}
	}
	return out
}

// Recovered is the outcome of a recovery attempt. OK is false when no
// candidate validated.
type Recovered[T Shape] struct {
	Value    T
	Strategy string
	OK       bool
}

// Recover decodes the first candidate of text that validates as T.
func Recover[T Shape](text string) Recovered[T] {
	for _, c := range Candidates(text) {
		if v, err := decodeShape[T](c.JSON); err == nil {
			return Recovered[T]{Value: v, Strategy: c.Strategy, OK: true}
		}
	}
	return Recovered[T]{}
}

// balancedSlice returns the first balanced open..close span starting at the
// first occurrence of open. Characters inside string literals, including
// escaped quotes, do not affect depth.
func balancedSlice(text string, open, close byte) string {
	start := strings.IndexByte(text, open)
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// FirstObject returns the first balanced JSON object in text, or "".
func FirstObject(text string) string {
	return balancedSlice(text, '{', '}')
}

func decodeShape[T Shape](doc string) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		var zero T
		return zero, err
	}
	if err := v.Validate(); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}
