package pipeline

import (
	"regexp"
	"strings"
)

const maxKeywords = 12

var (
	bulletPrefix      = regexp.MustCompile(`^[-*+]\s+`)
	keywordTokenSplit = regexp.MustCompile(`[^a-zA-Z0-9_./:-]+`)
	titleTokenSplit   = regexp.MustCompile(`[^A-Za-z0-9_]+`)
)

// markdownKeywords derives search keywords from an understanding document.
// Bullets of the "Suggested Search Keywords" section come first (every bullet
// when the section is missing), then identifier-like tokens from the issue
// title, body and the document itself.
func markdownKeywords(markdown, title, body string) []string {
	pool := keywordBullets(markdown)
	pool = append(pool, textKeywords(title)...)
	pool = append(pool, textKeywords(body)...)
	pool = append(pool, textKeywords(markdown)...)
	return dedupeCap(pool, maxKeywords)
}

// keywordBullets returns bullet items from the keyword section of markdown,
// or from the whole document when no such section exists.
func keywordBullets(markdown string) []string {
	var section, all []string
	inSection := false
	for _, raw := range strings.Split(markdown, "\n") {
		line := strings.TrimSpace(raw)
		if isHeading(line) {
			inSection = strings.Contains(strings.ToLower(line), "keyword")
			continue
		}
		if !bulletPrefix.MatchString(line) {
			continue
		}
		item := cleanBullet(bulletPrefix.ReplaceAllString(line, ""))
		if len(item) < 3 {
			continue
		}
		all = append(all, item)
		if inSection {
			section = append(section, item)
		}
	}
	if len(section) > 0 {
		return section
	}
	return all
}

func isHeading(line string) bool {
	if strings.HasPrefix(line, "#") {
		return true
	}
	return strings.HasPrefix(line, "**") && strings.HasSuffix(line, "**") && len(line) > 4
}

func cleanBullet(item string) string {
	item = strings.TrimSpace(item)
	item = strings.Trim(item, "`*\"'")
	return strings.TrimSpace(item)
}

// textKeywords returns up to maxKeywords distinct tokens of at least four
// characters.
func textKeywords(text string) []string {
	var out []string
	for _, tok := range keywordTokenSplit.Split(text, -1) {
		if len(tok) >= 4 {
			out = append(out, tok)
		}
	}
	return dedupeCap(out, maxKeywords)
}

// titleKeywords returns the first six word tokens of at least four
// characters; they widen the evidence search beyond model suggestions.
func titleKeywords(title string) []string {
	var out []string
	for _, tok := range titleTokenSplit.Split(title, -1) {
		if len(tok) >= 4 {
			out = append(out, tok)
		}
		if len(out) == 6 {
			break
		}
	}
	return out
}

func dedupeCap(items []string, max int) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, max)
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
		if len(out) == max {
			break
		}
	}
	return out
}
