package pipeline

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestKeywordBulletsPrefersKeywordSection(t *testing.T) {
	md := "## Key Symptoms\n- crashes on start\n\n**Suggested Search Keywords**\n- `parseConfig`\n* config.yaml\n- ab\n\n## Other\n- ignored item\n"
	got := keywordBullets(md)
	if diff := cmp.Diff([]string{"parseConfig", "config.yaml"}, got); diff != "" {
		t.Errorf("keywordBullets mismatch (-want +got):\n%s", diff)
	}
}

func TestKeywordBulletsFallsBackToAllBullets(t *testing.T) {
	md := "## 问题分类\n- bug\n- LoginHandler\n\n## 建议搜索词\n- session.Refresh\n"
	got := keywordBullets(md)
	if diff := cmp.Diff([]string{"bug", "LoginHandler", "session.Refresh"}, got); diff != "" {
		t.Errorf("keywordBullets mismatch (-want +got):\n%s", diff)
	}
}

func TestMarkdownKeywordsMergesSourcesAndCaps(t *testing.T) {
	md := "## Suggested Search Keywords\n- retryPolicy\n- backoff.go\n"
	got := markdownKeywords(md, "Retry storm after deploy", "The retryPolicy ignores jitter in backoff.go")
	want := []string{"retryPolicy", "backoff.go", "Retry", "storm", "after", "deploy", "ignores", "jitter", "Suggested", "Search", "Keywords"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("markdownKeywords mismatch (-want +got):\n%s", diff)
	}

	var long string
	for _, w := range []string{"alpha", "bravo", "charlie", "delta", "echoes", "foxtrot", "golfer", "hotel", "india", "juliet", "kilos", "limas", "mikes", "novembers"} {
		long += w + " "
	}
	if n := len(markdownKeywords("", long, "")); n != maxKeywords {
		t.Errorf("expected cap of %d keywords, got %d", maxKeywords, n)
	}
}

func TestTitleKeywords(t *testing.T) {
	got := titleKeywords("Fix: the cache_key (v2) breaks on /api/users when list is huge and slow always")
	want := []string{"cache_key", "breaks", "users", "when", "list", "huge"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("titleKeywords mismatch (-want +got):\n%s", diff)
	}
}
