package analysis

import (
	"strings"
	"testing"
)

// --- NormalizeText tests ---

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "lowercases",
			input:    "App CRASHES",
			expected: "app crashes",
		},
		{
			name:     "strips punctuation",
			input:    "upload fails!!! (again?)",
			expected: "upload fails again",
		},
		{
			name:     "drops urls",
			input:    "see https://example.com/x?y=1 for details",
			expected: "see for details",
		},
		{
			name:     "drops uuids",
			input:    "order 550e8400-e29b-41d4-a716-446655440000 missing",
			expected: "order missing",
		},
		{
			name:     "collapses whitespace",
			input:    "too   many \t spaces\n",
			expected: "too many spaces",
		},
		{
			name:     "keeps non-ascii letters",
			input:    "Größe falsch",
			expected: "größe falsch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeText(tt.input)
			if got != tt.expected {
				t.Errorf("\nexpected: %q\ngot:      %q", tt.expected, got)
			}
		})
	}
}

// --- ThemeTokens / Jaccard tests ---

func TestThemeTokens_SingularizesAndDropsStopwords(t *testing.T) {
	got := ThemeTokens("Crashes when uploading the Photos")
	for _, want := range []string{"crash", "uploading", "photo"} {
		if _, ok := got[want]; !ok {
			t.Errorf("expected token %q in %v", want, got)
		}
	}
	for _, unwanted := range []string{"when", "the"} {
		if _, ok := got[unwanted]; ok {
			t.Errorf("stopword %q should be dropped", unwanted)
		}
	}
}

func TestSingular(t *testing.T) {
	tests := map[string]string{
		"crashes":    "crash",
		"fixes":      "fix",
		"categories": "category",
		"uploads":    "upload",
		"class":      "class",
		"bus":        "bus",
		"releases":   "release",
	}
	for in, want := range tests {
		if got := singular(in); got != want {
			t.Errorf("singular(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestJaccard(t *testing.T) {
	a := ThemeTokens("login fails on android")
	b := ThemeTokens("android login failure")
	got := Jaccard(a, b)
	// {login, fail, android} vs {android, login, failure}: 2 shared of 4.
	if got != 0.5 {
		t.Errorf("expected 0.5, got %v", got)
	}

	if Jaccard(nil, nil) != 0 {
		t.Error("empty sets should have zero similarity")
	}
	if Jaccard(a, a) != 1 {
		t.Error("identical sets should have similarity 1")
	}
}

// --- truncateString tests ---

func TestTruncateString_DoesNotSplitRunes(t *testing.T) {
	s := strings.Repeat("é", 10) // 2 bytes each
	got := truncateString(s, 5)
	if len(got) != 4 {
		t.Errorf("expected 4 bytes, got %d (%q)", len(got), got)
	}
	if truncateString("short", 500) != "short" {
		t.Error("short strings must be returned unchanged")
	}
}

func TestDedupeLower(t *testing.T) {
	got := dedupeLower([]string{" Bug", "bug", "", "UX", "ux "})
	if strings.Join(got, ",") != "bug,ux" {
		t.Errorf("unexpected result %v", got)
	}
}
