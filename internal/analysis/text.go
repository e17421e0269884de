package analysis

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Normalization regexes compiled once at package init.
var (
	reURL        = regexp.MustCompile(`https?://\S+`)
	reUUID       = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	reNonWord    = regexp.MustCompile(`[^\p{L}\p{N}]+`)
	reWhitespace = regexp.MustCompile(`\s+`)
)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"by": true, "for": true, "from": true, "in": true, "is": true, "it": true, "of": true,
	"on": true, "or": true, "the": true, "to": true, "with": true, "when": true, "while": true,
	"issue": true, "issues": true, "problem": true, "problems": true, "related": true,
}

// NormalizeText lowercases s, drops URLs and ids, and collapses punctuation and
// whitespace to single spaces.
func NormalizeText(s string) string {
	s = reURL.ReplaceAllString(s, " ")
	s = reUUID.ReplaceAllString(s, " ")
	s = reNonWord.ReplaceAllString(s, " ")
	s = reWhitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(strings.ToLower(s))
}

// ThemeTokens returns the set of significant, singularized tokens of a theme.
func ThemeTokens(theme string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, w := range strings.Fields(NormalizeText(theme)) {
		if len(w) < 2 || stopwords[w] {
			continue
		}
		tokens[singular(w)] = struct{}{}
	}
	return tokens
}

// Jaccard is |a∩b| / |a∪b|, or 0 when both sets are empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func singular(w string) string {
	switch {
	case len(w) > 4 && strings.HasSuffix(w, "ies"):
		return w[:len(w)-3] + "y"
	case len(w) > 4 && hasAnySuffix(w, "sses", "xes", "zes", "ches", "shes"):
		return w[:len(w)-2]
	case len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss"):
		return w[:len(w)-1]
	}
	return w
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}

// dedupeLower lowercases, trims and de-duplicates values, keeping first-seen order.
func dedupeLower(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
