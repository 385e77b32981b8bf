package searcher

import (
	"sort"
	"strings"
	"unicode"

	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// NormalizeQuery trims q and collapses internal whitespace runs to a single
// space.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

// Keywords lower-cases a normalized query and splits it on whitespace into
// distinct keywords, in first-seen order.
func Keywords(normalized string) []string {
	fields := strings.Fields(strings.ToLower(normalized))
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// MergeSpans sorts spans by start and merges any span that starts at or
// before the end of the previous one. The result is sorted and
// non-overlapping. Adjacent spans are merged too.
func MergeSpans(spans []types.HighlightSpan) []types.HighlightSpan {
	if len(spans) == 0 {
		return []types.HighlightSpan{}
	}

	sorted := make([]types.HighlightSpan, len(spans))
	copy(sorted, spans)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End < sorted[j].End
	})

	merged := []types.HighlightSpan{sorted[0]}
	for _, s := range sorted[1:] {
		last := &merged[len(merged)-1]
		if s.Start <= last.End {
			if s.End > last.End {
				last.End = s.End
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

// FindKeywordSpans returns every case-insensitive occurrence of each keyword
// in content as rune offsets, merged. Occurrences may overlap; the search
// resumes one rune after each match.
func FindKeywordSpans(content string, keywords []string) []types.HighlightSpan {
	haystack := lowerRunes(content)
	var spans []types.HighlightSpan

	for _, kw := range keywords {
		needle := lowerRunes(kw)
		if len(needle) == 0 {
			continue
		}
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if hasPrefixAt(haystack, needle, i) {
				spans = append(spans, types.HighlightSpan{Start: i, End: i + len(needle)})
			}
		}
	}

	return MergeSpans(spans)
}

// keywordScore is the fraction of distinct keywords found in content.
func keywordScore(content string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	haystack := string(lowerRunes(content))
	found := 0
	for _, kw := range keywords {
		if strings.Contains(haystack, string(lowerRunes(kw))) {
			found++
		}
	}
	return float64(found) / float64(len(keywords))
}

// lowerRunes lower-cases rune by rune so offsets into the result match
// offsets into the original.
func lowerRunes(s string) []rune {
	rs := []rune(s)
	for i, r := range rs {
		rs[i] = unicode.ToLower(r)
	}
	return rs
}

func hasPrefixAt(haystack, needle []rune, at int) bool {
	for j, r := range needle {
		if haystack[at+j] != r {
			return false
		}
	}
	return true
}
