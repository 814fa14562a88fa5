package manifest

import (
	"regexp"
	"strings"

	"github.com/umisama/go-regexpcache"
)

// Filter implements include/exclude selection of names. Matching is
// case-insensitive. A pattern containing regexp metacharacters is compiled
// (fully anchored); otherwise plain equality applies. Exclusion wins over
// inclusion; an empty include list selects everything.
type Filter struct {
	include []string
	exclude []string
}

// NewFilter builds a filter from raw include/exclude pattern lists.
func NewFilter(include, exclude []string) *Filter {
	return &Filter{
		include: normPatterns(include),
		exclude: normPatterns(exclude),
	}
}

// Match reports whether the item passes the filter.
func (f *Filter) Match(item string) bool {
	if f == nil {
		return true
	}
	item = strings.ToUpper(item)

	included := len(f.include) == 0
	for _, p := range f.include {
		if matchPattern(p, item) {
			included = true
			break
		}
	}
	if !included {
		return false
	}

	for _, p := range f.exclude {
		if matchPattern(p, item) {
			return false
		}
	}
	return true
}

// MatchAny applies the filter to a set of labels, the way tags are declared:
// exclusion rejects when any label is excluded, inclusion requires at least
// one matching label.
func (f *Filter) MatchAny(items []string) bool {
	if f == nil {
		return true
	}
	for _, item := range items {
		up := strings.ToUpper(item)
		for _, p := range f.exclude {
			if matchPattern(p, up) {
				return false
			}
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, item := range items {
		up := strings.ToUpper(item)
		for _, p := range f.include {
			if matchPattern(p, up) {
				return true
			}
		}
	}
	return false
}

func normPatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}

func matchPattern(pattern, item string) bool {
	if pattern == item {
		return true
	}
	if pattern == regexp.QuoteMeta(pattern) {
		// Plain literal, equality already failed.
		return false
	}
	re, err := regexpcache.Compile(`(?i)\A(?:` + pattern + `)\z`)
	if err != nil {
		return false
	}
	return re.MatchString(item)
}
