// Package format provides naming and text sanitization helpers shared by the
// manifest readers, the exporter and the exposure extractor.
package format

import (
	"regexp"
	"strings"
)

var (
	unsafeChars = regexp.MustCompile(`[^\p{L}\p{N}_]+`)
	jinjaExpr   = regexp.MustCompile(`{{(.*?)}}`)
)

// SafeName sanitizes a human-readable name to an identifier-safe slug.
// For example, "Joe's Collection" becomes "joe_s_collection".
func SafeName(text string) string {
	return strings.ToLower(unsafeChars.ReplaceAllString(text, "_"))
}

// SafeDescription neutralizes Jinja expressions in long text, so that a
// description containing "{{ ref('x') }}" does not get re-evaluated when the
// output lands back in a dbt project.
func SafeDescription(text string) string {
	return jinjaExpr.ReplaceAllString(text, "($1)")
}

// Normalize folds an identifier segment to the case used for catalog keys.
// Metabase treats table and field identifiers case-insensitively.
func Normalize(segment string) string {
	return strings.ToUpper(strings.Trim(segment, `"`))
}
