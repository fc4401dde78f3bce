package regex

import (
	"regexp"
	"strings"
)

// CombinePatterns ORs patterns into one expression. Nil for an empty list.
func CombinePatterns(patterns []string) (*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	combined := "(?:" + strings.Join(patterns, ")|(?:") + ")"
	return regexp.Compile(combined)
}
