package ticket

import (
	"regexp"
	"strings"
)

// Pre-compiled patterns for ticket references, tried in priority order.
var (
	// bareKeyPattern matches an upper-case project key followed by an issue number.
	bareKeyPattern = regexp.MustCompile(`\b([A-Z][A-Z0-9]*-[0-9]+)\b`)
	// browsePathPattern matches the key in an issue permalink such as /browse/tech-456.
	browsePathPattern = regexp.MustCompile(`(?i)/browse/([a-z][a-z0-9]*-[0-9]+)`)
)

// ParseReference extracts a ticket key from free-form text. It accepts bare keys
// ("TECH-456") and issue permalinks ("https://host/browse/TECH-456").
// The second return value is false when the text references no ticket.
func ParseReference(text string) (string, bool) {
	if m := bareKeyPattern.FindStringSubmatch(text); len(m) > 1 {
		return m[1], true
	}
	if m := browsePathPattern.FindStringSubmatch(text); len(m) > 1 {
		return strings.ToUpper(m[1]), true
	}
	return "", false
}

// ContainsReference reports whether the text mentions a ticket at all.
func ContainsReference(text string) bool {
	_, ok := ParseReference(text)
	return ok
}
