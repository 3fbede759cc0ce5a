package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Models wrap JSON in prose and code fences, and add comments and trailing
// commas. These patterns peel that off.
var (
	fencedObjectPattern  = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	fencedArrayPattern   = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\[.*\\])\\s*```")
	bareObjectPattern    = regexp.MustCompile(`(?s)\{.*\}`)
	bareArrayPattern     = regexp.MustCompile(`(?s)\[.*\]`)
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ErrNoJSON is returned by DecodeJSON when the response holds no JSON value.
var ErrNoJSON = errors.New("no JSON found in response")

// ExtractJSON returns the JSON object embedded in an LLM response, or "".
func ExtractJSON(content string) string {
	return extract(content, fencedObjectPattern, bareObjectPattern)
}

// ExtractJSONArray returns the JSON array embedded in an LLM response, or "".
func ExtractJSONArray(content string) string {
	return extract(content, fencedArrayPattern, bareArrayPattern)
}

// DecodeJSON extracts and unmarshals the JSON in content into v. Slices and
// arrays look for a JSON array, everything else for an object.
func DecodeJSON(content string, v any, array bool) error {
	raw := ExtractJSON(content)
	if array {
		raw = ExtractJSONArray(content)
	}
	if raw == "" {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode LLM JSON: %w", err)
	}
	return nil
}

func extract(content string, fenced, bare *regexp.Regexp) string {
	if m := fenced.FindStringSubmatch(content); len(m) > 1 {
		return cleanJSON(m[1])
	}
	if m := bare.FindString(content); m != "" {
		return cleanJSON(m)
	}
	return ""
}

// cleanJSON strips // comments outside strings and trailing commas.
func cleanJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	return trailingCommaPattern.ReplaceAllString(strings.Join(lines, "\n"), "$1")
}

// stripLineComment removes a trailing // comment, leaving URLs inside
// string values alone.
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString, escaped := false, false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/':
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
