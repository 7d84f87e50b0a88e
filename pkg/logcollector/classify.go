package logcollector

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/cuemby/sandboxd/pkg/types"
)

// timestampPrefix matches a leading RFC3339-nano timestamp.
var timestampPrefix = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?Z)\s?`)

// ansiEscape strips terminal color/cursor sequences before classification
// and persistence.
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

var (
	errorPattern   = regexp.MustCompile(`(?i)\berror\b|\bfail(ed)?\b|\bexception\b|\bcritical\b|\bpanic\b`)
	warningPattern = regexp.MustCompile(`(?i)\bwarn(ing)?\b|\bdeprecated?\b`)
	buildPattern   = regexp.MustCompile(`(?i)\b(npm|pnpm|yarn|webpack|vite|tsc|compile|build|bundle)\b`)
	buildProgress  = regexp.MustCompile(`^\[?\d+/\d+\]`)
	runtimeContent = regexp.MustCompile(`^[\s\d\p{P}]*$`)
)

// ParseTimestamp extracts the leading RFC3339-nano timestamp from line, if
// present, along with the remainder. Falls back to now when absent.
func ParseTimestamp(line string, now time.Time) (time.Time, string) {
	loc := timestampPrefix.FindStringSubmatchIndex(line)
	if loc == nil {
		return now, line
	}
	ts, err := time.Parse(time.RFC3339Nano, line[loc[2]:loc[3]])
	if err != nil {
		return now, line
	}
	return ts, line[loc[1]:]
}

// Sanitize strips ANSI escapes and control characters other than LF/TAB.
func Sanitize(content string) string {
	content = ansiEscape.ReplaceAllString(content, "")
	var b strings.Builder
	b.Grow(len(content))
	for _, r := range content {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Classify applies the ordered classification rules to one sanitized
// line; the first matching rule wins.
func Classify(stream types.LogStream, content string) types.LogClassification {
	if stream == types.StreamStderr || errorPattern.MatchString(content) {
		return types.ClassError
	}
	if warningPattern.MatchString(content) {
		return types.ClassWarning
	}
	if buildPattern.MatchString(content) || buildProgress.MatchString(content) {
		return types.ClassBuild
	}
	if runtimeContent.MatchString(content) {
		return types.ClassRuntime
	}
	return types.ClassInfo
}
