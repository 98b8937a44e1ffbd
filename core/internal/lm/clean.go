package lm

import (
	"regexp"
	"strings"
)

var (
	fenceRe     = regexp.MustCompile("(?s)```(?:sql)?\\s*(.*?)\\s*```")
	xmlTagRe    = regexp.MustCompile(`(?s)<[^>]+>`)
	sqlPrefixRe = regexp.MustCompile(`(?i)^\s*(?:sql|query|answer|statement)\s*:\s*`)
)

// Clean normalizes raw model output into at most one SQL statement: fences
// and XML-like tags are stripped, prefix artefacts and leading comments
// removed, and everything after the first terminating semicolon dropped.
// Clean is idempotent: Clean(Clean(x)) == Clean(x).
func Clean(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	if m := fenceRe.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	s = xmlTagRe.ReplaceAllString(s, "")
	s = sqlPrefixRe.ReplaceAllString(s, "")
	s = stripLeadingComments(s)
	s = strings.TrimSpace(s)

	// keep the first complete statement
	if i := terminatingSemicolon(s); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return s + ";"
}

func stripLeadingComments(s string) string {
	for {
		s = strings.TrimLeft(s, " \t\r\n")
		switch {
		case strings.HasPrefix(s, "--"):
			if i := strings.IndexByte(s, '\n'); i >= 0 {
				s = s[i+1:]
			} else {
				return ""
			}
		case strings.HasPrefix(s, "/*"):
			if i := strings.Index(s, "*/"); i >= 0 {
				s = s[i+2:]
			} else {
				return ""
			}
		default:
			return s
		}
	}
}

// terminatingSemicolon finds the first ';' outside string literals.
func terminatingSemicolon(s string) int {
	inStr := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			inStr = !inStr
		case ';':
			if !inStr {
				return i
			}
		}
	}
	return -1
}
