// Package sqlsafe classifies SQL statements by operation, scans for
// injection signals in SQL and natural-language input, and validates
// identifiers against PostgreSQL rules.
package sqlsafe

import (
	"fmt"
	"regexp"
	"strings"
)

// Op is the statement operation class.
type Op int

const (
	OpOther Op = iota
	OpSelect
	OpInsert
	OpUpdate
	OpDelete
)

// String returns the lowercase operation name.
func (o Op) String() string {
	switch o {
	case OpSelect:
		return "select"
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "other"
	}
}

// OpFromString is the inverse of Op.String over the allowed set.
func OpFromString(s string) Op {
	switch strings.ToLower(s) {
	case "select":
		return OpSelect
	case "insert":
		return OpInsert
	case "update":
		return OpUpdate
	case "delete":
		return OpDelete
	default:
		return OpOther
	}
}

const (
	// MaxSQLLength is the hard cap on statement length.
	MaxSQLLength = 100_000
	// MaxPromptLength is the hard cap on natural-language input length.
	MaxPromptLength = 1_000
	// MaxIdentifierLength matches the PostgreSQL NAMEDATALEN-1 limit.
	MaxIdentifierLength = 63
)

// Signal is a matched injection pattern.
type Signal struct {
	Name    string
	Matched string
}

type pattern struct {
	name string
	re   *regexp.Regexp
}

// All patterns run on the lowercased input so they are case-insensitive
// and order-independent.
var injectionPatterns = []pattern{
	{"chained_statement", regexp.MustCompile(`;\s*(drop|delete|truncate|alter|insert|update|create|grant|revoke)\b`)},
	{"union_select", regexp.MustCompile(`\bunion\s+(all\s+)?select\b`)},
	{"tautology_numeric", regexp.MustCompile(`\b(\d+)\s*=\s*(\d+)\b`)},
	{"tautology_string", regexp.MustCompile(`'([^']*)'\s*=\s*'([^']*)'`)},
	{"hex_literal", regexp.MustCompile(`\b0x[0-9a-f]+`)},
	{"char_call", regexp.MustCompile(`\bchar\s*\(\s*\d+`)},
	{"time_delay", regexp.MustCompile(`\b(waitfor\s+delay|sleep\s*\(|benchmark\s*\()`)},
	{"exec_call", regexp.MustCompile(`\b(exec\s|execute\s+immediate|xp_cmdshell|sp_executesql)\b`)},
}

var (
	identRe        = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	writeVerbRe    = regexp.MustCompile(`\b(insert|update|delete|merge|drop|truncate|alter|create|grant|revoke)\b`)
	leadingWordRe  = regexp.MustCompile(`^[a-z_]+`)
	lineCommentRe  = regexp.MustCompile(`--[^\n]*`)
	blockCommentRe = regexp.MustCompile(`/\*.*?\*/`)
)

// Validator scans statements and natural-language prompts. The zero value is
// not usable; use New.
type Validator struct {
	maxSQLLen    int
	maxPromptLen int
}

// New returns a Validator with the given limits. Zero limits fall back to
// the package defaults.
func New(maxSQLLen, maxPromptLen int) *Validator {
	if maxSQLLen <= 0 {
		maxSQLLen = MaxSQLLength
	}
	if maxPromptLen <= 0 {
		maxPromptLen = MaxPromptLength
	}
	return &Validator{maxSQLLen: maxSQLLen, maxPromptLen: maxPromptLen}
}

// Classify returns the operation class of the first statement in sql.
// WITH and EXPLAIN are only read-only on the surface: a CTE body may
// modify data and EXPLAIN ANALYZE executes its target statement, so
// both are classified by what they embed.
func Classify(sql string) Op {
	s := stripComments(strings.ToLower(strings.TrimSpace(sql)))
	s = strings.TrimSpace(s)

	w := leadingWordRe.FindString(s)
	switch w {
	case "select", "show", "values", "table":
		return OpSelect
	case "with":
		if op, ok := embeddedWriteOp(s); ok {
			return op
		}
		return OpSelect
	case "explain":
		return Classify(explainTarget(s))
	case "insert":
		return OpInsert
	case "update":
		return OpUpdate
	case "delete":
		return OpDelete
	default:
		return OpOther
	}
}

// embeddedWriteOp scans the parts of s outside single-quoted strings for
// data-modifying or DDL verbs, as carried by writable CTEs.
func embeddedWriteOp(s string) (Op, bool) {
	for i, seg := range strings.Split(s, "'") {
		if i%2 == 1 {
			continue
		}
		switch writeVerbRe.FindString(seg) {
		case "":
		case "insert":
			return OpInsert, true
		case "update":
			return OpUpdate, true
		case "delete":
			return OpDelete, true
		default:
			return OpOther, true
		}
	}
	return OpOther, false
}

// explainTarget strips the EXPLAIN keyword and its options, leaving the
// statement EXPLAIN would plan (and, under ANALYZE, run).
func explainTarget(s string) string {
	s = strings.TrimSpace(strings.TrimPrefix(s, "explain"))
	if strings.HasPrefix(s, "(") {
		if i := strings.IndexByte(s, ')'); i >= 0 {
			s = strings.TrimSpace(s[i+1:])
		}
	}
	for {
		switch w := leadingWordRe.FindString(s); w {
		case "analyze", "analyse", "verbose":
			s = strings.TrimSpace(s[len(w):])
		default:
			return s
		}
	}
}

// DetectInjection returns the injection signals found in s. The scan also
// applies to natural-language text, where any hit rejects the input before
// an LM call is made.
func DetectInjection(s string) []Signal {
	low := strings.ToLower(s)
	var sigs []Signal

	for _, p := range injectionPatterns {
		m := p.re.FindStringSubmatch(low)
		if m == nil {
			continue
		}
		// Equality patterns only signal when the comparison is statically
		// true, e.g. 1=1 or 'a'='a'.
		if (p.name == "tautology_numeric" || p.name == "tautology_string") && m[1] != m[2] {
			continue
		}
		sigs = append(sigs, Signal{Name: p.name, Matched: m[0]})
	}

	if sig, ok := detectCommentAbuse(low); ok {
		sigs = append(sigs, sig)
	}
	if n := topLevelSeparators(low); n > 1 {
		sigs = append(sigs, Signal{Name: "multiple_statements", Matched: ";"})
	}
	return sigs
}

// Validate checks sql against the operation whitelist and the injection
// signal set. It returns ok=false with a reason on the first violation.
func (v *Validator) Validate(sql string, allowed map[Op]bool) (bool, string) {
	if strings.TrimSpace(sql) == "" {
		return false, "empty statement"
	}
	if len(sql) > v.maxSQLLen {
		return false, fmt.Sprintf("statement exceeds %d characters", v.maxSQLLen)
	}

	op := Classify(sql)
	if !allowed[op] {
		return false, fmt.Sprintf("operation %q is not permitted", op)
	}
	if sigs := DetectInjection(sql); len(sigs) != 0 {
		return false, fmt.Sprintf("injection signal %q matched %q", sigs[0].Name, sigs[0].Matched)
	}
	return true, ""
}

// ValidatePrompt checks a natural-language input before it reaches the
// language model.
func (v *Validator) ValidatePrompt(text string) (bool, string) {
	if strings.TrimSpace(text) == "" {
		return false, "empty input"
	}
	if len(text) > v.maxPromptLen {
		return false, fmt.Sprintf("input exceeds %d characters", v.maxPromptLen)
	}
	if sigs := DetectInjection(text); len(sigs) != 0 {
		return false, fmt.Sprintf("injection signal %q matched %q", sigs[0].Name, sigs[0].Matched)
	}
	return true, ""
}

// ValidIdentifier reports whether name is usable as a PostgreSQL identifier:
// letters, digits and underscore, leading letter or underscore, at most 63
// bytes, and not a reserved keyword.
func ValidIdentifier(name string) bool {
	if name == "" || len(name) > MaxIdentifierLength {
		return false
	}
	if !identRe.MatchString(name) {
		return false
	}
	return !IsReserved(strings.ToLower(name))
}

// DefaultAllowed is the read-only operation whitelist.
func DefaultAllowed() map[Op]bool {
	return map[Op]bool{OpSelect: true}
}

// detectCommentAbuse flags terminal line comments and unbalanced block
// comments, both classic markers of user text appended to a statement.
func detectCommentAbuse(low string) (Signal, bool) {
	if i := strings.Index(low, "--"); i >= 0 {
		rest := low[i:]
		if !strings.Contains(rest, "\n") {
			return Signal{Name: "terminal_comment", Matched: "--"}, true
		}
	}
	opens := strings.Count(low, "/*")
	closes := strings.Count(low, "*/")
	if opens != closes {
		return Signal{Name: "unbalanced_comment", Matched: "/*"}, true
	}
	return Signal{}, false
}

// topLevelSeparators counts ';' outside of single-quoted strings. A single
// trailing separator is normal; more than one means statement stacking.
func topLevelSeparators(s string) int {
	n := 0
	inStr := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			inStr = !inStr
		case ';':
			if !inStr {
				// a final ';' with only whitespace after it does not count
				if strings.TrimSpace(s[i+1:]) == "" {
					continue
				}
				n++
			}
		}
	}
	// any non-trailing separator implies at least two statements
	if n > 0 {
		n++
	}
	return n
}

func stripComments(s string) string {
	s = blockCommentRe.ReplaceAllString(s, " ")
	s = lineCommentRe.ReplaceAllString(s, " ")
	return s
}
