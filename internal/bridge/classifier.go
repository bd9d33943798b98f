package bridge

import "strings"

// forbiddenTokens are statement keywords that disqualify a query from
// read-only dispatch no matter where they appear. Scanning the whole text
// over-rejects CTE tricks like WITH ... AS (DELETE ...) at the cost of also
// rejecting harmless occurrences inside string literals.
var forbiddenTokens = []string{
	"insert", "update", "delete", "merge", "create", "alter", "drop",
	"truncate", "grant", "revoke", "vacuum", "analyze", "reindex",
	"cluster", "call", "copy",
}

// IsReadOnlySQL reports whether a statement is admissible under read-only
// mode. Leading comments are skipped; the statement must open with SELECT,
// WITH, SHOW, or EXPLAIN (EXPLAIN ANALYZE executes and is rejected), and no
// forbidden keyword may appear anywhere in it.
func IsReadOnlySQL(sql string) bool {
	body := stripLeadingComments(sql)
	lower := strings.ToLower(body)

	first, rest := firstWord(lower)
	switch first {
	case "select", "with", "show":
	case "explain":
		second, _ := firstWord(rest)
		if second == "analyze" || second == "analyse" {
			return false
		}
	default:
		return false
	}

	for _, tok := range forbiddenTokens {
		if containsWord(lower, tok) {
			return false
		}
	}
	return true
}

// stripLeadingComments removes any run of whitespace, line comments, and
// block comments before the first statement token.
func stripLeadingComments(sql string) string {
	s := sql
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

func firstWord(s string) (string, string) {
	s = strings.TrimLeft(s, " \t\r\n(")
	end := len(s)
	for i, ch := range s {
		if !isWordByte(ch) {
			end = i
			break
		}
	}
	return s[:end], s[end:]
}

// containsWord reports whether tok occurs in s delimited on both sides by
// non-identifier characters.
func containsWord(s, tok string) bool {
	for start := 0; ; {
		i := strings.Index(s[start:], tok)
		if i < 0 {
			return false
		}
		i += start
		before := i == 0 || !isWordByte(rune(s[i-1]))
		afterIdx := i + len(tok)
		after := afterIdx >= len(s) || !isWordByte(rune(s[afterIdx]))
		if before && after {
			return true
		}
		start = i + 1
	}
}

func isWordByte(ch rune) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')
}
