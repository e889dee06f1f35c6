package sqlitedb

import "strings"

// SplitStatements splits a SQL script into raw segments, one per statement,
// with terminators and surrounding whitespace kept in place: joining the
// segments reproduces the script byte for byte. A semicolon ends a segment
// only when it is outside string literals, quoted identifiers, comments and
// CREATE TRIGGER bodies (BEGIN .. END). Callers trim segments before
// execution.
func SplitStatements(script string) []string {
	var segments []string
	start := 0
	depth := 0 // BEGIN..END nesting

	i := 0
	for i < len(script) {
		c := script[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			i = skipQuoted(script, i, c)
		case c == '-' && i+1 < len(script) && script[i+1] == '-':
			i = skipLineComment(script, i)
		case c == '/' && i+1 < len(script) && script[i+1] == '*':
			i = skipBlockComment(script, i)
		case c == ';' && depth == 0:
			i++
			segments = append(segments, script[start:i])
			start = i
		case isWordByte(c):
			end := i
			for end < len(script) && isWordByte(script[end]) {
				end++
			}
			word := script[i:end]
			switch {
			case strings.EqualFold(word, "BEGIN") && !startsTransaction(script[end:]):
				depth++
			case strings.EqualFold(word, "END") && depth > 0:
				depth--
			}
			i = end
		default:
			i++
		}
	}
	if start < len(script) {
		segments = append(segments, script[start:])
	}
	return segments
}

// executableStatements trims each raw segment down to runnable SQL, dropping
// segments that hold only whitespace or a bare terminator.
func executableStatements(script string) []string {
	var out []string
	for _, segment := range SplitStatements(script) {
		stmt := strings.TrimSpace(segment)
		if stmt == "" || stmt == ";" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}

// startsTransaction reports whether the text after a BEGIN keyword makes it
// a transaction statement rather than a trigger body opener.
func startsTransaction(rest string) bool {
	j := 0
	for j < len(rest) && (rest[j] == ' ' || rest[j] == '\t' || rest[j] == '\n' || rest[j] == '\r') {
		j++
	}
	if j >= len(rest) || rest[j] == ';' {
		return true // bare "BEGIN;" opens a transaction
	}
	end := j
	for end < len(rest) && isWordByte(rest[end]) {
		end++
	}
	next := rest[j:end]
	for _, kw := range []string{"TRANSACTION", "DEFERRED", "IMMEDIATE", "EXCLUSIVE"} {
		if strings.EqualFold(next, kw) {
			return true
		}
	}
	return false
}

func skipQuoted(s string, start int, quote byte) int {
	i := start + 1
	for i < len(s) {
		if s[i] == quote {
			// Doubled quote is an escape.
			if i+1 < len(s) && s[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return len(s)
}

func skipLineComment(s string, start int) int {
	i := start + 2
	for i < len(s) && s[i] != '\n' {
		i++
	}
	return i
}

func skipBlockComment(s string, start int) int {
	i := start + 2
	for i+1 < len(s) {
		if s[i] == '*' && s[i+1] == '/' {
			return i + 2
		}
		i++
	}
	return len(s)
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
