package asm

import (
	"strconv"
	"strings"
)

// stripComment removes a trailing "# ..." or "/* ... */" comment from a
// logical assembly line, the way a real assembler's lexer would, while
// leaving string literals (which may themselves contain '#' or '/') intact.
// It deliberately does not try to be a full tokenizer: it only needs to find
// the comment-start characters that are not inside a '"'-delimited string.
func stripComment(line string) string {
	var b strings.Builder
	inString := false
	i := 0
	for i < len(line) {
		c := line[i]
		switch {
		case inString:
			b.WriteByte(c)
			if c == '\\' && i+1 < len(line) {
				b.WriteByte(line[i+1])
				i += 2
				continue
			}
			if c == '"' {
				inString = false
			}
			i++
		case c == '"':
			inString = true
			b.WriteByte(c)
			i++
		case c == '#':
			return b.String()
		case c == '/' && i+1 < len(line) && line[i+1] == '*':
			end := strings.Index(line[i+2:], "*/")
			if end < 0 {
				return b.String()
			}
			i = i + 2 + end + 2
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// labelPrefix recognizes a leading "name:" label and returns the label name
// and the remainder of the line with the label stripped. ok is false if the
// line does not start with a label.
func labelPrefix(line string) (name, rest string, ok bool) {
	trimmed := strings.TrimLeft(line, " \t")
	i := 0
	for i < len(trimmed) {
		c := trimmed[i]
		if c == ':' {
			break
		}
		if !(c == '_' || c == '.' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return "", "", false
		}
		i++
	}
	if i == 0 || i >= len(trimmed) || trimmed[i] != ':' {
		return "", "", false
	}
	return trimmed[:i], strings.TrimSpace(trimmed[i+1:]), true
}

// splitArgs splits a directive's argument list on top-level commas. It is
// not string-aware beyond what .ascii/.asciz need (those are handled by
// quotedStringArg instead), which is sufficient for the numeric/symbol
// argument lists every other recognised directive takes.
func splitArgs(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// quotedStringArg extracts the double-quoted string argument of a
// .ascii/.asciz/.asciiz directive.
func quotedStringArg(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return "", false
	}
	return s[1 : len(s)-1], true
}

// countQuotedSize computes the number of bytes a real assembler would emit
// for a quoted .ascii/.asciz string body, honoring escape sequences:
// \xHH hex escapes, \0..\7 octal escapes (up to three octal digits),
// and the single-character escapes \n \r \t \\ \".  addNul adds one byte
// for the implicit NUL terminator .asciz/.asciiz append.
func countQuotedSize(body string, addNul bool) int {
	n := 0
	i := 0
	for i < len(body) {
		if body[i] != '\\' {
			n++
			i++
			continue
		}
		n++
		i++
		if i >= len(body) {
			break
		}
		switch {
		case body[i] == 'x':
			i++
			j := i
			for j < len(body) && j < i+2 && isHexDigit(body[j]) {
				j++
			}
			i = j
		case body[i] >= '0' && body[i] <= '7':
			j := i
			for j < len(body) && j < i+3 && body[j] >= '0' && body[j] <= '7' {
				j++
			}
			i = j
		case body[i] == 'n', body[i] == 'r', body[i] == 't', body[i] == '\\', body[i] == '"':
			i++
		default:
			i++
		}
	}
	if addNul {
		n++
	}
	return n
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// parseInt parses a directive's integer argument, accepting "0x"-prefixed
// hex the way GNU as does.
func parseInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, false
	}
	return int(v), true
}
