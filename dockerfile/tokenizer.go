package dockerfile

import (
	"strings"

	"github.com/google/uuid"
)

// splitKeyword splits an instruction into its keyword and the rest.
func splitKeyword(text string) (keyword, rest string) {
	i := 0
	for i < len(text) && isKeywordByte(text[i]) {
		i++
	}
	return text[:i], text[i:]
}

func isKeywordByte(c byte) bool {
	return c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z'
}

// tokenize splits the text after a keyword into arguments. Whitespace and
// line continuations before an argument become its prefix; whatever follows
// the last argument is returned as trailing. Concatenating every prefix,
// every argument and trailing yields text.
func tokenize(text string) (args []*Argument, trailing string) {
	i := 0
	for {
		start := i
		i = skipSpace(text, i)
		if i == len(text) {
			return args, text[start:]
		}
		arg := &Argument{ID: uuid.New(), Prefix: text[start:i]}
		arg.Content, i = word(text, i)
		args = append(args, arg)
	}
}

// skipSpace returns the index of the first byte at or after i that is
// neither whitespace nor part of a line continuation.
func skipSpace(s string, i int) int {
	for i < len(s) {
		switch {
		case isSpace(s[i]):
			i++
		case continuation(s, i) > 0:
			i += continuation(s, i)
		default:
			return i
		}
	}
	return i
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

// continuation returns the length of the line continuation at i: a
// backslash, optional blanks and a newline. It returns 0 if there is none.
func continuation(s string, i int) int {
	if i >= len(s) || s[i] != '\\' {
		return 0
	}
	j := i + 1
	for j < len(s) && (s[j] == ' ' || s[j] == '\t') {
		j++
	}
	if j < len(s) && s[j] == '\r' {
		j++
	}
	if j < len(s) && s[j] == '\n' {
		return j + 1 - i
	}
	return 0
}

// word reads one argument starting at i and returns its content and the
// index after it.
func word(s string, i int) ([]ArgumentContent, int) {
	var content []ArgumentContent
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			content = append(content, &Literal{Text: lit.String()})
			lit.Reset()
		}
	}

	for i < len(s) && !isSpace(s[i]) && continuation(s, i) == 0 {
		switch c := s[i]; {
		case c == '"' || c == '\'':
			end := closingQuote(s, i)
			if end < 0 {
				lit.WriteByte(c)
				i++
				continue
			}
			flush()
			content = append(content, &Quoted{Quote: string(c), Value: s[i+1 : end]})
			i = end + 1

		case c == '$' && i+1 < len(s) && s[i+1] == '{':
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				lit.WriteByte(c)
				i++
				continue
			}
			flush()
			content = append(content, &EnvRef{Braced: true, Name: s[i+2 : i+2+end]})
			i += end + 3

		case c == '$' && i+1 < len(s) && isNameStart(s[i+1]):
			j := i + 2
			for j < len(s) && isNameByte(s[j]) {
				j++
			}
			flush()
			content = append(content, &EnvRef{Name: s[i+1 : j]})
			i = j

		case c == '\\' && i+1 < len(s):
			lit.WriteString(s[i : i+2])
			i += 2

		default:
			lit.WriteByte(c)
			i++
		}
	}
	flush()
	return content, i
}

// closingQuote returns the index of the quote closing the one at i, or -1.
// Inside double quotes a backslash escapes the next byte.
func closingQuote(s string, i int) int {
	q := s[i]
	for j := i + 1; j < len(s); j++ {
		switch {
		case s[j] == '\\' && q == '"':
			j++
		case s[j] == q:
			return j
		}
	}
	return -1
}

func isNameStart(c byte) bool {
	return c == '_' || isKeywordByte(c)
}

func isNameByte(c byte) bool {
	return isNameStart(c) || c >= '0' && c <= '9'
}
