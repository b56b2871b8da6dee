package guard

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokenWord tokenKind = iota
	tokenNumber
	tokenString
	tokenQuotedIdent
	tokenPunct
	tokenComment
)

type token struct {
	kind  tokenKind
	text  string
	start int
	end   int
}

func (t token) isWord(words ...string) bool {
	if t.kind != tokenWord {
		return false
	}
	for _, word := range words {
		if strings.EqualFold(t.text, word) {
			return true
		}
	}
	return false
}

func (t token) isPunct(p string) bool {
	return t.kind == tokenPunct && t.text == p
}

func (t token) upper() string {
	return strings.ToUpper(t.text)
}

// lex splits input into tokens. String literals, quoted identifiers and
// comments are single tokens, so separators and keywords inside them are
// never seen by the rules. On an unterminated literal or comment lex returns
// the tokens read so far together with an error.
func lex(input string) ([]token, error) {
	tokens := make([]token, 0, len(input)/4)
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case isSpace(c):
			i++
		case c == '-' && i+1 < len(input) && input[i+1] == '-':
			end := strings.IndexByte(input[i:], '\n')
			if end < 0 {
				end = len(input)
			} else {
				end += i
			}
			tokens = append(tokens, token{kind: tokenComment, text: input[i:end], start: i, end: end})
			i = end
		case c == '/' && i+1 < len(input) && input[i+1] == '*':
			end := strings.Index(input[i+2:], "*/")
			if end < 0 {
				return tokens, fmt.Errorf("unterminated block comment at offset %d", i)
			}
			end += i + 4
			tokens = append(tokens, token{kind: tokenComment, text: input[i:end], start: i, end: end})
			i = end
		case c == '\'':
			text, end, ok := scanQuoted(input, i, '\'')
			if !ok {
				return tokens, fmt.Errorf("unterminated string literal at offset %d", i)
			}
			tokens = append(tokens, token{kind: tokenString, text: text, start: i, end: end})
			i = end
		case c == '"' || c == '`':
			text, end, ok := scanQuoted(input, i, c)
			if !ok {
				return tokens, fmt.Errorf("unterminated quoted identifier at offset %d", i)
			}
			tokens = append(tokens, token{kind: tokenQuotedIdent, text: text, start: i, end: end})
			i = end
		case c == '[':
			end := strings.IndexByte(input[i+1:], ']')
			if end < 0 {
				return tokens, fmt.Errorf("unterminated bracketed identifier at offset %d", i)
			}
			end += i + 1
			tokens = append(tokens, token{kind: tokenQuotedIdent, text: input[i+1 : end], start: i, end: end + 1})
			i = end + 1
		case c == '$':
			if tag, ok := dollarTag(input, i); ok {
				closing := strings.Index(input[i+len(tag):], tag)
				if closing < 0 {
					return tokens, fmt.Errorf("unterminated dollar-quoted string at offset %d", i)
				}
				bodyStart := i + len(tag)
				bodyEnd := bodyStart + closing
				tokens = append(tokens, token{kind: tokenString, text: input[bodyStart:bodyEnd], start: i, end: bodyEnd + len(tag)})
				i = bodyEnd + len(tag)
				continue
			}
			tokens = append(tokens, token{kind: tokenPunct, text: "$", start: i, end: i + 1})
			i++
		case isWordStart(c):
			end := i + 1
			for end < len(input) && isWordPart(input[end]) {
				end++
			}
			tokens = append(tokens, token{kind: tokenWord, text: input[i:end], start: i, end: end})
			i = end
		case isDigit(c):
			end := i + 1
			for end < len(input) && (isWordPart(input[end]) || input[end] == '.') {
				end++
			}
			tokens = append(tokens, token{kind: tokenNumber, text: input[i:end], start: i, end: end})
			i = end
		default:
			tokens = append(tokens, token{kind: tokenPunct, text: input[i : i+1], start: i, end: i + 1})
			i++
		}
	}
	return tokens, nil
}

func scanQuoted(input string, start int, quote byte) (string, int, bool) {
	var b strings.Builder
	i := start + 1
	for i < len(input) {
		if input[i] == quote {
			if i+1 < len(input) && input[i+1] == quote {
				b.WriteByte(quote)
				i += 2
				continue
			}
			return b.String(), i + 1, true
		}
		b.WriteByte(input[i])
		i++
	}
	return "", len(input), false
}

// dollarTag recognizes $$ and $tag$ openers. Positional parameters such as $1
// are not tags.
func dollarTag(input string, start int) (string, bool) {
	i := start + 1
	if i < len(input) && isDigit(input[i]) {
		return "", false
	}
	for i < len(input) && (isWordPart(input[i]) && input[i] != '$') {
		i++
	}
	if i < len(input) && input[i] == '$' {
		return input[start : i+1], true
	}
	return "", false
}

func significant(tokens []token) []token {
	out := make([]token, 0, len(tokens))
	for _, tok := range tokens {
		if tok.kind != tokenComment {
			out = append(out, tok)
		}
	}
	return out
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isWordPart(c byte) bool {
	return isWordStart(c) || isDigit(c) || c == '$'
}
