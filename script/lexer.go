package script

import (
	"fmt"
	"strings"
)

type tokenType int

const (
	tokEOF tokenType = iota
	tokIdent
	tokTag    // :contains, :copy, ...
	tokString // quoted or multiline text:
	tokNumber // with optional K/M/G suffix
	tokLBrace
	tokRBrace
	tokLBracket
	tokRBracket
	tokLParen
	tokRParen
	tokComma
	tokSemicolon
)

func (t tokenType) String() string {
	switch t {
	case tokEOF:
		return "end of script"
	case tokIdent:
		return "identifier"
	case tokTag:
		return "tag"
	case tokString:
		return "string"
	case tokNumber:
		return "number"
	case tokLBrace:
		return "'{'"
	case tokRBrace:
		return "'}'"
	case tokLBracket:
		return "'['"
	case tokRBracket:
		return "']'"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	case tokComma:
		return "','"
	case tokSemicolon:
		return "';'"
	}
	return "unknown token"
}

type token struct {
	typ  tokenType
	text string // identifier/tag name or string/number content
	num  int64
	line int
}

// lexer tokenizes Sieve source. It is line-oriented only in that every
// token remembers the line it started on; diagnostics hang off that.
type lexer struct {
	src  string
	pos  int
	line int
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1}
}

func (l *lexer) errorf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}

func (l *lexer) peek() byte {
	if l.pos >= len(l.src) {
		return 0
	}
	return l.src[l.pos]
}

func (l *lexer) advance() byte {
	c := l.src[l.pos]
	l.pos++
	if c == '\n' {
		l.line++
	}
	return c
}

// skipSpace consumes whitespace, hash comments and bracketed comments.
func (l *lexer) skipSpace() error {
	for l.pos < len(l.src) {
		c := l.peek()
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			l.advance()
		case c == '#':
			for l.pos < len(l.src) && l.peek() != '\n' {
				l.advance()
			}
		case c == '/' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '*':
			startLine := l.line
			l.advance()
			l.advance()
			closed := false
			for l.pos+1 < len(l.src) {
				if l.peek() == '*' && l.src[l.pos+1] == '/' {
					l.advance()
					l.advance()
					closed = true
					break
				}
				l.advance()
			}
			if !closed {
				return l.errorf("line %d: unterminated bracketed comment", startLine)
			}
		default:
			return nil
		}
	}
	return nil
}

func isIdentChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' || c == '_' || c == '.' || c == '-'
}

// next returns the next token. Identifiers are lowercased; Sieve keywords
// are case-insensitive.
func (l *lexer) next() (token, error) {
	if err := l.skipSpace(); err != nil {
		return token{typ: tokEOF, line: l.line}, err
	}
	if l.pos >= len(l.src) {
		return token{typ: tokEOF, line: l.line}, nil
	}

	line := l.line
	c := l.peek()

	switch c {
	case '{':
		l.advance()
		return token{typ: tokLBrace, line: line}, nil
	case '}':
		l.advance()
		return token{typ: tokRBrace, line: line}, nil
	case '[':
		l.advance()
		return token{typ: tokLBracket, line: line}, nil
	case ']':
		l.advance()
		return token{typ: tokRBracket, line: line}, nil
	case '(':
		l.advance()
		return token{typ: tokLParen, line: line}, nil
	case ')':
		l.advance()
		return token{typ: tokRParen, line: line}, nil
	case ',':
		l.advance()
		return token{typ: tokComma, line: line}, nil
	case ';':
		l.advance()
		return token{typ: tokSemicolon, line: line}, nil
	case '"':
		return l.lexQuotedString()
	case ':':
		l.advance()
		start := l.pos
		for l.pos < len(l.src) && isIdentChar(l.peek()) {
			l.advance()
		}
		if l.pos == start {
			return token{}, l.errorf("line %d: empty tag", line)
		}
		return token{typ: tokTag, text: strings.ToLower(l.src[start:l.pos]), line: line}, nil
	}

	if c >= '0' && c <= '9' {
		return l.lexNumber()
	}

	if isIdentChar(c) {
		start := l.pos
		for l.pos < len(l.src) && isIdentChar(l.peek()) {
			l.advance()
		}
		word := strings.ToLower(l.src[start:l.pos])
		if word == "text" && l.peek() == ':' {
			l.advance()
			return l.lexMultilineText(line)
		}
		return token{typ: tokIdent, text: word, line: line}, nil
	}

	return token{}, l.errorf("line %d: unexpected character %q", line, string(c))
}

func (l *lexer) lexQuotedString() (token, error) {
	line := l.line
	l.advance() // opening quote
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.advance()
		switch c {
		case '"':
			return token{typ: tokString, text: sb.String(), line: line}, nil
		case '\\':
			if l.pos >= len(l.src) {
				return token{}, l.errorf("line %d: unterminated string", line)
			}
			// RFC 5228: backslash quotes any character; only \\ and \"
			// are meaningful.
			sb.WriteByte(l.advance())
		default:
			sb.WriteByte(c)
		}
	}
	return token{}, l.errorf("line %d: unterminated string", line)
}

func (l *lexer) lexNumber() (token, error) {
	line := l.line
	var n int64
	for l.pos < len(l.src) && l.peek() >= '0' && l.peek() <= '9' {
		n = n*10 + int64(l.advance()-'0')
	}
	switch l.peek() {
	case 'K', 'k':
		n <<= 10
		l.advance()
	case 'M', 'm':
		n <<= 20
		l.advance()
	case 'G', 'g':
		n <<= 30
		l.advance()
	}
	return token{typ: tokNumber, num: n, line: line}, nil
}

// lexMultilineText handles the "text:" literal form. The content runs to a
// line containing a single dot; dot-stuffed lines are unstuffed.
func (l *lexer) lexMultilineText(line int) (token, error) {
	// Skip the rest of the text: line (optional whitespace and comment).
	for l.pos < len(l.src) && l.peek() != '\n' {
		c := l.advance()
		if c != ' ' && c != '\t' && c != '\r' && c != '#' {
			return token{}, l.errorf("line %d: invalid character after text:", line)
		}
		if c == '#' {
			for l.pos < len(l.src) && l.peek() != '\n' {
				l.advance()
			}
		}
	}
	if l.pos < len(l.src) {
		l.advance() // newline
	}

	var sb strings.Builder
	for l.pos < len(l.src) {
		lineStart := l.pos
		for l.pos < len(l.src) && l.peek() != '\n' {
			l.advance()
		}
		raw := l.src[lineStart:l.pos]
		if l.pos < len(l.src) {
			l.advance()
		}

		trimmed := strings.TrimSuffix(raw, "\r")
		if trimmed == "." {
			return token{typ: tokString, text: sb.String(), line: line}, nil
		}
		if strings.HasPrefix(trimmed, "..") {
			trimmed = trimmed[1:]
		}
		sb.WriteString(trimmed)
		sb.WriteString("\n")
	}
	return token{}, l.errorf("line %d: unterminated text literal", line)
}
