package script

import (
	"fmt"
	"strings"
	"time"

	"github.com/migadu/sieve/interp"
)

const maxNestingDepth = 64

// parser is a recursive-descent parser over the lexer token stream. It
// reports every diagnostic through the interpreter's parse-error callback
// and keeps going where the grammar permits, so one run surfaces as many
// errors as possible.
type parser struct {
	lex   *lexer
	tok   token
	s     *Script
	depth int
	// fatal is set when the token stream itself is broken (unterminated
	// string or comment); recovery is pointless then.
	fatal bool
}

func newParser(src string, s *Script) *parser {
	p := &parser{lex: newLexer(src), s: s}
	p.advance()
	return p
}

func (p *parser) advance() {
	if p.fatal {
		p.tok = token{typ: tokEOF, line: p.lex.line}
		return
	}
	t, err := p.lex.next()
	if err != nil {
		p.s.reportError(p.lex.line, err.Error())
		p.fatal = true
		t = token{typ: tokEOF, line: p.lex.line}
	}
	p.tok = t
}

func (p *parser) errorf(line int, format string, args ...any) {
	p.s.reportError(line, fmt.Sprintf(format, args...))
}

// skipCommand recovers from a bad command by discarding tokens up to and
// including the next semicolon, stopping short of a closing brace so the
// enclosing block can resynchronize.
func (p *parser) skipCommand() {
	for {
		switch p.tok.typ {
		case tokSemicolon:
			p.advance()
			return
		case tokEOF, tokRBrace:
			return
		case tokLBrace:
			p.skipBlock()
		default:
			p.advance()
		}
	}
}

func (p *parser) skipBlock() {
	depth := 0
	for {
		switch p.tok.typ {
		case tokLBrace:
			depth++
		case tokRBrace:
			depth--
			if depth == 0 {
				p.advance()
				return
			}
		case tokEOF:
			return
		}
		p.advance()
	}
}

func (p *parser) expect(typ tokenType) (token, bool) {
	if p.tok.typ != typ {
		p.errorf(p.tok.line, "expected %s, got %s", typ, p.tok.typ)
		return p.tok, false
	}
	t := p.tok
	p.advance()
	return t, true
}

func (p *parser) expectSemicolon(cmd string) bool {
	if p.tok.typ != tokSemicolon {
		p.errorf(p.tok.line, "missing ';' after %s", cmd)
		p.skipCommand()
		return false
	}
	p.advance()
	return true
}

// parseString accepts a single quoted or multiline string.
func (p *parser) parseString() (string, bool) {
	t, ok := p.expect(tokString)
	if !ok {
		return "", false
	}
	return t.text, true
}

// parseStringList accepts either one string or a bracketed list.
func (p *parser) parseStringList() ([]string, bool) {
	if p.tok.typ == tokString {
		s := p.tok.text
		p.advance()
		return []string{s}, true
	}
	if p.tok.typ != tokLBracket {
		p.errorf(p.tok.line, "expected string or string list, got %s", p.tok.typ)
		return nil, false
	}
	p.advance()

	var list []string
	for {
		t, ok := p.expect(tokString)
		if !ok {
			return nil, false
		}
		list = append(list, t.text)
		if p.tok.typ == tokComma {
			p.advance()
			continue
		}
		break
	}
	if _, ok := p.expect(tokRBracket); !ok {
		return nil, false
	}
	return list, true
}

func (p *parser) parseNumber() (int64, bool) {
	t, ok := p.expect(tokNumber)
	if !ok {
		return 0, false
	}
	return t.num, true
}

// requireCapa checks that a command's extension was activated by require.
func (p *parser) requireCapa(line int, capa uint64, name, ext string) bool {
	if p.s.Support&capa == 0 {
		p.errorf(line, "%s MUST be enabled with \"require %s\"", name, ext)
		return false
	}
	return true
}

// run parses the whole script into s.Commands.
func (p *parser) run() {
	p.s.Commands = p.parseCommands()
	if p.tok.typ != tokEOF {
		p.errorf(p.tok.line, "unexpected %s at top level", p.tok.typ)
	}
}

func (p *parser) parseCommands() []Command {
	var cmds []Command
	for p.tok.typ != tokEOF && p.tok.typ != tokRBrace {
		if cmd, ok := p.parseCommand(); ok && cmd != nil {
			cmds = append(cmds, cmd)
		}
	}
	return cmds
}

// parseCommand returns (nil, true) for commands that contribute nothing to
// the tree (require) and (nil, false) after an error.
func (p *parser) parseCommand() (Command, bool) {
	t, ok := p.expect(tokIdent)
	if !ok {
		p.skipCommand()
		return nil, false
	}

	switch t.text {
	case "require":
		return nil, p.parseRequire(t.line)
	case "if":
		return p.parseIf(t.line)
	case "elsif":
		p.errorf(t.line, "elsif without matching if")
		p.skipCommand()
		return nil, false
	case "else":
		p.errorf(t.line, "else without matching if")
		p.skipCommand()
		return nil, false
	case "stop":
		cmd := &StopCmd{baseCommand{t.line}}
		return cmd, p.expectSemicolon("stop")
	case "return":
		if !p.requireCapa(t.line, interp.CapaInclude, "return", "include") {
			p.skipCommand()
			return nil, false
		}
		cmd := &ReturnCmd{baseCommand{t.line}}
		return cmd, p.expectSemicolon("return")
	case "keep":
		cmd := &KeepCmd{baseCommand{t.line}}
		return cmd, p.expectSemicolon("keep")
	case "discard":
		cmd := &DiscardCmd{baseCommand{t.line}}
		return cmd, p.expectSemicolon("discard")
	case "fileinto":
		return p.parseFileInto(t.line)
	case "redirect":
		return p.parseRedirect(t.line)
	case "reject", "ereject":
		return p.parseReject(t.line, t.text == "ereject")
	case "vacation":
		return p.parseVacation(t.line)
	case "setflag", "addflag", "removeflag":
		return p.parseFlagCmd(t.line, strings.TrimSuffix(t.text, "flag"))
	case "mark", "unmark":
		if !p.requireCapa(t.line, interp.CapaImap4Flags, t.text, "imap4flags") {
			p.skipCommand()
			return nil, false
		}
		cmd := &MarkCmd{baseCommand{t.line}, t.text == "unmark"}
		return cmd, p.expectSemicolon(t.text)
	case "notify":
		return p.parseNotify(t.line)
	case "denotify":
		return p.parseDenotify(t.line)
	case "snooze":
		return p.parseSnooze(t.line)
	case "set":
		return p.parseSet(t.line)
	case "include":
		return p.parseInclude(t.line)
	case "global":
		if !p.requireCapa(t.line, interp.CapaInclude, "global", "include") {
			p.skipCommand()
			return nil, false
		}
		names, ok := p.parseStringList()
		if !ok {
			p.skipCommand()
			return nil, false
		}
		cmd := &GlobalCmd{baseCommand{t.line}, names}
		return cmd, p.expectSemicolon("global")
	case "log":
		if !p.requireCapa(t.line, interp.CapaLog, "log", "x-cyrus-log") {
			p.skipCommand()
			return nil, false
		}
		msg, ok := p.parseString()
		if !ok {
			p.skipCommand()
			return nil, false
		}
		cmd := &LogCmd{baseCommand{t.line}, msg}
		return cmd, p.expectSemicolon("log")
	case "addheader":
		return p.parseAddHeader(t.line)
	case "deleteheader":
		return p.parseDeleteHeader(t.line)
	default:
		p.errorf(t.line, "unknown command %s", t.text)
		p.skipCommand()
		return nil, false
	}
}

func (p *parser) parseRequire(line int) bool {
	exts, ok := p.parseStringList()
	if !ok {
		p.skipCommand()
		return false
	}
	allOk := true
	for _, ext := range exts {
		if !p.s.require(ext) {
			p.errorf(line, "Unsupported feature %s", ext)
			allOk = false
		}
	}
	return p.expectSemicolon("require") && allOk
}

func (p *parser) parseIf(line int) (Command, bool) {
	if p.depth >= maxNestingDepth {
		p.errorf(line, "nesting too deep")
		p.skipCommand()
		return nil, false
	}
	p.depth++
	defer func() { p.depth-- }()

	test, ok := p.parseTest()
	if !ok {
		p.skipCommand()
		return nil, false
	}
	then, ok := p.parseBlock()
	if !ok {
		return nil, false
	}

	cmd := &IfCmd{baseCommand{line}, test, then, nil}

	if p.tok.typ == tokIdent {
		switch p.tok.text {
		case "elsif":
			elsifLine := p.tok.line
			p.advance()
			nested, ok := p.parseIf(elsifLine)
			if !ok {
				return nil, false
			}
			cmd.Else = []Command{nested}
		case "else":
			p.advance()
			elseBlock, ok := p.parseBlock()
			if !ok {
				return nil, false
			}
			cmd.Else = elseBlock
		}
	}

	return cmd, true
}

func (p *parser) parseBlock() ([]Command, bool) {
	if _, ok := p.expect(tokLBrace); !ok {
		p.skipCommand()
		return nil, false
	}
	cmds := p.parseCommands()
	if _, ok := p.expect(tokRBrace); !ok {
		return nil, false
	}
	return cmds, true
}

func (p *parser) parseFileInto(line int) (Command, bool) {
	if !p.requireCapa(line, interp.CapaFileinto, "fileinto", "fileinto") {
		p.skipCommand()
		return nil, false
	}

	cmd := &FileIntoCmd{baseCommand: baseCommand{line}}
	for p.tok.typ == tokTag {
		tag := p.tok
		p.advance()
		switch tag.text {
		case "copy":
			if !p.requireCapa(tag.line, interp.CapaCopy, ":copy", "copy") {
				p.skipCommand()
				return nil, false
			}
			cmd.Copy = true
		case "create":
			if !p.requireCapa(tag.line, interp.CapaMailbox, ":create", "mailbox") {
				p.skipCommand()
				return nil, false
			}
			cmd.Create = true
		case "flags":
			if !p.requireCapa(tag.line, interp.CapaImap4Flags, ":flags", "imap4flags") {
				p.skipCommand()
				return nil, false
			}
			flags, ok := p.parseStringList()
			if !ok {
				p.skipCommand()
				return nil, false
			}
			cmd.Flags = flags
			cmd.HasFlags = true
		default:
			p.errorf(tag.line, "unexpected tag :%s in fileinto", tag.text)
			p.skipCommand()
			return nil, false
		}
	}

	mailbox, ok := p.parseString()
	if !ok {
		p.skipCommand()
		return nil, false
	}
	cmd.Mailbox = mailbox
	return cmd, p.expectSemicolon("fileinto")
}

func (p *parser) parseRedirect(line int) (Command, bool) {
	cmd := &RedirectCmd{baseCommand: baseCommand{line}}
	for p.tok.typ == tokTag {
		tag := p.tok
		p.advance()
		switch tag.text {
		case "copy":
			if !p.requireCapa(tag.line, interp.CapaCopy, ":copy", "copy") {
				p.skipCommand()
				return nil, false
			}
			cmd.Copy = true
		case "list":
			if !p.requireCapa(tag.line, interp.CapaExtlists, ":list", "extlists") {
				p.skipCommand()
				return nil, false
			}
			cmd.List = true
		default:
			p.errorf(tag.line, "unexpected tag :%s in redirect", tag.text)
			p.skipCommand()
			return nil, false
		}
	}

	addr, ok := p.parseString()
	if !ok {
		p.skipCommand()
		return nil, false
	}
	cmd.Address = addr
	return cmd, p.expectSemicolon("redirect")
}

func (p *parser) parseReject(line int, ereject bool) (Command, bool) {
	name, ext, capa := "reject", "reject", interp.CapaReject
	if ereject {
		name, ext, capa = "ereject", "ereject", interp.CapaEreject
	}
	if !p.requireCapa(line, capa, name, ext) {
		p.skipCommand()
		return nil, false
	}
	reason, ok := p.parseString()
	if !ok {
		p.skipCommand()
		return nil, false
	}
	cmd := &RejectCmd{baseCommand{line}, reason, ereject}
	return cmd, p.expectSemicolon(name)
}

func (p *parser) parseVacation(line int) (Command, bool) {
	if !p.requireCapa(line, interp.CapaVacation, "vacation", "vacation") {
		p.skipCommand()
		return nil, false
	}

	cmd := &VacationCmd{baseCommand: baseCommand{line}}
	for p.tok.typ == tokTag {
		tag := p.tok
		p.advance()
		switch tag.text {
		case "days":
			n, ok := p.parseNumber()
			if !ok {
				p.skipCommand()
				return nil, false
			}
			cmd.Seconds = int(n) * 86400
		case "seconds":
			n, ok := p.parseNumber()
			if !ok {
				p.skipCommand()
				return nil, false
			}
			cmd.Seconds = int(n)
		case "subject":
			s, ok := p.parseString()
			if !ok {
				p.skipCommand()
				return nil, false
			}
			cmd.Subject = s
		case "from":
			s, ok := p.parseString()
			if !ok {
				p.skipCommand()
				return nil, false
			}
			cmd.From = s
		case "handle":
			s, ok := p.parseString()
			if !ok {
				p.skipCommand()
				return nil, false
			}
			cmd.Handle = s
		case "addresses":
			list, ok := p.parseStringList()
			if !ok {
				p.skipCommand()
				return nil, false
			}
			cmd.Addresses = list
		case "mime":
			cmd.Mime = true
		default:
			p.errorf(tag.line, "unexpected tag :%s in vacation", tag.text)
			p.skipCommand()
			return nil, false
		}
	}

	msg, ok := p.parseString()
	if !ok {
		p.skipCommand()
		return nil, false
	}
	cmd.Message = msg

	// Clamp the response interval to the interpreter's policy.
	if v := p.s.interp.Vacation(); v != nil {
		min := int(v.MinResponse / time.Second)
		max := int(v.MaxResponse / time.Second)
		if cmd.Seconds == 0 {
			cmd.Seconds = min
		}
		if cmd.Seconds < min {
			cmd.Seconds = min
		}
		if max > 0 && cmd.Seconds > max {
			cmd.Seconds = max
		}
	}

	return cmd, p.expectSemicolon("vacation")
}

func (p *parser) parseFlagCmd(line int, op string) (Command, bool) {
	if !p.requireCapa(line, interp.CapaImap4Flags, op+"flag", "imap4flags") {
		p.skipCommand()
		return nil, false
	}
	flags, ok := p.parseStringList()
	if !ok {
		p.skipCommand()
		return nil, false
	}
	cmd := &FlagCmd{baseCommand{line}, op, flags}
	return cmd, p.expectSemicolon(op + "flag")
}

func (p *parser) parseNotify(line int) (Command, bool) {
	if !p.requireCapa(line, interp.CapaEnotify, "notify", "enotify") {
		p.skipCommand()
		return nil, false
	}

	cmd := &NotifyCmd{baseCommand: baseCommand{line}, Priority: "normal"}
	for p.tok.typ == tokTag {
		tag := p.tok
		p.advance()
		switch tag.text {
		case "method":
			s, ok := p.parseString()
			if !ok {
				p.skipCommand()
				return nil, false
			}
			cmd.Method = s
		case "from":
			s, ok := p.parseString()
			if !ok {
				p.skipCommand()
				return nil, false
			}
			cmd.From = s
		case "options":
			list, ok := p.parseStringList()
			if !ok {
				p.skipCommand()
				return nil, false
			}
			cmd.Options = list
		case "priority", "importance":
			s, ok := p.parseString()
			if !ok {
				p.skipCommand()
				return nil, false
			}
			cmd.Priority = s
		case "low", "normal", "high":
			cmd.Priority = tag.text
		case "message":
			s, ok := p.parseString()
			if !ok {
				p.skipCommand()
				return nil, false
			}
			cmd.Message = s
		default:
			p.errorf(tag.line, "unexpected tag :%s in notify", tag.text)
			p.skipCommand()
			return nil, false
		}
	}

	// RFC 5435 style: the method may also appear as a positional URI.
	if p.tok.typ == tokString {
		cmd.Method = p.tok.text
		p.advance()
	}
	if cmd.Method == "" {
		cmd.Method = "default"
	}

	return cmd, p.expectSemicolon("notify")
}

func (p *parser) parseDenotify(line int) (Command, bool) {
	if !p.requireCapa(line, interp.CapaEnotify, "denotify", "enotify") {
		p.skipCommand()
		return nil, false
	}

	cmd := &DenotifyCmd{baseCommand: baseCommand{line}}
	for p.tok.typ == tokTag {
		tag := p.tok
		p.advance()
		switch tag.text {
		case "is", "contains", "matches":
			cmd.MatchType = matchTypeFromTag(tag.text)
			cmd.HasMatch = true
			pat, ok := p.parseString()
			if !ok {
				p.skipCommand()
				return nil, false
			}
			cmd.Pattern = pat
		case "method":
			s, ok := p.parseString()
			if !ok {
				p.skipCommand()
				return nil, false
			}
			cmd.Method = s
		case "low", "normal", "high":
			cmd.Priority = tag.text
		default:
			p.errorf(tag.line, "unexpected tag :%s in denotify", tag.text)
			p.skipCommand()
			return nil, false
		}
	}

	return cmd, p.expectSemicolon("denotify")
}

func (p *parser) parseSnooze(line int) (Command, bool) {
	if !p.requireCapa(line, interp.CapaSnooze, "snooze", "snooze") {
		p.skipCommand()
		return nil, false
	}

	cmd := &SnoozeCmd{baseCommand: baseCommand{line}}
	for p.tok.typ == tokTag {
		tag := p.tok
		p.advance()
		switch tag.text {
		case "mailbox":
			s, ok := p.parseString()
			if !ok {
				p.skipCommand()
				return nil, false
			}
			cmd.Mailbox = s
		case "addflags":
			if !p.requireCapa(tag.line, interp.CapaImap4Flags, ":addflags", "imap4flags") {
				p.skipCommand()
				return nil, false
			}
			list, ok := p.parseStringList()
			if !ok {
				p.skipCommand()
				return nil, false
			}
			cmd.AddFlags = list
		case "weekdays":
			list, ok := p.parseStringList()
			if !ok {
				p.skipCommand()
				return nil, false
			}
			cmd.Weekdays = list
		default:
			p.errorf(tag.line, "unexpected tag :%s in snooze", tag.text)
			p.skipCommand()
			return nil, false
		}
	}

	times, ok := p.parseStringList()
	if !ok {
		p.skipCommand()
		return nil, false
	}
	cmd.Times = times
	return cmd, p.expectSemicolon("snooze")
}

func (p *parser) parseSet(line int) (Command, bool) {
	if !p.requireCapa(line, interp.CapaVariables, "set", "variables") {
		p.skipCommand()
		return nil, false
	}

	cmd := &SetCmd{baseCommand: baseCommand{line}}
	for p.tok.typ == tokTag {
		tag := p.tok
		p.advance()
		switch tag.text {
		case "lower":
			cmd.Modifiers |= ModLower
		case "upper":
			cmd.Modifiers |= ModUpper
		case "lowerfirst":
			cmd.Modifiers |= ModLowerFirst
		case "upperfirst":
			cmd.Modifiers |= ModUpperFirst
		case "quotewildcard":
			cmd.Modifiers |= ModQuoteWildcard
		case "length":
			cmd.Modifiers |= ModLength
		default:
			p.errorf(tag.line, "unexpected tag :%s in set", tag.text)
			p.skipCommand()
			return nil, false
		}
	}

	name, ok := p.parseString()
	if !ok {
		p.skipCommand()
		return nil, false
	}
	if !validVariableName(name) {
		p.errorf(line, "invalid variable name %s", name)
		p.skipCommand()
		return nil, false
	}
	value, ok := p.parseString()
	if !ok {
		p.skipCommand()
		return nil, false
	}
	cmd.Name = strings.ToLower(name)
	cmd.Value = value
	return cmd, p.expectSemicolon("set")
}

func (p *parser) parseInclude(line int) (Command, bool) {
	if !p.requireCapa(line, interp.CapaInclude, "include", "include") {
		p.skipCommand()
		return nil, false
	}

	cmd := &IncludeCmd{baseCommand: baseCommand{line}, Personal: true}
	for p.tok.typ == tokTag {
		tag := p.tok
		p.advance()
		switch tag.text {
		case "personal":
			cmd.Personal = true
		case "global":
			cmd.Personal = false
		case "once":
			cmd.Once = true
		case "optional":
			cmd.Optional = true
		default:
			p.errorf(tag.line, "unexpected tag :%s in include", tag.text)
			p.skipCommand()
			return nil, false
		}
	}

	name, ok := p.parseString()
	if !ok {
		p.skipCommand()
		return nil, false
	}
	cmd.Script = name
	return cmd, p.expectSemicolon("include")
}

func (p *parser) parseAddHeader(line int) (Command, bool) {
	if !p.requireCapa(line, interp.CapaEditheader, "addheader", "editheader") {
		p.skipCommand()
		return nil, false
	}

	cmd := &AddHeaderCmd{baseCommand: baseCommand{line}}
	for p.tok.typ == tokTag {
		tag := p.tok
		p.advance()
		if tag.text != "last" {
			p.errorf(tag.line, "unexpected tag :%s in addheader", tag.text)
			p.skipCommand()
			return nil, false
		}
		cmd.Last = true
	}

	name, ok := p.parseString()
	if !ok {
		p.skipCommand()
		return nil, false
	}
	value, ok := p.parseString()
	if !ok {
		p.skipCommand()
		return nil, false
	}
	cmd.Name = name
	cmd.Value = value
	return cmd, p.expectSemicolon("addheader")
}

func (p *parser) parseDeleteHeader(line int) (Command, bool) {
	if !p.requireCapa(line, interp.CapaEditheader, "deleteheader", "editheader") {
		p.skipCommand()
		return nil, false
	}

	cmd := &DeleteHeaderCmd{baseCommand: baseCommand{line}}
	for p.tok.typ == tokTag {
		tag := p.tok
		p.advance()
		switch tag.text {
		case "index":
			n, ok := p.parseNumber()
			if !ok {
				p.skipCommand()
				return nil, false
			}
			cmd.Index = int(n)
		case "last":
			cmd.Last = true
		default:
			p.errorf(tag.line, "unexpected tag :%s in deleteheader", tag.text)
			p.skipCommand()
			return nil, false
		}
	}

	name, ok := p.parseString()
	if !ok {
		p.skipCommand()
		return nil, false
	}
	cmd.Name = name

	// Optional value patterns.
	if p.tok.typ == tokString || p.tok.typ == tokLBracket {
		patterns, ok := p.parseStringList()
		if !ok {
			p.skipCommand()
			return nil, false
		}
		cmd.Patterns = patterns
	}
	return cmd, p.expectSemicolon("deleteheader")
}

func matchTypeFromTag(tag string) int {
	switch tag {
	case "contains":
		return MatchContains
	case "matches":
		return MatchMatches
	case "regex":
		return MatchRegex
	default:
		return MatchIs
	}
}

func relationFromString(s string) (int, bool) {
	switch s {
	case "gt":
		return RelGT, true
	case "ge":
		return RelGE, true
	case "lt":
		return RelLT, true
	case "le":
		return RelLE, true
	case "eq":
		return RelEQ, true
	case "ne":
		return RelNE, true
	}
	return 0, false
}

func comparatorFromString(s string) (int, bool) {
	switch s {
	case "i;ascii-casemap":
		return CompASCIICasemap, true
	case "i;octet":
		return CompOctet, true
	case "i;ascii-numeric":
		return CompASCIINumeric, true
	}
	return 0, false
}

func validVariableName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// matchSpec accumulates the tags common to header-style tests.
type matchSpec struct {
	matchType  int
	relation   int
	comparator int
}

// parseMatchTags consumes match-type and comparator tags shared by the
// header, address, envelope, string and environment tests. Returns false
// after reporting an error.
func (p *parser) parseMatchTags(spec *matchSpec, addressPart *int) bool {
	for p.tok.typ == tokTag {
		tag := p.tok
		switch tag.text {
		case "is", "contains", "matches":
			p.advance()
			spec.matchType = matchTypeFromTag(tag.text)
		case "regex":
			p.advance()
			if !p.requireCapa(tag.line, interp.CapaRegex, ":regex", "regex") {
				return false
			}
			spec.matchType = MatchRegex
		case "value", "count":
			p.advance()
			if !p.requireCapa(tag.line, interp.CapaRelational, ":"+tag.text, "relational") {
				return false
			}
			relStr, ok := p.parseString()
			if !ok {
				return false
			}
			rel, ok := relationFromString(relStr)
			if !ok {
				p.errorf(tag.line, "invalid relation %s", relStr)
				return false
			}
			if tag.text == "count" {
				spec.matchType = MatchCount
			} else {
				spec.matchType = MatchValue
			}
			spec.relation = rel
		case "comparator":
			p.advance()
			compStr, ok := p.parseString()
			if !ok {
				return false
			}
			comp, ok := comparatorFromString(compStr)
			if !ok {
				p.errorf(tag.line, "unknown comparator %s", compStr)
				return false
			}
			spec.comparator = comp
		case "all", "localpart", "domain":
			if addressPart == nil {
				p.errorf(tag.line, "unexpected tag :%s", tag.text)
				return false
			}
			p.advance()
			switch tag.text {
			case "localpart":
				*addressPart = AddressLocalpart
			case "domain":
				*addressPart = AddressDomain
			default:
				*addressPart = AddressAll
			}
		default:
			p.errorf(tag.line, "unexpected tag :%s", tag.text)
			return false
		}
	}
	return true
}

func (p *parser) parseTest() (Test, bool) {
	if p.depth >= maxNestingDepth {
		p.errorf(p.tok.line, "nesting too deep")
		return nil, false
	}

	t, ok := p.expect(tokIdent)
	if !ok {
		return nil, false
	}

	switch t.text {
	case "true":
		return &TrueTest{baseTest{t.line}}, true
	case "false":
		return &FalseTest{baseTest{t.line}}, true
	case "not":
		p.depth++
		inner, ok := p.parseTest()
		p.depth--
		if !ok {
			return nil, false
		}
		return &NotTest{baseTest{t.line}, inner}, true
	case "allof", "anyof":
		return p.parseTestList(t.line, t.text == "anyof")
	case "exists":
		headers, ok := p.parseStringList()
		if !ok {
			return nil, false
		}
		return &ExistsTest{baseTest{t.line}, headers}, true
	case "header":
		spec := matchSpec{}
		if !p.parseMatchTags(&spec, nil) {
			return nil, false
		}
		headers, ok := p.parseStringList()
		if !ok {
			return nil, false
		}
		patterns, ok := p.parseStringList()
		if !ok {
			return nil, false
		}
		return &HeaderTest{baseTest{t.line}, spec.matchType, spec.relation, spec.comparator, headers, patterns}, true
	case "address", "envelope":
		envelope := t.text == "envelope"
		if envelope && !p.requireCapa(t.line, interp.CapaEnvelope, "envelope", "envelope") {
			return nil, false
		}
		spec := matchSpec{}
		part := AddressAll
		if !p.parseMatchTags(&spec, &part) {
			return nil, false
		}
		headers, ok := p.parseStringList()
		if !ok {
			return nil, false
		}
		patterns, ok := p.parseStringList()
		if !ok {
			return nil, false
		}
		return &AddressTest{baseTest{t.line}, envelope, spec.matchType, spec.relation, spec.comparator, part, headers, patterns}, true
	case "size":
		var over bool
		switch {
		case p.tok.typ == tokTag && p.tok.text == "over":
			over = true
			p.advance()
		case p.tok.typ == tokTag && p.tok.text == "under":
			p.advance()
		default:
			p.errorf(t.line, "size requires :over or :under")
			return nil, false
		}
		n, ok := p.parseNumber()
		if !ok {
			return nil, false
		}
		return &SizeTest{baseTest{t.line}, over, n}, true
	case "string":
		if !p.requireCapa(t.line, interp.CapaVariables, "string", "variables") {
			return nil, false
		}
		spec := matchSpec{}
		if !p.parseMatchTags(&spec, nil) {
			return nil, false
		}
		sources, ok := p.parseStringList()
		if !ok {
			return nil, false
		}
		patterns, ok := p.parseStringList()
		if !ok {
			return nil, false
		}
		return &StringTest{baseTest{t.line}, spec.matchType, spec.relation, spec.comparator, sources, patterns}, true
	case "environment":
		if !p.requireCapa(t.line, interp.CapaEnvironment, "environment", "environment") {
			return nil, false
		}
		spec := matchSpec{}
		if !p.parseMatchTags(&spec, nil) {
			return nil, false
		}
		name, ok := p.parseString()
		if !ok {
			return nil, false
		}
		patterns, ok := p.parseStringList()
		if !ok {
			return nil, false
		}
		return &EnvironmentTest{baseTest{t.line}, spec.matchType, spec.relation, spec.comparator, name, patterns}, true
	case "mailboxexists":
		if !p.requireCapa(t.line, interp.CapaMailbox, "mailboxexists", "mailbox") {
			return nil, false
		}
		mailboxes, ok := p.parseStringList()
		if !ok {
			return nil, false
		}
		return &MailboxExistsTest{baseTest{t.line}, mailboxes}, true
	case "duplicate":
		return p.parseDuplicate(t.line)
	default:
		p.errorf(t.line, "unknown test %s", t.text)
		return nil, false
	}
}

func (p *parser) parseTestList(line int, any bool) (Test, bool) {
	if _, ok := p.expect(tokLParen); !ok {
		return nil, false
	}
	p.depth++
	defer func() { p.depth-- }()

	var tests []Test
	for {
		test, ok := p.parseTest()
		if !ok {
			return nil, false
		}
		tests = append(tests, test)
		if p.tok.typ == tokComma {
			p.advance()
			continue
		}
		break
	}
	if _, ok := p.expect(tokRParen); !ok {
		return nil, false
	}
	return &AllOfTest{baseTest{line}, any, tests}, true
}

func (p *parser) parseDuplicate(line int) (Test, bool) {
	if !p.requireCapa(line, interp.CapaDuplicate, "duplicate", "duplicate") {
		return nil, false
	}

	test := &DuplicateTest{baseTest: baseTest{line}}
	for p.tok.typ == tokTag {
		tag := p.tok
		p.advance()
		switch tag.text {
		case "header":
			s, ok := p.parseString()
			if !ok {
				return nil, false
			}
			test.IDType = DupIDHeader
			test.IDValue = s
		case "uniqueid":
			s, ok := p.parseString()
			if !ok {
				return nil, false
			}
			test.IDType = DupIDUniqueID
			test.IDValue = s
		case "seconds":
			n, ok := p.parseNumber()
			if !ok {
				return nil, false
			}
			test.Seconds = int(n)
		case "last":
			test.Last = true
		default:
			p.errorf(tag.line, "unexpected tag :%s in duplicate", tag.text)
			return nil, false
		}
	}

	// Clamp the window to the tracker's policy; default to its maximum.
	if d := p.s.interp.Duplicate(); d != nil {
		max := int(d.MaxExpiration / time.Second)
		if test.Seconds == 0 || (max > 0 && test.Seconds > max) {
			test.Seconds = max
		}
	}

	return test, true
}
