// Package script is the Sieve frontend: it parses source into a command
// tree validated against an interpreter's capability table. The compiled
// form lives in the bytecode package; this one only knows text.
package script

import (
	"bytes"
	"fmt"
	"io"

	"github.com/migadu/sieve/consts"
	"github.com/migadu/sieve/interp"
	"github.com/migadu/sieve/pkg/metrics"
)

// Script is a parsed Sieve script bound to the interpreter it was parsed
// against. Support carries the capability mask its require directives
// activated; the bytecode generator embeds it so the engine can refuse a
// blob compiled for capabilities it lacks.
type Script struct {
	interp        *interp.Interp
	scriptContext any

	Support  uint64
	Commands []Command

	errCount int
}

// Interp returns the capability table the script was parsed against.
func (s *Script) Interp() *interp.Interp { return s.interp }

// Context returns the caller's script context.
func (s *Script) Context() any { return s.scriptContext }

// ErrorCount reports how many parse diagnostics were raised.
func (s *Script) ErrorCount() int { return s.errCount }

// Free releases the script. A parsed script holds no external resources,
// so this only guards against reuse; callers that cache scripts by name
// pair every Parse with a Free.
func (s *Script) Free() {
	if s == nil {
		return
	}
	s.Commands = nil
	s.interp = nil
}

// reportError funnels a diagnostic through the interpreter's parse-error
// callback and counts it. The callback's own failure is deliberately
// ignored; the count is what decides the parse outcome.
func (s *Script) reportError(lineno int, msg string) {
	s.errCount++
	if cb := s.interp.ParseError(); cb != nil {
		_ = cb(lineno, msg, s.interp.InterpContext, s.scriptContext)
	}
}

// require activates one extension, returning false when the interpreter
// cannot serve it.
func (s *Script) require(ext string) bool {
	bit := s.interp.ExtensionIsActive(ext)
	if bit == 0 {
		return false
	}
	s.Support |= bit
	return true
}

// Parse reads Sieve source and parses it against the given interpreter.
// Diagnostics go through the interpreter's parse-error callback with the
// provided script context; any diagnostic makes the whole parse fail with
// consts.ErrParse.
func Parse(r io.Reader, ip *interp.Interp, scriptContext any) (*Script, error) {
	if err := ip.Verify(); err != nil {
		return nil, err
	}

	src, err := io.ReadAll(r)
	if err != nil {
		metrics.ScriptParses.WithLabelValues("fail").Inc()
		return nil, fmt.Errorf("reading script: %w", err)
	}

	s := &Script{
		interp:        ip,
		scriptContext: scriptContext,
		Support:       interp.CapaBase,
	}

	p := newParser(string(src), s)
	p.run()

	if s.errCount > 0 {
		metrics.ScriptParses.WithLabelValues("fail").Inc()
		metrics.ScriptParseErrors.Add(float64(s.errCount))
		s.Free()
		return nil, consts.ErrParse
	}

	metrics.ScriptParses.WithLabelValues("ok").Inc()
	return s, nil
}

// ParseString parses source held in memory. A nil interpreter selects the
// non-executing one, which accepts every extension. On parse failure the
// collected diagnostics are returned as one string, a "line N: msg" entry
// per line.
func ParseString(ip *interp.Interp, source string) (*Script, string, error) {
	if ip == nil {
		ip = interp.NewNonexecInterp()
	}

	var buf bytes.Buffer
	s, err := Parse(bytes.NewReader([]byte(source)), ip, &buf)
	if err != nil {
		return nil, buf.String(), err
	}
	return s, "", nil
}

// ParseOnly validates source without building an executable interpreter.
// The returned error string is prefixed with a "script errors:" banner,
// matching what a managesieve frontend reports to clients.
func ParseOnly(r io.Reader) (*Script, string, error) {
	var buf bytes.Buffer
	buf.WriteString("script errors:\r\n")

	s, err := Parse(r, interp.NewNonexecInterp(), &buf)
	if err != nil {
		return nil, buf.String(), err
	}
	return s, "", nil
}
