package execute

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/migadu/sieve/helpers"
	"github.com/migadu/sieve/script"
)

// state is the mutable run state of one evaluation: named variables, the
// numbered match variables and the implicit flag list the imap4flags
// commands operate on. One state spans the whole run, includes and all.
type state struct {
	vars      map[string]string
	matchVars []string
	flags     []string
}

func newState() *state {
	return &state{vars: make(map[string]string)}
}

func (st *state) setMatchVars(captures []string) {
	st.matchVars = captures
}

func (st *state) lookup(name string) string {
	if n, err := strconv.Atoi(name); err == nil {
		if n >= 0 && n < len(st.matchVars) {
			return st.matchVars[n]
		}
		return ""
	}
	return st.vars[strings.ToLower(name)]
}

func (st *state) set(name, value string) {
	st.vars[strings.ToLower(name)] = value
}

// setFlags replaces, extends or prunes the implicit flag list.
func (st *state) setFlags(op string, flags []string) {
	switch op {
	case "set":
		st.flags = helpers.NormalizeFlagList(flags)
	case "add":
		st.flags = helpers.NormalizeFlagList(append(append([]string(nil), st.flags...), flags...))
	case "remove":
		remove := make(map[string]bool, len(flags))
		for _, f := range flags {
			remove[helpers.CanonicalFlag(f)] = true
		}
		var kept []string
		for _, f := range st.flags {
			if !remove[f] {
				kept = append(kept, f)
			}
		}
		st.flags = kept
	}
}

func (st *state) flagsCopy() []string {
	return append([]string(nil), st.flags...)
}

// expand substitutes ${name} references. When the variables extension is
// not active the text passes through untouched, per RFC 5229: a script
// that never required variables keeps its dollar signs.
func expand(s string, st *state, active bool) string {
	if !active || !strings.Contains(s, "${") {
		return s
	}

	var sb strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			sb.WriteString(s)
			return sb.String()
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			sb.WriteString(s)
			return sb.String()
		}
		name := s[i+2 : i+j]
		sb.WriteString(s[:i])
		if validVariableRef(name) {
			sb.WriteString(st.lookup(name))
		} else {
			// Not a variable-ref; the text stays literal.
			sb.WriteString(s[i : i+j+1])
		}
		s = s[i+j+1:]
	}
}

// validVariableRef accepts an identifier or a numbered match variable.
func validVariableRef(name string) bool {
	if name == "" {
		return false
	}
	if _, err := strconv.Atoi(name); err == nil {
		return true
	}
	for i, r := range name {
		switch {
		case unicode.IsLetter(r) || r == '_':
		case unicode.IsDigit(r) && i > 0:
		default:
			return false
		}
	}
	return true
}

// applyModifiers applies set-command modifiers in RFC 5229 precedence
// order: case first, then quoting, length last.
func applyModifiers(value string, mods uint8) string {
	if mods&script.ModLower != 0 {
		value = strings.ToLower(value)
	}
	if mods&script.ModUpper != 0 {
		value = strings.ToUpper(value)
	}
	if mods&script.ModLowerFirst != 0 && value != "" {
		value = strings.ToLower(value[:1]) + value[1:]
	}
	if mods&script.ModUpperFirst != 0 && value != "" {
		value = strings.ToUpper(value[:1]) + value[1:]
	}
	if mods&script.ModQuoteWildcard != 0 {
		var sb strings.Builder
		for i := 0; i < len(value); i++ {
			if c := value[i]; c == '*' || c == '?' || c == '\\' {
				sb.WriteByte('\\')
			}
			sb.WriteByte(value[i])
		}
		value = sb.String()
	}
	if mods&script.ModLength != 0 {
		value = strconv.Itoa(len(value))
	}
	return value
}
