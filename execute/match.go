package execute

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/migadu/sieve/script"
)

// matchResult carries the outcome of one value/pattern comparison plus
// the wildcard captures a successful :matches or :regex produced.
type matchResult struct {
	matched  bool
	captures []string // [0] is the whole value
}

// compare applies one pattern to one value under the given match type,
// relation and comparator.
func compare(value, pattern string, matchType, relation, comparator int) (matchResult, error) {
	switch matchType {
	case script.MatchIs:
		return matchResult{matched: compareEqual(value, pattern, comparator)}, nil
	case script.MatchContains:
		if comparator == script.CompASCIICasemap {
			return matchResult{matched: strings.Contains(strings.ToLower(value), strings.ToLower(pattern))}, nil
		}
		return matchResult{matched: strings.Contains(value, pattern)}, nil
	case script.MatchMatches:
		return matchWildcard(value, pattern, comparator)
	case script.MatchRegex:
		return matchRegex(value, pattern, comparator)
	case script.MatchValue:
		return matchResult{matched: compareRelational(value, pattern, relation, comparator)}, nil
	default:
		return matchResult{}, fmt.Errorf("unsupported match type %d", matchType)
	}
}

func compareEqual(value, pattern string, comparator int) bool {
	switch comparator {
	case script.CompASCIINumeric:
		return numericValue(value) == numericValue(pattern)
	case script.CompOctet:
		return value == pattern
	default:
		return strings.EqualFold(value, pattern)
	}
}

func compareRelational(value, pattern string, relation, comparator int) bool {
	var cmp int
	switch comparator {
	case script.CompASCIINumeric:
		v, p := numericValue(value), numericValue(pattern)
		switch {
		case v < p:
			cmp = -1
		case v > p:
			cmp = 1
		}
	case script.CompOctet:
		cmp = strings.Compare(value, pattern)
	default:
		cmp = strings.Compare(strings.ToLower(value), strings.ToLower(pattern))
	}

	switch relation {
	case script.RelGT:
		return cmp > 0
	case script.RelGE:
		return cmp >= 0
	case script.RelLT:
		return cmp < 0
	case script.RelLE:
		return cmp <= 0
	case script.RelEQ:
		return cmp == 0
	case script.RelNE:
		return cmp != 0
	}
	return false
}

// numericValue implements i;ascii-numeric: the value of the leading digit
// run, with non-numeric strings comparing greater than any number.
func numericValue(s string) uint64 {
	const infinity = ^uint64(0)
	i := 0
	var n uint64
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		n = n*10 + uint64(s[i]-'0')
		i++
	}
	if i == 0 {
		return infinity
	}
	return n
}

// matchWildcard compiles a Sieve glob (* and ?, backslash escapes) into a
// capturing regexp. Captures become the ${n} match variables.
func matchWildcard(value, pattern string, comparator int) (matchResult, error) {
	var sb strings.Builder
	if comparator != script.CompOctet {
		sb.WriteString("(?i)")
	}
	sb.WriteString(`\A`)
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			sb.WriteString(`((?s).*)`)
		case '?':
			sb.WriteString(`((?s).)`)
		case '\\':
			if i+1 < len(pattern) {
				i++
				sb.WriteString(regexp.QuoteMeta(string(pattern[i])))
			}
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString(`\z`)

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return matchResult{}, fmt.Errorf("bad wildcard pattern %q: %w", pattern, err)
	}
	groups := re.FindStringSubmatch(value)
	if groups == nil {
		return matchResult{}, nil
	}
	return matchResult{matched: true, captures: groups}, nil
}

func matchRegex(value, pattern string, comparator int) (matchResult, error) {
	if comparator != script.CompOctet {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return matchResult{}, fmt.Errorf("bad regex %q: %w", pattern, err)
	}
	groups := re.FindStringSubmatch(value)
	if groups == nil {
		return matchResult{}, nil
	}
	return matchResult{matched: true, captures: groups}, nil
}

// matchValues applies the full pattern list to the value list, handling
// :count by comparing the number of values. A successful match stores its
// captures in the state's match variables.
func matchValues(st *state, values, patterns []string, matchType, relation, comparator int) (bool, error) {
	if matchType == script.MatchCount {
		count := fmt.Sprintf("%d", len(values))
		for _, pat := range patterns {
			if compareRelational(count, pat, relation, script.CompASCIINumeric) {
				return true, nil
			}
		}
		return false, nil
	}

	for _, value := range values {
		for _, pat := range patterns {
			res, err := compare(value, pat, matchType, relation, comparator)
			if err != nil {
				return false, err
			}
			if res.matched {
				if res.captures != nil {
					st.setMatchVars(res.captures)
				}
				return true, nil
			}
		}
	}
	return false, nil
}
