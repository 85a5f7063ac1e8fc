package execute

import (
	"strconv"
	"strings"

	"github.com/migadu/sieve/interp"
	"github.com/migadu/sieve/script"
)

// notifyEntry is one queued notification. Denotify deactivates entries
// instead of removing them so a later notify keeps its position.
type notifyEntry struct {
	Method   string
	From     string
	Options  []string
	Priority string
	Message  string
	Active   bool
}

// denotifyMatches reports whether a denotify command's criteria select
// this entry. Every supplied criterion must match; an absent criterion
// matches anything.
func denotifyMatches(cmd *script.DenotifyCmd, e *notifyEntry) (bool, error) {
	if cmd.Priority != "" && cmd.Priority != e.Priority {
		return false, nil
	}
	if cmd.Method != "" && !strings.EqualFold(cmd.Method, e.Method) {
		return false, nil
	}
	if cmd.HasMatch {
		res, err := compare(e.Method, cmd.Pattern, cmd.MatchType, 0, script.CompASCIICasemap)
		if err != nil || !res.matched {
			return false, err
		}
	}
	return true, nil
}

// notifySource supplies the message fields the template tokens draw on.
type notifySource struct {
	from    string
	envFrom string
	subject string
	text    string
}

func loadNotifySource(ip *interp.Interp, mctx any) notifySource {
	var src notifySource
	if get := ip.GetHeader(); get != nil {
		if v, err := get(mctx, "from"); err == nil && len(v) > 0 {
			src.from = v[0]
		}
		if v, err := get(mctx, "subject"); err == nil && len(v) > 0 {
			src.subject = v[0]
		}
	}
	if get := ip.GetEnvelope(); get != nil {
		if v, err := get(mctx, "from"); err == nil && len(v) > 0 {
			src.envFrom = v[0]
		}
	}
	if get := ip.GetBody(); get != nil {
		if parts, err := get(mctx, []string{"text"}); err == nil && len(parts) > 0 {
			src.text = parts[0].Decoded
		}
	}
	return src
}

// buildNotifyMessage expands the message template. Recognized tokens are
// $from$, $env-from$, $subject$ and $text$, matched case-insensitively,
// each accepting an optional [n] length limit, e.g. $subject[5]$ yields
// the first five bytes.
func buildNotifyMessage(template string, src notifySource) string {
	var sb strings.Builder
	for {
		i := strings.IndexByte(template, '$')
		if i < 0 {
			sb.WriteString(template)
			return sb.String()
		}
		sb.WriteString(template[:i])
		template = template[i:]

		value, consumed := expandNotifyToken(template, src)
		if consumed == 0 {
			sb.WriteByte('$')
			template = template[1:]
			continue
		}
		sb.WriteString(value)
		template = template[consumed:]
	}
}

// expandNotifyToken tries to read one $name[n]$ token at the start of s,
// returning the expansion and how many bytes it spanned. Zero means no
// token starts here.
func expandNotifyToken(s string, src notifySource) (string, int) {
	end := strings.IndexByte(s[1:], '$')
	if end < 0 {
		return "", 0
	}
	body := s[1 : 1+end]

	name := body
	limit := -1
	if i := strings.IndexByte(body, '['); i >= 0 {
		if !strings.HasSuffix(body, "]") {
			return "", 0
		}
		n, err := strconv.Atoi(body[i+1 : len(body)-1])
		if err != nil || n < 0 {
			return "", 0
		}
		name = body[:i]
		limit = n
	}

	var value string
	switch strings.ToLower(name) {
	case "from":
		value = src.from
	case "env-from":
		value = src.envFrom
	case "subject":
		value = src.subject
	case "text":
		value = src.text
	default:
		return "", 0
	}

	if limit >= 0 && len(value) > limit {
		value = value[:limit]
	}
	return value, end + 2
}
