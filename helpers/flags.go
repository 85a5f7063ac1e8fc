package helpers

import (
	"strings"

	"github.com/emersion/go-imap/v2"
)

var systemFlags = map[string]imap.Flag{
	strings.ToLower(string(imap.FlagSeen)):      imap.FlagSeen,
	strings.ToLower(string(imap.FlagAnswered)):  imap.FlagAnswered,
	strings.ToLower(string(imap.FlagFlagged)):   imap.FlagFlagged,
	strings.ToLower(string(imap.FlagDeleted)):   imap.FlagDeleted,
	strings.ToLower(string(imap.FlagDraft)):     imap.FlagDraft,
	strings.ToLower(string(imap.FlagForwarded)): imap.FlagForwarded,
	strings.ToLower(string(imap.FlagImportant)): imap.FlagImportant,
	strings.ToLower(string(imap.FlagJunk)):      imap.FlagJunk,
	strings.ToLower(string(imap.FlagNotJunk)):   imap.FlagNotJunk,
	strings.ToLower(string(imap.FlagPhishing)):  imap.FlagPhishing,
}

// CanonicalFlag normalizes the spelling of IMAP system flags so that
// setflag "\\seen" and setflag "\\Seen" update the same flag. Keywords are
// returned unchanged.
func CanonicalFlag(name string) string {
	if f, ok := systemFlags[strings.ToLower(name)]; ok {
		return string(f)
	}
	return name
}

// NormalizeFlagList canonicalizes and deduplicates a flag list, preserving
// first-seen order.
func NormalizeFlagList(flags []string) []string {
	out := make([]string, 0, len(flags))
	seen := make(map[string]bool, len(flags))
	for _, f := range flags {
		c := CanonicalFlag(f)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
