package helpers

import (
	"net/mail"
	"strings"
)

// SplitEmailAddress splits an address into local part and domain. The
// domain is empty when the address has no '@'.
func SplitEmailAddress(email string) (string, string) {
	email = strings.ToLower(email)
	local, domain, found := strings.Cut(email, "@")
	if !found {
		return local, ""
	}
	return local, domain
}

// ParseAddressList extracts the addr-specs from a header value such as
// "A <a@example.org>, b@example.org". Unparsable input yields the trimmed
// raw value so tests can still match against it.
func ParseAddressList(value string) []string {
	addrs, err := mail.ParseAddressList(value)
	if err != nil || len(addrs) == 0 {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			return nil
		}
		return []string{trimmed}
	}

	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address)
	}
	return out
}

// AddressPart reduces an addr-spec to the requested part: "localpart",
// "domain" or "all".
func AddressPart(addr, part string) string {
	switch part {
	case "localpart":
		local, _, _ := strings.Cut(addr, "@")
		return local
	case "domain":
		_, domain, _ := strings.Cut(addr, "@")
		return domain
	default:
		return addr
	}
}
