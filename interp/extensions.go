package interp

// Capability bits. A script's support mask is the OR of the bits its
// require directives activated, on top of CapaBase.
const (
	CapaBase uint64 = 1 << iota // RFC 5228 core
	CapaEncodedCharacter
	CapaComparatorOctet
	CapaComparatorASCIICasemap
	CapaComparatorASCIINumeric
	CapaFileinto
	CapaReject
	CapaEreject
	CapaEnvelope
	CapaEnvironment
	CapaVariables
	CapaImap4Flags
	CapaVacation
	CapaCopy
	CapaMailbox
	CapaMailboxID
	CapaSpecialUse
	CapaMboxMetadata
	CapaEditheader
	CapaBody
	CapaInclude
	CapaDuplicate
	CapaEnotify
	CapaRelational
	CapaRegex
	CapaSnooze
	CapaExtlists
	CapaLog
)

// alwaysActive marks extensions implemented entirely inside the engine,
// needing no host callback.
var alwaysActive = map[string]uint64{
	"encoded-character":          CapaEncodedCharacter,
	"comparator-i;octet":         CapaComparatorOctet,
	"comparator-i;ascii-casemap": CapaComparatorASCIICasemap,
	"comparator-i;ascii-numeric": CapaComparatorASCIINumeric,
	"variables":                  CapaVariables,
	"imap4flags":                 CapaImap4Flags,
	"relational":                 CapaRelational,
	"regex":                      CapaRegex,
}

// KnownExtensions lists every extension name this engine can activate,
// callback availability permitting.
var KnownExtensions = []string{
	"body",
	"comparator-i;ascii-casemap",
	"comparator-i;ascii-numeric",
	"comparator-i;octet",
	"copy",
	"duplicate",
	"editheader",
	"encoded-character",
	"enotify",
	"envelope",
	"environment",
	"ereject",
	"extlists",
	"fileinto",
	"imap4flags",
	"include",
	"mailbox",
	"mailboxid",
	"mboxmetadata",
	"notify",
	"regex",
	"reject",
	"relational",
	"snooze",
	"special-use",
	"vacation",
	"variables",
	"x-cyrus-log",
}

// ExtensionIsActive reports the capability bit for a named extension, or
// zero when the extension is unknown, unserved by the registered
// callbacks, or excluded by EnabledExtensions. This is the require-time
// check: an extension is active only when the interpreter could actually
// execute it.
func (i *Interp) ExtensionIsActive(name string) uint64 {
	if len(i.EnabledExtensions) > 0 && !contains(i.EnabledExtensions, name) {
		return 0
	}

	if bit, ok := alwaysActive[name]; ok {
		return bit
	}

	switch name {
	case "fileinto":
		if i.fileinto != nil {
			return CapaFileinto
		}
	case "reject":
		if i.reject != nil {
			return CapaReject
		}
	case "ereject":
		if i.reject != nil {
			return CapaEreject
		}
	case "envelope":
		if i.getEnvelope != nil {
			return CapaEnvelope
		}
	case "environment":
		if i.getEnvironment != nil {
			return CapaEnvironment
		}
	case "vacation":
		if i.vacation != nil {
			return CapaVacation
		}
	case "copy":
		if i.fileinto != nil || i.redirect != nil {
			return CapaCopy
		}
	case "mailbox":
		if i.getMailboxExists != nil {
			return CapaMailbox
		}
	case "mailboxid":
		if i.getMailboxID != nil {
			return CapaMailboxID
		}
	case "special-use":
		if i.getSpecialUse != nil {
			return CapaSpecialUse
		}
	case "mboxmetadata":
		if i.getMetadata != nil {
			return CapaMboxMetadata
		}
	case "editheader":
		if i.addHeader != nil && i.deleteHeader != nil {
			return CapaEditheader
		}
	case "body":
		if i.getBody != nil {
			return CapaBody
		}
	case "include":
		if i.getInclude != nil {
			return CapaInclude
		}
	case "duplicate":
		if i.duplicate != nil {
			return CapaDuplicate
		}
	case "enotify", "notify":
		if i.notify != nil {
			return CapaEnotify
		}
	case "snooze":
		if i.snooze != nil {
			return CapaSnooze
		}
	case "extlists":
		if i.listValidator != nil && i.listComparator != nil {
			return CapaExtlists
		}
	case "x-cyrus-log":
		if i.log != nil {
			return CapaLog
		}
	}

	return 0
}

// ActiveExtensions returns the names of every extension the interpreter
// would currently accept in a require directive.
func (i *Interp) ActiveExtensions() []string {
	var active []string
	for _, name := range KnownExtensions {
		if i.ExtensionIsActive(name) != 0 {
			active = append(active, name)
		}
	}
	return active
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
