package script

// Match types shared by header-style tests.
const (
	MatchIs = iota
	MatchContains
	MatchMatches
	MatchRegex
	MatchValue // relational :value, Relation selects the operator
	MatchCount // relational :count
)

// Relational operators (RFC 5231).
const (
	RelGT = iota
	RelGE
	RelLT
	RelLE
	RelEQ
	RelNE
)

// Comparators.
const (
	CompASCIICasemap = iota
	CompOctet
	CompASCIINumeric
)

// Address parts.
const (
	AddressAll = iota
	AddressLocalpart
	AddressDomain
)

// Duplicate id sources.
const (
	DupIDMessageID = iota
	DupIDHeader
	DupIDUniqueID
)

// Set-command modifier bits (RFC 5229 section 4).
const (
	ModLower uint8 = 1 << iota
	ModUpper
	ModLowerFirst
	ModUpperFirst
	ModQuoteWildcard
	ModLength
)

// Command is a node of the parsed command tree. Commands keep their source
// line for diagnostics.
type Command interface {
	CommandLine() int
}

type baseCommand struct {
	Line int
}

func (c baseCommand) CommandLine() int { return c.Line }

type (
	// IfCmd covers if/elsif/else; an elsif chain is parsed as a nested
	// IfCmd in Else.
	IfCmd struct {
		baseCommand
		Test Test
		Then []Command
		Else []Command
	}

	StopCmd    struct{ baseCommand }
	ReturnCmd  struct{ baseCommand }
	KeepCmd    struct{ baseCommand }
	DiscardCmd struct{ baseCommand }

	FileIntoCmd struct {
		baseCommand
		Mailbox  string
		Flags    []string
		HasFlags bool
		Copy     bool
		Create   bool
	}

	RedirectCmd struct {
		baseCommand
		Address string
		Copy    bool
		List    bool
	}

	RejectCmd struct {
		baseCommand
		Reason  string
		Ereject bool
	}

	VacationCmd struct {
		baseCommand
		Seconds   int
		Subject   string
		From      string
		Handle    string
		Addresses []string
		Mime      bool
		Message   string
	}

	// FlagCmd covers setflag/addflag/removeflag over the implicit flag
	// frame.
	FlagCmd struct {
		baseCommand
		Op    string // "set", "add", "remove"
		Flags []string
	}

	MarkCmd struct {
		baseCommand
		Unmark bool
	}

	NotifyCmd struct {
		baseCommand
		Method   string
		From     string
		Options  []string
		Priority string
		Message  string
	}

	DenotifyCmd struct {
		baseCommand
		Method    string // empty matches any method
		Priority  string // empty matches any priority
		MatchType int
		Pattern   string
		HasMatch  bool
	}

	SnoozeCmd struct {
		baseCommand
		Mailbox  string
		AddFlags []string
		Weekdays []string
		Times    []string
	}

	SetCmd struct {
		baseCommand
		Modifiers uint8
		Name      string
		Value     string
	}

	IncludeCmd struct {
		baseCommand
		Script   string
		Personal bool
		Once     bool
		Optional bool
	}

	GlobalCmd struct {
		baseCommand
		Names []string
	}

	LogCmd struct {
		baseCommand
		Message string
	}

	AddHeaderCmd struct {
		baseCommand
		Name  string
		Value string
		Last  bool
	}

	DeleteHeaderCmd struct {
		baseCommand
		Name     string
		Patterns []string
		Index    int
		Last     bool
	}
)

// Test is a node of a test expression.
type Test interface {
	TestLine() int
}

type baseTest struct {
	Line int
}

func (t baseTest) TestLine() int { return t.Line }

type (
	TrueTest  struct{ baseTest }
	FalseTest struct{ baseTest }

	NotTest struct {
		baseTest
		Test Test
	}

	// AllOfTest is also used for anyof; Any selects the disjunction.
	AllOfTest struct {
		baseTest
		Any   bool
		Tests []Test
	}

	ExistsTest struct {
		baseTest
		Headers []string
	}

	HeaderTest struct {
		baseTest
		MatchType  int
		Relation   int
		Comparator int
		Headers    []string
		Patterns   []string
	}

	// AddressTest covers both address and envelope.
	AddressTest struct {
		baseTest
		Envelope    bool
		MatchType   int
		Relation    int
		Comparator  int
		AddressPart int
		Headers     []string
		Patterns    []string
	}

	SizeTest struct {
		baseTest
		Over bool
		Size int64
	}

	StringTest struct {
		baseTest
		MatchType  int
		Relation   int
		Comparator int
		Sources    []string
		Patterns   []string
	}

	EnvironmentTest struct {
		baseTest
		MatchType  int
		Relation   int
		Comparator int
		Name       string
		Patterns   []string
	}

	MailboxExistsTest struct {
		baseTest
		Mailboxes []string
	}

	DuplicateTest struct {
		baseTest
		IDType  int
		IDValue string
		Seconds int
		Last    bool
	}
)
