// Package interp holds the interpreter capability table: the registry of
// host callbacks and enabled extensions that scripts are parsed and
// executed against. The table is built once, then treated as read-only
// for the lifetime of the interpreter.
package interp

import (
	"fmt"
	"time"

	"github.com/migadu/sieve/consts"
)

// Action callbacks. Each receives its typed payload plus the run contexts
// and returns nil on success. A callback may return consts.ErrDone where
// the protocol defines a "suppress this response" outcome.
type (
	RedirectFunc func(*RedirectContext, *RunContext) error
	DiscardFunc  func(*RunContext) error
	RejectFunc   func(*RejectContext, *RunContext) error
	FileIntoFunc func(*FileIntoContext, *RunContext) error
	KeepFunc     func(*KeepContext, *RunContext) error
	NotifyFunc   func(*NotifyContext, *RunContext) error
	SnoozeFunc   func(*SnoozeContext, *RunContext) error
	ImipFunc     func(part BodyPart, rc *RunContext) error
)

// Vacation phase callbacks.
type (
	AutorespondFunc  func(*AutorespondContext, *RunContext) error
	SendResponseFunc func(*SendResponseContext, *RunContext) error
)

// Duplicate-tracking callbacks.
type (
	DuplicateCheckFunc func(*DuplicateContext, *RunContext) (bool, error)
	DuplicateTrackFunc func(*DuplicateContext, *RunContext) error
)

// Message and environment accessors.
type (
	GetHeaderFunc          func(msgCtx any, name string) ([]string, error)
	GetHeaderSectionFunc   func(msgCtx any) ([]byte, error)
	AddHeaderFunc          func(msgCtx any, name, value string, last bool) error
	DeleteHeaderFunc       func(msgCtx any, name string, index int) error
	GetEnvelopeFunc        func(msgCtx any, field string) ([]string, error)
	GetEnvironmentFunc     func(msgCtx any, name string) (string, bool)
	GetSizeFunc            func(msgCtx any) (int64, error)
	GetBodyFunc            func(msgCtx any, contentTypes []string) ([]BodyPart, error)
	GetMailboxExistsFunc   func(sctx any, mailbox string) (bool, error)
	GetMailboxIDExistsFunc func(sctx any, mailboxID string) (bool, error)
	GetSpecialUseFunc      func(sctx any, mailbox, specialUse string) (bool, error)
	GetMetadataFunc        func(sctx any, mailbox, annotation string) (string, error)
	GetFnameFunc           func(msgCtx any) (string, error)
	// GetIncludeFunc resolves an included script name to the path of its
	// compiled bytecode. personal selects the :personal or :global space.
	GetIncludeFunc func(sctx any, script string, personal bool) (string, error)
	JMAPQueryFunc  func(msgCtx any, query string) (bool, error)
)

// List (extlists) callbacks.
type (
	ListValidatorFunc  func(list string) error
	ListComparatorFunc func(msgCtx any, list, value string) (bool, error)
)

// Reporting callbacks.
type (
	LogFunc          func(sctx, msgCtx any, level, message string)
	ParseErrorFunc   func(lineno int, msg string, ictx, sctx any) error
	ExecuteErrorFunc func(msg string, ictx, sctx, msgCtx any) error
)

// Vacation bundles the two-phase vacation capability.
type Vacation struct {
	MinResponse  time.Duration
	MaxResponse  time.Duration
	Autorespond  AutorespondFunc
	SendResponse SendResponseFunc
}

// Duplicate bundles the duplicate-suppression capability.
type Duplicate struct {
	MaxExpiration time.Duration
	Check         DuplicateCheckFunc
	Track         DuplicateTrackFunc
}

// Interp is the capability table. Build it with New, populate it with the
// Register methods, then hand it to script.Parse and execute.Run. Missing
// non-mandatory capabilities surface as internal errors at dispatch time,
// not at registration time, so a partially populated table can still be
// used for parsing.
type Interp struct {
	// InterpContext is passed back to every callback as RunContext.Interp.
	InterpContext any

	// EnabledExtensions, when non-empty, restricts which extensions
	// `require` may activate even if the serving callback is registered.
	EnabledExtensions []string

	redirect RedirectFunc
	discard  DiscardFunc
	reject   RejectFunc
	fileinto FileIntoFunc
	keep     KeepFunc
	notify   NotifyFunc
	snooze   SnoozeFunc
	imip     ImipFunc

	vacation  *Vacation
	duplicate *Duplicate

	getHeader        GetHeaderFunc
	getHeaderSection GetHeaderSectionFunc
	addHeader        AddHeaderFunc
	deleteHeader     DeleteHeaderFunc
	getEnvelope      GetEnvelopeFunc
	getEnvironment   GetEnvironmentFunc
	getSize          GetSizeFunc
	getBody          GetBodyFunc
	getMailboxExists GetMailboxExistsFunc
	getMailboxID     GetMailboxIDExistsFunc
	getSpecialUse    GetSpecialUseFunc
	getMetadata      GetMetadataFunc
	getFname         GetFnameFunc
	getInclude       GetIncludeFunc
	jmapQuery        JMAPQueryFunc

	listValidator  ListValidatorFunc
	listComparator ListComparatorFunc

	log        LogFunc
	parseError ParseErrorFunc
	executeErr ExecuteErrorFunc
}

// New returns an empty capability table carrying the given interpreter
// context.
func New(interpContext any) *Interp {
	return &Interp{InterpContext: interpContext}
}

func (i *Interp) RegisterRedirect(f RedirectFunc) { i.redirect = f }
func (i *Interp) RegisterDiscard(f DiscardFunc)   { i.discard = f }
func (i *Interp) RegisterReject(f RejectFunc)     { i.reject = f }
func (i *Interp) RegisterFileInto(f FileIntoFunc) { i.fileinto = f }
func (i *Interp) RegisterKeep(f KeepFunc)         { i.keep = f }
func (i *Interp) RegisterNotify(f NotifyFunc)     { i.notify = f }
func (i *Interp) RegisterSnooze(f SnoozeFunc)     { i.snooze = f }
func (i *Interp) RegisterImip(f ImipFunc)         { i.imip = f }

// RegisterVacation installs the two-phase vacation capability. Both phases
// must be present.
func (i *Interp) RegisterVacation(v *Vacation) error {
	if v == nil || v.Autorespond == nil || v.SendResponse == nil {
		return fmt.Errorf("vacation requires both autorespond and send_response: %w", consts.ErrFail)
	}
	if v.MinResponse == 0 {
		v.MinResponse = 24 * time.Hour
	}
	if v.MaxResponse == 0 {
		v.MaxResponse = 90 * 24 * time.Hour
	}
	i.vacation = v
	return nil
}

// RegisterDuplicate installs the duplicate-suppression capability. Both
// check and track must be present.
func (i *Interp) RegisterDuplicate(d *Duplicate) error {
	if d == nil || d.Check == nil || d.Track == nil {
		return fmt.Errorf("duplicate requires both check and track: %w", consts.ErrFail)
	}
	if d.MaxExpiration == 0 {
		d.MaxExpiration = 90 * 24 * time.Hour
	}
	i.duplicate = d
	return nil
}

func (i *Interp) RegisterHeader(f GetHeaderFunc)                { i.getHeader = f }
func (i *Interp) RegisterHeaderSection(f GetHeaderSectionFunc)  { i.getHeaderSection = f }
func (i *Interp) RegisterAddHeader(f AddHeaderFunc)             { i.addHeader = f }
func (i *Interp) RegisterDeleteHeader(f DeleteHeaderFunc)       { i.deleteHeader = f }
func (i *Interp) RegisterEnvelope(f GetEnvelopeFunc)            { i.getEnvelope = f }
func (i *Interp) RegisterEnvironment(f GetEnvironmentFunc)      { i.getEnvironment = f }
func (i *Interp) RegisterSize(f GetSizeFunc)                    { i.getSize = f }
func (i *Interp) RegisterBody(f GetBodyFunc)                    { i.getBody = f }
func (i *Interp) RegisterMailboxExists(f GetMailboxExistsFunc)  { i.getMailboxExists = f }
func (i *Interp) RegisterMailboxIDExists(f GetMailboxIDExistsFunc) {
	i.getMailboxID = f
}
func (i *Interp) RegisterSpecialUseExists(f GetSpecialUseFunc) { i.getSpecialUse = f }
func (i *Interp) RegisterMetadata(f GetMetadataFunc)           { i.getMetadata = f }
func (i *Interp) RegisterFname(f GetFnameFunc)                 { i.getFname = f }
func (i *Interp) RegisterInclude(f GetIncludeFunc)             { i.getInclude = f }
func (i *Interp) RegisterJMAPQuery(f JMAPQueryFunc)            { i.jmapQuery = f }

func (i *Interp) RegisterExtlists(v ListValidatorFunc, c ListComparatorFunc) {
	i.listValidator = v
	i.listComparator = c
}

func (i *Interp) RegisterLogger(f LogFunc)            { i.log = f }
func (i *Interp) RegisterParseError(f ParseErrorFunc) { i.parseError = f }
func (i *Interp) RegisterExecuteError(f ExecuteErrorFunc) {
	i.executeErr = f
}

// Verify checks that the mandatory capabilities are present: a logger, a
// parse-error reporter and a keep action. Everything else may be absent
// and will fail at dispatch time instead.
func (i *Interp) Verify() error {
	if i == nil {
		return fmt.Errorf("interpreter not built: %w", consts.ErrFail)
	}
	if i.log == nil {
		return fmt.Errorf("interpreter has no logger: %w", consts.ErrFail)
	}
	if i.parseError == nil {
		return fmt.Errorf("interpreter has no parse error reporter: %w", consts.ErrFail)
	}
	if i.keep == nil {
		return fmt.Errorf("interpreter has no keep action: %w", consts.ErrFail)
	}
	return nil
}

// Accessors used by the frontend and the engine. They expose the slots
// without allowing mutation during evaluation.

func (i *Interp) Redirect() RedirectFunc { return i.redirect }
func (i *Interp) Discard() DiscardFunc   { return i.discard }
func (i *Interp) Reject() RejectFunc     { return i.reject }
func (i *Interp) FileInto() FileIntoFunc { return i.fileinto }
func (i *Interp) Keep() KeepFunc         { return i.keep }
func (i *Interp) Notify() NotifyFunc     { return i.notify }
func (i *Interp) Snooze() SnoozeFunc     { return i.snooze }
func (i *Interp) Imip() ImipFunc         { return i.imip }
func (i *Interp) Vacation() *Vacation    { return i.vacation }
func (i *Interp) Duplicate() *Duplicate  { return i.duplicate }

func (i *Interp) GetHeader() GetHeaderFunc               { return i.getHeader }
func (i *Interp) GetHeaderSection() GetHeaderSectionFunc { return i.getHeaderSection }
func (i *Interp) AddHeader() AddHeaderFunc               { return i.addHeader }
func (i *Interp) DeleteHeader() DeleteHeaderFunc         { return i.deleteHeader }
func (i *Interp) GetEnvelope() GetEnvelopeFunc           { return i.getEnvelope }
func (i *Interp) GetEnvironment() GetEnvironmentFunc     { return i.getEnvironment }
func (i *Interp) GetSize() GetSizeFunc                   { return i.getSize }
func (i *Interp) GetBody() GetBodyFunc                   { return i.getBody }
func (i *Interp) GetMailboxExists() GetMailboxExistsFunc { return i.getMailboxExists }
func (i *Interp) GetMailboxIDExists() GetMailboxIDExistsFunc {
	return i.getMailboxID
}
func (i *Interp) GetSpecialUseExists() GetSpecialUseFunc { return i.getSpecialUse }
func (i *Interp) GetMetadata() GetMetadataFunc           { return i.getMetadata }
func (i *Interp) GetFname() GetFnameFunc                 { return i.getFname }
func (i *Interp) GetInclude() GetIncludeFunc             { return i.getInclude }
func (i *Interp) JMAPQuery() JMAPQueryFunc               { return i.jmapQuery }
func (i *Interp) ListValidator() ListValidatorFunc       { return i.listValidator }
func (i *Interp) ListComparator() ListComparatorFunc     { return i.listComparator }
func (i *Interp) Log() LogFunc                           { return i.log }
func (i *Interp) ParseError() ParseErrorFunc             { return i.parseError }
func (i *Interp) ExecuteError() ExecuteErrorFunc         { return i.executeErr }
