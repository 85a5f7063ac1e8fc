package interp

import (
	"bytes"
	"fmt"
)

// Poison callbacks for the non-executing interpreter. Parsing must never
// reach any of them; reaching one is a programming error, so they abort.

func stubAbort() {
	panic("sieve: stub callback invoked")
}

// stubParseError is the one live slot: it collects parse diagnostics into
// the *bytes.Buffer the frontend passes as the script context.
func stubParseError(lineno int, msg string, _, sctx any) error {
	if buf, ok := sctx.(*bytes.Buffer); ok {
		fmt.Fprintf(buf, "line %d: %s\r\n", lineno, msg)
	}
	return nil
}

// NewNonexecInterp builds a disposable interpreter whose every capability
// is registered with a callback that aborts if invoked. It is used for
// parse-only validation: every extension appears available, so syntax can
// be fully checked, while execution remains impossible by construction.
func NewNonexecInterp() *Interp {
	i := New(nil)

	i.RegisterRedirect(func(*RedirectContext, *RunContext) error { stubAbort(); return nil })
	i.RegisterDiscard(func(*RunContext) error { stubAbort(); return nil })
	i.RegisterReject(func(*RejectContext, *RunContext) error { stubAbort(); return nil })
	i.RegisterFileInto(func(*FileIntoContext, *RunContext) error { stubAbort(); return nil })
	i.RegisterKeep(func(*KeepContext, *RunContext) error { stubAbort(); return nil })
	i.RegisterNotify(func(*NotifyContext, *RunContext) error { stubAbort(); return nil })
	i.RegisterSnooze(func(*SnoozeContext, *RunContext) error { stubAbort(); return nil })
	i.RegisterImip(func(BodyPart, *RunContext) error { stubAbort(); return nil })

	// Registration validates the pairs, so the stubs must be complete.
	_ = i.RegisterVacation(&Vacation{
		Autorespond:  func(*AutorespondContext, *RunContext) error { stubAbort(); return nil },
		SendResponse: func(*SendResponseContext, *RunContext) error { stubAbort(); return nil },
	})
	_ = i.RegisterDuplicate(&Duplicate{
		Check: func(*DuplicateContext, *RunContext) (bool, error) { stubAbort(); return false, nil },
		Track: func(*DuplicateContext, *RunContext) error { stubAbort(); return nil },
	})

	i.RegisterHeader(func(any, string) ([]string, error) { stubAbort(); return nil, nil })
	i.RegisterHeaderSection(func(any) ([]byte, error) { stubAbort(); return nil, nil })
	i.RegisterAddHeader(func(any, string, string, bool) error { stubAbort(); return nil })
	i.RegisterDeleteHeader(func(any, string, int) error { stubAbort(); return nil })
	i.RegisterEnvelope(func(any, string) ([]string, error) { stubAbort(); return nil, nil })
	i.RegisterEnvironment(func(any, string) (string, bool) { stubAbort(); return "", false })
	i.RegisterSize(func(any) (int64, error) { stubAbort(); return 0, nil })
	i.RegisterBody(func(any, []string) ([]BodyPart, error) { stubAbort(); return nil, nil })
	i.RegisterMailboxExists(func(any, string) (bool, error) { stubAbort(); return false, nil })
	i.RegisterMailboxIDExists(func(any, string) (bool, error) { stubAbort(); return false, nil })
	i.RegisterSpecialUseExists(func(any, string, string) (bool, error) { stubAbort(); return false, nil })
	i.RegisterMetadata(func(any, string, string) (string, error) { stubAbort(); return "", nil })
	i.RegisterFname(func(any) (string, error) { stubAbort(); return "", nil })
	i.RegisterInclude(func(any, string, bool) (string, error) { stubAbort(); return "", nil })
	i.RegisterJMAPQuery(func(any, string) (bool, error) { stubAbort(); return false, nil })
	i.RegisterExtlists(
		func(string) error { stubAbort(); return nil },
		func(any, string, string) (bool, error) { stubAbort(); return false, nil },
	)

	i.RegisterLogger(func(any, any, string, string) { stubAbort() })
	i.RegisterExecuteError(func(string, any, any, any) error { stubAbort(); return nil })

	i.RegisterParseError(stubParseError)

	return i
}
