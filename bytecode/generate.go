package bytecode

import (
	"fmt"

	"lukechampine.com/blake3"

	"github.com/migadu/sieve/script"
)

// Generate compiles a parsed script into its on-disk form. The header
// records the capability mask the script was parsed with and a blake3
// digest over the payload, so Decode can reject corrupt or tampered
// blobs before the engine sees them.
func Generate(s *script.Script) ([]byte, error) {
	if s == nil || s.Interp() == nil {
		return nil, fmt.Errorf("cannot generate bytecode from a freed script")
	}

	w := &writer{}
	if err := encodeCommands(w, s.Commands); err != nil {
		return nil, err
	}
	payload := w.buf

	out := make([]byte, 0, headerSize+len(payload))
	hw := &writer{buf: out}
	hw.buf = append(hw.buf, Magic...)
	hw.u32(Version)
	hw.u64(s.Support)
	digest := blake3.Sum256(payload)
	hw.buf = append(hw.buf, digest[:]...)
	hw.buf = append(hw.buf, payload...)
	return hw.buf, nil
}

func encodeCommands(w *writer, cmds []script.Command) error {
	for _, cmd := range cmds {
		if err := encodeCommand(w, cmd); err != nil {
			return err
		}
	}
	return nil
}

func encodeCommand(w *writer, cmd script.Command) error {
	switch c := cmd.(type) {
	case *script.StopCmd:
		w.u8(opStop)
	case *script.ReturnCmd:
		w.u8(opReturn)
	case *script.KeepCmd:
		w.u8(opKeep)
	case *script.DiscardCmd:
		w.u8(opDiscard)
	case *script.FileIntoCmd:
		w.u8(opFileInto)
		w.str(c.Mailbox)
		w.list(c.Flags)
		w.bool(c.HasFlags)
		w.bool(c.Copy)
		w.bool(c.Create)
	case *script.RedirectCmd:
		w.u8(opRedirect)
		w.str(c.Address)
		w.bool(c.Copy)
		w.bool(c.List)
	case *script.RejectCmd:
		w.u8(opReject)
		w.str(c.Reason)
		w.bool(c.Ereject)
	case *script.VacationCmd:
		w.u8(opVacation)
		w.u32(uint32(c.Seconds))
		w.str(c.Subject)
		w.str(c.From)
		w.str(c.Handle)
		w.list(c.Addresses)
		w.bool(c.Mime)
		w.str(c.Message)
	case *script.FlagCmd:
		w.u8(opFlag)
		w.str(c.Op)
		w.list(c.Flags)
	case *script.MarkCmd:
		w.u8(opMark)
		w.bool(c.Unmark)
	case *script.NotifyCmd:
		w.u8(opNotify)
		w.str(c.Method)
		w.str(c.From)
		w.list(c.Options)
		w.str(c.Priority)
		w.str(c.Message)
	case *script.DenotifyCmd:
		w.u8(opDenotify)
		w.str(c.Method)
		w.str(c.Priority)
		w.u8(uint8(c.MatchType))
		w.str(c.Pattern)
		w.bool(c.HasMatch)
	case *script.SnoozeCmd:
		w.u8(opSnooze)
		w.str(c.Mailbox)
		w.list(c.AddFlags)
		w.list(c.Weekdays)
		w.list(c.Times)
	case *script.SetCmd:
		w.u8(opSet)
		w.u8(c.Modifiers)
		w.str(c.Name)
		w.str(c.Value)
	case *script.IncludeCmd:
		w.u8(opInclude)
		w.str(c.Script)
		w.bool(c.Personal)
		w.bool(c.Once)
		w.bool(c.Optional)
	case *script.GlobalCmd:
		w.u8(opGlobal)
		w.list(c.Names)
	case *script.LogCmd:
		w.u8(opLog)
		w.str(c.Message)
	case *script.AddHeaderCmd:
		w.u8(opAddHeader)
		w.str(c.Name)
		w.str(c.Value)
		w.bool(c.Last)
	case *script.DeleteHeaderCmd:
		w.u8(opDeleteHeader)
		w.str(c.Name)
		w.list(c.Patterns)
		w.u32(uint32(c.Index))
		w.bool(c.Last)
	case *script.IfCmd:
		w.u8(opIf)
		if err := encodeTest(w, c.Test); err != nil {
			return err
		}
		var blockErr error
		w.block(func() {
			blockErr = encodeCommands(w, c.Then)
		})
		if blockErr != nil {
			return blockErr
		}
		w.block(func() {
			blockErr = encodeCommands(w, c.Else)
		})
		if blockErr != nil {
			return blockErr
		}
	default:
		return fmt.Errorf("cannot encode command %T", cmd)
	}
	return nil
}

func encodeTest(w *writer, test script.Test) error {
	switch t := test.(type) {
	case *script.TrueTest:
		w.u8(tTrue)
	case *script.FalseTest:
		w.u8(tFalse)
	case *script.NotTest:
		w.u8(tNot)
		return encodeTest(w, t.Test)
	case *script.AllOfTest:
		w.u8(tAllOf)
		w.bool(t.Any)
		w.u32(uint32(len(t.Tests)))
		for _, sub := range t.Tests {
			if err := encodeTest(w, sub); err != nil {
				return err
			}
		}
	case *script.ExistsTest:
		w.u8(tExists)
		w.list(t.Headers)
	case *script.HeaderTest:
		w.u8(tHeader)
		w.u8(uint8(t.MatchType))
		w.u8(uint8(t.Relation))
		w.u8(uint8(t.Comparator))
		w.list(t.Headers)
		w.list(t.Patterns)
	case *script.AddressTest:
		w.u8(tAddress)
		w.bool(t.Envelope)
		w.u8(uint8(t.MatchType))
		w.u8(uint8(t.Relation))
		w.u8(uint8(t.Comparator))
		w.u8(uint8(t.AddressPart))
		w.list(t.Headers)
		w.list(t.Patterns)
	case *script.SizeTest:
		w.u8(tSize)
		w.bool(t.Over)
		w.u64(uint64(t.Size))
	case *script.StringTest:
		w.u8(tString)
		w.u8(uint8(t.MatchType))
		w.u8(uint8(t.Relation))
		w.u8(uint8(t.Comparator))
		w.list(t.Sources)
		w.list(t.Patterns)
	case *script.EnvironmentTest:
		w.u8(tEnvironment)
		w.u8(uint8(t.MatchType))
		w.u8(uint8(t.Relation))
		w.u8(uint8(t.Comparator))
		w.str(t.Name)
		w.list(t.Patterns)
	case *script.MailboxExistsTest:
		w.u8(tMailboxExists)
		w.list(t.Mailboxes)
	case *script.DuplicateTest:
		w.u8(tDuplicate)
		w.u8(uint8(t.IDType))
		w.str(t.IDValue)
		w.u32(uint32(t.Seconds))
		w.bool(t.Last)
	default:
		return fmt.Errorf("cannot encode test %T", test)
	}
	return nil
}
