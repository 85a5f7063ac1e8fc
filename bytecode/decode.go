package bytecode

import (
	"bytes"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/migadu/sieve/script"
)

// Program is a decoded bytecode blob: the command tree plus the support
// mask it was compiled with. The engine checks the mask against its own
// capability table before running.
type Program struct {
	Support  uint64
	Commands []script.Command
}

// Decode verifies a blob's header and digest and rebuilds the command
// tree. The blob may be a memory-mapped region; Decode copies the strings
// it extracts, so the Program stays valid after the mapping is released.
func Decode(blob []byte) (*Program, error) {
	if len(blob) < headerSize {
		return nil, fmt.Errorf("bytecode too short: %d bytes", len(blob))
	}
	if string(blob[:4]) != Magic {
		return nil, fmt.Errorf("bad bytecode magic %q", blob[:4])
	}

	r := &reader{buf: blob, pos: 4}
	version, _ := r.u32()
	if version != Version {
		return nil, fmt.Errorf("unsupported bytecode version %d (want %d)", version, Version)
	}
	support, _ := r.u64()

	digest := blob[r.pos : r.pos+32]
	r.pos += 32

	payload := blob[r.pos:]
	sum := blake3.Sum256(payload)
	if !bytes.Equal(digest, sum[:]) {
		return nil, fmt.Errorf("bytecode digest mismatch")
	}

	cmds, err := decodeCommands(&reader{buf: payload})
	if err != nil {
		return nil, err
	}
	return &Program{Support: support, Commands: cmds}, nil
}

func decodeCommands(r *reader) ([]script.Command, error) {
	var cmds []script.Command
	for r.remaining() > 0 {
		cmd, err := decodeCommand(r)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

func decodeCommand(r *reader) (script.Command, error) {
	op, err := r.u8()
	if err != nil {
		return nil, err
	}

	switch op {
	case opStop:
		return &script.StopCmd{}, nil
	case opReturn:
		return &script.ReturnCmd{}, nil
	case opKeep:
		return &script.KeepCmd{}, nil
	case opDiscard:
		return &script.DiscardCmd{}, nil
	case opFileInto:
		c := &script.FileIntoCmd{}
		if c.Mailbox, err = r.str(); err != nil {
			return nil, err
		}
		if c.Flags, err = r.list(); err != nil {
			return nil, err
		}
		if c.HasFlags, err = r.bool(); err != nil {
			return nil, err
		}
		if c.Copy, err = r.bool(); err != nil {
			return nil, err
		}
		if c.Create, err = r.bool(); err != nil {
			return nil, err
		}
		return c, nil
	case opRedirect:
		c := &script.RedirectCmd{}
		if c.Address, err = r.str(); err != nil {
			return nil, err
		}
		if c.Copy, err = r.bool(); err != nil {
			return nil, err
		}
		if c.List, err = r.bool(); err != nil {
			return nil, err
		}
		return c, nil
	case opReject:
		c := &script.RejectCmd{}
		if c.Reason, err = r.str(); err != nil {
			return nil, err
		}
		if c.Ereject, err = r.bool(); err != nil {
			return nil, err
		}
		return c, nil
	case opVacation:
		c := &script.VacationCmd{}
		var secs uint32
		if secs, err = r.u32(); err != nil {
			return nil, err
		}
		c.Seconds = int(secs)
		if c.Subject, err = r.str(); err != nil {
			return nil, err
		}
		if c.From, err = r.str(); err != nil {
			return nil, err
		}
		if c.Handle, err = r.str(); err != nil {
			return nil, err
		}
		if c.Addresses, err = r.list(); err != nil {
			return nil, err
		}
		if c.Mime, err = r.bool(); err != nil {
			return nil, err
		}
		if c.Message, err = r.str(); err != nil {
			return nil, err
		}
		return c, nil
	case opFlag:
		c := &script.FlagCmd{}
		if c.Op, err = r.str(); err != nil {
			return nil, err
		}
		if c.Flags, err = r.list(); err != nil {
			return nil, err
		}
		return c, nil
	case opMark:
		c := &script.MarkCmd{}
		if c.Unmark, err = r.bool(); err != nil {
			return nil, err
		}
		return c, nil
	case opNotify:
		c := &script.NotifyCmd{}
		if c.Method, err = r.str(); err != nil {
			return nil, err
		}
		if c.From, err = r.str(); err != nil {
			return nil, err
		}
		if c.Options, err = r.list(); err != nil {
			return nil, err
		}
		if c.Priority, err = r.str(); err != nil {
			return nil, err
		}
		if c.Message, err = r.str(); err != nil {
			return nil, err
		}
		return c, nil
	case opDenotify:
		c := &script.DenotifyCmd{}
		if c.Method, err = r.str(); err != nil {
			return nil, err
		}
		if c.Priority, err = r.str(); err != nil {
			return nil, err
		}
		var mt uint8
		if mt, err = r.u8(); err != nil {
			return nil, err
		}
		c.MatchType = int(mt)
		if c.Pattern, err = r.str(); err != nil {
			return nil, err
		}
		if c.HasMatch, err = r.bool(); err != nil {
			return nil, err
		}
		return c, nil
	case opSnooze:
		c := &script.SnoozeCmd{}
		if c.Mailbox, err = r.str(); err != nil {
			return nil, err
		}
		if c.AddFlags, err = r.list(); err != nil {
			return nil, err
		}
		if c.Weekdays, err = r.list(); err != nil {
			return nil, err
		}
		if c.Times, err = r.list(); err != nil {
			return nil, err
		}
		return c, nil
	case opSet:
		c := &script.SetCmd{}
		if c.Modifiers, err = r.u8(); err != nil {
			return nil, err
		}
		if c.Name, err = r.str(); err != nil {
			return nil, err
		}
		if c.Value, err = r.str(); err != nil {
			return nil, err
		}
		return c, nil
	case opInclude:
		c := &script.IncludeCmd{}
		if c.Script, err = r.str(); err != nil {
			return nil, err
		}
		if c.Personal, err = r.bool(); err != nil {
			return nil, err
		}
		if c.Once, err = r.bool(); err != nil {
			return nil, err
		}
		if c.Optional, err = r.bool(); err != nil {
			return nil, err
		}
		return c, nil
	case opGlobal:
		c := &script.GlobalCmd{}
		if c.Names, err = r.list(); err != nil {
			return nil, err
		}
		return c, nil
	case opLog:
		c := &script.LogCmd{}
		if c.Message, err = r.str(); err != nil {
			return nil, err
		}
		return c, nil
	case opAddHeader:
		c := &script.AddHeaderCmd{}
		if c.Name, err = r.str(); err != nil {
			return nil, err
		}
		if c.Value, err = r.str(); err != nil {
			return nil, err
		}
		if c.Last, err = r.bool(); err != nil {
			return nil, err
		}
		return c, nil
	case opDeleteHeader:
		c := &script.DeleteHeaderCmd{}
		if c.Name, err = r.str(); err != nil {
			return nil, err
		}
		if c.Patterns, err = r.list(); err != nil {
			return nil, err
		}
		var idx uint32
		if idx, err = r.u32(); err != nil {
			return nil, err
		}
		c.Index = int(idx)
		if c.Last, err = r.bool(); err != nil {
			return nil, err
		}
		return c, nil
	case opIf:
		c := &script.IfCmd{}
		if c.Test, err = decodeTest(r); err != nil {
			return nil, err
		}
		thenBlock, err := r.block()
		if err != nil {
			return nil, err
		}
		if c.Then, err = decodeCommands(thenBlock); err != nil {
			return nil, err
		}
		elseBlock, err := r.block()
		if err != nil {
			return nil, err
		}
		if c.Else, err = decodeCommands(elseBlock); err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown opcode %d", op)
}

func decodeTest(r *reader) (script.Test, error) {
	op, err := r.u8()
	if err != nil {
		return nil, err
	}

	switch op {
	case tTrue:
		return &script.TrueTest{}, nil
	case tFalse:
		return &script.FalseTest{}, nil
	case tNot:
		inner, err := decodeTest(r)
		if err != nil {
			return nil, err
		}
		return &script.NotTest{Test: inner}, nil
	case tAllOf:
		t := &script.AllOfTest{}
		if t.Any, err = r.bool(); err != nil {
			return nil, err
		}
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		if uint32(r.remaining()) < n {
			return nil, fmt.Errorf("test list count %d overruns blob", n)
		}
		for i := uint32(0); i < n; i++ {
			sub, err := decodeTest(r)
			if err != nil {
				return nil, err
			}
			t.Tests = append(t.Tests, sub)
		}
		return t, nil
	case tExists:
		t := &script.ExistsTest{}
		if t.Headers, err = r.list(); err != nil {
			return nil, err
		}
		return t, nil
	case tHeader:
		t := &script.HeaderTest{}
		if t.MatchType, t.Relation, t.Comparator, err = decodeMatchSpec(r); err != nil {
			return nil, err
		}
		if t.Headers, err = r.list(); err != nil {
			return nil, err
		}
		if t.Patterns, err = r.list(); err != nil {
			return nil, err
		}
		return t, nil
	case tAddress:
		t := &script.AddressTest{}
		if t.Envelope, err = r.bool(); err != nil {
			return nil, err
		}
		if t.MatchType, t.Relation, t.Comparator, err = decodeMatchSpec(r); err != nil {
			return nil, err
		}
		var part uint8
		if part, err = r.u8(); err != nil {
			return nil, err
		}
		t.AddressPart = int(part)
		if t.Headers, err = r.list(); err != nil {
			return nil, err
		}
		if t.Patterns, err = r.list(); err != nil {
			return nil, err
		}
		return t, nil
	case tSize:
		t := &script.SizeTest{}
		if t.Over, err = r.bool(); err != nil {
			return nil, err
		}
		var size uint64
		if size, err = r.u64(); err != nil {
			return nil, err
		}
		t.Size = int64(size)
		return t, nil
	case tString:
		t := &script.StringTest{}
		if t.MatchType, t.Relation, t.Comparator, err = decodeMatchSpec(r); err != nil {
			return nil, err
		}
		if t.Sources, err = r.list(); err != nil {
			return nil, err
		}
		if t.Patterns, err = r.list(); err != nil {
			return nil, err
		}
		return t, nil
	case tEnvironment:
		t := &script.EnvironmentTest{}
		if t.MatchType, t.Relation, t.Comparator, err = decodeMatchSpec(r); err != nil {
			return nil, err
		}
		if t.Name, err = r.str(); err != nil {
			return nil, err
		}
		if t.Patterns, err = r.list(); err != nil {
			return nil, err
		}
		return t, nil
	case tMailboxExists:
		t := &script.MailboxExistsTest{}
		if t.Mailboxes, err = r.list(); err != nil {
			return nil, err
		}
		return t, nil
	case tDuplicate:
		t := &script.DuplicateTest{}
		var idType uint8
		if idType, err = r.u8(); err != nil {
			return nil, err
		}
		t.IDType = int(idType)
		if t.IDValue, err = r.str(); err != nil {
			return nil, err
		}
		var secs uint32
		if secs, err = r.u32(); err != nil {
			return nil, err
		}
		t.Seconds = int(secs)
		if t.Last, err = r.bool(); err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, fmt.Errorf("unknown test opcode %d", op)
}

func decodeMatchSpec(r *reader) (matchType, relation, comparator int, err error) {
	var mt, rel, comp uint8
	if mt, err = r.u8(); err != nil {
		return
	}
	if rel, err = r.u8(); err != nil {
		return
	}
	if comp, err = r.u8(); err != nil {
		return
	}
	return int(mt), int(rel), int(comp), nil
}
