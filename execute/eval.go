package execute

import (
	"fmt"
	"strings"

	"github.com/migadu/sieve/bytecode"
	"github.com/migadu/sieve/helpers"
	"github.com/migadu/sieve/interp"
	"github.com/migadu/sieve/script"
)

const maxIncludeDepth = 64

// evaluator walks a decoded program and accumulates its effects: the
// action queue, the notification queue and the duplicate-track queue.
// Nothing outside the message context is touched until the dispatcher
// runs the queues afterwards.
type evaluator struct {
	ip   *interp.Interp
	exe  *bytecode.Executable
	sctx any
	mctx any
	rc   *interp.RunContext

	st        *state
	actions   []action
	notifies  []*notifyEntry
	duptracks []*interp.DuplicateContext

	headersEdited bool
	includeDepth  int
	stopped       bool
	returned      bool
}

func newEvaluator(exe *bytecode.Executable, ip *interp.Interp, sctx, mctx any) *evaluator {
	return &evaluator{
		ip:   ip,
		exe:  exe,
		sctx: sctx,
		mctx: mctx,
		rc:   &interp.RunContext{Interp: ip.InterpContext, Script: sctx, Message: mctx},
		st:   newState(),
	}
}

// run executes a command sequence under the given capability mask. The
// mask comes from the bytecode header, so an included script expands
// variables only if it required them itself.
func (ev *evaluator) run(cmds []script.Command, support uint64) error {
	varsActive := support&interp.CapaVariables != 0

	for _, cmd := range cmds {
		if ev.stopped || ev.returned {
			return nil
		}
		if err := ev.runCommand(cmd, support, varsActive); err != nil {
			return err
		}
	}
	return nil
}

func (ev *evaluator) expand(s string, active bool) string {
	return expand(s, ev.st, active)
}

func (ev *evaluator) expandList(l []string, active bool) []string {
	if !active {
		return l
	}
	out := make([]string, len(l))
	for i, s := range l {
		out[i] = ev.expand(s, active)
	}
	return out
}

func (ev *evaluator) runCommand(cmd script.Command, support uint64, vars bool) error {
	switch c := cmd.(type) {
	case *script.StopCmd:
		ev.stopped = true

	case *script.ReturnCmd:
		ev.returned = true

	case *script.KeepCmd:
		ev.actions = append(ev.actions, action{
			kind:       actionKeep,
			cancelKeep: true,
			keep:       &interp.KeepContext{Flags: ev.st.flagsCopy()},
		})

	case *script.DiscardCmd:
		ev.actions = append(ev.actions, action{kind: actionDiscard, cancelKeep: true})

	case *script.FileIntoCmd:
		flags := ev.st.flagsCopy()
		if c.HasFlags {
			flags = helpers.NormalizeFlagList(ev.expandList(c.Flags, vars))
		}
		ev.actions = append(ev.actions, action{
			kind:       actionFileInto,
			cancelKeep: !c.Copy,
			fileInto: &interp.FileIntoContext{
				Mailbox: ev.expand(c.Mailbox, vars),
				Flags:   flags,
				Copy:    c.Copy,
				Create:  c.Create,
			},
		})

	case *script.RedirectCmd:
		ev.actions = append(ev.actions, action{
			kind:       actionRedirect,
			cancelKeep: !c.Copy,
			redirect: &interp.RedirectContext{
				Address: ev.expand(c.Address, vars),
				Copy:    c.Copy,
				List:    c.List,
			},
		})

	case *script.RejectCmd:
		ev.actions = append(ev.actions, action{
			kind:       actionReject,
			cancelKeep: true,
			reject: &interp.RejectContext{
				Message:   ev.expand(c.Reason, vars),
				IsEreject: c.Ereject,
			},
		})

	case *script.VacationCmd:
		ev.actions = append(ev.actions, action{
			kind: actionVacation,
			vacation: &vacationAction{
				Seconds:   c.Seconds,
				Subject:   ev.expand(c.Subject, vars),
				From:      ev.expand(c.From, vars),
				Handle:    ev.expand(c.Handle, vars),
				Addresses: ev.expandList(c.Addresses, vars),
				Mime:      c.Mime,
				Message:   ev.expand(c.Message, vars),
			},
		})

	case *script.SnoozeCmd:
		ev.actions = append(ev.actions, action{
			kind:       actionSnooze,
			cancelKeep: true,
			snooze: &interp.SnoozeContext{
				Mailbox:  ev.expand(c.Mailbox, vars),
				AddFlags: ev.expandList(c.AddFlags, vars),
				Weekdays: c.Weekdays,
				Times:    c.Times,
			},
		})

	case *script.FlagCmd:
		ev.st.setFlags(c.Op, ev.expandList(c.Flags, vars))

	case *script.MarkCmd:
		if c.Unmark {
			ev.st.setFlags("remove", []string{"\\Flagged"})
		} else {
			ev.st.setFlags("add", []string{"\\Flagged"})
		}

	case *script.SetCmd:
		value := applyModifiers(ev.expand(c.Value, vars), c.Modifiers)
		ev.st.set(c.Name, value)

	case *script.NotifyCmd:
		ev.notifies = append(ev.notifies, &notifyEntry{
			Method:   ev.expand(c.Method, vars),
			From:     ev.expand(c.From, vars),
			Options:  ev.expandList(c.Options, vars),
			Priority: c.Priority,
			Message:  ev.expand(c.Message, vars),
			Active:   true,
		})

	case *script.DenotifyCmd:
		for _, e := range ev.notifies {
			if !e.Active {
				continue
			}
			ok, err := denotifyMatches(c, e)
			if err != nil {
				return err
			}
			if ok {
				e.Active = false
			}
		}

	case *script.LogCmd:
		if log := ev.ip.Log(); log != nil {
			log(ev.sctx, ev.mctx, "info", ev.expand(c.Message, vars))
		}

	case *script.AddHeaderCmd:
		add := ev.ip.AddHeader()
		if add == nil {
			return fmt.Errorf("addheader not supported by this interpreter")
		}
		if err := add(ev.mctx, c.Name, ev.expand(c.Value, vars), c.Last); err != nil {
			return fmt.Errorf("addheader %s: %w", c.Name, err)
		}
		ev.headersEdited = true

	case *script.DeleteHeaderCmd:
		if err := ev.runDeleteHeader(c, vars); err != nil {
			return err
		}

	case *script.IncludeCmd:
		return ev.runInclude(c)

	case *script.GlobalCmd:
		// Variables share one namespace here; the declaration is a no-op.

	case *script.IfCmd:
		ok, err := ev.evalTest(c.Test, support, vars)
		if err != nil {
			return err
		}
		if ok {
			return ev.run(c.Then, support)
		}
		return ev.run(c.Else, support)

	default:
		return fmt.Errorf("cannot evaluate command %T", cmd)
	}
	return nil
}

func (ev *evaluator) runDeleteHeader(c *script.DeleteHeaderCmd, vars bool) error {
	del := ev.ip.DeleteHeader()
	if del == nil {
		return fmt.Errorf("deleteheader not supported by this interpreter")
	}

	if len(c.Patterns) == 0 && !c.Last {
		if err := del(ev.mctx, c.Name, c.Index); err != nil {
			return fmt.Errorf("deleteheader %s: %w", c.Name, err)
		}
		ev.headersEdited = true
		return nil
	}

	get := ev.ip.GetHeader()
	if get == nil {
		return fmt.Errorf("deleteheader requires header access")
	}
	values, err := get(ev.mctx, c.Name)
	if err != nil {
		return fmt.Errorf("deleteheader %s: %w", c.Name, err)
	}

	patterns := ev.expandList(c.Patterns, vars)
	var indices []int
	for i, v := range values {
		idx := i + 1
		if c.Index != 0 && idx != c.Index {
			continue
		}
		if c.Last && idx != len(values) {
			continue
		}
		if len(patterns) > 0 {
			ok, err := matchValues(ev.st, []string{v}, patterns, script.MatchMatches, 0, script.CompASCIICasemap)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
		}
		indices = append(indices, idx)
	}

	// Delete from the back so earlier indices stay valid.
	for i := len(indices) - 1; i >= 0; i-- {
		if err := del(ev.mctx, c.Name, indices[i]); err != nil {
			return fmt.Errorf("deleteheader %s: %w", c.Name, err)
		}
		ev.headersEdited = true
	}
	return nil
}

// runInclude resolves, loads and runs a nested script. A blob whose file
// is already mapped is not run again; that terminates include cycles.
func (ev *evaluator) runInclude(c *script.IncludeCmd) error {
	if ev.includeDepth >= maxIncludeDepth {
		return fmt.Errorf("include nesting exceeds %d", maxIncludeDepth)
	}

	get := ev.ip.GetInclude()
	if get == nil {
		return fmt.Errorf("include not supported by this interpreter")
	}

	path, err := get(ev.sctx, c.Script, c.Personal)
	if err != nil || path == "" {
		if c.Optional {
			return nil
		}
		if err != nil {
			return fmt.Errorf("include %q: %w", c.Script, err)
		}
		return fmt.Errorf("include %q: script not found", c.Script)
	}

	exe, reloaded, err := bytecode.Load(path, ev.exe)
	ev.exe = exe
	if err != nil {
		if c.Optional {
			return nil
		}
		return fmt.Errorf("include %q: %w", c.Script, err)
	}
	if reloaded {
		return nil
	}

	prog := ev.exe.Program()
	ev.includeDepth++
	err = ev.run(prog.Commands, prog.Support)
	ev.includeDepth--
	// return only exits the included script.
	ev.returned = false
	return err
}

func (ev *evaluator) headerValues(names []string) ([]string, error) {
	get := ev.ip.GetHeader()
	if get == nil {
		return nil, fmt.Errorf("header access not supported by this interpreter")
	}
	var values []string
	for _, name := range names {
		v, err := get(ev.mctx, name)
		if err != nil {
			return nil, fmt.Errorf("header %s: %w", name, err)
		}
		values = append(values, v...)
	}
	return values, nil
}

func (ev *evaluator) evalTest(test script.Test, support uint64, vars bool) (bool, error) {
	switch t := test.(type) {
	case *script.TrueTest:
		return true, nil
	case *script.FalseTest:
		return false, nil

	case *script.NotTest:
		ok, err := ev.evalTest(t.Test, support, vars)
		return !ok, err

	case *script.AllOfTest:
		for _, sub := range t.Tests {
			ok, err := ev.evalTest(sub, support, vars)
			if err != nil {
				return false, err
			}
			if ok == t.Any {
				// anyof short-circuits on true, allof on false.
				return t.Any, nil
			}
		}
		return !t.Any, nil

	case *script.ExistsTest:
		get := ev.ip.GetHeader()
		if get == nil {
			return false, fmt.Errorf("header access not supported by this interpreter")
		}
		for _, name := range ev.expandList(t.Headers, vars) {
			v, err := get(ev.mctx, name)
			if err != nil {
				return false, err
			}
			if len(v) == 0 {
				return false, nil
			}
		}
		return true, nil

	case *script.HeaderTest:
		values, err := ev.headerValues(ev.expandList(t.Headers, vars))
		if err != nil {
			return false, err
		}
		return matchValues(ev.st, values, ev.expandList(t.Patterns, vars),
			t.MatchType, t.Relation, t.Comparator)

	case *script.AddressTest:
		return ev.evalAddressTest(t, vars)

	case *script.SizeTest:
		get := ev.ip.GetSize()
		if get == nil {
			return false, fmt.Errorf("size not supported by this interpreter")
		}
		size, err := get(ev.mctx)
		if err != nil {
			return false, err
		}
		if t.Over {
			return size > t.Size, nil
		}
		return size < t.Size, nil

	case *script.StringTest:
		var values []string
		for _, s := range ev.expandList(t.Sources, vars) {
			// :count counts only non-empty strings.
			if t.MatchType == script.MatchCount && s == "" {
				continue
			}
			values = append(values, s)
		}
		return matchValues(ev.st, values, ev.expandList(t.Patterns, vars),
			t.MatchType, t.Relation, t.Comparator)

	case *script.EnvironmentTest:
		get := ev.ip.GetEnvironment()
		if get == nil {
			return false, fmt.Errorf("environment not supported by this interpreter")
		}
		value, ok := get(ev.mctx, ev.expand(t.Name, vars))
		if !ok {
			return false, nil
		}
		return matchValues(ev.st, []string{value}, ev.expandList(t.Patterns, vars),
			t.MatchType, t.Relation, t.Comparator)

	case *script.MailboxExistsTest:
		get := ev.ip.GetMailboxExists()
		if get == nil {
			return false, fmt.Errorf("mailboxexists not supported by this interpreter")
		}
		for _, mbox := range ev.expandList(t.Mailboxes, vars) {
			ok, err := get(ev.sctx, mbox)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case *script.DuplicateTest:
		return ev.evalDuplicateTest(t, vars)
	}
	return false, fmt.Errorf("cannot evaluate test %T", test)
}

func (ev *evaluator) evalAddressTest(t *script.AddressTest, vars bool) (bool, error) {
	headers := ev.expandList(t.Headers, vars)

	var raw []string
	if t.Envelope {
		get := ev.ip.GetEnvelope()
		if get == nil {
			return false, fmt.Errorf("envelope not supported by this interpreter")
		}
		for _, field := range headers {
			v, err := get(ev.mctx, strings.ToLower(field))
			if err != nil {
				return false, fmt.Errorf("envelope %s: %w", field, err)
			}
			raw = append(raw, v...)
		}
	} else {
		var err error
		raw, err = ev.headerValues(headers)
		if err != nil {
			return false, err
		}
	}

	part := "all"
	switch t.AddressPart {
	case script.AddressLocalpart:
		part = "localpart"
	case script.AddressDomain:
		part = "domain"
	}

	var values []string
	for _, v := range raw {
		for _, addr := range helpers.ParseAddressList(v) {
			values = append(values, helpers.AddressPart(addr, part))
		}
	}

	return matchValues(ev.st, values, ev.expandList(t.Patterns, vars),
		t.MatchType, t.Relation, t.Comparator)
}

func (ev *evaluator) evalDuplicateTest(t *script.DuplicateTest, vars bool) (bool, error) {
	dup := ev.ip.Duplicate()
	if dup == nil {
		return false, fmt.Errorf("duplicate not supported by this interpreter")
	}

	var id string
	switch t.IDType {
	case script.DupIDHeader, script.DupIDMessageID:
		name := "message-id"
		if t.IDType == script.DupIDHeader {
			name = t.IDValue
		}
		values, err := ev.headerValues([]string{name})
		if err != nil {
			return false, err
		}
		if len(values) > 0 {
			if t.Last {
				id = values[len(values)-1]
			} else {
				id = values[0]
			}
		}
	case script.DupIDUniqueID:
		id = ev.expand(t.IDValue, vars)
	}

	// No identifier means the test cannot match and nothing is tracked.
	if id == "" {
		return false, nil
	}

	dctx := &interp.DuplicateContext{ID: id, Seconds: t.Seconds}
	seen, err := dup.Check(dctx, ev.rc)
	if err != nil {
		return false, fmt.Errorf("duplicate check: %w", err)
	}
	if !seen {
		ev.duptracks = append(ev.duptracks, dctx)
	}
	return seen, nil
}
