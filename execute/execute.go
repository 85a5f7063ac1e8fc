// Package execute runs compiled Sieve programs. Evaluation accumulates
// actions without side effects; the dispatcher then applies them in order
// through the interpreter's callbacks, finishing with the implicit keep
// unless an action canceled it. Errors from any stage are funneled
// through the interpreter's execute-error callback.
package execute

import (
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"lukechampine.com/blake3"

	"github.com/migadu/sieve/bytecode"
	"github.com/migadu/sieve/consts"
	"github.com/migadu/sieve/interp"
	"github.com/migadu/sieve/pkg/metrics"
)

// executeErrLimit caps the message handed to the execute-error callback.
const executeErrLimit = 1024

// dispatcher applies the queued actions and builds the operator trace.
type dispatcher struct {
	ip   *interp.Interp
	sctx any
	mctx any
	rc   *interp.RunContext

	trace        strings.Builder
	lastAction   string
	lastItem     string
	implicitKeep bool
}

func (d *dispatcher) traceLine(format string, args ...any) {
	if d.trace.Len() == 0 {
		d.trace.WriteString("Action(s) taken:\n")
	}
	fmt.Fprintf(&d.trace, format, args...)
}

// shapeError formats a failure message, naming the failing action and
// its item when one was in flight. Shaping happens at failure time;
// reporting may be deferred until after the notifications went out, by
// which point lastAction has moved on.
func (d *dispatcher) shapeError(reason string) string {
	var msg string
	switch {
	case d.lastAction == "":
		msg = reason
	case d.lastItem != "":
		msg = fmt.Sprintf("%s (%s): %s", d.lastAction, d.lastItem, reason)
	default:
		msg = fmt.Sprintf("%s: %s", d.lastAction, reason)
	}
	if len(msg) > executeErrLimit {
		msg = msg[:executeErrLimit]
	}
	return msg
}

// reportError hands a shaped failure to the execute-error callback.
func (d *dispatcher) reportError(msg string) {
	if cb := d.ip.ExecuteError(); cb != nil {
		_ = cb(msg, d.ip.InterpContext, d.sctx, d.mctx)
	}
	if log := d.ip.Log(); log != nil {
		log(d.sctx, d.mctx, "error", msg)
	}
}

func (d *dispatcher) funnel(reason string) {
	d.reportError(d.shapeError(reason))
}

// dispatch applies one action. The trace line is written only after the
// callback succeeded.
func (d *dispatcher) dispatch(a *action) error {
	d.lastAction = a.kind.String()
	d.lastItem = ""

	var err error
	switch a.kind {
	case actionKeep:
		if d.ip.Keep() == nil {
			err = fmt.Errorf("keep not supported: %w", consts.ErrInternal)
			break
		}
		if err = d.ip.Keep()(a.keep, d.rc); err == nil {
			d.traceLine("Kept\n")
		}

	case actionFileInto:
		d.lastItem = a.fileInto.Mailbox
		cb := d.ip.FileInto()
		if cb == nil {
			err = fmt.Errorf("fileinto not supported: %w", consts.ErrInternal)
			break
		}
		if err = cb(a.fileInto, d.rc); err == nil {
			d.traceLine("Filed into: %s\n", a.fileInto.Mailbox)
		}

	case actionRedirect:
		d.lastItem = a.redirect.Address
		cb := d.ip.Redirect()
		if cb == nil {
			err = fmt.Errorf("redirect not supported: %w", consts.ErrInternal)
			break
		}
		if err = cb(a.redirect, d.rc); err == nil {
			d.traceLine("Redirected to %s\n", a.redirect.Address)
		}

	case actionDiscard:
		if cb := d.ip.Discard(); cb != nil {
			err = cb(d.rc)
		}
		if err == nil {
			d.traceLine("Discarded\n")
		}

	case actionReject:
		cb := d.ip.Reject()
		if cb == nil {
			err = fmt.Errorf("reject not supported: %w", consts.ErrInternal)
			break
		}
		if err = cb(a.reject, d.rc); err == nil {
			name := "Rejected"
			if a.reject.IsEreject {
				name = "eRejected"
			}
			d.traceLine("%s with: %s\n", name, a.reject.Message)
		}

	case actionSnooze:
		cb := d.ip.Snooze()
		if cb == nil {
			err = fmt.Errorf("snooze not supported: %w", consts.ErrInternal)
			break
		}
		if err = cb(a.snooze, d.rc); err == nil {
			d.traceLine("Snoozed\n")
		}

	case actionVacation:
		err = d.dispatchVacation(a.vacation)

	default:
		err = fmt.Errorf("cannot dispatch action %s: %w", a.kind, consts.ErrInternal)
	}

	status := "ok"
	if err != nil {
		status = "fail"
	}
	metrics.ActionsExecuted.WithLabelValues(strings.ToLower(a.kind.String()), status).Inc()
	return err
}

// dispatchVacation runs the two-phase vacation protocol: autorespond
// decides whether this sender gets a reply within the response window,
// then send_response delivers it. ErrDone from autorespond means the
// reply is suppressed, which is a success.
func (d *dispatcher) dispatchVacation(v *vacationAction) error {
	vac := d.ip.Vacation()
	if vac == nil {
		return fmt.Errorf("vacation not supported: %w", consts.ErrInternal)
	}

	sender := d.envelopeFrom()
	if sender == "" {
		// No return path; nothing to respond to.
		d.traceLine("Vacation reply suppressed\n")
		return nil
	}

	// The handle dedupes responses per sender and per vacation command.
	handle := v.Handle
	if handle == "" {
		handle = v.Subject + v.Message
	}
	sum := blake3.Sum256([]byte(handle))
	handle = fmt.Sprintf("%x", sum[:16])

	err := vac.Autorespond(&interp.AutorespondContext{
		Sender:  sender,
		Handle:  handle,
		Seconds: v.Seconds,
	}, d.rc)
	if errors.Is(err, consts.ErrDone) {
		d.traceLine("Vacation reply suppressed\n")
		return nil
	}
	if err != nil {
		return err
	}

	subject := v.Subject
	if subject == "" {
		if get := d.ip.GetHeader(); get != nil {
			if hv, herr := get(d.mctx, "subject"); herr == nil && len(hv) > 0 {
				subject = "Auto: " + hv[0]
			}
		}
	}

	err = vac.SendResponse(&interp.SendResponseContext{
		Address: sender,
		From:    v.From,
		Subject: subject,
		Message: v.Message,
		Mime:    v.Mime,
	}, d.rc)
	if err != nil {
		return err
	}
	d.traceLine("Sent vacation reply\n")
	return nil
}

func (d *dispatcher) envelopeFrom() string {
	if get := d.ip.GetEnvelope(); get != nil {
		if v, err := get(d.mctx, "from"); err == nil && len(v) > 0 {
			return v[0]
		}
	}
	if get := d.ip.GetHeader(); get != nil {
		if v, err := get(d.mctx, "from"); err == nil && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// dispatchNotifies sends the surviving notification queue. Every message
// carries the accumulated actions trace so the recipient sees what the
// script did. One entry failing does not stop the rest; the errors fold
// into the return value. A mailto method with no explicit :from falls
// back to the envelope sender, so bounces of the notification do not
// loop.
func (d *dispatcher) dispatchNotifies(ev *evaluator) error {
	cb := d.ip.Notify()
	src := loadNotifySource(d.ip, d.mctx)

	var fname string
	if get := d.ip.GetFname(); get != nil {
		fname, _ = get(d.mctx)
	}

	trace := d.trace.String()
	if trace == "" {
		trace = "Action(s) taken:\n"
	}

	var errs []error
	for _, e := range ev.notifies {
		if !e.Active {
			continue
		}
		if cb == nil {
			errs = append(errs, fmt.Errorf("notify not supported: %w", consts.ErrInternal))
			break
		}

		d.lastAction = "Notify"
		d.lastItem = e.Method

		from := e.From
		if from == "" && strings.HasPrefix(e.Method, "mailto:") {
			from = src.envFrom
		}

		// The mailto method takes its recipients in the options list; a
		// leading "$env-from$" placeholder is replaced with the envelope
		// sender.
		options := e.Options
		if strings.EqualFold(e.Method, "mailto") &&
			len(options) > 0 && options[0] == "$env-from$" {
			options = append([]string{src.envFrom}, options[1:]...)
		}

		err := cb(&interp.NotifyContext{
			Method:   e.Method,
			From:     from,
			Options:  options,
			Priority: e.Priority,
			Message:  buildNotifyMessage(e.Message, src) + "\n\n" + trace,
			Fname:    fname,
		}, d.rc)
		if err != nil {
			metrics.NotificationsSent.WithLabelValues("fail").Inc()
			errs = append(errs, err)
			continue
		}
		metrics.NotificationsSent.WithLabelValues("ok").Inc()
	}
	return errors.Join(errs...)
}

// doImplicitKeep files the message into the default mailbox with the
// flags the script accumulated. Called when no action canceled the keep,
// and as the fallback after a failed run.
func (d *dispatcher) doImplicitKeep(ev *evaluator) error {
	cb := d.ip.Keep()
	if cb == nil {
		return fmt.Errorf("keep not supported: %w", consts.ErrInternal)
	}

	kctx := &interp.KeepContext{Flags: ev.st.flagsCopy()}
	if ev.headersEdited {
		if get := d.ip.GetHeaderSection(); get != nil {
			if hdr, err := get(d.mctx); err == nil {
				kctx.Headers = hdr
			}
		}
	}

	d.lastAction = "Keep"
	d.lastItem = ""
	err := cb(kctx, d.rc)
	if err == nil {
		d.traceLine("Kept\n")
	}
	return err
}

// Execute runs the loaded program against one message. The interpreter's
// capability table must cover everything the bytecode was compiled with.
// A failure at any stage drains through one finishing path: the queued
// notifications still go out, the execute-error callback gets the shaped
// message, and the implicit keep runs unless an action disabled it. The
// returned error wraps ErrRun.
func Execute(exe *bytecode.Executable, ip *interp.Interp, scriptContext, messageContext any) error {
	if err := ip.Verify(); err != nil {
		return err
	}
	prog := exe.Program()
	if prog == nil {
		return fmt.Errorf("no bytecode loaded: %w", consts.ErrFail)
	}

	timer := prometheus.NewTimer(metrics.ScriptExecutionDuration)
	defer timer.ObserveDuration()

	ev := newEvaluator(exe, ip, scriptContext, messageContext)
	d := &dispatcher{
		ip:           ip,
		sctx:         scriptContext,
		mctx:         messageContext,
		rc:           ev.rc,
		implicitKeep: true,
	}

	if missing := prog.Support &^ activeMask(ip); missing != 0 {
		d.funnel("script requires extensions this server no longer enables")
		_ = d.doImplicitKeep(ev)
		metrics.ScriptExecutions.WithLabelValues("fail").Inc()
		return fmt.Errorf("unsupported capability mask %#x: %w", missing, consts.ErrRun)
	}

	var runErr error
	var failMsg string

	if err := ev.run(prog.Commands, prog.Support); err != nil {
		// Evaluation failed: no actions are dispatched, but the
		// notifications queued so far still go out and the implicit keep
		// still files the message.
		runErr = fmt.Errorf("%s: %w", err, consts.ErrRun)
		failMsg = d.shapeError(fmt.Sprintf("script execution failed: %s", err))
	} else {
		for i := range ev.actions {
			a := &ev.actions[i]
			// A keep-canceling action cancels before its callback runs;
			// the host's fallback delivery would otherwise duplicate the
			// message when the callback fails halfway.
			if a.cancelKeep {
				d.implicitKeep = false
			}
			if err := d.dispatch(a); err != nil {
				runErr = fmt.Errorf("%s action failed: %s: %w", d.lastAction, err, consts.ErrRun)
				failMsg = d.shapeError(err.Error())
				d.implicitKeep = false
				break
			}
		}
	}

	if err := d.dispatchNotifies(ev); err != nil && runErr == nil {
		runErr = fmt.Errorf("notify action failed: %s: %w", err, consts.ErrRun)
		failMsg = d.shapeError(err.Error())
	}

	if failMsg != "" {
		d.reportError(failMsg)
	}

	if d.implicitKeep {
		if err := d.doImplicitKeep(ev); err != nil && runErr == nil {
			runErr = fmt.Errorf("keep action failed: %s: %w", err, consts.ErrRun)
			d.funnel(err.Error())
		}
	}

	if runErr != nil {
		metrics.ScriptExecutions.WithLabelValues("fail").Inc()
		return runErr
	}

	// The run committed; record the duplicate ids it saw. Track failures
	// lose only future suppression, so they are logged, not fatal.
	if dup := ip.Duplicate(); dup != nil {
		for _, dctx := range ev.duptracks {
			if err := dup.Track(dctx, ev.rc); err != nil {
				metrics.DuplicateTrackWrites.WithLabelValues("fail").Inc()
				if log := ip.Log(); log != nil {
					log(scriptContext, messageContext, "warn",
						fmt.Sprintf("duplicate track failed: %s", err))
				}
				continue
			}
			metrics.DuplicateTrackWrites.WithLabelValues("ok").Inc()
		}
	}

	if d.trace.Len() > 0 {
		if log := ip.Log(); log != nil {
			log(scriptContext, messageContext, "info", d.trace.String())
		}
	}

	metrics.ScriptExecutions.WithLabelValues("ok").Inc()
	return nil
}

// activeMask is the union of every capability the interpreter can serve.
func activeMask(ip *interp.Interp) uint64 {
	mask := interp.CapaBase
	for _, name := range interp.KnownExtensions {
		mask |= ip.ExtensionIsActive(name)
	}
	return mask
}
