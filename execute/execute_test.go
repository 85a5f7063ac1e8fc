package execute

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/migadu/sieve/bytecode"
	"github.com/migadu/sieve/consts"
	"github.com/migadu/sieve/interp"
	"github.com/migadu/sieve/script"
)

// host is a recording message store: every callback appends to its slices
// so tests can assert on exactly what the dispatcher did.
type host struct {
	headers  map[string][]string
	envelope map[string][]string
	size     int64
	body     string

	kept       []*interp.KeepContext
	filed      []*interp.FileIntoContext
	redirected []*interp.RedirectContext
	rejected   []*interp.RejectContext
	snoozed    []*interp.SnoozeContext
	notified   []*interp.NotifyContext
	discarded  int

	autoresponds []*interp.AutorespondContext
	responses    []*interp.SendResponseContext
	suppress     bool

	seen    map[string]bool
	tracked []string

	includes map[string]string // script name -> bytecode path

	logs      []string
	execErrs  []string
	keepErr   error
	headerErr error

	redirectErr     error
	notifyErrMethod string // notify callback fails for this method
}

func newHost() *host {
	return &host{
		headers: map[string][]string{
			"from":       {"Alice <alice@example.org>"},
			"to":         {"bob@example.org"},
			"subject":    {"lunch plans for friday"},
			"message-id": {"<m1@example.org>"},
		},
		envelope: map[string][]string{
			"from": {"alice@example.org"},
			"to":   {"bob@example.org"},
		},
		size:     2048,
		body:     "shall we have lunch on friday?",
		seen:     map[string]bool{},
		includes: map[string]string{},
	}
}

func (h *host) interp() *interp.Interp {
	ip := interp.New(nil)

	ip.RegisterKeep(func(kc *interp.KeepContext, _ *interp.RunContext) error {
		if h.keepErr != nil {
			return h.keepErr
		}
		h.kept = append(h.kept, kc)
		return nil
	})
	ip.RegisterFileInto(func(fc *interp.FileIntoContext, _ *interp.RunContext) error {
		h.filed = append(h.filed, fc)
		return nil
	})
	ip.RegisterRedirect(func(rc *interp.RedirectContext, _ *interp.RunContext) error {
		if h.redirectErr != nil {
			return h.redirectErr
		}
		h.redirected = append(h.redirected, rc)
		return nil
	})
	ip.RegisterDiscard(func(_ *interp.RunContext) error {
		h.discarded++
		return nil
	})
	ip.RegisterReject(func(rc *interp.RejectContext, _ *interp.RunContext) error {
		h.rejected = append(h.rejected, rc)
		return nil
	})
	ip.RegisterSnooze(func(sc *interp.SnoozeContext, _ *interp.RunContext) error {
		h.snoozed = append(h.snoozed, sc)
		return nil
	})
	ip.RegisterNotify(func(nc *interp.NotifyContext, _ *interp.RunContext) error {
		if h.notifyErrMethod != "" && nc.Method == h.notifyErrMethod {
			return errors.New("notification gateway unreachable")
		}
		h.notified = append(h.notified, nc)
		return nil
	})
	_ = ip.RegisterVacation(&interp.Vacation{
		Autorespond: func(ac *interp.AutorespondContext, _ *interp.RunContext) error {
			h.autoresponds = append(h.autoresponds, ac)
			if h.suppress {
				return consts.ErrDone
			}
			return nil
		},
		SendResponse: func(sc *interp.SendResponseContext, _ *interp.RunContext) error {
			h.responses = append(h.responses, sc)
			return nil
		},
	})
	_ = ip.RegisterDuplicate(&interp.Duplicate{
		Check: func(dc *interp.DuplicateContext, _ *interp.RunContext) (bool, error) {
			return h.seen[dc.ID], nil
		},
		Track: func(dc *interp.DuplicateContext, _ *interp.RunContext) error {
			h.seen[dc.ID] = true
			h.tracked = append(h.tracked, dc.ID)
			return nil
		},
	})

	ip.RegisterHeader(func(_ any, name string) ([]string, error) {
		if h.headerErr != nil {
			return nil, h.headerErr
		}
		return h.headers[strings.ToLower(name)], nil
	})
	ip.RegisterEnvelope(func(_ any, field string) ([]string, error) {
		return h.envelope[field], nil
	})
	ip.RegisterSize(func(any) (int64, error) { return h.size, nil })
	ip.RegisterBody(func(any, []string) ([]interp.BodyPart, error) {
		return []interp.BodyPart{{ContentType: "text/plain", Decoded: h.body}}, nil
	})
	ip.RegisterInclude(func(_ any, name string, _ bool) (string, error) {
		path, ok := h.includes[name]
		if !ok {
			return "", fmt.Errorf("no script %q", name)
		}
		return path, nil
	})

	ip.RegisterLogger(func(_, _ any, level, msg string) {
		h.logs = append(h.logs, level+": "+msg)
	})
	ip.RegisterParseError(func(int, string, any, any) error { return nil })
	ip.RegisterExecuteError(func(msg string, _, _, _ any) error {
		h.execErrs = append(h.execErrs, msg)
		return nil
	})

	return ip
}

func (h *host) trace() string {
	for i := len(h.logs) - 1; i >= 0; i-- {
		if strings.HasPrefix(h.logs[i], "info: Action(s) taken:\n") {
			return strings.TrimPrefix(h.logs[i], "info: ")
		}
	}
	return ""
}

func compileToFile(t *testing.T, ip *interp.Interp, source string) string {
	t.Helper()
	s, err := script.Parse(strings.NewReader(source), ip, nil)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	blob, err := bytecode.Generate(s)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "script.bc")
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func runScript(t *testing.T, h *host, source string) error {
	t.Helper()
	ip := h.interp()
	path := compileToFile(t, ip, source)
	exe, _, err := bytecode.Load(path, nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	defer bytecode.Unload(exe)
	return Execute(exe, ip, nil, nil)
}

func TestImplicitKeep(t *testing.T) {
	h := newHost()
	if err := runScript(t, h, `if false { discard; }`); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(h.kept) != 1 {
		t.Fatalf("expected 1 keep, got %d", len(h.kept))
	}
	if h.trace() != "Action(s) taken:\nKept\n" {
		t.Errorf("trace = %q", h.trace())
	}
}

func TestExplicitKeepRunsOnce(t *testing.T) {
	h := newHost()
	if err := runScript(t, h, `keep;`); err != nil {
		t.Fatal(err)
	}
	if len(h.kept) != 1 {
		t.Errorf("explicit keep must cancel the implicit one, got %d keeps", len(h.kept))
	}
}

func TestDiscardCancelsKeep(t *testing.T) {
	h := newHost()
	if err := runScript(t, h, `discard;`); err != nil {
		t.Fatal(err)
	}
	if len(h.kept) != 0 {
		t.Errorf("discard must cancel the implicit keep")
	}
	if h.discarded != 1 {
		t.Errorf("discard callback not invoked")
	}
	if h.trace() != "Action(s) taken:\nDiscarded\n" {
		t.Errorf("trace = %q", h.trace())
	}
}

func TestFileIntoWithFlags(t *testing.T) {
	h := newHost()
	err := runScript(t, h, `require ["fileinto", "imap4flags"];
addflag "\\Seen";
fileinto "Archive";`)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.filed) != 1 || h.filed[0].Mailbox != "Archive" {
		t.Fatalf("fileinto wrong: %+v", h.filed)
	}
	if len(h.filed[0].Flags) != 1 || h.filed[0].Flags[0] != "\\Seen" {
		t.Errorf("flags not carried: %+v", h.filed[0].Flags)
	}
	if len(h.kept) != 0 {
		t.Error("fileinto must cancel the implicit keep")
	}
	if h.trace() != "Action(s) taken:\nFiled into: Archive\n" {
		t.Errorf("trace = %q", h.trace())
	}
}

func TestFileIntoCopyKeepsImplicitKeep(t *testing.T) {
	h := newHost()
	err := runScript(t, h, `require ["fileinto", "copy"];
fileinto :copy "Archive";`)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.filed) != 1 || len(h.kept) != 1 {
		t.Errorf(":copy must preserve the implicit keep: filed=%d kept=%d", len(h.filed), len(h.kept))
	}
}

func TestRedirectTrace(t *testing.T) {
	h := newHost()
	if err := runScript(t, h, `redirect "carol@example.net";`); err != nil {
		t.Fatal(err)
	}
	if len(h.redirected) != 1 || h.redirected[0].Address != "carol@example.net" {
		t.Fatalf("redirect wrong: %+v", h.redirected)
	}
	if h.trace() != "Action(s) taken:\nRedirected to carol@example.net\n" {
		t.Errorf("trace = %q", h.trace())
	}
}

func TestRejectTrace(t *testing.T) {
	h := newHost()
	err := runScript(t, h, `require "reject";
reject "no thanks";`)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.rejected) != 1 || h.rejected[0].IsEreject {
		t.Fatalf("reject wrong: %+v", h.rejected)
	}
	if h.trace() != "Action(s) taken:\nRejected with: no thanks\n" {
		t.Errorf("trace = %q", h.trace())
	}
	if len(h.kept) != 0 {
		t.Error("reject must cancel the implicit keep")
	}
}

func TestVariablesExpansion(t *testing.T) {
	h := newHost()
	err := runScript(t, h, `require ["variables", "fileinto"];
set :lower "folder" "NewsLetters";
fileinto "INBOX/${folder}";`)
	if err != nil {
		t.Fatal(err)
	}
	if h.filed[0].Mailbox != "INBOX/newsletters" {
		t.Errorf("mailbox = %q", h.filed[0].Mailbox)
	}
}

func TestMatchVariables(t *testing.T) {
	h := newHost()
	err := runScript(t, h, `require ["variables", "fileinto"];
if header :matches "subject" "lunch plans for *" {
	fileinto "Plans/${1}";
}`)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.filed) != 1 || h.filed[0].Mailbox != "Plans/friday" {
		t.Errorf("match variable lost: %+v", h.filed)
	}
}

func TestHeaderTestRelational(t *testing.T) {
	h := newHost()
	h.headers["received"] = []string{"a", "b", "c"}
	err := runScript(t, h, `require "relational";
if header :count "ge" :comparator "i;ascii-numeric" "received" "3" { discard; }`)
	if err != nil {
		t.Fatal(err)
	}
	if h.discarded != 1 {
		t.Error("count test should have matched 3 received headers")
	}
}

func TestNotifyTokenExpansion(t *testing.T) {
	h := newHost()
	err := runScript(t, h, `require "enotify";
notify :message "[$subject[5]$] from $from$" "mailto:me@example.org";`)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.notified) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(h.notified))
	}
	want := "[lunch] from Alice <alice@example.org>\n\nAction(s) taken:\n"
	if h.notified[0].Message != want {
		t.Errorf("message = %q, want %q", h.notified[0].Message, want)
	}
	// mailto without :from falls back to the envelope sender.
	if h.notified[0].From != "alice@example.org" {
		t.Errorf("from = %q", h.notified[0].From)
	}
}

func TestNotifyMessageCarriesActionsTrace(t *testing.T) {
	h := newHost()
	err := runScript(t, h, `require ["enotify", "fileinto"];
fileinto "Archive";
notify :message "new mail" "mailto:me@example.org";`)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.notified) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(h.notified))
	}
	want := "new mail\n\nAction(s) taken:\nFiled into: Archive\n"
	if h.notified[0].Message != want {
		t.Errorf("message = %q, want %q", h.notified[0].Message, want)
	}
}

func TestMailtoEnvFromOptionSubstitution(t *testing.T) {
	h := newHost()
	err := runScript(t, h, `require "notify";
notify :method "mailto" :options ["$env-from$", "bob@example.org"] :message "m";`)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.notified) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(h.notified))
	}
	opts := h.notified[0].Options
	if len(opts) != 2 || opts[0] != "alice@example.org" || opts[1] != "bob@example.org" {
		t.Errorf("options = %v", opts)
	}
}

func TestActionFailureStillNotifiesWithoutKeep(t *testing.T) {
	h := newHost()
	h.redirectErr = errors.New("relay down")
	err := runScript(t, h, `require "enotify";
notify :message "hi" "sms:12345";
redirect "carol@example.net";`)
	if !errors.Is(err, consts.ErrRun) {
		t.Fatalf("expected ErrRun, got %v", err)
	}
	if len(h.notified) != 1 {
		t.Errorf("queued notification must still go out, got %d", len(h.notified))
	}
	// Redirect canceled the keep before failing; fallback delivery is the
	// host's call, not a second keep here.
	if len(h.kept) != 0 {
		t.Errorf("expected no keep, got %d", len(h.kept))
	}
	if len(h.execErrs) != 1 || !strings.HasPrefix(h.execErrs[0], "Redirect (carol@example.net): ") {
		t.Errorf("execute error = %v", h.execErrs)
	}
}

func TestNotifyFailureDoesNotStopOthers(t *testing.T) {
	h := newHost()
	h.notifyErrMethod = "sms:111"
	err := runScript(t, h, `require "enotify";
notify :message "a" "sms:111";
notify :message "b" "mailto:me@example.org";`)
	if !errors.Is(err, consts.ErrRun) {
		t.Fatalf("expected ErrRun, got %v", err)
	}
	if len(h.notified) != 1 || h.notified[0].Method != "mailto:me@example.org" {
		t.Errorf("later notifications must still fire: %+v", h.notified)
	}
	if len(h.kept) != 1 {
		t.Errorf("notify failure must not cancel the implicit keep, got %d keeps", len(h.kept))
	}
}

func TestDenotifySuppressesMatching(t *testing.T) {
	h := newHost()
	err := runScript(t, h, `require "enotify";
notify :message "one" "mailto:a@example.org";
notify :message "two" "sms:12345";
denotify :matches "mailto:*";`)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.notified) != 1 || h.notified[0].Method != "sms:12345" {
		t.Errorf("denotify selected wrong entries: %+v", h.notified)
	}
}

func TestVacationSendsReply(t *testing.T) {
	h := newHost()
	err := runScript(t, h, `require "vacation";
vacation :days 3 :subject "away" "back monday";`)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.autoresponds) != 1 {
		t.Fatal("autorespond not called")
	}
	if h.autoresponds[0].Sender != "alice@example.org" {
		t.Errorf("sender = %q", h.autoresponds[0].Sender)
	}
	if h.autoresponds[0].Seconds != 3*86400 {
		t.Errorf("seconds = %d", h.autoresponds[0].Seconds)
	}
	if len(h.responses) != 1 || h.responses[0].Subject != "away" {
		t.Fatalf("response wrong: %+v", h.responses)
	}
	if !strings.Contains(h.trace(), "Sent vacation reply\n") {
		t.Errorf("trace = %q", h.trace())
	}
	// Vacation does not cancel the implicit keep.
	if len(h.kept) != 1 {
		t.Errorf("expected implicit keep, got %d", len(h.kept))
	}
}

func TestVacationSuppressed(t *testing.T) {
	h := newHost()
	h.suppress = true
	err := runScript(t, h, `require "vacation";
vacation "away";`)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.responses) != 0 {
		t.Error("suppressed vacation must not send")
	}
	if !strings.Contains(h.trace(), "Vacation reply suppressed\n") {
		t.Errorf("trace = %q", h.trace())
	}
}

func TestDuplicateSuppression(t *testing.T) {
	h := newHost()
	src := `require ["duplicate", "fileinto"];
if duplicate { fileinto "Duplicates"; }`

	if err := runScript(t, h, src); err != nil {
		t.Fatal(err)
	}
	if len(h.filed) != 0 {
		t.Error("first delivery must not be a duplicate")
	}
	if len(h.tracked) != 1 || h.tracked[0] != "<m1@example.org>" {
		t.Fatalf("message-id not tracked: %+v", h.tracked)
	}

	if err := runScript(t, h, src); err != nil {
		t.Fatal(err)
	}
	if len(h.filed) != 1 || h.filed[0].Mailbox != "Duplicates" {
		t.Errorf("second delivery must be a duplicate: %+v", h.filed)
	}
}

func TestDuplicateNotTrackedOnFailure(t *testing.T) {
	h := newHost()
	h.keepErr = errors.New("mailbox over quota")
	err := runScript(t, h, `require "duplicate";
if duplicate { discard; }`)
	if err == nil {
		t.Fatal("expected run failure")
	}
	if len(h.tracked) != 0 {
		t.Error("duplicate ids must not be tracked when the run fails")
	}
}

func TestInclude(t *testing.T) {
	h := newHost()
	ip := h.interp()
	h.includes["spam"] = compileToFile(t, ip, `require "fileinto"; fileinto "Spam";`)

	path := compileToFile(t, ip, `require "include"; include "spam";`)
	exe, _, err := bytecode.Load(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bytecode.Unload(exe)

	if err := Execute(exe, ip, nil, nil); err != nil {
		t.Fatal(err)
	}
	if len(h.filed) != 1 || h.filed[0].Mailbox != "Spam" {
		t.Errorf("included script not run: %+v", h.filed)
	}
}

func TestIncludeCycleTerminates(t *testing.T) {
	h := newHost()
	ip := h.interp()

	// The script includes itself; the second load sees the same inode
	// and must skip instead of recursing.
	dir := t.TempDir()
	path := filepath.Join(dir, "self.bc")
	h.includes["self"] = path

	s, err := script.Parse(strings.NewReader(`require ["include", "fileinto"];
fileinto "Once";
include "self";`), ip, nil)
	if err != nil {
		t.Fatal(err)
	}
	blob, err := bytecode.Generate(s)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		t.Fatal(err)
	}

	exe, _, err := bytecode.Load(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bytecode.Unload(exe)

	if err := Execute(exe, ip, nil, nil); err != nil {
		t.Fatalf("cycle must terminate cleanly: %v", err)
	}
	if len(h.filed) != 1 {
		t.Errorf("script body ran %d times", len(h.filed))
	}
}

func TestIncludeOptionalMissing(t *testing.T) {
	h := newHost()
	err := runScript(t, h, `require "include";
include :optional "nonexistent";
keep;`)
	if err != nil {
		t.Fatalf(":optional missing include must be a no-op: %v", err)
	}
	if len(h.kept) != 1 {
		t.Error("script must continue after optional include")
	}
}

func TestIncludeMissingFails(t *testing.T) {
	h := newHost()
	err := runScript(t, h, `require "include";
include "nonexistent";`)
	if !errors.Is(err, consts.ErrRun) {
		t.Fatalf("expected ErrRun, got %v", err)
	}
	if len(h.execErrs) == 0 {
		t.Error("failure must reach the execute-error callback")
	}
	// The message still lands somewhere.
	if len(h.kept) != 1 {
		t.Error("failed run must fall back to implicit keep")
	}
}

func TestRunErrorFunnel(t *testing.T) {
	h := newHost()
	h.headerErr = errors.New("store unavailable")
	err := runScript(t, h, `if header :is "x-test" "y" { discard; }`)
	if !errors.Is(err, consts.ErrRun) {
		t.Fatalf("expected ErrRun, got %v", err)
	}
	if len(h.execErrs) != 1 || !strings.Contains(h.execErrs[0], "script execution failed:") {
		t.Errorf("execute error = %v", h.execErrs)
	}
}

func TestActionErrorNamesActionAndItem(t *testing.T) {
	h := newHost()
	h.keepErr = errors.New("mailbox over quota")
	err := runScript(t, h, `keep;`)
	if !errors.Is(err, consts.ErrRun) {
		t.Fatalf("expected ErrRun, got %v", err)
	}
	if len(h.execErrs) != 1 || !strings.HasPrefix(h.execErrs[0], "Keep: ") {
		t.Errorf("execute error = %v", h.execErrs)
	}
}

func TestCapabilityMaskEnforced(t *testing.T) {
	// Compile against an interpreter with fileinto, run against one
	// without it.
	h := newHost()
	path := compileToFile(t, h.interp(), `require "fileinto"; fileinto "X";`)

	bare := interp.New(nil)
	bare.RegisterKeep(func(*interp.KeepContext, *interp.RunContext) error { return nil })
	bare.RegisterLogger(func(any, any, string, string) {})
	bare.RegisterParseError(func(int, string, any, any) error { return nil })

	exe, _, err := bytecode.Load(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bytecode.Unload(exe)

	if err := Execute(exe, bare, nil, nil); !errors.Is(err, consts.ErrRun) {
		t.Fatalf("expected ErrRun for missing capability, got %v", err)
	}
}

func TestStopHaltsScript(t *testing.T) {
	h := newHost()
	if err := runScript(t, h, `keep; stop; discard;`); err != nil {
		t.Fatal(err)
	}
	if h.discarded != 0 {
		t.Error("commands after stop must not run")
	}
	if len(h.kept) != 1 {
		t.Errorf("keep before stop must run: %d", len(h.kept))
	}
}
