package script

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/migadu/sieve/consts"
	"github.com/migadu/sieve/interp"
)

func TestParseRequiresVerifiedInterp(t *testing.T) {
	// An interpreter without the mandatory callbacks must be rejected
	// before any source is read.
	_, err := Parse(strings.NewReader("keep;"), interp.New(nil), nil)
	if err == nil {
		t.Fatal("expected verify failure")
	}
	if !errors.Is(err, consts.ErrFail) {
		t.Errorf("expected ErrFail, got %v", err)
	}
}

func TestParseCollectsIntoScriptContext(t *testing.T) {
	ip := interp.NewNonexecInterp()
	var buf bytes.Buffer

	_, err := Parse(strings.NewReader(`require "nosuchthing";`), ip, &buf)
	if !errors.Is(err, consts.ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
	if got := buf.String(); got != "line 1: Unsupported feature nosuchthing\r\n" {
		t.Errorf("collected %q", got)
	}
}

func TestParseStringNoBanner(t *testing.T) {
	_, errs, err := ParseString(nil, `require "nosuchthing";`)
	if !errors.Is(err, consts.ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
	if strings.HasPrefix(errs, "script errors:") {
		t.Errorf("ParseString must not add the banner: %q", errs)
	}
	if !strings.Contains(errs, "line 1: Unsupported feature nosuchthing") {
		t.Errorf("diagnostic missing: %q", errs)
	}
}

func TestParseOnlyBanner(t *testing.T) {
	_, errs, err := ParseOnly(strings.NewReader("keep"))
	if !errors.Is(err, consts.ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
	if !strings.HasPrefix(errs, "script errors:\r\n") {
		t.Errorf("banner missing: %q", errs)
	}
}

func TestParseOnlyAcceptsEveryExtension(t *testing.T) {
	src := `require ["fileinto", "envelope", "vacation", "enotify", "duplicate",
"include", "editheader", "snooze", "extlists", "mboxmetadata"];
keep;`
	s, errs, err := ParseOnly(strings.NewReader(src))
	if err != nil {
		t.Fatalf("parse-only should accept all extensions: %v\n%s", err, errs)
	}
	s.Free()
}

func TestScriptFree(t *testing.T) {
	s := mustParse(t, "keep;")
	s.Free()
	if s.Commands != nil {
		t.Error("Free must drop the command tree")
	}
	// Freeing twice or freeing nil is harmless.
	s.Free()
	var nilScript *Script
	nilScript.Free()
}

func TestErrorCountMultiple(t *testing.T) {
	ip := interp.NewNonexecInterp()
	var buf bytes.Buffer
	_, err := Parse(strings.NewReader("bogus;\nworse;\n"), ip, &buf)
	if !errors.Is(err, consts.ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
	if n := strings.Count(buf.String(), "\r\n"); n != 2 {
		t.Errorf("expected 2 diagnostics, got %d: %q", n, buf.String())
	}
}
