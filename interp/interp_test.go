package interp

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/migadu/sieve/consts"
)

func newMinimalInterp() *Interp {
	i := New(nil)
	i.RegisterKeep(func(*KeepContext, *RunContext) error { return nil })
	i.RegisterLogger(func(any, any, string, string) {})
	i.RegisterParseError(func(int, string, any, any) error { return nil })
	return i
}

func TestVerify(t *testing.T) {
	if err := newMinimalInterp().Verify(); err != nil {
		t.Errorf("minimal interpreter should verify: %v", err)
	}

	i := New(nil)
	i.RegisterKeep(func(*KeepContext, *RunContext) error { return nil })
	i.RegisterLogger(func(any, any, string, string) {})
	if err := i.Verify(); err == nil {
		t.Error("expected verify failure without parse error reporter")
	} else if !errors.Is(err, consts.ErrFail) {
		t.Errorf("expected ErrFail, got %v", err)
	}
}

func TestRegisterVacationValidatesPair(t *testing.T) {
	i := New(nil)
	err := i.RegisterVacation(&Vacation{
		Autorespond: func(*AutorespondContext, *RunContext) error { return nil },
	})
	if err == nil {
		t.Error("expected error for incomplete vacation pair")
	}
}

func TestExtensionIsActive(t *testing.T) {
	i := newMinimalInterp()

	if i.ExtensionIsActive("fileinto") != 0 {
		t.Error("fileinto must be inactive without a callback")
	}
	i.RegisterFileInto(func(*FileIntoContext, *RunContext) error { return nil })
	if i.ExtensionIsActive("fileinto") != CapaFileinto {
		t.Error("fileinto must be active once registered")
	}

	// Engine-internal extensions need no callback.
	if i.ExtensionIsActive("variables") != CapaVariables {
		t.Error("variables must always be active")
	}

	if i.ExtensionIsActive("nosuchthing") != 0 {
		t.Error("unknown extensions must be inactive")
	}
}

func TestEnabledExtensionsRestricts(t *testing.T) {
	i := newMinimalInterp()
	i.RegisterFileInto(func(*FileIntoContext, *RunContext) error { return nil })
	i.EnabledExtensions = []string{"variables"}

	if i.ExtensionIsActive("fileinto") != 0 {
		t.Error("fileinto must be excluded by EnabledExtensions")
	}
	if i.ExtensionIsActive("variables") == 0 {
		t.Error("variables is listed and must stay active")
	}
}

func TestNonexecInterpVerifies(t *testing.T) {
	i := NewNonexecInterp()
	if err := i.Verify(); err != nil {
		t.Fatalf("nonexec interpreter must verify: %v", err)
	}

	// Every extension must look available so parsing accepts any require.
	for _, name := range KnownExtensions {
		if i.ExtensionIsActive(name) == 0 {
			t.Errorf("extension %q inactive in nonexec interpreter", name)
		}
	}
}

func TestNonexecInterpStubsAbort(t *testing.T) {
	i := NewNonexecInterp()

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected stub to panic")
		}
		if !strings.Contains(r.(string), "stub callback") {
			t.Errorf("unexpected panic value: %v", r)
		}
	}()
	_ = i.Keep()(&KeepContext{}, &RunContext{})
}

func TestNonexecParseErrorCollects(t *testing.T) {
	i := NewNonexecInterp()
	var buf bytes.Buffer
	if err := i.ParseError()(3, "boom", nil, &buf); err != nil {
		t.Fatalf("parse error collector failed: %v", err)
	}
	if got := buf.String(); got != "line 3: boom\r\n" {
		t.Errorf("collected %q", got)
	}
}
