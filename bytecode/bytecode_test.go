package bytecode

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/migadu/sieve/consts"
	"github.com/migadu/sieve/interp"
	"github.com/migadu/sieve/script"
)

func compile(t *testing.T, source string) []byte {
	t.Helper()
	s, errs, err := script.ParseString(nil, source)
	if err != nil {
		t.Fatalf("parse failed: %v\n%s", err, errs)
	}
	blob, err := Generate(s)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	return blob
}

func TestGenerateDecodeRoundtrip(t *testing.T) {
	blob := compile(t, `require ["fileinto", "imap4flags", "envelope"];
if allof (envelope :domain :is "from" "example.org",
          not header :contains ["subject"] ["spam"]) {
	fileinto :flags ["\\Seen"] "Archive";
} else {
	addflag "\\Flagged";
	keep;
}
stop;`)

	prog, err := Decode(blob)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if prog.Support&interp.CapaFileinto == 0 {
		t.Error("support mask lost fileinto")
	}
	if len(prog.Commands) != 2 {
		t.Fatalf("expected 2 top-level commands, got %d", len(prog.Commands))
	}

	ifCmd, ok := prog.Commands[0].(*script.IfCmd)
	if !ok {
		t.Fatalf("expected IfCmd, got %T", prog.Commands[0])
	}
	all := ifCmd.Test.(*script.AllOfTest)
	if all.Any || len(all.Tests) != 2 {
		t.Fatalf("allof test mangled: %+v", all)
	}
	env := all.Tests[0].(*script.AddressTest)
	if !env.Envelope || env.AddressPart != script.AddressDomain {
		t.Errorf("envelope test mangled: %+v", env)
	}
	fi := ifCmd.Then[0].(*script.FileIntoCmd)
	if fi.Mailbox != "Archive" || !fi.HasFlags || fi.Flags[0] != "\\Seen" {
		t.Errorf("fileinto mangled: %+v", fi)
	}
	if len(ifCmd.Else) != 2 {
		t.Fatalf("else block mangled: %d commands", len(ifCmd.Else))
	}
	if _, ok := prog.Commands[1].(*script.StopCmd); !ok {
		t.Errorf("expected StopCmd, got %T", prog.Commands[1])
	}
}

func TestDecodeRejectsTamperedBlob(t *testing.T) {
	blob := compile(t, "keep;")

	// Flip a payload byte; the digest must catch it.
	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := Decode(tampered); err == nil {
		t.Error("expected digest mismatch")
	}

	if _, err := Decode(blob[:10]); err == nil {
		t.Error("expected short-blob error")
	}

	bad := append([]byte(nil), blob...)
	copy(bad, "XXXX")
	if _, err := Decode(bad); err == nil || !strings.Contains(err.Error(), "magic") {
		t.Errorf("expected magic error, got %v", err)
	}
}

func TestGenerateRejectsFreedScript(t *testing.T) {
	s, _, err := script.ParseString(nil, "keep;")
	if err != nil {
		t.Fatal(err)
	}
	s.Free()
	if _, err := Generate(s); err == nil {
		t.Error("expected error for freed script")
	}
}

func writeBytecodeFile(t *testing.T, dir, name, source string) string {
	t.Helper()
	blob := compile(t, source)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadUnload(t *testing.T) {
	dir := t.TempDir()
	path := writeBytecodeFile(t, dir, "test.bc", "keep;")

	exe, reloaded, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if reloaded {
		t.Error("fresh load must not report reloaded")
	}
	if exe.Program() == nil || len(exe.Program().Commands) != 1 {
		t.Fatal("program not decoded")
	}
	if exe.Fname() != path {
		t.Errorf("fname = %q", exe.Fname())
	}

	if err := Unload(exe); err != nil {
		t.Errorf("unload failed: %v", err)
	}
	if exe.Program() != nil {
		t.Error("program still reachable after unload")
	}
}

func TestLoadSameInodeReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeBytecodeFile(t, dir, "a.bc", "keep;")

	// A second path to the same file: hard link, same inode.
	link := filepath.Join(dir, "b.bc")
	if err := os.Link(path, link); err != nil {
		t.Skipf("hard links unsupported: %v", err)
	}

	exe, _, err := Load(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer Unload(exe)

	exe, reloaded, err := Load(link, exe)
	if err != nil {
		t.Fatal(err)
	}
	if !reloaded {
		t.Error("same inode must report reloaded")
	}

	other := writeBytecodeFile(t, dir, "c.bc", "discard;")
	exe, reloaded, err = Load(other, exe)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded {
		t.Error("distinct file must not report reloaded")
	}
	if _, ok := exe.Program().Commands[0].(*script.DiscardCmd); !ok {
		t.Errorf("cur not pointing at latest blob: %T", exe.Program().Commands[0])
	}
}

func TestLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.bc")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	_, _, err := Load(path, nil)
	if !errors.Is(err, consts.ErrFail) {
		t.Fatalf("expected ErrFail, got %v", err)
	}
	if !strings.Contains(err.Error(), "bytecode too short") {
		t.Errorf("empty file must fail in the decoder, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "nope.bc"), nil)
	if !errors.Is(err, consts.ErrFail) {
		t.Errorf("expected ErrFail, got %v", err)
	}
}

func TestUnloadNil(t *testing.T) {
	if err := Unload(nil); !errors.Is(err, consts.ErrFail) {
		t.Errorf("expected ErrFail for nil executable, got %v", err)
	}
}
