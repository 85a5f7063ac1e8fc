// Command sievec checks, compiles and test-runs Sieve scripts.
//
//	sievec -check script.sieve            validate, print diagnostics
//	sievec -compile script.sieve          write script.svbin
//	sievec -run message.eml script.sieve  execute against a message,
//	                                      printing the actions taken
package main

import (
	"errors"
	"flag"
	"fmt"
	"net/mail"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"

	"github.com/migadu/sieve/bytecode"
	"github.com/migadu/sieve/config"
	"github.com/migadu/sieve/consts"
	"github.com/migadu/sieve/execute"
	"github.com/migadu/sieve/helpers"
	"github.com/migadu/sieve/interp"
	"github.com/migadu/sieve/logger"
	"github.com/migadu/sieve/script"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to TOML configuration file")
		check       = flag.Bool("check", false, "parse the script and report errors")
		compile     = flag.Bool("compile", false, "compile the script to bytecode")
		runMessage  = flag.String("run", "", "execute against the given .eml message")
		outPath     = flag.String("out", "", "bytecode output path (default: script name with .svbin)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("sievec %s (%s)\n", version, commit)
		return
	}

	cfg := config.NewDefaultConfig()
	if *configPath != "" {
		if err := config.LoadConfigFromFile(*configPath, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "sievec: %v\n", err)
			os.Exit(2)
		}
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sievec: %v\n", err)
		os.Exit(2)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: sievec [-check|-compile|-run message.eml] script.sieve")
		os.Exit(2)
	}
	scriptPath := flag.Arg(0)

	switch {
	case *check:
		os.Exit(runCheck(scriptPath))
	case *compile:
		os.Exit(runCompile(&cfg, scriptPath, *outPath))
	case *runMessage != "":
		os.Exit(runScript(&cfg, scriptPath, *runMessage))
	default:
		os.Exit(runCheck(scriptPath))
	}
}

func runCheck(scriptPath string) int {
	f, err := os.Open(scriptPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sievec: %v\n", err)
		return 2
	}
	defer f.Close()

	s, errs, err := script.ParseOnly(f)
	if err != nil {
		fmt.Fprint(os.Stderr, errs)
		return 1
	}
	s.Free()
	fmt.Printf("%s: OK\n", scriptPath)
	return 0
}

func compileScript(ip *interp.Interp, scriptPath string) ([]byte, error) {
	src, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, err
	}
	s, errs, err := script.ParseString(ip, string(src))
	if err != nil {
		return nil, fmt.Errorf("%w\n%s", err, errs)
	}
	defer s.Free()
	return bytecode.Generate(s)
}

func runCompile(cfg *config.Config, scriptPath, outPath string) int {
	blob, err := compileScript(nil, scriptPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sievec: %s: %v\n", scriptPath, err)
		return 1
	}

	if outPath == "" {
		outPath = strings.TrimSuffix(scriptPath, filepath.Ext(scriptPath)) + ".svbin"
	}
	if err := os.WriteFile(outPath, blob, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "sievec: %v\n", err)
		return 1
	}
	fmt.Printf("%s: %d bytes\n", outPath, len(blob))
	return 0
}

// message adapts a parsed .eml file to the interpreter's accessor slots.
type message struct {
	header mail.Header
	raw    []byte
}

func loadMessage(path string) (*message, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("parse message %s: %w", path, err)
	}
	return &message{header: m.Header, raw: raw}, nil
}

func (m *message) headers(name string) []string {
	var out []string
	for _, v := range m.header[textproto.CanonicalMIMEHeaderKey(name)] {
		out = append(out, helpers.DecodeMIMEHeader(v))
	}
	return out
}

// printInterp builds an interpreter whose actions print what a real
// delivery host would have done.
func printInterp(cfg *config.Config, msg *message) *interp.Interp {
	ip := interp.New(nil)
	ip.EnabledExtensions = cfg.Engine.EnabledExtensions

	ip.RegisterKeep(func(kc *interp.KeepContext, _ *interp.RunContext) error {
		fmt.Printf("KEEP flags=%v\n", kc.Flags)
		return nil
	})
	ip.RegisterFileInto(func(fc *interp.FileIntoContext, _ *interp.RunContext) error {
		fmt.Printf("FILEINTO %s flags=%v copy=%v\n", fc.Mailbox, fc.Flags, fc.Copy)
		return nil
	})
	ip.RegisterRedirect(func(rc *interp.RedirectContext, _ *interp.RunContext) error {
		fmt.Printf("REDIRECT %s copy=%v\n", rc.Address, rc.Copy)
		return nil
	})
	ip.RegisterDiscard(func(_ *interp.RunContext) error {
		fmt.Println("DISCARD")
		return nil
	})
	ip.RegisterReject(func(rc *interp.RejectContext, _ *interp.RunContext) error {
		fmt.Printf("REJECT %q\n", rc.Message)
		return nil
	})
	ip.RegisterNotify(func(nc *interp.NotifyContext, _ *interp.RunContext) error {
		fmt.Printf("NOTIFY %s %q\n", nc.Method, nc.Message)
		return nil
	})
	ip.RegisterSnooze(func(sc *interp.SnoozeContext, _ *interp.RunContext) error {
		fmt.Printf("SNOOZE until %v mailbox=%s\n", sc.Times, sc.Mailbox)
		return nil
	})
	_ = ip.RegisterVacation(&interp.Vacation{
		Autorespond: func(*interp.AutorespondContext, *interp.RunContext) error { return nil },
		SendResponse: func(sc *interp.SendResponseContext, _ *interp.RunContext) error {
			fmt.Printf("VACATION to=%s subject=%q\n", sc.Address, sc.Subject)
			return nil
		},
	})
	_ = ip.RegisterDuplicate(&interp.Duplicate{
		Check: func(*interp.DuplicateContext, *interp.RunContext) (bool, error) { return false, nil },
		Track: func(*interp.DuplicateContext, *interp.RunContext) error { return nil },
	})

	ip.RegisterHeader(func(_ any, name string) ([]string, error) {
		return msg.headers(name), nil
	})
	ip.RegisterEnvelope(func(_ any, field string) ([]string, error) {
		// No real envelope in a bare .eml; fall back to the headers.
		switch field {
		case "from":
			return msg.headers("from"), nil
		case "to":
			return msg.headers("to"), nil
		}
		return nil, nil
	})
	ip.RegisterSize(func(any) (int64, error) { return int64(len(msg.raw)), nil })
	ip.RegisterBody(func(any, []string) ([]interp.BodyPart, error) {
		parts, err := helpers.ExtractTextParts(msg.raw)
		if err != nil {
			return nil, err
		}
		out := make([]interp.BodyPart, len(parts))
		for i, p := range parts {
			out[i] = interp.BodyPart{ContentType: p.ContentType, Decoded: p.Decoded}
		}
		return out, nil
	})

	ip.RegisterLogger(func(_, _ any, level, message string) {
		logger.Get().Info(message, "level", level)
	})
	ip.RegisterParseError(func(lineno int, m string, _, _ any) error {
		fmt.Fprintf(os.Stderr, "line %d: %s\n", lineno, m)
		return nil
	})
	ip.RegisterExecuteError(func(m string, _, _, _ any) error {
		fmt.Fprintf(os.Stderr, "execution error: %s\n", m)
		return nil
	})

	return ip
}

func runScript(cfg *config.Config, scriptPath, messagePath string) int {
	msg, err := loadMessage(messagePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sievec: %v\n", err)
		return 2
	}

	ip := printInterp(cfg, msg)

	// Compile to a temporary blob so the run exercises the same loader
	// a delivery host would use.
	blob, err := compileScript(ip, scriptPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sievec: %s: %v\n", scriptPath, err)
		return 1
	}
	tmp, err := os.CreateTemp("", "sievec-*.svbin")
	if err != nil {
		fmt.Fprintf(os.Stderr, "sievec: %v\n", err)
		return 2
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		fmt.Fprintf(os.Stderr, "sievec: %v\n", err)
		return 2
	}
	tmp.Close()

	exe, _, err := bytecode.Load(tmpPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sievec: %v\n", err)
		return 1
	}
	defer bytecode.Unload(exe)

	if err := execute.Execute(exe, ip, nil, nil); err != nil {
		if !errors.Is(err, consts.ErrRun) {
			fmt.Fprintf(os.Stderr, "sievec: %v\n", err)
		}
		return 1
	}
	return 0
}
