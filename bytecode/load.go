package bytecode

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/migadu/sieve/consts"
	"github.com/migadu/sieve/logger"
	"github.com/migadu/sieve/pkg/metrics"
)

// blob is one memory-mapped bytecode file. Device and inode identify the
// underlying file so reloading a path that still points at the same file
// reuses the existing mapping.
type blob struct {
	fname string
	dev   uint64
	ino   uint64
	data  []byte
	prog  *Program
}

// Executable is the set of bytecode blobs loaded for one delivery: the
// top-level script plus everything it included. Load prepends new blobs
// and points Cur at whichever one was requested last.
type Executable struct {
	blobs []*blob
	cur   *blob
}

// Program returns the decoded program of the most recently loaded blob.
func (e *Executable) Program() *Program {
	if e == nil || e.cur == nil {
		return nil
	}
	return e.cur.prog
}

// Fname returns the path of the most recently loaded blob.
func (e *Executable) Fname() string {
	if e == nil || e.cur == nil {
		return ""
	}
	return e.cur.fname
}

// Support returns the capability mask of the most recently loaded blob.
func (e *Executable) Support() uint64 {
	if p := e.Program(); p != nil {
		return p.Support
	}
	return 0
}

// Load maps the bytecode file at path into exe. A nil exe starts a fresh
// executable. When the file is already mapped (same device and inode,
// typically an include cycle or a re-entered script), the existing
// mapping is reused and reloaded is true; the caller skips re-execution.
func Load(path string, exe *Executable) (_ *Executable, reloaded bool, err error) {
	log := logger.Get()

	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOENT) {
			log.Debug("bytecode file does not exist", "path", path)
		} else {
			log.Error("stat bytecode file", "path", path, "error", err)
		}
		metrics.BytecodeLoads.WithLabelValues("fail").Inc()
		return exe, false, fmt.Errorf("stat %s: %w", path, consts.ErrFail)
	}

	if exe == nil {
		exe = &Executable{}
	}

	for _, b := range exe.blobs {
		if b.dev == uint64(st.Dev) && b.ino == st.Ino {
			exe.cur = b
			metrics.BytecodeLoads.WithLabelValues("reloaded").Inc()
			return exe, true, nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		metrics.BytecodeLoads.WithLabelValues("fail").Inc()
		return exe, false, fmt.Errorf("open %s: %w", path, consts.ErrFail)
	}
	defer f.Close()

	// fstat the open descriptor; the path may have been swapped between
	// the stat above and the open.
	var fst syscall.Stat_t
	if err := syscall.Fstat(int(f.Fd()), &fst); err != nil {
		metrics.BytecodeLoads.WithLabelValues("fail").Inc()
		return exe, false, fmt.Errorf("fstat %s: %w", path, consts.ErrFail)
	}

	// mmap rejects a zero length; an empty file goes straight to the
	// decoder so the diagnostic names the real problem.
	var data []byte
	if fst.Size > 0 {
		data, err = unix.Mmap(int(f.Fd()), 0, int(fst.Size), unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			log.Error("mmap bytecode file", "path", path, "error", err)
			metrics.BytecodeLoads.WithLabelValues("fail").Inc()
			return exe, false, fmt.Errorf("mmap %s: %w", path, consts.ErrFail)
		}
	}

	prog, err := Decode(data)
	if err != nil {
		if data != nil {
			_ = unix.Munmap(data)
		}
		log.Error("decode bytecode", "path", path, "error", err)
		metrics.BytecodeLoads.WithLabelValues("fail").Inc()
		return exe, false, fmt.Errorf("decode %s: %v: %w", path, err, consts.ErrFail)
	}

	b := &blob{
		fname: path,
		dev:   uint64(fst.Dev),
		ino:   fst.Ino,
		data:  data,
		prog:  prog,
	}
	exe.blobs = append([]*blob{b}, exe.blobs...)
	exe.cur = b

	metrics.BytecodeLoads.WithLabelValues("ok").Inc()
	return exe, false, nil
}

// Unload releases every mapping held by the executable. Unloading a nil
// executable is an error, matching the load/unload pairing contract.
func Unload(exe *Executable) error {
	if exe == nil {
		return consts.ErrFail
	}
	var firstErr error
	for _, b := range exe.blobs {
		if b.data != nil {
			if err := unix.Munmap(b.data); err != nil && firstErr == nil {
				firstErr = err
			}
			b.data = nil
		}
	}
	exe.blobs = nil
	exe.cur = nil
	return firstErr
}
