// Package bytecode defines the compiled form of a Sieve script: a compact
// binary encoding of the command tree, carried behind a header with a
// format version, a content digest and the capability mask the script was
// parsed with. The encoding is self-delimiting (length-prefixed blocks),
// so the engine never follows computed jump offsets.
package bytecode

import (
	"encoding/binary"
	"fmt"
)

// Magic and version identify the on-disk format. Version changes whenever
// the opcode set or an operand layout changes; old blobs are recompiled,
// never migrated.
const (
	Magic   = "GSBC"
	Version = uint32(1)

	// headerSize is magic + version + support mask + blake3-256 digest.
	headerSize = 4 + 4 + 8 + 32
)

// Command opcodes.
const (
	opStop uint8 = iota
	opKeep
	opDiscard
	opFileInto
	opRedirect
	opReject
	opVacation
	opFlag
	opMark
	opNotify
	opDenotify
	opSnooze
	opSet
	opInclude
	opGlobal
	opReturn
	opLog
	opAddHeader
	opDeleteHeader
	opIf
)

// Test opcodes.
const (
	tTrue uint8 = iota
	tFalse
	tNot
	tAllOf
	tExists
	tHeader
	tAddress
	tSize
	tString
	tEnvironment
	tMailboxExists
	tDuplicate
)

// writer builds the payload. All integers are big-endian; strings and
// lists are length-prefixed.
type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) u32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *writer) u64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *writer) str(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) list(l []string) {
	w.u32(uint32(len(l)))
	for _, s := range l {
		w.str(s)
	}
}

func (w *writer) bool(b bool) {
	if b {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

// block writes a length-prefixed nested region filled in by fn.
func (w *writer) block(fn func()) {
	w.u32(0)
	mark := len(w.buf)
	fn()
	binary.BigEndian.PutUint32(w.buf[mark-4:mark], uint32(len(w.buf)-mark))
}

// reader decodes a payload. Every accessor checks bounds; a truncated or
// corrupt blob surfaces as an error, never a panic.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) u8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("bytecode truncated at offset %d", r.pos)
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, fmt.Errorf("bytecode truncated at offset %d", r.pos)
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, fmt.Errorf("bytecode truncated at offset %d", r.pos)
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	if uint32(r.remaining()) < n {
		return "", fmt.Errorf("bytecode string overruns blob at offset %d", r.pos)
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *reader) list() ([]string, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if uint32(r.remaining()) < n {
		return nil, fmt.Errorf("bytecode list count %d overruns blob", n)
	}
	var l []string
	for i := uint32(0); i < n; i++ {
		s, err := r.str()
		if err != nil {
			return nil, err
		}
		l = append(l, s)
	}
	return l, nil
}

func (r *reader) bool() (bool, error) {
	v, err := r.u8()
	return v != 0, err
}

// block returns a sub-reader over the next length-prefixed region.
func (r *reader) block() (*reader, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if uint32(r.remaining()) < n {
		return nil, fmt.Errorf("bytecode block length %d overruns blob", n)
	}
	sub := &reader{buf: r.buf[r.pos : r.pos+int(n)]}
	r.pos += int(n)
	return sub, nil
}
