package consts

import "errors"

// Status sentinels shared by the frontend, the bytecode cache and the
// execution engine. They mirror the classic libsieve status codes; Go
// callers should test them with errors.Is.
var (
	// ErrDone is not a failure: a callback returns it to signal that the
	// response it would have produced was deliberately suppressed (for
	// example a vacation reply inside the :days window).
	ErrDone = errors.New("done")

	ErrFail         = errors.New("generic error")
	ErrNotFinalized = errors.New("sieve not finalized")
	ErrParse        = errors.New("parse error")
	ErrRun          = errors.New("run error")
	ErrInternal     = errors.New("internal error")

	// ErrNoMem exists only so hosts mapping status codes across the wire
	// have a stable value; this implementation never produces it.
	ErrNoMem = errors.New("no memory")
)
