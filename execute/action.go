package execute

import "github.com/migadu/sieve/interp"

// actionKind enumerates the deferred actions a run can accumulate. Flag
// and header edits apply immediately during evaluation; everything with
// an outside effect is queued here and dispatched in order afterwards.
type actionKind int

const (
	actionKeep actionKind = iota
	actionFileInto
	actionRedirect
	actionDiscard
	actionReject
	actionVacation
	actionSnooze
)

func (k actionKind) String() string {
	switch k {
	case actionKeep:
		return "Keep"
	case actionFileInto:
		return "Fileinto"
	case actionRedirect:
		return "Redirect"
	case actionDiscard:
		return "Discard"
	case actionReject:
		return "Reject"
	case actionVacation:
		return "Vacation"
	case actionSnooze:
		return "Snooze"
	}
	return "Unknown"
}

// action is one queued entry. Exactly one payload pointer is set,
// selected by kind; vacation carries the raw command fields because its
// two contexts are built at dispatch time.
type action struct {
	kind actionKind

	// cancelKeep marks actions that replace the implicit keep. A
	// :copy fileinto or redirect leaves it false.
	cancelKeep bool

	keep     *interp.KeepContext
	fileInto *interp.FileIntoContext
	redirect *interp.RedirectContext
	reject   *interp.RejectContext
	snooze   *interp.SnoozeContext
	vacation *vacationAction
}

// vacationAction holds the expanded vacation parameters until dispatch.
type vacationAction struct {
	Seconds   int
	Subject   string
	From      string
	Handle    string
	Addresses []string
	Mime      bool
	Message   string
}
