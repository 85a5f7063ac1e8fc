package interp

// RunContext carries the opaque host contexts through every callback
// invocation. Interp is set when the interpreter is built; Script and
// Message belong to one execution.
type RunContext struct {
	Interp  any
	Script  any
	Message any
}

// RejectContext is the payload of a reject or ereject action.
type RejectContext struct {
	Message   string
	IsEreject bool
}

// FileIntoContext is the payload of a fileinto action.
type FileIntoContext struct {
	Mailbox string
	Flags   []string
	Copy    bool
	Create  bool
}

// RedirectContext is the payload of a redirect action.
type RedirectContext struct {
	Address string
	Copy    bool
	// List marks a redirect produced through the extlists extension; the
	// address then names a list rather than a single recipient.
	List bool
}

// KeepContext is the payload of an explicit or implicit keep. Headers
// holds the edited header section when the script used editheader, nil
// otherwise.
type KeepContext struct {
	Flags   []string
	Headers []byte
}

// AutorespondContext asks the host whether a vacation response to Sender
// is currently due. Seconds is the suppression window requested by the
// script (:days / :seconds).
type AutorespondContext struct {
	Sender  string
	Handle  string
	Seconds int
}

// SendResponseContext is the payload of the vacation send_response phase.
type SendResponseContext struct {
	Address string // recipient of the response
	From    string
	Subject string
	Message string
	Mime    bool
}

// SnoozeContext is the payload of a snooze action.
type SnoozeContext struct {
	Mailbox  string
	AddFlags []string
	Weekdays []string
	Times    []string
}

// NotifyContext is the payload handed to the host notify callback after
// template expansion.
type NotifyContext struct {
	Method   string
	From     string
	Options  []string
	Priority string
	Message  string
	Fname    string
}

// DuplicateContext identifies one duplicate-tracking record.
type DuplicateContext struct {
	ID      string
	Seconds int
}

// BodyPart is one decoded body part returned by the body accessor.
type BodyPart struct {
	ContentType string
	Decoded     string
}
