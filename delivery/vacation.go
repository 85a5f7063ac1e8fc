package delivery

import (
	"bytes"
	"fmt"
	"time"

	"github.com/emersion/go-message"

	"github.com/migadu/sieve/interp"
	"github.com/migadu/sieve/logger"
)

// VacationComposer builds RFC 3834 compliant auto-replies and hands them
// to the relay. Replies carry Auto-Submitted and suppression headers so
// responders do not answer each other forever.
type VacationComposer struct {
	Hostname string
	Owner    string // address replies come from when the script gave none
	Relay    *SMTPRelay

	// InReplyTo returns the original message-id for threading headers;
	// may be nil.
	InReplyTo func(msgCtx any) string
}

// Compose renders the reply. When the script used :mime the message text
// is a complete MIME part and is emitted after the headers verbatim.
func (c *VacationComposer) Compose(sc *interp.SendResponseContext, origMessageID string) ([]byte, error) {
	from := sc.From
	if from == "" {
		from = c.Owner
	}
	subject := sc.Subject
	if subject == "" {
		subject = "Auto: Out of Office"
	}

	var buf bytes.Buffer
	var hdr message.Header
	hdr.Set("From", from)
	hdr.Set("To", sc.Address)
	hdr.Set("Subject", subject)
	hdr.Set("Message-ID", fmt.Sprintf("<%d.vacation@%s>", time.Now().UnixNano(), c.Hostname))
	hdr.Set("Auto-Submitted", "auto-replied")
	hdr.Set("X-Auto-Response-Suppress", "All")
	hdr.Set("Date", time.Now().Format(time.RFC1123Z))
	if origMessageID != "" {
		hdr.Set("In-Reply-To", origMessageID)
		hdr.Set("References", origMessageID)
	}

	if sc.Mime {
		// The script supplied headers and body of the part itself.
		fields := hdr.Fields()
		for fields.Next() {
			fmt.Fprintf(&buf, "%s: %s\r\n", fields.Key(), fields.Value())
		}
		buf.WriteString(sc.Message)
		return buf.Bytes(), nil
	}

	w, err := message.CreateWriter(&buf, hdr)
	if err != nil {
		return nil, fmt.Errorf("compose vacation reply: %w", err)
	}
	var textHeader message.Header
	textHeader.Set("Content-Type", "text/plain; charset=utf-8")
	part, err := w.CreatePart(textHeader)
	if err != nil {
		return nil, fmt.Errorf("compose vacation reply: %w", err)
	}
	part.Write([]byte(sc.Message))
	part.Close()
	w.Close()

	return buf.Bytes(), nil
}

// Responder binds the composer to the vacation send_response slot.
func (c *VacationComposer) Responder() interp.SendResponseFunc {
	return func(sc *interp.SendResponseContext, run *interp.RunContext) error {
		var origID string
		if c.InReplyTo != nil {
			origID = c.InReplyTo(run.Message)
		}
		raw, err := c.Compose(sc, origID)
		if err != nil {
			return err
		}

		from := sc.From
		if from == "" {
			from = c.Owner
		}
		if err := c.Relay.Send(from, sc.Address, raw); err != nil {
			return fmt.Errorf("vacation reply to %s: %w", sc.Address, err)
		}
		logger.Info("vacation reply sent", "to", sc.Address)
		return nil
	}
}
