// Package delivery carries sieve results off-host: redirecting messages
// through an upstream smarthost and composing vacation replies. It binds
// those transports to the interpreter's callback slots.
package delivery

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/migadu/sieve/interp"
	"github.com/migadu/sieve/logger"
)

// RelayError wraps a delivery failure with whether it is permanent.
// Permanent failures (5xx) should bounce; temporary ones (4xx, network)
// can be retried.
type RelayError struct {
	Err       error
	Permanent bool
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

// IsPermanentError reports whether a delivery error should not be
// retried.
func IsPermanentError(err error) bool {
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}
	return false
}

// SMTPRelay submits messages to an upstream smarthost.
type SMTPRelay struct {
	Host        string // host:port
	UseTLS      bool   // implicit TLS
	UseStartTLS bool
	TLSVerify   bool
	Username    string
	Password    string
	Timeout     time.Duration
}

func (r *SMTPRelay) dial() (*smtp.Client, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !r.TLSVerify,
	}
	switch {
	case r.UseTLS:
		return smtp.DialTLS(r.Host, tlsConfig)
	case r.UseStartTLS:
		return smtp.DialStartTLS(r.Host, tlsConfig)
	default:
		return smtp.Dial(r.Host)
	}
}

// Send submits one message. SMTP status classes map onto RelayError.
func (r *SMTPRelay) Send(from, to string, raw []byte) error {
	if r.Host == "" {
		return &RelayError{Err: errors.New("relay host not configured"), Permanent: false}
	}

	c, err := r.dial()
	if err != nil {
		return &RelayError{Err: fmt.Errorf("connect %s: %w", r.Host, err)}
	}
	defer c.Close()

	if r.Timeout > 0 {
		c.CommandTimeout = r.Timeout
		c.SubmissionTimeout = r.Timeout
	}

	if r.Username != "" {
		auth := sasl.NewPlainClient("", r.Username, r.Password)
		if err := c.Auth(auth); err != nil {
			return &RelayError{Err: fmt.Errorf("authenticate to %s: %w", r.Host, err)}
		}
	}

	if err := c.SendMail(from, []string{to}, bytes.NewReader(raw)); err != nil {
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			return &RelayError{Err: err, Permanent: !smtpErr.Temporary()}
		}
		return &RelayError{Err: err}
	}

	logger.Debug("message relayed", "host", r.Host, "to", to)
	return c.Quit()
}

// MessageSource supplies the envelope sender and raw bytes of the message
// a run is filtering, given its message context.
type MessageSource func(msgCtx any) (sender string, raw []byte, err error)

// Redirector binds the relay to the interpreter's redirect slot.
func Redirector(relay *SMTPRelay, src MessageSource) interp.RedirectFunc {
	return func(rc *interp.RedirectContext, run *interp.RunContext) error {
		sender, raw, err := src(run.Message)
		if err != nil {
			return fmt.Errorf("redirect to %s: %w", rc.Address, err)
		}
		if err := relay.Send(sender, rc.Address, raw); err != nil {
			return fmt.Errorf("redirect to %s: %w", rc.Address, err)
		}
		return nil
	}
}
