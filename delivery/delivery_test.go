package delivery

import (
	"errors"
	"strings"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sieve/interp"
)

func TestComposeVacationReply(t *testing.T) {
	c := &VacationComposer{Hostname: "mail.example.org", Owner: "bob@example.org"}

	raw, err := c.Compose(&interp.SendResponseContext{
		Address: "alice@example.org",
		Subject: "away until monday",
		Message: "I am out of the office.",
	}, "<orig@example.org>")
	require.NoError(t, err)

	msg := string(raw)
	assert.Contains(t, msg, "From: bob@example.org")
	assert.Contains(t, msg, "To: alice@example.org")
	assert.Contains(t, msg, "Subject: away until monday")
	assert.Contains(t, msg, "Auto-Submitted: auto-replied")
	assert.Contains(t, msg, "In-Reply-To: <orig@example.org>")
	assert.Contains(t, msg, "I am out of the office.")
}

func TestComposeDefaults(t *testing.T) {
	c := &VacationComposer{Hostname: "mail.example.org", Owner: "bob@example.org"}

	raw, err := c.Compose(&interp.SendResponseContext{
		Address: "alice@example.org",
		Message: "gone",
	}, "")
	require.NoError(t, err)

	msg := string(raw)
	assert.Contains(t, msg, "Subject: Auto: Out of Office")
	assert.NotContains(t, msg, "In-Reply-To")
}

func TestComposeMimePassthrough(t *testing.T) {
	c := &VacationComposer{Hostname: "mail.example.org", Owner: "bob@example.org"}

	body := "Content-Type: text/html; charset=utf-8\r\n\r\n<p>away</p>"
	raw, err := c.Compose(&interp.SendResponseContext{
		Address: "alice@example.org",
		From:    "bob+vacation@example.org",
		Message: body,
		Mime:    true,
	}, "")
	require.NoError(t, err)

	msg := string(raw)
	assert.Contains(t, msg, "From: bob+vacation@example.org")
	assert.True(t, strings.HasSuffix(msg, body), "mime body must pass through verbatim")
}

func TestIsPermanentError(t *testing.T) {
	assert.False(t, IsPermanentError(nil))
	assert.False(t, IsPermanentError(errors.New("connection refused")))
	assert.True(t, IsPermanentError(&RelayError{Err: errors.New("x"), Permanent: true}))
	assert.False(t, IsPermanentError(&RelayError{Err: errors.New("x")}))
	assert.True(t, IsPermanentError(&smtp.SMTPError{Code: 550, Message: "no such user"}))
	assert.False(t, IsPermanentError(&smtp.SMTPError{Code: 451, Message: "try later"}))
}

func TestRedirectorSourceFailure(t *testing.T) {
	relay := &SMTPRelay{Host: "smtp.example.org:587"}
	redirect := Redirector(relay, func(any) (string, []byte, error) {
		return "", nil, errors.New("message store unavailable")
	})

	err := redirect(&interp.RedirectContext{Address: "carol@example.net"},
		&interp.RunContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redirect to carol@example.net")
}

func TestSendWithoutHost(t *testing.T) {
	relay := &SMTPRelay{}
	err := relay.Send("a@example.org", "b@example.org", []byte("x"))
	require.Error(t, err)
	assert.False(t, IsPermanentError(err))
}
