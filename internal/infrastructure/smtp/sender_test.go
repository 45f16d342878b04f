package smtp

import (
	"context"
	"errors"
	"net/smtp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSender_Send(t *testing.T) {
	var (
		gotAddr string
		gotAuth smtp.Auth
		gotTo   []string
		gotMsg  string
	)
	s := NewSender(Config{Host: "mail.local", Port: 1025, From: "noreply@bountyhub.dev", Username: "u", Password: "p"})
	s.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotAuth, gotTo, gotMsg = addr, a, to, string(msg)
		return nil
	}

	require.NoError(t, s.Send(context.Background(), []string{"a@x.io", "b@x.io"}, "Payout sent", "Your payout is on its way."))
	assert.Equal(t, "mail.local:1025", gotAddr)
	assert.NotNil(t, gotAuth)
	assert.Equal(t, []string{"a@x.io", "b@x.io"}, gotTo)
	assert.Contains(t, gotMsg, "To: a@x.io, b@x.io\r\n")
	assert.Contains(t, gotMsg, "Subject: Payout sent\r\n")
	assert.Contains(t, gotMsg, "\r\n\r\nYour payout is on its way.")
}

func TestSender_Errors(t *testing.T) {
	s := NewSender(Config{Host: "mail.local", Port: 25})
	assert.Error(t, s.Send(context.Background(), nil, "s", "b"))

	s.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("550 mailbox unavailable") }
	assert.ErrorContains(t, s.Send(context.Background(), []string{"a@x.io"}, "s", "b"), "550")

	block := make(chan struct{})
	defer close(block)
	s.send = func(string, smtp.Auth, string, []string, []byte) error { <-block; return nil }
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Send(ctx, []string{"a@x.io"}, "s", "b"), context.DeadlineExceeded)
}
