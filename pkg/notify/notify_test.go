package notify

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/coi-compliance-api/pkg/config"
)

func TestNewSelectsDriver(t *testing.T) {
	n, err := New(config.NotificationConfig{Driver: config.NotifierDriverLog}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LogNotifier{}, n)

	_, err = New(config.NotificationConfig{Driver: config.NotifierDriverSMTP}, nil)
	require.Error(t, err)

	_, err = New(config.NotificationConfig{Driver: "pigeon"}, nil)
	require.Error(t, err)
}

func TestLogNotifierValidates(t *testing.T) {
	n := NewLogNotifier(nil)
	require.ErrorIs(t, n.Send(context.Background(), Message{Subject: "hi"}), ErrInvalidMessage)
	require.NoError(t, n.Send(context.Background(), Message{To: "a@example.com", Subject: "hi"}))
}

func TestSMTPNotifierBuildsSanitizedMessage(t *testing.T) {
	n := NewSMTPNotifier(config.NotificationConfig{SMTPHost: "smtp.example.com", SMTPPort: 587, From: "no-reply@example.com"})
	var captured []byte
	var rcpt []string
	n.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		assert.Equal(t, "smtp.example.com:587", addr)
		rcpt = to
		captured = msg
		return nil
	}

	err := n.Send(context.Background(), Message{To: "broker@example.com", Subject: "COI", HTML: `<p>ok</p><script>alert(1)</script>`})
	require.NoError(t, err)
	assert.Equal(t, []string{"broker@example.com"}, rcpt)
	body := string(captured)
	assert.Contains(t, body, "<p>ok</p>")
	assert.False(t, strings.Contains(body, "<script>"))
}

func TestSMTPNotifierHonoursDeadline(t *testing.T) {
	n := NewSMTPNotifier(config.NotificationConfig{SMTPHost: "smtp.example.com", SMTPPort: 25})
	n.send = func(string, smtp.Auth, string, []string, []byte) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := n.Send(ctx, Message{To: "a@example.com", Subject: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestPlainStripsMarkup(t *testing.T) {
	assert.Equal(t, "expired GL policy", Plain("<b>expired GL policy</b>"))
}
