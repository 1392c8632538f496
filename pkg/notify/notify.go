package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/noah-isme/coi-compliance-api/pkg/config"
)

// Message is an outbound notification. HTML is sanitized before it leaves the process.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Notifier delivers a single message.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// ErrInvalidMessage is returned for messages without recipient or subject.
var ErrInvalidMessage = errors.New("notify: message requires recipient and subject")

// New builds the notifier selected in config.
func New(cfg config.NotificationConfig, logger *zap.Logger) (Notifier, error) {
	switch cfg.Driver {
	case "", config.NotifierDriverLog:
		return NewLogNotifier(logger), nil
	case config.NotifierDriverSMTP:
		if cfg.SMTPHost == "" {
			return nil, fmt.Errorf("notify: SMTP_HOST is required for the smtp driver")
		}
		return NewSMTPNotifier(cfg), nil
	default:
		return nil, fmt.Errorf("notify: unknown driver %q", cfg.Driver)
	}
}

// LogNotifier writes messages to the log. Used in development.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier builds a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Send logs the message.
func (n *LogNotifier) Send(ctx context.Context, msg Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	n.logger.Info("notification",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("html_bytes", len(msg.HTML)),
	)
	return nil
}

func validate(msg Message) error {
	if strings.TrimSpace(msg.To) == "" || strings.TrimSpace(msg.Subject) == "" {
		return ErrInvalidMessage
	}
	return nil
}

var (
	bodyPolicy  = bluemonday.UGCPolicy()
	valuePolicy = bluemonday.StrictPolicy()
)

// SanitizeHTML strips unsafe markup from a rendered body.
func SanitizeHTML(body string) string {
	return bodyPolicy.Sanitize(body)
}

// Plain strips every tag from a user supplied value before it is interpolated into a body.
func Plain(value string) string {
	return valuePolicy.Sanitize(value)
}
