package notify

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/noah-isme/coi-compliance-api/pkg/config"
)

// SMTPNotifier sends HTML email through a relay.
type SMTPNotifier struct {
	addr string
	host string
	from string
	auth smtp.Auth
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPNotifier builds an SMTP notifier. Auth is skipped when no user is configured.
func NewSMTPNotifier(cfg config.NotificationConfig) *SMTPNotifier {
	n := &SMTPNotifier{
		addr: net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(cfg.SMTPPort)),
		host: cfg.SMTPHost,
		from: cfg.From,
		send: smtp.SendMail,
	}
	if cfg.SMTPUser != "" {
		n.auth = smtp.PlainAuth("", cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPHost)
	}
	return n
}

// Send delivers msg. net/smtp has no context support so the deadline is enforced around the call.
func (n *SMTPNotifier) Send(ctx context.Context, msg Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	payload := n.build(msg)

	done := make(chan error, 1)
	go func() {
		done <- n.send(n.addr, n.auth, n.from, []string{msg.To}, payload)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("smtp send to %s: %w", msg.To, ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send to %s: %w", msg.To, err)
		}
		return nil
	}
}

func (n *SMTPNotifier) build(msg Message) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", n.from)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n\r\n")
	buf.WriteString(SanitizeHTML(msg.HTML))
	return buf.Bytes()
}
