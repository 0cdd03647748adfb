package logincode

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mariokehl/gymportal-access/internal/infrastructure/config"
	"github.com/mariokehl/gymportal-access/internal/infrastructure/queue"
)

// ErrMailNotConfigured is returned when no SMTP host is set.
var ErrMailNotConfigured = errors.New("smtp host not configured")

// Message is a plain text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers email.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPSender delivers mail through an SMTP relay with PLAIN auth.
type SMTPSender struct {
	cfg config.MailConfig
}

// NewSMTPSender creates an SMTPSender.
func NewSMTPSender(cfg config.MailConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

// Send delivers msg. The context is only checked before dialing since
// net/smtp has no context support.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if s.cfg.Host == "" {
		return ErrMailNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, s.cfg.From, []string{msg.To}, renderMIME(s.cfg.From, msg)); err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}
	return nil
}

func renderMIME(from string, msg Message) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + msg.To + "\r\n")
	b.WriteString("Subject: " + msg.Subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}

// LoginCodeMessage renders the login code email.
func LoginCodeMessage(p queue.LoginCodeEmailPayload) Message {
	gym := p.TenantName
	if gym == "" {
		gym = "your gym"
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		loc = time.UTC
	}
	body := fmt.Sprintf(
		"Hello %s,\n\nyour login code for %s is: %s\n\nThe code is valid until %s and can be used once.\n"+
			"If you did not request it, you can ignore this email.\n",
		p.Name, gym, p.Code, p.ExpiresAt.In(loc).Format("15:04 MST"))
	return Message{
		To:      p.Email,
		Subject: "Your login code",
		Body:    body,
	}
}

// MailHandler returns the asynq handler for TypeLoginCodeEmail. Expired
// codes are skipped without retry.
func MailHandler(sender Sender, logger Logger, now func() time.Time) func(context.Context, *asynq.Task) error {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, t *asynq.Task) error {
		var p queue.LoginCodeEmailPayload
		if err := queue.DecodePayload(t, &p); err != nil {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		if !now().Before(p.ExpiresAt) {
			logger.Warn("dropping expired login code email", "tenant_id", p.TenantID, "member_id", p.MemberID)
			return nil
		}
		if err := sender.Send(ctx, LoginCodeMessage(p)); err != nil {
			if errors.Is(err, ErrMailNotConfigured) {
				return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
			}
			return err
		}
		return nil
	}
}
