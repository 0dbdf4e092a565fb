package mailer

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/apkap83/b2b-tickets-auth/internal/domain"
)

// Mailer delivers one-time codes and password-reset links. Delivery beyond
// this interface (templates, queues, providers) belongs to the notification
// system, not the auth core.
type Mailer interface {
	SendTOTPCode(ctx context.Context, identity domain.Identity, code string, validFor time.Duration) error
	SendPasswordReset(ctx context.Context, identity domain.Identity, resetToken string, validFor time.Duration) error
}

// SMTPMailer sends plain-text mail over a configured SMTP relay.
type SMTPMailer struct {
	addr string
	from string
	auth smtp.Auth
}

var _ Mailer = (*SMTPMailer)(nil)

// NewSMTPMailer constructs an SMTP-backed mailer. user/pass may be empty
// for unauthenticated relays.
func NewSMTPMailer(addr, from, user, pass string) *SMTPMailer {
	var auth smtp.Auth
	if user != "" {
		host := addr
		if idx := strings.IndexByte(addr, ':'); idx > 0 {
			host = addr[:idx]
		}
		auth = smtp.PlainAuth("", user, pass, host)
	}
	return &SMTPMailer{addr: addr, from: from, auth: auth}
}

func (m *SMTPMailer) SendTOTPCode(ctx context.Context, identity domain.Identity, code string, validFor time.Duration) error {
	subject := "Your login verification code"
	body := fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, int(validFor.Minutes()))
	return m.send(identity.Email, subject, body)
}

func (m *SMTPMailer) SendPasswordReset(ctx context.Context, identity domain.Identity, resetToken string, validFor time.Duration) error {
	subject := "Password reset request"
	body := fmt.Sprintf("Use this token to reset your password: %s\nIt expires in %d minutes.", resetToken, int(validFor.Minutes()))
	return m.send(identity.Email, subject, body)
}

func (m *SMTPMailer) send(to, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", m.from, to, subject, body)
	if err := smtp.SendMail(m.addr, m.auth, m.from, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

// LogMailer logs instead of sending, for development and tests. Codes and
// tokens are never written to the log.
type LogMailer struct {
	logger *zap.Logger
}

var _ Mailer = (*LogMailer)(nil)

// NewLogMailer constructs the log-only mailer.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	if logger == nil {
		logger = zap.L()
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendTOTPCode(ctx context.Context, identity domain.Identity, code string, validFor time.Duration) error {
	m.logger.Info("totp code dispatch (log-only mailer)",
		zap.Int64("identity_id", identity.ID),
		zap.String("channel", string(identity.MFAMethod)),
		zap.Duration("valid_for", validFor),
	)
	return nil
}

func (m *LogMailer) SendPasswordReset(ctx context.Context, identity domain.Identity, resetToken string, validFor time.Duration) error {
	m.logger.Info("password reset dispatch (log-only mailer)",
		zap.Int64("identity_id", identity.ID),
		zap.Duration("valid_for", validFor),
	)
	return nil
}
