package email

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// SMTPProvider sends emails through an SMTP relay.
type SMTPProvider struct {
	host     string
	port     string
	username string
	password string
	fromAddr string
	fromName string
	logger   *slog.Logger

	// sendMail is smtp.SendMail outside of tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPProvider creates a new SMTP email provider. Authentication is skipped
// when username is empty.
func NewSMTPProvider(host, port, username, password, fromAddr, fromName string, logger *slog.Logger) *SMTPProvider {
	return &SMTPProvider{
		host:     host,
		port:     port,
		username: username,
		password: password,
		fromAddr: fromAddr,
		fromName: fromName,
		logger:   logger,
		sendMail: smtp.SendMail,
	}
}

// Send sends an email via the SMTP relay. smtp.SendMail upgrades with STARTTLS
// when the server offers it.
func (p *SMTPProvider) Send(ctx context.Context, to, subject, body string) error {
	to = sanitizeEmailHeader(to)
	subject = sanitizeEmailHeader(subject)

	from := p.fromAddr
	if p.fromName != "" {
		from = fmt.Sprintf("%s <%s>", sanitizeEmailHeader(p.fromName), p.fromAddr)
	}
	msg := mimeMessage(from, to, subject, body)

	var auth smtp.Auth
	if p.username != "" {
		auth = smtp.PlainAuth("", p.username, p.password, p.host)
	}
	addr := net.JoinHostPort(p.host, p.port)

	return retry.Do(
		func() error {
			startTime := time.Now()
			err := p.sendMail(addr, auth, p.fromAddr, []string{to}, []byte(msg))
			duration := time.Since(startTime)
			if err != nil {
				p.logger.Warn("SMTP send failed, will retry",
					"to", to,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			p.logger.Info("SMTP send completed",
				"to", to,
				"duration_ms", duration.Milliseconds(),
				"status", "success")
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Info("Retrying SMTP email send after error", "attempt", n, "error", err)
		}),
	)
}

// mimeMessage builds a single-part plain-text message. from may be empty when the
// transport fills it in.
func mimeMessage(from, to, subject, body string) string {
	var msg strings.Builder
	if from != "" {
		msg.WriteString(fmt.Sprintf("From: %s\r\n", from))
	}
	msg.WriteString(fmt.Sprintf("To: %s\r\n", to))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	msg.WriteString(strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "\r\n"))
	return msg.String()
}
