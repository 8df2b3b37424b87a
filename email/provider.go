// Package email renders and sends comment notification emails via pluggable providers.
package email

import (
	"context"
	"log/slog"
	"strings"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends a plain-text email with the given parameters.
	Send(ctx context.Context, to, subject, body string) error
}

// Sender sends rendered notification emails using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
	}
}

// Send delivers one rendered message to one recipient.
func (s *Sender) Send(ctx context.Context, to, subject, body string) error {
	s.logger.Info("Sending notification email",
		"to", to,
		"subject", subject,
		"body_length", len(body))

	return s.provider.Send(ctx, sanitizeEmailHeader(to), sanitizeEmailHeader(subject), body)
}

// sanitizeEmailHeader removes newlines and control characters to prevent header injection.
// RFC 5322 headers are newline-delimited, so any newline in a header value allows an
// attacker to inject arbitrary headers or body content.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		// Allow only printable characters (space and above) and valid UTF-8
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}
