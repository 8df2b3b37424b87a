package email

import (
	"context"
	"log/slog"
	"sync"
)

// Message is a notification captured by MockProvider.
type Message struct {
	To      string
	Subject string
	Body    string
}

// MockProvider keeps notifications in memory and logs them. It backs local
// development when no transport is configured.
type MockProvider struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []Message
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{logger: logger}
}

// Send records the notification instead of delivering it.
func (m *MockProvider) Send(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	m.sent = append(m.sent, Message{To: to, Subject: subject, Body: body})
	n := len(m.sent)
	m.mu.Unlock()

	m.logger.Info("Notification captured by mock provider",
		"to", to,
		"subject", subject,
		"body_length", len(body),
		"captured", n)
	return nil
}

// Sent returns a copy of every captured notification, oldest first.
func (m *MockProvider) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}
