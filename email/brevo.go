package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const (
	brevoEndpoint = "https://api.brevo.com/v3/smtp/email"
	brevoTag      = "comment-notify"

	// Brevo error bodies are small JSON objects.
	maxBrevoResponse = 64 << 10
)

// BrevoProvider sends plain-text notifications through the Brevo transactional API.
type BrevoProvider struct {
	client   *http.Client
	logger   *slog.Logger
	apiKey   string
	endpoint string
	sender   brevoContact
}

// NewBrevoProvider creates a new Brevo email provider.
func NewBrevoProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *BrevoProvider {
	return &BrevoProvider{
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		apiKey:   apiKey,
		endpoint: brevoEndpoint,
		sender:   brevoContact{Email: fromAddr, Name: fromName},
	}
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// brevoMessage is the transactional e-mail payload.
type brevoMessage struct {
	Sender      brevoContact   `json:"sender"`
	To          []brevoContact `json:"to"`
	Subject     string         `json:"subject"`
	TextContent string         `json:"textContent"`
	Tags        []string       `json:"tags,omitempty"`
}

type brevoAccepted struct {
	MessageID string `json:"messageId"`
}

// BrevoError is a non-2xx answer from the API.
type BrevoError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
}

func (e *BrevoError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("brevo: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("brevo: HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// permanent reports a client error that resending cannot fix.
func (e *BrevoError) permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

func (b *BrevoProvider) message(to, subject, body string) brevoMessage {
	return brevoMessage{
		Sender:      b.sender,
		To:          []brevoContact{{Email: to}},
		Subject:     subject,
		TextContent: body,
		Tags:        []string{brevoTag},
	}
}

// Send delivers one notification. Rejections other than rate limiting are not retried.
func (b *BrevoProvider) Send(ctx context.Context, to, subject, body string) error {
	payload, err := json.Marshal(b.message(to, subject, body))
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var (
		messageID string
		rejected  *BrevoError
	)
	err = retry.Do(
		func() error {
			id, postErr := b.post(ctx, payload)
			if postErr == nil {
				messageID = id
				return nil
			}
			var apiErr *BrevoError
			if errors.As(postErr, &apiErr) && apiErr.permanent() {
				rejected = apiErr
				return retry.Unrecoverable(postErr)
			}
			return postErr
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("Retrying Brevo email send after error", "attempt", n, "to", to, "error", err)
		}),
	)
	if rejected != nil {
		b.logger.Warn("Brevo API rejected message", "to", to, "status_code", rejected.StatusCode, "code", rejected.Code)
		return rejected
	}
	if err != nil {
		return err
	}

	b.logger.Info("Notification accepted by Brevo", "to", to, "message_id", messageID)
	return nil
}

// post performs a single API call and returns the accepted message ID.
func (b *BrevoProvider) post(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", b.apiKey)

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Warn("Brevo API request failed", "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return "", err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			b.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBrevoResponse))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var accepted brevoAccepted
		if len(data) > 0 {
			if err := json.Unmarshal(data, &accepted); err != nil {
				b.logger.Debug("Unexpected Brevo response body", "error", err)
			}
		}
		return accepted.MessageID, nil
	}

	apiErr := &BrevoError{StatusCode: resp.StatusCode}
	if len(data) > 0 {
		if err := json.Unmarshal(data, apiErr); err != nil {
			b.logger.Debug("Unexpected Brevo error body", "status_code", resp.StatusCode, "error", err)
		}
	}
	return "", apiErr
}
