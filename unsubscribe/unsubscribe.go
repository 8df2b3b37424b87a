// Package unsubscribe revokes subscriptions by token or by e-mail address.
package unsubscribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"comment-notify/pkg/notifier"
	"comment-notify/token"
)

// Store interface for the records an unsubscribe request mutates.
type Store interface {
	LoadByHash(ctx context.Context, hash string) (*notifier.Subscription, error)
	Disable(ctx context.Context, commentID string) (bool, error)
	DisableByEmail(ctx context.Context, email string, userIDs []int64) (int, error)
}

// Accounts resolves registered users by their account address.
type Accounts interface {
	UserIDsByEmail(ctx context.Context, email string) ([]int64, error)
}

// Service processes unsubscribe requests. Both operations are idempotent.
type Service struct {
	store    Store
	accounts Accounts
	logger   *slog.Logger
}

// New creates a service. accounts may be nil, in which case only the address
// stored on each record is matched.
func New(store Store, accounts Accounts, logger *slog.Logger) *Service {
	return &Service{store: store, accounts: accounts, logger: logger}
}

// ByHash disables the record the token points at. It reports false, with a nil
// error, for unknown or malformed tokens. An already disabled record still
// reports true.
func (s *Service) ByHash(ctx context.Context, hash string) (bool, error) {
	if !token.Valid(hash) {
		s.logger.Info("Unsubscribe with malformed token", "token_length", len(hash))
		return false, nil
	}

	sub, err := s.store.LoadByHash(ctx, hash)
	if errors.Is(err, notifier.ErrTokenNotFound) {
		s.logger.Info("Unsubscribe with unknown token")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup token: %w", err)
	}

	changed, err := s.store.Disable(ctx, sub.CommentID)
	if err != nil {
		return false, fmt.Errorf("disable subscription: %w", err)
	}
	s.logger.Info("Unsubscribed by token",
		"comment_id", sub.CommentID,
		"entity_id", sub.EntityID,
		"changed", changed)
	return true, nil
}

// ByEmail disables every active record belonging to email, either through the
// address on the record or through a registered account with that address.
// It returns the number of records changed.
func (s *Service) ByEmail(ctx context.Context, email string) (int, error) {
	email = notifier.NormalizeEmail(email)
	if email == "" {
		return 0, nil
	}

	var userIDs []int64
	if s.accounts != nil {
		ids, err := s.accounts.UserIDsByEmail(ctx, email)
		if err != nil {
			return 0, fmt.Errorf("lookup accounts: %w", err)
		}
		userIDs = ids
	}

	n, err := s.store.DisableByEmail(ctx, email, userIDs)
	if err != nil {
		return 0, fmt.Errorf("disable subscriptions: %w", err)
	}
	s.logger.Info("Unsubscribed by email", "email", email, "accounts", len(userIDs), "count", n)
	return n, nil
}

// EmailOutcome is the message shown after an unsubscribe-by-email request.
func EmailOutcome(count int) string {
	switch count {
	case 0:
		return "There were no active comment notifications for that email."
	case 1:
		return "Email unsubscribed from 1 comment notification."
	default:
		return fmt.Sprintf("Email unsubscribed from %d comment notifications.", count)
	}
}

// HashOutcome is the message shown after following an unsubscribe link.
func HashOutcome(ok bool) string {
	if ok {
		return "Your comment follow-up notification for this post was disabled. Thanks."
	}
	return "Sorry, there was a problem unsubscribing from notifications."
}
