package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"comment-notify/pkg/notifier"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLite stores subscriptions in a SQLite database.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (or creates) the database at dsn and applies the schema.
// Use ":memory:" for an ephemeral store.
func OpenSQLite(ctx context.Context, dsn string, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers; a single connection also keeps ":memory:" shared.
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Save inserts or replaces the record for sub.CommentID. Re-saving an active
// record never clears its notified flag, and created_at is kept.
func (s *SQLite) Save(ctx context.Context, sub *notifier.Subscription) error {
	if sub.CommentID == "" || sub.Hash == "" {
		return errors.New("subscription requires comment id and hash")
	}

	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	// A disabled record never carries a notified flag.
	if sub.Mode == notifier.Disabled {
		sub.Notified = false
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comment_notify (comment_id, entity_id, uid, name, mail, notify, notify_hash, notified, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(comment_id) DO UPDATE SET
			entity_id = excluded.entity_id,
			uid = excluded.uid,
			name = excluded.name,
			mail = excluded.mail,
			notify = excluded.notify,
			notify_hash = excluded.notify_hash,
			notified = CASE WHEN excluded.notify = 0 THEN 0 ELSE MAX(comment_notify.notified, excluded.notified) END,
			updated_at = excluded.updated_at`,
		sub.CommentID, sub.EntityID, sub.Subscriber.UserID, sub.Subscriber.Name,
		sub.Subscriber.NormalizedEmail(), int(sub.Mode), sub.Hash, boolInt(sub.Notified),
		sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}

	s.logger.Debug("Subscription saved", "comment_id", sub.CommentID, "entity_id", sub.EntityID, "notify", sub.Mode.String())
	return nil
}

const selectColumns = `comment_id, entity_id, uid, name, mail, notify, notify_hash, notified, created_at, updated_at`

// Load returns the record attached to commentID.
func (s *SQLite) Load(ctx context.Context, commentID string) (*notifier.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM comment_notify WHERE comment_id = ?`, commentID)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notifier.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	return sub, nil
}

// LoadByHash resolves an unsubscribe token to its record.
func (s *SQLite) LoadByHash(ctx context.Context, hash string) (*notifier.Subscription, error) {
	if hash == "" {
		return nil, notifier.ErrTokenNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM comment_notify WHERE notify_hash = ?`, hash)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notifier.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription by hash: %w", err)
	}
	return sub, nil
}

// ListActive returns records on entityID that are subscribed and not yet notified,
// oldest first.
func (s *SQLite) ListActive(ctx context.Context, entityID string) ([]*notifier.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM comment_notify
		WHERE entity_id = ? AND notify != 0 AND notified = 0
		ORDER BY created_at, comment_id`, entityID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	var subs []*notifier.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return subs, nil
}

// ClaimNotified flips notified from false to true. It reports false when the
// record is disabled, missing, or another pass already claimed it.
func (s *SQLite) ClaimNotified(ctx context.Context, commentID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE comment_notify SET notified = 1, updated_at = ?
		WHERE comment_id = ? AND notified = 0 AND notify != 0`, time.Now().UTC(), commentID)
	if err != nil {
		return false, fmt.Errorf("claim subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim subscription: %w", err)
	}
	return n == 1, nil
}

// ReleaseNotified undoes a claim whose send failed.
func (s *SQLite) ReleaseNotified(ctx context.Context, commentID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE comment_notify SET notified = 0, updated_at = ?
		WHERE comment_id = ? AND notified = 1`, time.Now().UTC(), commentID); err != nil {
		return fmt.Errorf("release subscription: %w", err)
	}
	return nil
}

// Disable sets the record's mode to Disabled. changed is false when it already was.
func (s *SQLite) Disable(ctx context.Context, commentID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE comment_notify SET notify = 0, notified = 0, updated_at = ?
		WHERE comment_id = ? AND notify != 0`, time.Now().UTC(), commentID)
	if err != nil {
		return false, fmt.Errorf("disable subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("disable subscription: %w", err)
	}
	return n > 0, nil
}

// DisableByEmail disables every active record whose address matches email or
// whose subscriber is one of userIDs, in a single statement.
func (s *SQLite) DisableByEmail(ctx context.Context, email string, userIDs []int64) (int, error) {
	email = notifier.NormalizeEmail(email)
	if email == "" && len(userIDs) == 0 {
		return 0, nil
	}

	args := []any{time.Now().UTC(), email}
	var uidClause string
	if len(userIDs) > 0 {
		placeholders := make([]string, len(userIDs))
		for i, uid := range userIDs {
			placeholders[i] = "?"
			args = append(args, uid)
		}
		uidClause = " OR (uid != 0 AND uid IN (" + strings.Join(placeholders, ",") + "))"
	}

	res, err := s.db.ExecContext(ctx, `UPDATE comment_notify SET notify = 0, notified = 0, updated_at = ?
		WHERE notify != 0 AND ((mail != '' AND mail = ?)`+uidClause+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("disable subscriptions by email: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("disable subscriptions by email: %w", err)
	}

	s.logger.Info("Subscriptions disabled by email", "email", email, "count", n)
	return int(n), nil
}

// SavePreference remembers a registered user's choices.
func (s *SQLite) SavePreference(ctx context.Context, pref *notifier.Preference) error {
	if pref.UserID == 0 {
		return errors.New("preference requires a registered user")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comment_notify_user_settings (uid, mail, comment_notify, node_notify) VALUES (?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			mail = excluded.mail,
			comment_notify = excluded.comment_notify,
			node_notify = excluded.node_notify`,
		pref.UserID, notifier.NormalizeEmail(pref.Email), int(pref.CommentMode), boolInt(pref.NodeNotify))
	if err != nil {
		return fmt.Errorf("save preference: %w", err)
	}
	return nil
}

// Preference returns the stored preference for userID.
func (s *SQLite) Preference(ctx context.Context, userID int64) (*notifier.Preference, error) {
	var (
		mail       string
		mode, node int
	)
	err := s.db.QueryRowContext(ctx, `SELECT mail, comment_notify, node_notify FROM comment_notify_user_settings WHERE uid = ?`, userID).
		Scan(&mail, &mode, &node)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notifier.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load preference: %w", err)
	}
	return &notifier.Preference{UserID: userID, Email: mail, CommentMode: notifier.Mode(mode), NodeNotify: node != 0}, nil
}

// UserIDsByEmail returns the registered users whose last known account address is email.
func (s *SQLite) UserIDsByEmail(ctx context.Context, email string) ([]int64, error) {
	email = notifier.NormalizeEmail(email)
	if email == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT uid FROM comment_notify_user_settings WHERE mail = ? ORDER BY uid`, email)
	if err != nil {
		return nil, fmt.Errorf("lookup accounts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	var ids []int64
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		ids = append(ids, uid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return ids, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*notifier.Subscription, error) {
	var (
		sub      notifier.Subscription
		mode     int
		notified int
	)
	if err := row.Scan(&sub.CommentID, &sub.EntityID, &sub.Subscriber.UserID, &sub.Subscriber.Name,
		&sub.Subscriber.Email, &mode, &sub.Hash, &notified, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	sub.Mode = notifier.Mode(mode)
	sub.Notified = notified != 0
	return &sub, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
