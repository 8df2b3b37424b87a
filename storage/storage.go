// Package storage handles persistence of comment subscriptions.
//
// Two stores share one contract: SQLite for a single database file, and
// Bucket for Cloud Storage (or a local directory during development).
package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"comment-notify/pkg/notifier"
	"comment-notify/token"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

const maxUpdateAttempts = 5

var (
	errObjectNotExist = errors.New("storage: object doesn't exist")
	errConflict       = errors.New("storage: generation precondition failed")
)

// Bucket stores one JSON object per subscription plus a hash index object per token.
type Bucket struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string

	// mu serializes read-modify-write cycles in local mode, where there are no
	// generation preconditions.
	mu sync.Mutex
}

// NewBucket creates a store backed by a Cloud Storage bucket, or by localPath when set.
func NewBucket(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Bucket {
	return &Bucket{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

func subscriptionKey(commentID string) string {
	return "sub-" + base64.RawURLEncoding.EncodeToString([]byte(commentID)) + ".json"
}

// hashKey validates the token shape to prevent path traversal.
func hashKey(hash string) string {
	if !token.Valid(hash) {
		return ""
	}
	return fmt.Sprintf("hash-%s.json", hash)
}

func preferenceKey(userID int64) string {
	return "pref-" + strconv.FormatInt(userID, 10) + ".json"
}

type hashEntry struct {
	CommentID string `json:"comment_id"`
}

// Save writes the record and its hash index entry. Re-saving an existing
// active record keeps its notified flag and creation time.
func (b *Bucket) Save(ctx context.Context, sub *notifier.Subscription) error {
	if sub.CommentID == "" {
		return errors.New("subscription requires comment id")
	}
	hk := hashKey(sub.Hash)
	if hk == "" {
		return errors.New("invalid hash format")
	}

	key := subscriptionKey(sub.CommentID)
	if b.localPath != "" {
		b.mu.Lock()
		defer b.mu.Unlock()
	}

	now := time.Now().UTC()
	createdAt, notified := sub.CreatedAt, sub.Notified
	sub.Subscriber.Email = sub.Subscriber.NormalizedEmail()

	for attempt := 1; ; attempt++ {
		prev, gen, err := b.load(ctx, key)
		cond := &storage.Conditions{DoesNotExist: true}
		sub.CreatedAt, sub.Notified = createdAt, notified
		switch {
		case errors.Is(err, errObjectNotExist):
		case err != nil:
			return fmt.Errorf("save subscription: %w", err)
		default:
			cond = &storage.Conditions{GenerationMatch: gen}
			sub.CreatedAt = prev.CreatedAt
			sub.Notified = notified || prev.Notified
		}
		if sub.CreatedAt.IsZero() {
			sub.CreatedAt = now
		}
		sub.UpdatedAt = now
		if sub.Mode == notifier.Disabled {
			sub.Notified = false
		}

		err = b.writeConditional(ctx, key, sub, gen, cond)
		if errors.Is(err, errConflict) && attempt < maxUpdateAttempts {
			b.logger.Debug("Concurrent save detected, retrying", "key", key, "attempt", attempt)
			continue
		}
		if err != nil {
			return fmt.Errorf("save subscription: %w", err)
		}
		break
	}

	if err := b.writeJSON(ctx, hk, hashEntry{CommentID: sub.CommentID}, nil); err != nil {
		return fmt.Errorf("save hash index: %w", err)
	}

	b.logger.Info("Subscription saved", "comment_id", sub.CommentID, "entity_id", sub.EntityID, "notify", sub.Mode.String())
	return nil
}

// Load returns the record attached to commentID.
func (b *Bucket) Load(ctx context.Context, commentID string) (*notifier.Subscription, error) {
	sub, _, err := b.load(ctx, subscriptionKey(commentID))
	if errors.Is(err, errObjectNotExist) {
		return nil, notifier.ErrNotFound
	}
	return sub, err
}

// LoadByHash resolves a token through its index object.
func (b *Bucket) LoadByHash(ctx context.Context, hash string) (*notifier.Subscription, error) {
	key := hashKey(hash)
	if key == "" {
		// Same answer as "not found" for malformed tokens.
		return nil, notifier.ErrTokenNotFound
	}

	data, _, err := b.read(ctx, key)
	if errors.Is(err, errObjectNotExist) {
		return nil, notifier.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load hash index: %w", err)
	}

	var entry hashEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal hash index: %w", err)
	}

	sub, err := b.Load(ctx, entry.CommentID)
	if errors.Is(err, notifier.ErrNotFound) {
		return nil, notifier.ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	// A re-saved comment may carry a new hash; stale index entries do not resolve.
	if sub.Hash != hash {
		return nil, notifier.ErrTokenNotFound
	}
	return sub, nil
}

// ListActive returns subscribed, not yet notified records on entityID.
func (b *Bucket) ListActive(ctx context.Context, entityID string) ([]*notifier.Subscription, error) {
	all, err := b.list(ctx)
	if err != nil {
		return nil, err
	}

	var subs []*notifier.Subscription
	for _, sub := range all {
		if sub.EntityID == entityID && sub.Active() {
			subs = append(subs, sub)
		}
	}
	slices.SortFunc(subs, func(a, b *notifier.Subscription) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.CommentID, b.CommentID)
	})
	return subs, nil
}

// ClaimNotified flips notified from false to true unless another writer got there first.
func (b *Bucket) ClaimNotified(ctx context.Context, commentID string) (bool, error) {
	return b.update(ctx, commentID, func(sub *notifier.Subscription) bool {
		if !sub.Active() {
			return false
		}
		sub.Notified = true
		return true
	})
}

// ReleaseNotified undoes a claim whose send failed.
func (b *Bucket) ReleaseNotified(ctx context.Context, commentID string) error {
	_, err := b.update(ctx, commentID, func(sub *notifier.Subscription) bool {
		if !sub.Notified {
			return false
		}
		sub.Notified = false
		return true
	})
	return err
}

// Disable sets the record's mode to Disabled.
func (b *Bucket) Disable(ctx context.Context, commentID string) (bool, error) {
	return b.update(ctx, commentID, disable)
}

// DisableByEmail disables every active record matching email or one of userIDs.
func (b *Bucket) DisableByEmail(ctx context.Context, email string, userIDs []int64) (int, error) {
	email = notifier.NormalizeEmail(email)
	if email == "" && len(userIDs) == 0 {
		return 0, nil
	}

	all, err := b.list(ctx)
	if err != nil {
		return 0, err
	}

	uids := make(map[int64]bool, len(userIDs))
	for _, uid := range userIDs {
		uids[uid] = true
	}

	count := 0
	for _, sub := range all {
		if sub.Mode == notifier.Disabled {
			continue
		}
		byMail := email != "" && sub.Subscriber.NormalizedEmail() == email
		byUser := !sub.Subscriber.Anonymous() && uids[sub.Subscriber.UserID]
		if !byMail && !byUser {
			continue
		}
		changed, err := b.update(ctx, sub.CommentID, disable)
		if err != nil {
			return count, err
		}
		if changed {
			count++
		}
	}

	b.logger.Info("Subscriptions disabled by email", "email", email, "count", count)
	return count, nil
}

// SavePreference remembers a registered user's choices.
func (b *Bucket) SavePreference(ctx context.Context, pref *notifier.Preference) error {
	if pref.UserID == 0 {
		return errors.New("preference requires a registered user")
	}
	stored := *pref
	stored.Email = notifier.NormalizeEmail(pref.Email)
	if err := b.writeJSON(ctx, preferenceKey(pref.UserID), &stored, nil); err != nil {
		return fmt.Errorf("save preference: %w", err)
	}
	return nil
}

// Preference returns the stored preference for userID.
func (b *Bucket) Preference(ctx context.Context, userID int64) (*notifier.Preference, error) {
	data, _, err := b.read(ctx, preferenceKey(userID))
	if errors.Is(err, errObjectNotExist) {
		return nil, notifier.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load preference: %w", err)
	}
	var pref notifier.Preference
	if err := json.Unmarshal(data, &pref); err != nil {
		return nil, fmt.Errorf("unmarshal preference: %w", err)
	}
	return &pref, nil
}

// UserIDsByEmail returns the registered users whose last known account address is email.
func (b *Bucket) UserIDsByEmail(ctx context.Context, email string) ([]int64, error) {
	email = notifier.NormalizeEmail(email)
	if email == "" {
		return nil, nil
	}
	keys, err := b.keys(ctx, "pref-")
	if err != nil {
		return nil, err
	}

	var ids []int64
	for _, key := range keys {
		data, _, err := b.read(ctx, key)
		if err != nil {
			b.logger.Warn("Failed to load preference", "key", key, "error", err)
			continue
		}
		var pref notifier.Preference
		if err := json.Unmarshal(data, &pref); err != nil {
			b.logger.Warn("Failed to unmarshal preference", "key", key, "error", err)
			continue
		}
		if pref.Email == email {
			ids = append(ids, pref.UserID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func disable(sub *notifier.Subscription) bool {
	if sub.Mode == notifier.Disabled {
		return false
	}
	sub.Mode = notifier.Disabled
	sub.Notified = false
	return true
}

// update runs a read-modify-write cycle. fn reports whether it changed the record.
// In Cloud Storage mode the write only succeeds if the object generation is
// unchanged since the read; on a conflict the cycle starts over.
func (b *Bucket) update(ctx context.Context, commentID string, fn func(*notifier.Subscription) bool) (bool, error) {
	key := subscriptionKey(commentID)

	if b.localPath != "" {
		b.mu.Lock()
		defer b.mu.Unlock()
	}

	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		sub, gen, err := b.load(ctx, key)
		if errors.Is(err, errObjectNotExist) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !fn(sub) {
			return false, nil
		}
		sub.UpdatedAt = time.Now().UTC()

		err = b.writeConditional(ctx, key, sub, gen, &storage.Conditions{GenerationMatch: gen})
		if errors.Is(err, errConflict) {
			b.logger.Debug("Concurrent update detected, retrying", "key", key, "attempt", attempt)
			continue
		}
		if err != nil {
			return false, fmt.Errorf("update subscription: %w", err)
		}
		return true, nil
	}
	return false, fmt.Errorf("update subscription %s: too many concurrent writers", commentID)
}

func (b *Bucket) load(ctx context.Context, key string) (*notifier.Subscription, int64, error) {
	data, gen, err := b.read(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	var sub notifier.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, 0, fmt.Errorf("unmarshal subscription: %w", err)
	}
	return &sub, gen, nil
}

func (b *Bucket) list(ctx context.Context) ([]*notifier.Subscription, error) {
	keys, err := b.keys(ctx, "sub-")
	if err != nil {
		return nil, err
	}

	subs := make([]*notifier.Subscription, 0, len(keys))
	for _, key := range keys {
		sub, _, err := b.load(ctx, key)
		if err != nil {
			b.logger.Warn("Failed to load subscription", "key", key, "error", err)
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// keys lists the object names starting with prefix.
func (b *Bucket) keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	// Local filesystem storage
	if b.localPath != "" {
		entries, err := os.ReadDir(b.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			keys = append(keys, entry.Name())
		}
		return keys, nil
	}

	// Cloud Storage
	it := b.client.Bucket(b.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

// read returns the object's content and generation (always 0 locally).
func (b *Bucket) read(ctx context.Context, key string) ([]byte, int64, error) {
	if b.localPath != "" {
		data, err := os.ReadFile(filepath.Join(b.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, 0, errObjectNotExist
			}
			return nil, 0, fmt.Errorf("read from local storage: %w", err)
		}
		return data, 0, nil
	}

	var (
		data     []byte
		gen      int64
		notFound bool
	)
	err := retry.Do(
		func() error {
			r, openErr := b.client.Bucket(b.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					notFound = true
					return retry.Unrecoverable(openErr)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					b.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			gen = r.Attrs.Generation
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			b.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if notFound {
		return nil, 0, errObjectNotExist
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load after retries: %w", err)
	}
	return data, gen, nil
}

// writeConditional performs a generation-guarded write. A conditional write is
// attempted once: when the outcome is unknown the object is read back, and the
// write counts as committed if the stored bytes are exactly the ones sent.
func (b *Bucket) writeConditional(ctx context.Context, key string, v any, gen int64, cond *storage.Conditions) error {
	err := b.writeJSON(ctx, key, v, cond)
	if err == nil || errors.Is(err, errConflict) || b.localPath != "" {
		return err
	}

	want, marshalErr := json.MarshalIndent(v, "", "  ")
	if marshalErr != nil {
		return err
	}
	data, newGen, readErr := b.read(ctx, key)
	if readErr != nil {
		b.logger.Warn("Failed to verify conditional write", "key", key, "error", readErr)
		return err
	}
	outcome := writeOutcome(err, gen, newGen, data, want)
	if outcome == nil {
		b.logger.Info("Conditional write committed despite error", "key", key, "error", err)
	}
	return outcome
}

// writeOutcome decides an ambiguous conditional write from the object read
// back afterwards. An unchanged generation means the write never landed.
func writeOutcome(writeErr error, gen, newGen int64, stored, sent []byte) error {
	switch {
	case newGen == gen:
		return writeErr
	case bytes.Equal(stored, sent):
		return nil
	default:
		return errConflict
	}
}

// writeJSON stores v at key. cond guards the write in Cloud Storage mode and
// disables retries, since a repeated conditional write cannot tell its own
// earlier commit from a concurrent writer.
func (b *Bucket) writeJSON(ctx context.Context, key string, v any, cond *storage.Conditions) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal object: %w", err)
	}

	// Local filesystem storage
	if b.localPath != "" {
		path := filepath.Join(b.localPath, key)
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		return nil
	}

	// Cloud Storage with retry logic for reliability
	attempts := uint(3)
	if cond != nil {
		attempts = 1
	}
	var conflict bool
	err = retry.Do(
		func() error {
			obj := b.client.Bucket(b.bucket).Object(key)
			if cond != nil {
				obj = obj.If(*cond)
			}
			w := obj.NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					b.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				if isPreconditionFailed(closeErr) {
					conflict = true
					return retry.Unrecoverable(closeErr)
				}
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(attempts),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			b.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if conflict {
		return errConflict
	}
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
