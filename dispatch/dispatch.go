// Package dispatch runs one notification pass for each newly posted comment.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"comment-notify/email"
	"comment-notify/pkg/notifier"
	"comment-notify/settings"
)

// Store interface for subscription persistence.
type Store interface {
	ListActive(ctx context.Context, entityID string) ([]*notifier.Subscription, error)
	ClaimNotified(ctx context.Context, commentID string) (bool, error)
	ReleaseNotified(ctx context.Context, commentID string) error
}

// Renderer interface for turning a template into final message text.
type Renderer interface {
	Render(tmpl settings.Template, data *email.Data) (subject, body string, err error)
}

// Mailer interface for sending notifications.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Event is a comment that has just been persisted, together with its thread.
type Event struct {
	Comment notifier.Comment
	Entity  notifier.Entity
}

// Kind distinguishes the two notification paths.
type Kind string

const (
	KindSubscriber   Kind = "subscriber"
	KindEntityAuthor Kind = "entity_author"
)

// Delivery is the outcome for one recipient.
type Delivery struct {
	Email     string `json:"email"`
	CommentID string `json:"comment_id,omitempty"` // Subscription record; empty for the entity author
	Kind      Kind   `json:"kind"`
	Err       error  `json:"-"`
}

// Report summarizes one dispatch pass.
type Report struct {
	PassID     string     `json:"pass_id"`
	Deliveries []Delivery `json:"deliveries"`
	Sent       int        `json:"sent"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
}

// Err joins every per-recipient failure, or returns nil.
func (r *Report) Err() error {
	var errs []error
	for _, d := range r.Deliveries {
		if d.Err != nil {
			errs = append(errs, d.Err)
		}
	}
	return errors.Join(errs...)
}

func (r *Report) add(d Delivery) {
	r.Deliveries = append(r.Deliveries, d)
	if d.Err != nil {
		r.Failed++
	} else {
		r.Sent++
	}
}

// Dispatcher decides recipients for a new comment and sends their mail.
type Dispatcher struct {
	store    Store
	renderer Renderer
	mailer   Mailer
	cfg      *settings.Settings
	logger   *slog.Logger
}

// New creates a new dispatcher. cfg is read, never modified.
func New(store Store, renderer Renderer, mailer Mailer, cfg *settings.Settings, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		renderer: renderer,
		mailer:   mailer,
		cfg:      cfg,
		logger:   logger,
	}
}

// Dispatch runs one pass for ev. Per-recipient failures are recorded in the
// report and never abort the pass; the returned error covers only failures
// that prevent the pass from running at all.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (*Report, error) {
	report := &Report{PassID: uuid.New().String()}
	comment, entity := ev.Comment, ev.Entity
	if entity.ID == "" {
		entity.ID = comment.EntityID
	}
	if comment.EntityID != entity.ID {
		return nil, fmt.Errorf("comment %s belongs to %s, not %s", comment.ID, comment.EntityID, entity.ID)
	}

	logger := d.logger.With("pass_id", report.PassID, "entity_id", entity.ID, "comment_id", comment.ID)

	if !d.cfg.EntityTypeEnabled(entity.Type) {
		logger.Info("Entity type not eligible for notifications", "entity_type", entity.Type)
		return report, nil
	}

	candidates, err := d.store.ListActive(ctx, entity.ID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	logger.Info("Starting dispatch pass", "candidates", len(candidates))

	// Outcome per normalized address: each address gets at most one mail per pass.
	mailed := make(map[string]error)

	for _, sub := range candidates {
		select {
		case <-ctx.Done():
			logger.Info("Context cancelled, stopping dispatch pass", "error", ctx.Err())
			return report, ctx.Err()
		default:
		}

		if !d.matches(sub, comment) {
			continue
		}
		addr := sub.Subscriber.NormalizedEmail()
		if addr == "" {
			logger.Warn("Subscription has no address", "subscription", sub.CommentID)
			report.Skipped++
			continue
		}

		if prev, seen := mailed[addr]; seen {
			// A duplicate record for an address already mailed this pass is consumed
			// too, unless that send failed.
			if prev == nil {
				if _, err := d.store.ClaimNotified(ctx, sub.CommentID); err != nil {
					logger.Warn("Failed to mark duplicate subscription", "subscription", sub.CommentID, "error", err)
				}
			}
			report.Skipped++
			continue
		}

		ok, err := d.store.ClaimNotified(ctx, sub.CommentID)
		if err != nil {
			logger.Warn("Failed to claim subscription", "subscription", sub.CommentID, "error", err)
			report.add(Delivery{Email: addr, CommentID: sub.CommentID, Kind: KindSubscriber, Err: err})
			continue
		}
		if !ok {
			logger.Debug("Subscription claimed by another pass", "subscription", sub.CommentID)
			report.Skipped++
			continue
		}

		data := &email.Data{
			Comment:        comment,
			Entity:         entity,
			Recipient:      sub.Subscriber,
			UnsubscribeURL: d.unsubscribeURL(sub.Hash),
		}
		sendErr := d.send(ctx, addr, d.cfg.CommentTemplate, data)
		if sendErr != nil {
			if err := d.store.ReleaseNotified(ctx, sub.CommentID); err != nil {
				logger.Error("Failed to release subscription after send failure", "subscription", sub.CommentID, "error", err)
			}
			logger.Warn("Notification failed", "email", addr, "subscription", sub.CommentID, "error", sendErr)
		} else {
			logger.Info("Notification sent", "email", addr, "subscription", sub.CommentID)
		}
		mailed[addr] = sendErr
		report.add(Delivery{Email: addr, CommentID: sub.CommentID, Kind: KindSubscriber, Err: sendErr})
	}

	d.notifyEntityAuthor(ctx, logger, comment, entity, mailed, report)

	logger.Info("Dispatch pass completed",
		"sent", report.Sent,
		"failed", report.Failed,
		"skipped", report.Skipped)
	return report, nil
}

// notifyEntityAuthor sends the owner mail. It has no notified flag and is
// evaluated fresh for every comment.
func (d *Dispatcher) notifyEntityAuthor(ctx context.Context, logger *slog.Logger, comment notifier.Comment, entity notifier.Entity, mailed map[string]error, report *Report) {
	owner := entity.Owner
	if !owner.NodeNotify {
		return
	}
	recipient := notifier.Subscriber{UserID: owner.UserID, Name: owner.Name, Email: owner.Email}
	addr := recipient.NormalizedEmail()
	if addr == "" || sameSubscriber(recipient, comment.Author) {
		return
	}
	// A subscriber send that failed earlier in the pass does not cover the owner.
	if prev, seen := mailed[addr]; seen && prev == nil {
		report.Skipped++
		return
	}

	err := d.send(ctx, addr, d.cfg.EntityAuthorTemplate, &email.Data{
		Comment:   comment,
		Entity:    entity,
		Recipient: recipient,
	})
	if err != nil {
		logger.Warn("Entity author notification failed", "email", addr, "error", err)
	} else {
		logger.Info("Entity author notification sent", "email", addr)
	}
	mailed[addr] = err
	report.add(Delivery{Email: addr, Kind: KindEntityAuthor, Err: err})
}

// matches applies author exclusion and the mode filter.
func (d *Dispatcher) matches(sub *notifier.Subscription, comment notifier.Comment) bool {
	if !sub.Active() || sub.EntityID != comment.EntityID {
		return false
	}
	// The new comment's own record and the author's records never fire.
	if sub.CommentID == comment.ID || sameSubscriber(sub.Subscriber, comment.Author) {
		return false
	}
	switch sub.Mode {
	case notifier.AllComments:
		return true
	case notifier.RepliesOnly:
		return comment.ParentID != "" && comment.ParentID == sub.CommentID
	default:
		return false
	}
}

func (d *Dispatcher) send(ctx context.Context, addr string, tmpl settings.Template, data *email.Data) error {
	subject, body, err := d.renderer.Render(tmpl, data)
	if err != nil {
		return fmt.Errorf("render notification: %w", err)
	}
	if err := d.mailer.Send(ctx, addr, subject, body); err != nil {
		return &notifier.TransportError{Recipient: addr, Err: err}
	}
	return nil
}

func (d *Dispatcher) unsubscribeURL(hash string) string {
	return strings.TrimSuffix(d.cfg.BaseURL, "/") + "/unsubscribe?hash=" + url.QueryEscape(hash)
}

// sameSubscriber matches registered users by id and anyone by address.
func sameSubscriber(a, b notifier.Subscriber) bool {
	if a.UserID != 0 && a.UserID == b.UserID {
		return true
	}
	ea, eb := a.NormalizedEmail(), b.NormalizedEmail()
	return ea != "" && ea == eb
}
