// Package preference turns submitted comment form values into a notification mode.
package preference

import (
	"comment-notify/pkg/notifier"
	"comment-notify/settings"
)

// Submission carries the notify values posted with a comment and the
// commenter's capabilities as reported by the access-control collaborator.
type Submission struct {
	Notify     bool          // "Notify me when new comments are posted"
	NotifyType string // Submitted mode, parsed only when the form asked for one
	Subscriber notifier.Subscriber

	// MaySubscribe is the "subscribe to comments" permission.
	MaySubscribe bool
	// MayContact is false when anonymous commenters cannot leave contact details.
	MayContact bool
}

// Resolve returns the mode to store on the comment. It has no side effects.
func Resolve(sub Submission, cfg *settings.Settings) (notifier.Mode, error) {
	if !sub.Notify || !sub.MaySubscribe {
		return notifier.Disabled, nil
	}

	if sub.Subscriber.Anonymous() && (!sub.MayContact || sub.Subscriber.NormalizedEmail() == "") {
		return notifier.Disabled, notifier.ErrEmailRequired
	}

	// A single enabled mode is forced; the form never asked.
	if len(cfg.EnabledModes) == 1 {
		return cfg.EnabledModes[0], nil
	}

	m, err := notifier.ParseMode(sub.NotifyType)
	if err != nil {
		return notifier.Disabled, err
	}
	if !cfg.ModeEnabled(m) {
		return notifier.Disabled, &notifier.InvalidModeError{Value: sub.NotifyType}
	}
	return m, nil
}

// Default returns the pre-selected mode for a new comment form.
// last is the registered user's remembered preference, nil when none is stored.
func Default(anonymous bool, last *notifier.Preference, cfg *settings.Settings) notifier.Mode {
	mode := cfg.RegisteredDefault
	switch {
	case anonymous:
		mode = cfg.AnonymousDefault
	case last != nil:
		mode = last.CommentMode
	}

	if mode != notifier.Disabled && !cfg.ModeEnabled(mode) {
		return notifier.Disabled
	}
	return mode
}

// Options lists the modes a form should offer, in display order.
func Options(cfg *settings.Settings) []notifier.Mode {
	var opts []notifier.Mode
	for _, m := range []notifier.Mode{notifier.AllComments, notifier.RepliesOnly} {
		if cfg.ModeEnabled(m) {
			opts = append(opts, m)
		}
	}
	return opts
}

// Label is the human-readable option text for a mode.
func Label(m notifier.Mode) string {
	switch m {
	case notifier.AllComments:
		return "All comments"
	case notifier.RepliesOnly:
		return "Replies to my comment"
	default:
		return "No notifications"
	}
}

// EntityAuthorOptIn reports whether the owner of a content item wants mail for
// every new comment on it. A stored preference wins; otherwise the value the
// caller supplied, or the site default.
func EntityAuthorOptIn(stored *notifier.Preference, supplied bool, cfg *settings.Settings) bool {
	if stored != nil {
		return stored.NodeNotify
	}
	return supplied || cfg.EntityAuthorDefault
}
