// Package notifier contains the core domain types for the comment notification service.
package notifier

import (
	"fmt"
	"strings"
	"time"
)

// Mode is the subscription strength stored on a comment.
type Mode int

const (
	Disabled    Mode = 0 // No notifications
	AllComments Mode = 1 // Any new comment on the thread
	RepliesOnly Mode = 2 // Direct replies to the subscribed comment
)

// String returns the machine name used in configuration and forms.
func (m Mode) String() string {
	switch m {
	case Disabled:
		return "disabled"
	case AllComments:
		return "node"
	case RepliesOnly:
		return "comment"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	return m == Disabled || m == AllComments || m == RepliesOnly
}

// ParseMode accepts either the numeric value or the machine name.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "disabled", "none", "":
		return Disabled, nil
	case "1", "node", "all", "all_comments":
		return AllComments, nil
	case "2", "comment", "replies", "replies_only":
		return RepliesOnly, nil
	}
	return Disabled, &InvalidModeError{Value: s}
}

// Subscriber identifies who owns a subscription.
// UserID is zero for anonymous commenters.
type Subscriber struct {
	UserID int64  `json:"user_id,omitempty"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email" validate:"omitempty,email"`
}

// Anonymous reports whether the subscriber has no account.
func (s Subscriber) Anonymous() bool {
	return s.UserID == 0
}

// NormalizedEmail returns the lowercased, trimmed address used for matching.
func (s Subscriber) NormalizedEmail() string {
	return NormalizeEmail(s.Email)
}

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Subscription is one subscriber's notification preference attached to one comment.
type Subscription struct {
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	Subscriber Subscriber `json:"subscriber"`
	EntityID   string     `json:"entity_id"`  // Commented content item (thread)
	CommentID  string     `json:"comment_id"` // Comment the record is attached to
	Hash       string     `json:"notify_hash"`
	Mode       Mode       `json:"notify"`
	Notified   bool       `json:"notified"`
}

// Active reports whether the record may still receive a notification.
func (s *Subscription) Active() bool {
	return s.Mode != Disabled && !s.Notified
}

// Comment is the triggering comment as supplied by the comment collaborator.
type Comment struct {
	ID        string     `json:"id" validate:"required"`
	ParentID  string     `json:"parent_id,omitempty"` // Empty for top-level comments
	EntityID  string     `json:"entity_id" validate:"required"`
	Author    Subscriber `json:"author"`
	Subject   string     `json:"subject"`
	Body      string     `json:"body"`
	Permalink string     `json:"permalink,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Owner is the author of the commented content item.
type Owner struct {
	UserID int64  `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email" validate:"omitempty,email"`
	// NodeNotify is the owner's opt-in for follow-ups on their own content.
	NodeNotify bool `json:"node_notify"`
}

// Entity is the commented content item.
type Entity struct {
	ID        string `json:"id" validate:"required"`
	Type      string `json:"type" validate:"required"`
	Title     string `json:"title"`
	Permalink string `json:"permalink"`
	Owner     Owner  `json:"owner"`
}

// Preference is a registered user's remembered choices.
type Preference struct {
	UserID      int64  `json:"user_id"`
	Email       string `json:"email,omitempty"` // Account address when last saved
	CommentMode Mode   `json:"comment_notify"`
	NodeNotify  bool   `json:"node_notify"`
}
