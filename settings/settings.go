// Package settings holds the site-wide notification configuration.
package settings

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"text/template"

	"comment-notify/pkg/notifier"
)

// ErrInvalidTemplate indicates a mail text that does not parse.
var ErrInvalidTemplate = errors.New("invalid mail template")

// Template is a subject and body pair rendered for each recipient.
type Template struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Check parses the subject and body without executing them.
func (t Template) Check() error {
	var errs []error
	for part, text := range map[string]string{"subject": t.Subject, "body": t.Body} {
		if _, err := template.New(part).Parse(text); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %v", ErrInvalidTemplate, part, err))
		}
	}
	return errors.Join(errs...)
}

// Settings is read-only to the notification core and passed in explicitly.
type Settings struct {
	EntityTypes          []string        `json:"entity_types"`
	EnabledModes         []notifier.Mode `json:"available_alerts"`
	AnonymousDefault     notifier.Mode   `json:"default_anon_mailalert"`
	RegisteredDefault    notifier.Mode   `json:"default_registered_mailalert"`
	EntityAuthorDefault  bool            `json:"node_notify_default_mailalert"`
	CommentTemplate      Template        `json:"comment_notify_default_mailtext"`
	EntityAuthorTemplate Template        `json:"node_notify_default_mailtext"`
	Secret               string          `json:"-"`
	BaseURL              string          `json:"base_url"`
}

// Default returns the stock configuration: both modes enabled, everything off by default.
func Default() *Settings {
	return &Settings{
		EnabledModes:         []notifier.Mode{notifier.AllComments, notifier.RepliesOnly},
		AnonymousDefault:     notifier.Disabled,
		RegisteredDefault:    notifier.Disabled,
		CommentTemplate:      DefaultCommentTemplate,
		EntityAuthorTemplate: DefaultEntityAuthorTemplate,
	}
}

// DefaultCommentTemplate is sent to subscribed commenters.
var DefaultCommentTemplate = Template{
	Subject: "New comment on {{.Entity.Title}}",
	Body: `Hi {{.Recipient.Name}},

{{.Comment.Author.Name}} has commented on: "{{.Entity.Title}}"

----
{{.Comment.Subject}}
{{.PlainBody}}
----

You can view the comment at the following url
{{.Comment.Permalink}}

You can stop receiving emails when someone replies to this post,
by going to {{.UnsubscribeURL}}
`,
}

// DefaultEntityAuthorTemplate is sent to the owner of the commented item.
var DefaultEntityAuthorTemplate = Template{
	Subject: "New comment on {{.Entity.Title}}",
	Body: `Hi {{.Recipient.Name}},

You have received a comment on: "{{.Entity.Title}}"

----
{{.Comment.Subject}}
{{.PlainBody}}
----

You can view the comment at the following url
{{.Comment.Permalink}}
`,
}

// Validate rejects configurations that must never reach dispatch.
func (s *Settings) Validate() error {
	var errs []error
	if len(s.EnabledModes) == 0 {
		errs = append(errs, notifier.ErrNoEligibleModes)
	}
	for _, m := range s.EnabledModes {
		if m != notifier.AllComments && m != notifier.RepliesOnly {
			errs = append(errs, fmt.Errorf("available alerts: %w", &notifier.InvalidModeError{Value: m.String()}))
		}
	}
	for name, m := range map[string]notifier.Mode{
		"default_anon_mailalert":       s.AnonymousDefault,
		"default_registered_mailalert": s.RegisteredDefault,
	} {
		if !m.Valid() {
			errs = append(errs, fmt.Errorf("%s: %w", name, &notifier.InvalidModeError{Value: m.String()}))
		}
	}
	if strings.TrimSpace(s.Secret) == "" {
		errs = append(errs, errors.New("hash secret is required"))
	}
	if strings.TrimSpace(s.CommentTemplate.Body) == "" {
		errs = append(errs, errors.New("comment mail text is required"))
	}
	if err := s.CommentTemplate.Check(); err != nil {
		errs = append(errs, fmt.Errorf("comment mail text: %w", err))
	}
	if err := s.EntityAuthorTemplate.Check(); err != nil {
		errs = append(errs, fmt.Errorf("entity author mail text: %w", err))
	}
	return errors.Join(errs...)
}

// ModeEnabled reports whether m is in the enabled set.
func (s *Settings) ModeEnabled(m notifier.Mode) bool {
	return slices.Contains(s.EnabledModes, m)
}

// EntityTypeEnabled reports whether comments on entityType may notify.
// An empty list enables every type.
func (s *Settings) EntityTypeEnabled(entityType string) bool {
	if len(s.EntityTypes) == 0 {
		return true
	}
	return slices.Contains(s.EntityTypes, entityType)
}

// ParseModes parses a comma-separated list such as "node,comment" or "1,2".
func ParseModes(list string) ([]notifier.Mode, error) {
	var modes []notifier.Mode
	for _, part := range strings.Split(list, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		m, err := notifier.ParseMode(part)
		if err != nil {
			return nil, err
		}
		if m == notifier.Disabled || slices.Contains(modes, m) {
			continue
		}
		modes = append(modes, m)
	}
	return modes, nil
}
