package token

import (
	"strings"
	"testing"

	"comment-notify/pkg/notifier"
)

func TestDeriveDeterministic(t *testing.T) {
	tok := New([]byte("site-secret"))
	sub := notifier.Subscriber{Name: "anon", Email: "a@example.com"}

	first := tok.Derive(sub, "node-1", "c-10")
	second := tok.Derive(sub, "node-1", "c-10")
	if first != second {
		t.Errorf("Derive() not deterministic: %s != %s", first, second)
	}
	if !Valid(first) {
		t.Errorf("Derive() produced invalid token %q", first)
	}

	// Case and surrounding whitespace in the address must not change the token.
	mixed := notifier.Subscriber{Email: "  A@Example.com "}
	if got := tok.Derive(mixed, "node-1", "c-10"); got != first {
		t.Errorf("Derive() with unnormalized email = %s, want %s", got, first)
	}
}

func TestDeriveDistinct(t *testing.T) {
	tok := New([]byte("site-secret"))
	base := tok.Derive(notifier.Subscriber{Email: "a@example.com"}, "node-1", "c-10")

	tests := []struct {
		name      string
		sub       notifier.Subscriber
		entityID  string
		commentID string
		secret    string
	}{
		{"different subscriber", notifier.Subscriber{Email: "b@example.com"}, "node-1", "c-10", "site-secret"},
		{"different entity", notifier.Subscriber{Email: "a@example.com"}, "node-2", "c-10", "site-secret"},
		{"different comment", notifier.Subscriber{Email: "a@example.com"}, "node-1", "c-11", "site-secret"},
		{"different secret", notifier.Subscriber{Email: "a@example.com"}, "node-1", "c-10", "other-secret"},
		{"user id without email", notifier.Subscriber{UserID: 7}, "node-1", "c-10", "site-secret"},
		{"separator moved between fields", notifier.Subscriber{Email: "a@example.com"}, "node-1|c-10", "", "site-secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := New([]byte(tt.secret)).Derive(tt.sub, tt.entityID, tt.commentID)
			if got == base {
				t.Errorf("Derive() = %s, should differ from base token", got)
			}
		})
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"derived shape", strings.Repeat("ab", 32), true},
		{"too short", "abc123", false},
		{"uppercase hex", strings.Repeat("AB", 32), false},
		{"path traversal", "../" + strings.Repeat("a", 61), false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Valid(tt.token); got != tt.want {
				t.Errorf("Valid(%q) = %v, want %v", tt.token, got, tt.want)
			}
		})
	}
}
