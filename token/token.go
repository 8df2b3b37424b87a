// Package token derives unsubscribe tokens for subscription records.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"comment-notify/pkg/notifier"
)

// Length is the size of a derived token: hex-encoded SHA-256.
const Length = 64

// Tokenizer derives deterministic, unguessable unsubscribe tokens.
type Tokenizer struct {
	secret []byte
}

// New creates a tokenizer keyed by the site secret.
func New(secret []byte) *Tokenizer {
	return &Tokenizer{secret: secret}
}

// Derive returns the token for a subscriber on one comment of one entity.
// Uses HMAC-SHA256 so tokens cannot be forged without the secret.
func (t *Tokenizer) Derive(sub notifier.Subscriber, entityID, commentID string) string {
	h := hmac.New(sha256.New, t.secret)
	for _, part := range []string{identity(sub), entityID, commentID} {
		// Length-prefixed so that no two distinct inputs share a canonical form.
		h.Write([]byte(strconv.Itoa(len(part)) + ":" + part + "|"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// identity prefers the e-mail address; registered users without one fall back to their id.
func identity(sub notifier.Subscriber) string {
	if email := sub.NormalizedEmail(); email != "" {
		return email
	}
	return "uid:" + strconv.FormatInt(sub.UserID, 10)
}

// Valid reports whether token has the derived shape.
// Checks every character rather than exiting early.
func Valid(token string) bool {
	if len(token) != Length {
		return false
	}

	valid := 1
	for _, c := range token {
		isHexDigit := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
		if !isHexDigit {
			valid = 0
		}
	}
	return valid == 1
}
