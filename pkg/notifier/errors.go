package notifier

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMode indicates a submitted mode outside the enabled set.
	ErrInvalidMode = errors.New("notification mode not enabled")
	// ErrTokenNotFound indicates an unknown or malformed unsubscribe token.
	ErrTokenNotFound = errors.New("unsubscribe token not found")
	// ErrMailTransport indicates a failed send to a single recipient.
	ErrMailTransport = errors.New("mail transport failure")
	// ErrNoEligibleModes indicates a configuration with zero enabled modes.
	ErrNoEligibleModes = errors.New("you must enable at least one subscription mode")
	// ErrEmailRequired indicates an anonymous subscription without a usable address.
	ErrEmailRequired = errors.New("if you want to subscribe to comments you must supply a valid e-mail address")
	// ErrNotFound indicates a missing subscription record.
	ErrNotFound = errors.New("subscription not found")
)

// InvalidModeError describes a rejected notification mode.
type InvalidModeError struct {
	Value string
}

func (e *InvalidModeError) Error() string {
	return fmt.Sprintf("invalid notification mode %q", e.Value)
}

// Unwrap lets errors.Is match ErrInvalidMode.
func (e *InvalidModeError) Unwrap() error {
	return ErrInvalidMode
}

// TransportError records a failed delivery to one recipient.
type TransportError struct {
	Recipient string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.Recipient, e.Err)
}

// Is lets errors.Is match ErrMailTransport.
func (e *TransportError) Is(target error) bool {
	return target == ErrMailTransport
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
