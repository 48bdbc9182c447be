package recipient

import (
	"errors"
	"fmt"
)

var (
	// ErrUnregistered matches UnregisteredError with errors.Is.
	ErrUnregistered = errors.New("recipient: not registered")
	// ErrDiscoveryTimeout is returned when the discovery lookup does not
	// answer within the configured timeout. No recipient state is written.
	ErrDiscoveryTimeout = errors.New("recipient: discovery timed out")
	// ErrNoIdentifier is returned when neither a phone number nor a protocol
	// ID is given.
	ErrNoIdentifier = errors.New("recipient: phone number or protocol ID required")
	// ErrNotFound is returned by Get for an unknown recipient ID.
	ErrNotFound = errors.New("recipient: not found")
)

// UnregisteredError is returned when the network reports that a phone number
// has no account. It is terminal; retrying will not help.
type UnregisteredError struct {
	PhoneNumber string
}

func (e *UnregisteredError) Error() string {
	return fmt.Sprintf("recipient: %s is not registered", e.PhoneNumber)
}

func (e *UnregisteredError) Is(target error) bool { return target == ErrUnregistered }

func (e *UnregisteredError) Retryable() bool { return false }

// DiscoveryError wraps an I/O failure of the discovery lookup.
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string { return "recipient: discovery: " + e.Err.Error() }

func (e *DiscoveryError) Unwrap() error { return e.Err }

func (e *DiscoveryError) Retryable() bool { return true }

// timeoutError marks ErrDiscoveryTimeout as retryable.
type timeoutError struct{}

func (timeoutError) Error() string        { return ErrDiscoveryTimeout.Error() }
func (timeoutError) Is(target error) bool { return target == ErrDiscoveryTimeout }
func (timeoutError) Retryable() bool      { return true }
