// Package relayerr defines the sentinel errors shared across the relay's
// components, so callers can branch on failure class with errors.Is
// instead of string matching.
package relayerr

import "errors"

var (
	// ErrValidation marks a message or envelope that failed local checks
	// (bad address syntax, oversized body, header injection) before it
	// ever reached the queue.
	ErrValidation = errors.New("relay: validation failed")

	// ErrBackendUnavailable marks a queue backend (Redis, the embedded
	// store) that could not be reached or that returned a storage-layer
	// failure unrelated to message content.
	ErrBackendUnavailable = errors.New("relay: queue backend unavailable")

	// ErrUpstreamTransient marks an upstream SMTP failure the caller
	// should retry: connection refused, timeout, 4xx reply.
	ErrUpstreamTransient = errors.New("relay: upstream transient failure")

	// ErrUpstreamPermanent marks an upstream 5xx reply that retrying
	// will not fix.
	ErrUpstreamPermanent = errors.New("relay: upstream permanent failure")

	// ErrAuthFailure marks a rejected SMTP AUTH attempt or an
	// unauthenticated MAIL FROM when auth is required.
	ErrAuthFailure = errors.New("relay: authentication failed")

	// ErrRetriesExhausted marks a message that ran out of retry budget;
	// the worker surfaces this when handing a message to its terminal
	// failed state.
	ErrRetriesExhausted = errors.New("relay: retries exhausted")
)

// Classified wraps an underlying error with one of the sentinels above so
// %w-unwrapping and errors.Is both work while the original text survives.
type Classified struct {
	Class error
	Err   error
}

func (c *Classified) Error() string {
	if c.Err == nil {
		return c.Class.Error()
	}
	return c.Class.Error() + ": " + c.Err.Error()
}

func (c *Classified) Unwrap() []error {
	return []error{c.Class, c.Err}
}

// Wrap attaches class to err. If err is nil, Wrap returns nil.
func Wrap(class, err error) error {
	if err == nil {
		return nil
	}
	return &Classified{Class: class, Err: err}
}
