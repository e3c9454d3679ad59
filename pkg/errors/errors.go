// Package errors defines sentinel errors used across pwarelay.
package errors

import "errors"

// Sentinel errors for storage operations.
var (
	// ErrKeyNotFound indicates that the requested key does not exist.
	// A cache miss is reported with this value and is not a failure.
	ErrKeyNotFound = errors.New("key not found")

	// ErrInvalidPartition indicates an empty partition name or one that
	// contains the key separator.
	ErrInvalidPartition = errors.New("invalid partition name")

	// ErrUnknownPartition indicates a partition that belongs to neither the
	// current static nor dynamic name.
	ErrUnknownPartition = errors.New("unknown partition")
)

// Sentinel errors for the offline action queue.
var (
	// ErrMissingID indicates an action without an identifier.
	ErrMissingID = errors.New("action has no id")

	// ErrNotDelivered indicates the socket was not open, so the envelope
	// was not sent and the caller is responsible for queueing it.
	ErrNotDelivered = errors.New("envelope not delivered")
)

// Sentinel errors for connection/client handling.
var (
	// ErrClosed indicates the resource has been closed.
	ErrClosed = errors.New("resource is closed")

	// ErrBackpressure indicates a client outbox is full and the message
	// was dropped for that client only.
	ErrBackpressure = errors.New("client outbox full")

	// ErrUnknownClient indicates the page is no longer connected.
	ErrUnknownClient = errors.New("unknown client")
)
