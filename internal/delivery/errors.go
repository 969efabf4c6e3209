package delivery

import "errors"

var (
	// ErrInvalidInput is returned before any attempt when a request is incomplete
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotPrivileged is returned when a policy was requested by an actor
	// that may not use it
	ErrNotPrivileged = errors.New("actor is not privileged for this policy")

	// ErrInboxWrite is returned when the inbox fallback could not be persisted
	ErrInboxWrite = errors.New("failed to save message to inbox")

	// ErrUnknownPolicy is returned for a policy name that is not registered
	ErrUnknownPolicy = errors.New("unknown delivery policy")
)
