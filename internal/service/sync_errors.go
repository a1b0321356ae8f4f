package service

import "errors"

var (
	// ErrTransientNetwork indicates a write or fetch failed on connectivity or a server-side fault.
	ErrTransientNetwork = errors.New("transient network failure")
	// ErrMalformedResponse indicates the server answered with a payload that cannot be mapped.
	ErrMalformedResponse = errors.New("malformed server response")
	// ErrRejected indicates the server refused the request outright.
	ErrRejected = errors.New("request rejected by server")

	// ErrMessageNotFound is returned when an identifier names no local message or comment.
	ErrMessageNotFound = errors.New("entity not found in local store")
	// ErrNotRetryable is returned when retry targets an entity that has not failed.
	ErrNotRetryable = errors.New("entity is not in a retryable state")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrIllegalTransition is returned when a delivery status edge is not permitted.
	ErrIllegalTransition = errors.New("illegal delivery status transition")
	// ErrEmptyContent is returned when a submission carries no visible text.
	ErrEmptyContent = errors.New("content must not be empty")
)
