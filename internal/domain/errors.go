package domain

import "errors"

var (
	// ErrNotFound indicates resource not found
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidRequest indicates invalid request
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnauthorized indicates unauthorized access
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRateLimited indicates rate limit exceeded
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrUnknownProvider indicates no upstream adapter matches the request
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrEmptyMessage indicates a non-debug turn without a request record
	ErrEmptyMessage = errors.New("message is empty")
)
