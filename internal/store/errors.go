package store

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrUnavailable wraps total local-storage failures. Callers treat it
	// as fatal for the surrounding pass so destructive cleanup is skipped.
	ErrUnavailable = errors.New("local store unavailable")
)
