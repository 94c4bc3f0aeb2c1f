package store

import "errors"

var (
	ErrQueueClosed       = errors.New("queue closed")
	ErrQueueFull         = errors.New("queue full")
	ErrQueueEmpty        = errors.New("no waiting entries")
	ErrQueueNotFound     = errors.New("queue not found")
	ErrEntryNotFound     = errors.New("entry not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStaleOrder        = errors.New("stale entry order")
	ErrConflict          = errors.New("number allocation conflict")
)
