package queue

import "errors"

// Queue errors.
var (
	ErrPriorityNotResolved = errors.New("queue entry has no resolved priority")
	ErrInvalidStatus       = errors.New("invalid queue status")
)
