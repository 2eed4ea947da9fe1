package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound         = errors.New("entity not found")
	ErrDuplicateSession = errors.New("session already exists")
	ErrConcurrencyLimit = errors.New("per-user concurrency limit exceeded")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrUnauthorized     = errors.New("not authorized for this resource")
	ErrQueueClosed      = errors.New("processing queue is shut down")
	ErrQueueFull        = errors.New("run queue is full")

	// Errors observed on the execution path
	ErrCancelled     = errors.New("cancellation requested")
	ErrTimeout       = errors.New("checkpoint deadline exceeded")
	ErrWriteConflict = errors.New("concurrent record update")
)
