package storage

import "errors"

var (
	// ErrAlreadyClosed is returned by Write and Close on a writer that
	// reached a terminal state.
	ErrAlreadyClosed = errors.New("file writer already closed")

	// ErrDestroyed is the error latched on a writer's notifier by
	// Destroy.
	ErrDestroyed = errors.New("file writer destroyed")

	// ErrBufferExhausted means the flusher could not hand out a flush
	// buffer within the borrow timeout.
	ErrBufferExhausted = errors.New("flush buffer pool exhausted")

	// ErrFlushQueueFull means a flush task could not be enqueued within
	// the submit timeout.
	ErrFlushQueueFull = errors.New("flush task queue full")

	// ErrPendingTimeout means close gave up waiting for pending writes
	// or pending flushes to drain.
	ErrPendingTimeout = errors.New("wait pending actions timeout")
)
