package storage

import "github.com/juju/errors"

const (
	// ErrClosed is returned by stores used after Close.
	ErrClosed = errors.ConstError("store is closed")

	// ErrNotInitialized is returned by stores used before Init.
	ErrNotInitialized = errors.ConstError("store is not initialized")

	// ErrCorruptRecord is returned by GetPrompt when the head of the queue
	// could not be decoded. The record is moved to quarantine first, so the
	// next call serves the prompt behind it.
	ErrCorruptRecord = errors.ConstError("corrupt prompt record")
)
