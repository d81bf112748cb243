package emu

import "errors"

// Errors returned by the register file and the memory writer. Callers
// match them with errors.Is.
var (
	// ErrUnknownRegister is returned for a name missing from the layout.
	ErrUnknownRegister = errors.New("unknown register")

	// ErrMemoryFault is returned when the memory manager rejects a store.
	ErrMemoryFault = errors.New("memory fault")

	// ErrInvalidArgument is returned for malformed bulk write input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidationFailed is returned when the JIT engine fails to
	// process a code modification notification. Compiled code may be
	// stale afterwards, so the current step must not continue.
	ErrInvalidationFailed = errors.New("code invalidation failed")
)
