package engine

import "errors"

// Error kinds, matching the store's error taxonomy. Callers use errors.Is
// against these sentinels; wrapped errors carry additional context.
var (
	// ErrInvalidArgument covers empty keys and unknown replicated ops. A
	// reversed range is not an error: ReadKeyRange returns no entries.
	ErrInvalidArgument = errors.New("engine: invalid argument")

	// ErrIoFault covers disk read/write/fsync/rename/mkdir failures.
	ErrIoFault = errors.New("engine: io fault")

	// ErrCorruptData covers CRC mismatches and magic/version mismatches
	// surfaced as fatal (manifest corruption during initialize).
	ErrCorruptData = errors.New("engine: corrupt data")

	// ErrStateError covers operations against an uninitialized or closed
	// engine, or double-initialize.
	ErrStateError = errors.New("engine: invalid state")
)
