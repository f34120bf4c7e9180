package pklkv

import "errors"

// Error classification sentinels.
//
// Callers MUST classify errors using errors.Is; implementations MAY wrap
// these with additional context via fmt.Errorf("...: %w", err).
var (
	// ErrNotFound indicates a read-only open of a missing path, or a
	// get/del against an absent key.
	ErrNotFound = errors.New("pklkv: not found")

	// ErrNotWritable indicates a mutating operation on a read-only
	// backing (ByteFile opened read-only, or a remote adapter).
	ErrNotWritable = errors.New("pklkv: not writable")

	// ErrInvalidFormat indicates header or frame validation failed.
	// Open() attempts conversion before surfacing this.
	ErrInvalidFormat = errors.New("pklkv: invalid format")

	// ErrInvalidState indicates an attempt to mutate metadata of an
	// already-written Entry.
	ErrInvalidState = errors.New("pklkv: invalid state")

	// ErrInvalidArgument indicates a negative length, a key longer than
	// 255 UTF-8 bytes, invalid UTF-8, or a similarly malformed argument.
	ErrInvalidArgument = errors.New("pklkv: invalid argument")

	// ErrNoMatchingCodec indicates no registered codec's can_encode or
	// can_decode matched.
	ErrNoMatchingCodec = errors.New("pklkv: no matching codec")

	// ErrLockUnavailable is never returned to callers — per §5 it is
	// downgraded to a warning and the store falls back to per-process
	// locking only. Exported so callers can recognize the condition in
	// warning strings if they choose to parse them.
	ErrLockUnavailable = errors.New("pklkv: lock unavailable")

	// ErrClosed indicates an operation on a Store after Close.
	ErrClosed = errors.New("pklkv: closed")
)
