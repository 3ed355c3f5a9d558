package melange

import "errors"

// Sentinel errors returned by the engine. Callers should use [errors.Is] to
// check error kinds, since most call sites wrap the sentinel with additional
// context via fmt.Errorf("...: %w", ...).
var (
	// ErrNotFound indicates the requested key is absent from the tree.
	ErrNotFound = errors.New("melange: not found")

	// ErrIo indicates an underlying read, write, or fsync failed. The
	// wrapping error carries the offending operation as a tag, e.g.
	// "heap: write slab-2.dat: <cause>: %w".
	ErrIo = errors.New("melange: io")

	// ErrCorruption indicates a checksum mismatch on a frame or metadata
	// record. Fatal for the read or recovery step that hit it, not for the
	// database as a whole.
	ErrCorruption = errors.New("melange: corruption")

	// ErrPoisoned indicates the engine observed an unrecoverable flush-time
	// error. Writes are rejected until the database is closed and reopened.
	ErrPoisoned = errors.New("melange: poisoned")

	// ErrInvalidArgument indicates malformed options, a zero-length key, or
	// an unsupported compression algorithm.
	ErrInvalidArgument = errors.New("melange: invalid argument")

	// ErrAlreadyExists is returned by namespace-level create operations
	// (e.g. creating a tree that already exists).
	ErrAlreadyExists = errors.New("melange: already exists")

	// ErrClosed indicates the DB, Tree, or Batch has already been closed.
	ErrClosed = errors.New("melange: closed")
)
