package pklkv

import "io"

// ByteFile is C1: the seekable, byte-addressed backing a Store is built on
// top of. Two implementations ship: localFile (an OS file, mmap/flock
// capable) and pklhttp's remote adapter (read-only, range-fetched).
//
// All higher-layer reads and writes go through the absolute-offset methods
// (ReadAt/WriteAt) rather than a shared seek cursor — spec §4.1 calls this
// "seek-then-read/write"; expressing it as ReadAt/WriteAt avoids a mutable
// cursor threading through every call site and matches how [os.File]'s own
// ReadAt/WriteAt are documented to not affect the current offset.
type ByteFile interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	// Len returns the current size of the backing in bytes.
	Len() (int64, error)

	// Truncate resizes the backing to exactly size bytes.
	Truncate(size int64) error

	// Flush commits buffered writes to the backing storage. For a local
	// file this is fsync; for a read-only remote adapter it is a no-op.
	Flush() error

	// Writable reports whether WriteAt/Truncate are expected to succeed.
	Writable() bool

	// Lockable reports whether TryLock/Unlock operate on a real OS
	// advisory lock. When false (e.g. the backing has no real file
	// descriptor, as with the HTTP adapter), Store falls back to
	// per-process locking only and records a warning (§5) rather than
	// treating it as an error.
	Lockable() bool

	// TryLock acquires a whole-file advisory exclusive lock, blocking
	// until it is available.
	TryLock() error

	// Unlock releases the advisory lock acquired by TryLock.
	Unlock() error

	// Mappable reports whether Map can return a real zero-copy view.
	Mappable() bool

	// Map returns a view over the byte range [offset, offset+length) of
	// the backing, used by BulkArrayCodec. Implementations that cannot
	// provide a zero-copy mapping return a copy instead; callers must not
	// assume writes through the returned slice are visible to other
	// readers unless Mappable() is true.
	Map(offset, length int64) ([]byte, error)

	// Unmap releases a slice previously returned by Map. It is a no-op
	// for non-mappable backings.
	Unmap(b []byte) error
}

// positionSaver is the Go re-expression of the original's
// save_file_position decorator (§9): a scoped helper for operations that
// need a temporary seek cursor (such as streaming a chunked copy) without
// disturbing any absolute-offset caller state. Since ByteFile itself is
// offset-based rather than cursor-based, positionSaver's only remaining job
// is bookkeeping a cursor local to one chunked operation — it never touches
// the backing's own state.
type positionSaver struct {
	pos int64
}

// newPositionSaver starts a scoped cursor at start.
func newPositionSaver(start int64) *positionSaver { return &positionSaver{pos: start} }

// advance moves the cursor forward by n bytes and returns the offset it was
// at before advancing.
func (p *positionSaver) advance(n int64) int64 {
	at := p.pos
	p.pos += n
	return at
}
