package pklkv

import (
	"fmt"
)

// defaultVacuumChunkSize matches §4.6's "chunk_size=1 MiB" default.
const defaultVacuumChunkSize = 1 << 20

// Options configures Open.
type Options struct {
	// Path is the filesystem path to the store file. Required unless
	// ByteFile is supplied directly (e.g. pklhttp's remote adapter).
	Path string

	// ByteFile, if non-nil, is used instead of opening Path locally.
	ByteFile ByteFile

	// ReadOnly opens the backing without write access. Opening a missing
	// path read-only returns ErrNotFound.
	ReadOnly bool

	// Codecs overrides the default codec list. GenericCodec is always
	// appended as the final fallback if not already present.
	Codecs []Codec
}

// Store is C6: the top-level object composing C1-C5 (§2). All public
// operations are serialized through a re-entrant whole-file lock and
// observe a revision-gated, process-local Cache (§4.7, §5).
type Store struct {
	bf       ByteFile
	path     string
	readOnly bool

	header     header
	terminator terminator
	registry   *codecRegistry
	cache      *storeCache
	lock       *reentrantLock

	warnings []string
	closed   bool
}

// Open opens or creates a store at opts.Path (or over opts.ByteFile),
// running conversion automatically if the backing holds a plain serialized
// mapping instead of a Store header (§4.6). Returned warnings are
// non-fatal structural notices (§7's InvalidFormat detail, a missing
// terminator); they do not indicate the open failed. Lock fallback notices
// are reported through Warnings instead.
func Open(opts Options) (*Store, []string, error) {
	bf, err := resolveByteFile(opts)
	if err != nil {
		return nil, nil, err
	}

	fileLen, err := bf.Len()
	if err != nil {
		return nil, nil, fmt.Errorf("pklkv: stat backing: %w", err)
	}

	registry := newDefaultRegistry()
	if len(opts.Codecs) > 0 {
		registry = newRegistry(opts.Codecs)
	}

	s := &Store{
		bf:         bf,
		path:       opts.Path,
		readOnly:   opts.ReadOnly,
		header:     header{f: bf},
		terminator: terminator{f: bf},
		registry:   registry,
		cache:      newStoreCache(),
		lock:       newReentrantLock(bf),
	}

	if fileLen == 0 {
		if opts.ReadOnly {
			return nil, nil, fmt.Errorf("pklkv: open %s: %w", opts.Path, ErrNotFound)
		}
		if err := s.createFresh(); err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	}

	ok, warnings, err := s.header.isValid()
	if err != nil {
		return nil, nil, err
	}
	if ok {
		te, err := s.terminator.exists(fileLen)
		if err != nil {
			return nil, nil, err
		}
		if !te {
			warnings = append(warnings, "store: terminator missing or corrupt; run Fsck")
		}
		return s, warnings, nil
	}

	if opts.ReadOnly {
		return nil, warnings, fmt.Errorf("pklkv: %s: %w", opts.Path, ErrInvalidFormat)
	}

	converted, convWarnings, err := convertInPlace(s)
	warnings = append(warnings, convWarnings...)
	if err != nil {
		return nil, warnings, fmt.Errorf("pklkv: convert %s: %w", opts.Path, err)
	}
	if !converted {
		return nil, warnings, fmt.Errorf("pklkv: %s: %w", opts.Path, ErrInvalidFormat)
	}
	return s, warnings, nil
}

func resolveByteFile(opts Options) (ByteFile, error) {
	if opts.ByteFile != nil {
		return opts.ByteFile, nil
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("pklkv: Path or ByteFile is required: %w", ErrInvalidArgument)
	}
	lf, err := openLocalFile(opts.Path, !opts.ReadOnly)
	if err != nil {
		return nil, err
	}
	return lf, nil
}

// createFresh writes a brand-new Header+Terminator pair (§3 lifecycle,
// testable scenario 1: empty store is 24+11 = 35 bytes).
func (s *Store) createFresh() error {
	if lf, ok := s.bf.(*localFile); ok {
		initial := append(encodeHeader(0), terminatorBytes...)
		if err := lf.f.Close(); err != nil {
			return err
		}
		if err := createLocalFileAtomic(s.path, initial); err != nil {
			return err
		}
		reopened, err := openLocalFile(s.path, true)
		if err != nil {
			return err
		}
		s.bf = reopened
		s.header.f = reopened
		s.terminator.f = reopened
		s.lock = newReentrantLock(reopened)
		return nil
	}
	if err := s.header.writeInitial(); err != nil {
		return err
	}
	return s.terminator.write(s.header.endOffset())
}

// Close releases the backing file. It does not flush or release any lock
// (those are scoped to each operation); it is safe to call multiple times.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.bf.Close()
}

// Warnings drains and returns warnings accumulated since the last call
// (lock-unavailable fallbacks, structural notices).
func (s *Store) Warnings() []string {
	w := s.warnings
	s.warnings = nil
	return w
}

// withLock implements §5: acquire (re-entrantly), invalidate the cache on
// the outermost acquisition if the revision moved, run fn, and on the
// outermost release flush the backing if the revision changed during fn.
func (s *Store) withLock(fn func() error) error {
	if s.closed {
		return ErrClosed
	}
	s.lock.acquire()
	isOutermost := s.lock.outermost()
	if w := s.lock.takeWarning(); w != "" {
		s.warnings = append(s.warnings, w)
	}

	var revBefore int32
	if isOutermost {
		if rev, err := s.header.revision(); err == nil {
			revBefore = rev
			s.cache.invalidateIfStale(rev)
		}
	}

	err := fn()

	if isOutermost {
		if revAfter, rerr := s.header.revision(); rerr == nil && revAfter != revBefore {
			_ = s.bf.Flush()
		}
	}
	s.lock.release()
	return err
}

func (s *Store) ensureScanned() error {
	if s.cache.loaded {
		return nil
	}
	fileLen, err := s.bf.Len()
	if err != nil {
		return err
	}
	limit := fileLen - s.terminator.byteLength()
	entries, stoppedAt, ok := scanEntries(s.bf, s.header.endOffset(), limit)
	if !ok {
		s.warnings = append(s.warnings, fmt.Sprintf("store: entry scan stopped early at offset %d (of %d); run Fsck", stoppedAt, limit))
	}
	rev, err := s.header.revision()
	if err != nil {
		return err
	}
	s.cache.rebuild(entries, rev)
	return nil
}

// Contains reports whether k is currently a valid (non-tombstoned) key.
func (s *Store) Contains(k string) (bool, error) {
	var found bool
	err := s.withLock(func() error {
		if err := s.ensureScanned(); err != nil {
			return err
		}
		_, found = s.cache.entriesValid[k]
		return nil
	})
	return found, err
}

// Keys returns the currently-valid keys in unspecified order.
func (s *Store) Keys() ([]string, error) {
	var keys []string
	err := s.withLock(func() error {
		if err := s.ensureScanned(); err != nil {
			return err
		}
		keys = make([]string, 0, len(s.cache.entriesValid))
		for k := range s.cache.entriesValid {
			keys = append(keys, k)
		}
		return nil
	})
	return keys, err
}

// Get decodes and returns the value for k.
func (s *Store) Get(k string) (any, error) {
	var result any
	err := s.withLock(func() error {
		if err := s.ensureScanned(); err != nil {
			return err
		}
		e, ok := s.cache.entriesValid[k]
		if !ok {
			return fmt.Errorf("pklkv: get %q: %w", k, ErrNotFound)
		}
		codec, err := s.registry.forDecode(s.bf, e.DataOffset(), e.DataLength())
		if err != nil {
			return err
		}
		v, err := codec.Read(s.bf, e.DataOffset(), e.DataLength())
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// Put inserts or overwrites k with v, following §4.6's insert algorithm:
// tombstone any existing entry for k first, then append a fresh entry
// before the terminator and bump the revision.
func (s *Store) Put(k string, v any) error {
	return s.withLock(func() error { return s.putLocked(k, v) })
}

func (s *Store) putLocked(k string, v any) error {
	if !s.bf.Writable() {
		return fmt.Errorf("pklkv: put %q: %w", k, ErrNotWritable)
	}
	if err := s.ensureScanned(); err != nil {
		return err
	}
	if _, exists := s.cache.entriesValid[k]; exists {
		if err := s.delLocked(k); err != nil {
			return err
		}
	}

	codec, err := s.registry.forEncode(v)
	if err != nil {
		return err
	}

	offset := s.header.endOffset()
	memoStart := int32(1)
	for _, e := range s.cache.entriesAll {
		if e.EndOffset() > offset {
			offset = e.EndOffset()
		}
		if e.MemoMaxIdx() > memoStart {
			memoStart = e.MemoMaxIdx()
		}
	}

	draft := newDraftEntry(s.bf, offset)
	payloadOffset := draft.dataOffsetForKeyLen(len(k))
	dataLen, memoMax, err := codec.Write(s.bf, v, payloadOffset, memoStart)
	if err != nil {
		return err
	}

	if err := draft.SetKey(k); err != nil {
		return err
	}
	if err := draft.SetDataLength(dataLen); err != nil {
		return err
	}
	if err := draft.SetMemoMaxIdx(memoMax); err != nil {
		return err
	}
	if err := draft.SetValid(true); err != nil {
		return err
	}

	if err := s.terminator.write(draft.EndOffset()); err != nil {
		return err
	}

	rev, err := s.header.revision()
	if err != nil {
		return err
	}
	rev++
	if err := s.header.setRevision(rev); err != nil {
		return err
	}
	s.cache.addWritten(draft, rev)
	return nil
}

// Del tombstones k's entry (a single-byte overwrite) and bumps the
// revision.
func (s *Store) Del(k string) error {
	return s.withLock(func() error { return s.delLocked(k) })
}

func (s *Store) delLocked(k string) error {
	if !s.bf.Writable() {
		return fmt.Errorf("pklkv: del %q: %w", k, ErrNotWritable)
	}
	if err := s.ensureScanned(); err != nil {
		return err
	}
	e, ok := s.cache.entriesValid[k]
	if !ok {
		return fmt.Errorf("pklkv: del %q: %w", k, ErrNotFound)
	}
	if err := e.setValidOnDisk(false); err != nil {
		return err
	}
	rev, err := s.header.revision()
	if err != nil {
		return err
	}
	rev++
	if err := s.header.setRevision(rev); err != nil {
		return err
	}
	s.cache.markDeleted(e, rev)
	return nil
}

// Revision returns the header's current revision counter (§3 I7).
func (s *Store) Revision() (int32, error) {
	var rev int32
	err := s.withLock(func() error {
		r, err := s.header.revision()
		rev = r
		return err
	})
	return rev, err
}

// Vacuum removes tombstoned entries by shifting live data leftward in
// chunkSize-sized chunks (default 1 MiB if chunkSize <= 0), per §4.6's
// vacuum algorithm. The caller must ensure no mapped views exist over this
// file anywhere in the process or others (§5).
func (s *Store) Vacuum(chunkSize int64) error {
	if chunkSize <= 0 {
		chunkSize = defaultVacuumChunkSize
	}
	return s.withLock(func() error { return s.vacuumLocked(chunkSize) })
}

func (s *Store) vacuumLocked(chunkSize int64) error {
	if !s.bf.Writable() {
		return fmt.Errorf("pklkv: vacuum: %w", ErrNotWritable)
	}
	if err := s.ensureScanned(); err != nil {
		return err
	}
	fileLen, err := s.bf.Len()
	if err != nil {
		return err
	}

	var tombstoned [][2]int64
	for _, e := range s.cache.entriesAll {
		if !e.Valid() {
			tombstoned = append(tombstoned, [2]int64{e.Offset(), e.EndOffset()})
		}
	}
	if len(tombstoned) == 0 {
		return nil
	}

	live := complementIntervals(fileLen, tombstoned)
	if len(live) <= 1 {
		return nil
	}

	buf := make([]byte, chunkSize)
	var writePos int64
	for _, iv := range live {
		p := iv[0]
		for p < iv[1] {
			n := iv[1] - p
			if n > chunkSize {
				n = chunkSize
			}
			if _, err := s.bf.ReadAt(buf[:n], p); err != nil {
				return err
			}
			if _, err := s.bf.WriteAt(buf[:n], writePos); err != nil {
				return err
			}
			p += n
			writePos += n
		}
	}

	if err := s.bf.Truncate(writePos); err != nil {
		return err
	}
	if err := s.terminator.write(writePos - s.terminator.byteLength()); err != nil {
		return err
	}
	s.cache.clear()

	rev, err := s.header.revision()
	if err != nil {
		return err
	}
	newRev := int32(0)
	if rev == 0 {
		newRev = 1
	}
	return s.header.setRevision(newRev)
}

// complementIntervals returns the live byte ranges of [0, fileLen) that are
// not covered by the given tombstoned ranges (assumed sorted, non-
// overlapping, in file order), per §4.6's vacuum step 2.
func complementIntervals(fileLen int64, tombstoned [][2]int64) [][2]int64 {
	var live [][2]int64
	cursor := int64(0)
	for _, t := range tombstoned {
		if t[0] > cursor {
			live = append(live, [2]int64{cursor, t[0]})
		}
		if t[1] > cursor {
			cursor = t[1]
		}
	}
	if cursor < fileLen {
		live = append(live, [2]int64{cursor, fileLen})
	}
	return live
}

// Fsck walks frames forward from just after the header; on the first
// incomplete or unparseable frame it truncates the file to that point and
// rewrites the Terminator. It may lose the last entry (§4.6).
func (s *Store) Fsck() error {
	return s.withLock(func() error { return s.fsckLocked() })
}

func (s *Store) fsckLocked() error {
	if !s.bf.Writable() {
		return fmt.Errorf("pklkv: fsck: %w", ErrNotWritable)
	}
	fileLen, err := s.bf.Len()
	if err != nil {
		return err
	}
	entries, stoppedAt, _ := scanEntries(s.bf, s.header.endOffset(), fileLen)

	truncateAt := stoppedAt + s.terminator.byteLength()
	if err := s.bf.Truncate(truncateAt); err != nil {
		return err
	}
	if err := s.terminator.write(stoppedAt); err != nil {
		return err
	}
	rev, err := s.header.revision()
	if err != nil {
		return err
	}
	s.cache.rebuild(entries, rev)
	return nil
}

// scanEntries walks well-formed FRAME-prefixed entries from start up to
// limit, stopping (ok=false) at the first short read, bad FRAME marker, or
// frame that would extend past limit — used both for the normal lazy scan
// and, with a generous limit, for Fsck's truncation-tolerant walk.
func scanEntries(f ByteFile, start, limit int64) (entries []*entry, stoppedAt int64, ok bool) {
	pos := start
	for pos < limit {
		if pos+9 > limit {
			return entries, pos, false
		}
		head := make([]byte, 9)
		if _, err := f.ReadAt(head, pos); err != nil {
			return entries, pos, false
		}
		frameLen, valid := peekFrameLen(head)
		if !valid {
			return entries, pos, false
		}
		total := 9 + frameLen
		if pos+total > limit {
			return entries, pos, false
		}
		e, err := loadEntryAt(f, pos)
		if err != nil {
			return entries, pos, false
		}
		entries = append(entries, e)
		pos += total
	}
	return entries, pos, true
}

func peekFrameLen(head []byte) (int64, bool) {
	if head[0] != opFRAME {
		return 0, false
	}
	n := int64(0)
	for i := 8; i >= 1; i-- {
		n = n<<8 | int64(head[i])
	}
	return n, true
}

// ForkState is the Go analogue of the original's __getstate__/__setstate__
// pickling contract (§5): it carries enough to reopen the same file in a
// child process without serializing the Store itself (ByteFile, Cache,
// and any live mapped views are all process-local).
type ForkState struct {
	Path string
}

// Fork returns the state a child process needs to reopen this store. The
// child always reopens read-only: per §5, "the mode is downgraded from
// write-create to write-open to avoid destroying an existing file", and
// since a child has no guarantee it's safe to mutate the parent's store
// concurrently, this repo downgrades it further to read-only.
func (s *Store) Fork() ForkState {
	return ForkState{Path: s.path}
}

// OpenFork reopens a store from a parent's ForkState.
func OpenFork(state ForkState, codecs []Codec) (*Store, []string, error) {
	return Open(Options{Path: state.Path, ReadOnly: true, Codecs: codecs})
}
