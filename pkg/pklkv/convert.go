package pklkv

import "fmt"

// convertInPlace implements §4.6's conversion path: when Open finds a file
// whose header bytes don't match the canonical Store header, it may still
// be a bare CPython pickle.dump of a plain mapping (dict) — the format this
// package's on-disk layout was designed to be a strict superset of.
// convertInPlace parses that mapping, rewrites the file as a proper Store
// containing the same keys and values, and reports false (not an error) if
// the file isn't recognizable as a pickled mapping at all.
func convertInPlace(s *Store) (converted bool, warnings []string, err error) {
	fileLen, err := s.bf.Len()
	if err != nil {
		return false, nil, err
	}
	raw := make([]byte, fileLen)
	if _, err := s.bf.ReadAt(raw, 0); err != nil {
		return false, nil, err
	}

	value, consumed, derr := decodeStream(raw)
	if derr != nil {
		return false, nil, nil
	}
	m, ok := value.(map[string]any)
	if !ok {
		return false, nil, nil
	}

	shadowStart := int64(consumed)
	if err := s.bf.Truncate(shadowStart); err != nil {
		return false, nil, err
	}

	shadowHeader := header{f: s.bf, start: shadowStart}
	if err := shadowHeader.writeInitial(); err != nil {
		return false, nil, err
	}
	shadowTerm := terminator{f: s.bf}
	if err := shadowTerm.write(shadowHeader.endOffset()); err != nil {
		return false, nil, err
	}

	tmp := &Store{
		bf:         s.bf,
		header:     shadowHeader,
		terminator: shadowTerm,
		registry:   s.registry,
		cache:      newStoreCache(),
		lock:       newReentrantLock(s.bf),
	}
	for k, v := range m {
		if err := tmp.putLocked(k, v); err != nil {
			return false, warnings, fmt.Errorf("pklkv: convert: insert %q: %w", k, err)
		}
	}

	finalEnd, err := s.bf.Len()
	if err != nil {
		return false, warnings, err
	}
	shiftLen := finalEnd - shadowStart

	if err := leftShift(s.bf, shadowStart, shiftLen, defaultVacuumChunkSize); err != nil {
		return false, warnings, err
	}
	if err := s.bf.Truncate(shiftLen); err != nil {
		return false, warnings, err
	}

	// The canonical header now belongs at offset 0, with a fresh revision —
	// overwriting what the shift just moved there from shadowStart.
	if err := s.header.writeInitial(); err != nil {
		return false, warnings, err
	}

	s.cache.clear()
	if err := s.vacuumLocked(defaultVacuumChunkSize); err != nil {
		return false, warnings, err
	}

	return true, warnings, nil
}

// leftShift copies the length bytes starting at delta down to offset 0, in
// chunkSize-sized pieces, read-ahead-of-write so the shrinking source and
// destination ranges never overlap unsafely (delta > 0 always holds for its
// one caller, convertInPlace).
func leftShift(bf ByteFile, delta, length, chunkSize int64) error {
	if chunkSize <= 0 {
		chunkSize = defaultVacuumChunkSize
	}
	buf := make([]byte, chunkSize)
	var pos int64
	for pos < length {
		n := length - pos
		if n > chunkSize {
			n = chunkSize
		}
		if _, err := bf.ReadAt(buf[:n], delta+pos); err != nil {
			return err
		}
		if _, err := bf.WriteAt(buf[:n], pos); err != nil {
			return err
		}
		pos += n
	}
	return nil
}
