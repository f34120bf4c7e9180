package pklkv

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// entryKeyHeaderLen + entryTrailerLen is the number of frame-content bytes
// that are not key bytes or payload bytes: SHORT_BINUNICODE op(1) + key_len byte(1) before
// the key, plus BININT op(1) + i32(4) + POP(1) + validity pair(2) after the
// payload. I4: frame_len = 2 + key_len + data_len + 6 + 2.
const (
	entryKeyHeaderLen = 2 // SHORT_BINUNICODE op + u8 key_len
	entryTrailerLen   = 8 // BININT op + i32 + POP (6) + validity pair (2)
	maxKeyBytes       = 255
)

// entry is C4: one key-value record. It follows the Draft/Written two-state
// design §9 calls for in place of the original's "all setters unlock once
// every field is present" pattern: a fresh entry starts as a draft
// accumulating fields in memory; once key, data length, memo max index and
// valid are all set, it materializes its fixed bytes to disk (leaving the
// payload region, already written by the codec, untouched) and becomes
// immutable except for the validity byte.
type entry struct {
	f      ByteFile
	offset int64 // absolute offset of the FRAME marker

	written bool

	// draft-only pending fields (nil until set)
	pendingKey        *string
	pendingDataLength *int64
	pendingMemoMaxIdx *int32
	pendingValid      *bool

	// populated once written (either by materialize or by loadEntryAt)
	keyLen     int
	key        string
	dataOffset int64
	dataLength int64
	memoMaxIdx int32
	valid      bool
}

// newDraftEntry begins assembling a new entry at the given absolute offset.
func newDraftEntry(f ByteFile, offset int64) *entry {
	return &entry{f: f, offset: offset}
}

func (e *entry) IsWritten() bool { return e.written }

// SetKey assigns the entry's key. Fails with ErrInvalidState if already
// written, ErrInvalidArgument if the key is not valid UTF-8 or exceeds 255
// bytes (§3 I6, §4.4).
func (e *entry) SetKey(key string) error {
	if e.written {
		return fmt.Errorf("pklkv: set key on written entry: %w", ErrInvalidState)
	}
	if !utf8.ValidString(key) {
		return fmt.Errorf("pklkv: key is not valid UTF-8: %w", ErrInvalidArgument)
	}
	if len(key) > maxKeyBytes {
		return fmt.Errorf("pklkv: key length %d exceeds %d bytes: %w", len(key), maxKeyBytes, ErrInvalidArgument)
	}
	e.pendingKey = &key
	return e.maybeMaterialize()
}

// SetDataLength records the payload length already written by the codec at
// this entry's data offset.
func (e *entry) SetDataLength(n int64) error {
	if e.written {
		return fmt.Errorf("pklkv: set data length on written entry: %w", ErrInvalidState)
	}
	if n < 0 {
		return fmt.Errorf("pklkv: negative data length %d: %w", n, ErrInvalidArgument)
	}
	e.pendingDataLength = &n
	return e.maybeMaterialize()
}

// SetMemoMaxIdx records the highest memo slot used by this entry's payload.
func (e *entry) SetMemoMaxIdx(idx int32) error {
	if e.written {
		return fmt.Errorf("pklkv: set memo_max_idx on written entry: %w", ErrInvalidState)
	}
	if idx < 0 {
		return fmt.Errorf("pklkv: negative memo_max_idx %d: %w", idx, ErrInvalidArgument)
	}
	e.pendingMemoMaxIdx = &idx
	return e.maybeMaterialize()
}

// SetValid sets the draft's validity flag; once this is the last of the
// four fields to be set, the entry materializes.
func (e *entry) SetValid(v bool) error {
	if e.written {
		return e.setValidOnDisk(v)
	}
	e.pendingValid = &v
	return e.maybeMaterialize()
}

// dataOffsetForKeyLen computes where the payload begins for a draft entry
// once the key length is known, so the codec can be told where to write
// before the entry is materialized.
func (e *entry) dataOffsetForKeyLen(keyLen int) int64 {
	return e.offset + 9 /* FRAME marker + u64 len */ + int64(entryKeyHeaderLen) + int64(keyLen)
}

// maybeMaterialize writes the entry's fixed bytes to disk once key, data
// length, memo max index, and valid are all set (§4.4).
func (e *entry) maybeMaterialize() error {
	if e.pendingKey == nil || e.pendingDataLength == nil || e.pendingMemoMaxIdx == nil || e.pendingValid == nil {
		return nil
	}

	key := *e.pendingKey
	dataLen := *e.pendingDataLength
	memoMaxIdx := *e.pendingMemoMaxIdx
	valid := *e.pendingValid

	keyLen := len(key)
	dataOffset := e.dataOffsetForKeyLen(keyLen)
	frameLen := int64(entryKeyHeaderLen) + int64(keyLen) + dataLen + int64(entryTrailerLen)

	head := make([]byte, 9+entryKeyHeaderLen+keyLen)
	head[0] = opFRAME
	binary.LittleEndian.PutUint64(head[1:], uint64(frameLen))
	head[9] = opSHORT_BINUNICODE
	head[10] = byte(keyLen)
	copy(head[11:], key)
	if _, err := e.f.WriteAt(head, e.offset); err != nil {
		return fmt.Errorf("pklkv: write entry header: %w", err)
	}

	tail := make([]byte, entryTrailerLen)
	tail[0] = opBININT
	binary.LittleEndian.PutUint32(tail[1:], uint32(memoMaxIdx))
	tail[5] = opPOP
	if valid {
		tail[6] = opNEWTRUE
	} else {
		tail[6] = opPOP
	}
	tail[7] = opPOP
	if _, err := e.f.WriteAt(tail, dataOffset+dataLen); err != nil {
		return fmt.Errorf("pklkv: write entry trailer: %w", err)
	}

	e.keyLen = keyLen
	e.key = key
	e.dataOffset = dataOffset
	e.dataLength = dataLen
	e.memoMaxIdx = memoMaxIdx
	e.valid = valid
	e.written = true

	e.pendingKey, e.pendingDataLength, e.pendingMemoMaxIdx, e.pendingValid = nil, nil, nil, nil
	return nil
}

// loadEntryAt reads an already-written entry's metadata from disk at the
// given absolute offset.
func loadEntryAt(f ByteFile, offset int64) (*entry, error) {
	frameHead := make([]byte, 9)
	if _, err := f.ReadAt(frameHead, offset); err != nil {
		return nil, fmt.Errorf("pklkv: read entry frame header: %w", err)
	}
	if frameHead[0] != opFRAME {
		return nil, fmt.Errorf("pklkv: entry at %d: missing FRAME marker: %w", offset, ErrInvalidFormat)
	}
	frameLen := int64(binary.LittleEndian.Uint64(frameHead[1:]))

	keyHeader := make([]byte, entryKeyHeaderLen)
	if _, err := f.ReadAt(keyHeader, offset+9); err != nil {
		return nil, fmt.Errorf("pklkv: read entry key header: %w", err)
	}
	if keyHeader[0] != opSHORT_BINUNICODE {
		return nil, fmt.Errorf("pklkv: entry at %d: missing SHORT_BINUNICODE: %w", offset, ErrInvalidFormat)
	}
	keyLen := int(keyHeader[1])

	keyBuf := make([]byte, keyLen)
	if keyLen > 0 {
		if _, err := f.ReadAt(keyBuf, offset+9+int64(entryKeyHeaderLen)); err != nil {
			return nil, fmt.Errorf("pklkv: read entry key: %w", err)
		}
	}

	dataLength := frameLen - int64(entryKeyHeaderLen) - int64(keyLen) - int64(entryTrailerLen)
	if dataLength < 0 {
		return nil, fmt.Errorf("pklkv: entry at %d: negative derived data length: %w", offset, ErrInvalidFormat)
	}
	dataOffset := offset + 9 + int64(entryKeyHeaderLen) + int64(keyLen)

	tail := make([]byte, entryTrailerLen)
	if _, err := f.ReadAt(tail, dataOffset+dataLength); err != nil {
		return nil, fmt.Errorf("pklkv: read entry trailer: %w", err)
	}
	if tail[0] != opBININT || tail[5] != opPOP {
		return nil, fmt.Errorf("pklkv: entry at %d: malformed memo_max_idx frame: %w", offset, ErrInvalidFormat)
	}
	memoMaxIdx := int32(binary.LittleEndian.Uint32(tail[1:]))
	valid := tail[6] == opNEWTRUE

	return &entry{
		f:          f,
		offset:     offset,
		written:    true,
		keyLen:     keyLen,
		key:        string(keyBuf),
		dataOffset: dataOffset,
		dataLength: dataLength,
		memoMaxIdx: memoMaxIdx,
		valid:      valid,
	}, nil
}

func (e *entry) Offset() int64     { return e.offset }
func (e *entry) FrameLen() int64 {
	return int64(entryKeyHeaderLen) + int64(e.keyLen) + e.dataLength + int64(entryTrailerLen)
}
func (e *entry) EndOffset() int64     { return e.offset + 9 + e.FrameLen() }
func (e *entry) Key() string          { return e.key }
func (e *entry) KeyLength() int       { return e.keyLen }
func (e *entry) DataOffset() int64    { return e.dataOffset }
func (e *entry) DataLength() int64    { return e.dataLength }
func (e *entry) MemoMaxIdx() int32    { return e.memoMaxIdx }
func (e *entry) Valid() bool          { return e.valid }

// validOffset returns the absolute offset of the 2-byte validity pair,
// matching §4.4's offset + 9 + frame_len - 2.
func (e *entry) validOffset() int64 { return e.offset + 9 + e.FrameLen() - 2 }

// setValidOnDisk performs the single-byte tombstone flip (or un-flip) on an
// already-written entry (§3's O(1) deletion trick).
func (e *entry) setValidOnDisk(valid bool) error {
	b := byte(opPOP)
	if valid {
		b = opNEWTRUE
	}
	if _, err := e.f.WriteAt([]byte{b}, e.validOffset()); err != nil {
		return fmt.Errorf("pklkv: flip entry validity: %w", err)
	}
	e.valid = valid
	return nil
}
