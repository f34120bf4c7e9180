package pklkv

import "bytes"

// GenericCodec is the catch-all default codec (§4.5), sitting at priority
// -100 so any specialized codec (e.g. BulkArrayCodec) gets first refusal.
// It marshals a fixed, documented set of Go value shapes — nil, bool,
// int64-ish, float64-ish, string, []byte, []any, map[string]any — using
// real protocol-4 pickle opcodes emitted directly (see pickleval.go), so an
// independent stock pickle reader can recover the value unchanged. This is
// the minimal type set spec §4.5 calls out as sufficient for the testable
// properties; it is explicitly not a general object marshaler.
type GenericCodec struct{}

func (GenericCodec) Priority() int { return -100 }

func (GenericCodec) CanEncode(v any) bool {
	switch v.(type) {
	case nil, bool, int, int32, int64, float32, float64, string, []byte, []any, map[string]any:
		return true
	default:
		return false
	}
}

// CanDecode is the catch-all: it always matches, since GenericCodec sits
// last in priority order and nothing else claimed the payload.
func (GenericCodec) CanDecode(f ByteFile, offset, length int64) (bool, error) {
	return true, nil
}

// Write emits the value's opcodes directly rather than marshaling with a
// generic pickler and post-processing the byte stream, since this codec is
// the only producer of that stream — there is nothing to post-process.
// Memo slots are numbered from memoStart, one per distinct string in this
// value (see encodeValue); a string that occurs only once still consumes a
// slot, as unreferenced PUTs are not dropped.
func (GenericCodec) Write(f ByteFile, v any, offset int64, memoStart int32) (int64, int32, error) {
	var buf bytes.Buffer
	nextSlot := memoStart
	seen := make(map[string]int32)
	if err := encodeValue(&buf, v, seen, &nextSlot); err != nil {
		return 0, 0, err
	}
	if _, err := f.WriteAt(buf.Bytes(), offset); err != nil {
		return 0, 0, err
	}
	return int64(buf.Len()), nextSlot, nil
}

// Read wraps the saved bytes in a synthetic PROTO 4 ... STOP envelope and
// decodes them, exactly as the original's GenericPickler.read does.
func (GenericCodec) Read(f ByteFile, offset, length int64) (any, error) {
	payload := make([]byte, length)
	if _, err := f.ReadAt(payload, offset); err != nil {
		return nil, err
	}
	return decodeValueBytes(payload)
}
