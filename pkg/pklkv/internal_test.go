package pklkv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// memByteFile is a minimal in-memory ByteFile for exercising header/
// terminator/entry logic without touching the filesystem, grounded on the
// teacher's habit of testing format.go's encode/decode helpers directly
// against byte buffers rather than through a real file.
type memByteFile struct {
	buf []byte
}

func (m *memByteFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.buf)) {
		return 0, nil
	}
	n := copy(p, m.buf[off:])
	return n, nil
}

func (m *memByteFile) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[off:], p)
	return len(p), nil
}

func (m *memByteFile) Close() error                  { return nil }
func (m *memByteFile) Len() (int64, error)            { return int64(len(m.buf)), nil }
func (m *memByteFile) Truncate(size int64) error {
	if size <= int64(len(m.buf)) {
		m.buf = m.buf[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, m.buf)
		m.buf = grown
	}
	return nil
}
func (m *memByteFile) Flush() error                           { return nil }
func (m *memByteFile) Writable() bool                         { return true }
func (m *memByteFile) Lockable() bool                         { return false }
func (m *memByteFile) TryLock() error                         { return nil }
func (m *memByteFile) Unlock() error                          { return nil }
func (m *memByteFile) Mappable() bool                         { return false }
func (m *memByteFile) Map(offset, length int64) ([]byte, error) {
	b := make([]byte, length)
	_, _ = m.ReadAt(b, offset)
	return b, nil
}
func (m *memByteFile) Unmap(b []byte) error { return nil }

func Test_EncodeHeader_Produces_24_Bytes_With_Proto_Mark_And_Revision(t *testing.T) {
	buf := encodeHeader(7)
	require.Len(t, buf, headerByteLength)
	require.Equal(t, byte(opPROTO), buf[hdrOffProto])
	require.Equal(t, byte(protoVersion), buf[hdrOffProtoVersion])
	require.Equal(t, byte(opMARK), buf[hdrOffMark])

	rev, err := header{f: &memByteFile{buf: buf}}.revision()
	require.NoError(t, err)
	require.Equal(t, int32(7), rev)
}

func Test_Header_IsValid_Reports_True_For_Freshly_Written_Header(t *testing.T) {
	bf := &memByteFile{}
	h := header{f: bf}
	require.NoError(t, h.writeInitial())

	ok, warnings, err := h.isValid()
	require.NoError(t, err)
	require.Empty(t, warnings)
	require.True(t, ok)
}

func Test_Header_IsValid_Reports_Warnings_For_Corrupted_Proto_Byte(t *testing.T) {
	bf := &memByteFile{}
	h := header{f: bf}
	require.NoError(t, h.writeInitial())
	bf.buf[hdrOffProto] = 0xff

	ok, warnings, err := h.isValid()
	require.NoError(t, err)
	require.False(t, ok)
	require.NotEmpty(t, warnings)
}

func Test_Header_SetRevision_Only_Changes_Revision_Bytes(t *testing.T) {
	bf := &memByteFile{}
	h := header{f: bf}
	require.NoError(t, h.writeInitial())
	before := append([]byte(nil), bf.buf...)

	require.NoError(t, h.setRevision(42))
	rev, err := h.revision()
	require.NoError(t, err)
	require.Equal(t, int32(42), rev)

	for i := range before {
		if i >= hdrOffRevVal && i < hdrOffRevVal+4 {
			continue
		}
		require.Equalf(t, before[i], bf.buf[i], "byte %d changed outside the revision field", i)
	}
}

func Test_Terminator_Write_Is_Idempotent(t *testing.T) {
	bf := &memByteFile{}
	term := terminator{f: bf}
	require.NoError(t, term.write(0))
	first := append([]byte(nil), bf.buf...)
	require.NoError(t, term.write(0))
	require.Equal(t, first, bf.buf)

	exists, err := term.exists(int64(len(bf.buf)))
	require.NoError(t, err)
	require.True(t, exists)
}

func Test_Entry_Materializes_Once_All_Four_Fields_Set_And_Computes_ValidOffset(t *testing.T) {
	bf := &memByteFile{}
	offset := int64(0)
	draft := newDraftEntry(bf, offset)

	payloadOffset := draft.dataOffsetForKeyLen(len("k"))
	payload := []byte{opNONE}
	_, err := bf.WriteAt(payload, payloadOffset)
	require.NoError(t, err)

	require.NoError(t, draft.SetKey("k"))
	require.False(t, draft.IsWritten())
	require.NoError(t, draft.SetDataLength(int64(len(payload))))
	require.NoError(t, draft.SetMemoMaxIdx(1))
	require.NoError(t, draft.SetValid(true))
	require.True(t, draft.IsWritten())

	loaded, err := loadEntryAt(bf, offset)
	require.NoError(t, err)
	require.Equal(t, "k", loaded.Key())
	require.Equal(t, int64(len(payload)), loaded.DataLength())
	require.Equal(t, int32(1), loaded.MemoMaxIdx())
	require.True(t, loaded.Valid())
	require.Equal(t, draft.EndOffset(), loaded.EndOffset())

	require.NoError(t, loaded.setValidOnDisk(false))
	reloaded, err := loadEntryAt(bf, offset)
	require.NoError(t, err)
	require.False(t, reloaded.Valid())
}

func Test_Entry_SetKey_Rejects_Keys_Longer_Than_255_Bytes(t *testing.T) {
	bf := &memByteFile{}
	draft := newDraftEntry(bf, 0)
	longKey := make([]byte, 256)
	err := draft.SetKey(string(longKey))
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func Test_Entry_SetKey_Rejects_Invalid_UTF8(t *testing.T) {
	bf := &memByteFile{}
	draft := newDraftEntry(bf, 0)
	err := draft.SetKey(string([]byte{0xff, 0xfe}))
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func Test_GenericCodec_Write_Then_Read_Roundtrips_Supported_Shapes(t *testing.T) {
	codec := GenericCodec{}
	cases := []any{
		nil,
		true,
		false,
		int64(42),
		int64(-42),
		int64(100000),
		int64(1) << 40,
		3.25,
		"hello",
		[]byte("bytes"),
		[]any{int64(1), "two", []any{int64(3)}},
		map[string]any{"a": int64(1), "b": "two"},
	}

	for _, v := range cases {
		bf := &memByteFile{}
		dataLen, memoMax, err := codec.Write(bf, v, 0, 1)
		require.NoError(t, err)
		require.GreaterOrEqual(t, memoMax, int32(1))

		got, err := codec.Read(bf, 0, dataLen)
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func Test_GenericCodec_Write_Dedupes_Repeated_String_Values_Via_Memo(t *testing.T) {
	codec := GenericCodec{}
	bf := &memByteFile{}
	repeated := "same-value-repeated"
	v := []any{repeated, repeated, repeated}

	dataLen, memoMax, err := codec.Write(bf, v, 0, 1)
	require.NoError(t, err)
	require.Equal(t, int32(2), memoMax) // one slot consumed for the one repeated string

	got, err := codec.Read(bf, 0, dataLen)
	require.NoError(t, err)
	require.Equal(t, v, got)
}

func Test_BulkArrayCodec_Write_Then_Read_Roundtrips_Tensor_Without_Mapping(t *testing.T) {
	codec := BulkArrayCodec{}
	tensor := Tensor{Dtype: "float64", Shape: []int{2, 3}, Data: make([]byte, 2*3*8)}
	for i := range tensor.Data {
		tensor.Data[i] = byte(i)
	}

	bf := &memByteFile{}
	dataLen, _, err := codec.Write(bf, tensor, 0, 1)
	require.NoError(t, err)

	canDecode, err := codec.CanDecode(bf, 0, dataLen)
	require.NoError(t, err)
	require.True(t, canDecode)

	got, err := codec.Read(bf, 0, dataLen)
	require.NoError(t, err)
	gotTensor, ok := got.(Tensor)
	require.True(t, ok)
	require.Equal(t, tensor.Dtype, gotTensor.Dtype)
	require.Equal(t, tensor.Shape, gotTensor.Shape)
	require.Equal(t, tensor.Data, gotTensor.Data)
}

func Test_BulkArrayCodec_Write_Rejects_Data_Length_Mismatch(t *testing.T) {
	codec := BulkArrayCodec{}
	tensor := Tensor{Dtype: "int8", Shape: []int{4}, Data: make([]byte, 3)}
	bf := &memByteFile{}
	_, _, err := codec.Write(bf, tensor, 0, 1)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func Test_CodecRegistry_ForEncode_Prefers_BulkArrayCodec_Over_GenericCodec_For_Tensor(t *testing.T) {
	r := newDefaultRegistry()
	c, err := r.forEncode(Tensor{Dtype: "int8", Shape: []int{1}, Data: []byte{1}})
	require.NoError(t, err)
	_, isBulk := c.(*BulkArrayCodec)
	require.True(t, isBulk)

	c, err = r.forEncode(map[string]any{"a": int64(1)})
	require.NoError(t, err)
	_, isGeneric := c.(*GenericCodec)
	require.True(t, isGeneric)
}

func Test_CodecRegistry_ForEncode_Returns_NoMatchingCodec_For_Unsupported_Type(t *testing.T) {
	r := newDefaultRegistry()
	_, err := r.forEncode(struct{ X int }{X: 1})
	require.ErrorIs(t, err, ErrNoMatchingCodec)
}

func Test_StoreCache_Rebuild_Keeps_Last_Valid_Entry_When_Key_Duplicated(t *testing.T) {
	bf := &memByteFile{}
	first := newDraftEntry(bf, 0)
	require.NoError(t, first.SetKey("dup"))
	require.NoError(t, first.SetDataLength(0))
	require.NoError(t, first.SetMemoMaxIdx(1))
	require.NoError(t, first.SetValid(false)) // tombstoned

	second := newDraftEntry(bf, first.EndOffset())
	require.NoError(t, second.SetKey("dup"))
	require.NoError(t, second.SetDataLength(0))
	require.NoError(t, second.SetMemoMaxIdx(1))
	require.NoError(t, second.SetValid(true))

	cache := newStoreCache()
	cache.rebuild([]*entry{first, second}, 1)
	require.Len(t, cache.entriesValid, 1)
	require.Same(t, second, cache.entriesValid["dup"])
}
