package pklkv

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Tensor is a bulk, homogeneously-typed array value (§4.5's "specialized
// bulk-array codec... enabling callers to obtain a zero-copy mapped view
// over the raw region"), grounded on
// original_source/mmappickle/picklers/numpy.py's ArrayPickler payload shape
// (dtype string + shape tuple + raw row-major bytes).
type Tensor struct {
	Dtype string
	Shape []int
	Data  []byte
}

// MappedTensor is a Tensor whose Data is a live zero-copy view into the
// Store's backing file (§5's "mapped view"). Callers that need the view to
// stop aliasing the file (e.g. before Vacuum) must call Close.
type MappedTensor struct {
	Tensor
	unmap func() error
}

// Close releases the mapped view. It is safe to call on a Tensor obtained
// without a live mapping (Close is nil-safe).
func (m *MappedTensor) Close() error {
	if m == nil || m.unmap == nil {
		return nil
	}
	u := m.unmap
	m.unmap = nil
	return u()
}

var dtypeSizes = map[string]int{
	"int8": 1, "uint8": 1,
	"int16": 2, "uint16": 2,
	"int32": 4, "uint32": 4,
	"int64": 8, "uint64": 8,
	"float32": 4, "float64": 8,
}

func tensorByteLength(dtype string, shape []int) (int64, error) {
	sz, ok := dtypeSizes[dtype]
	if !ok {
		return 0, fmt.Errorf("pklkv: unknown tensor dtype %q: %w", dtype, ErrInvalidArgument)
	}
	n := int64(sz)
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("pklkv: negative tensor dimension %d: %w", d, ErrInvalidArgument)
		}
		n *= int64(d)
	}
	return n, nil
}

// bulkArrayGlobalModule/Name are the synthetic STACK_GLOBAL target this
// codec's payload references; CanDecode sniffs for exactly these bytes.
const (
	bulkArrayGlobalModule = "pklkv"
	bulkArrayGlobalName   = "tensor_from_bytes"
)

// BulkArrayCodec is C5's specialized bulk codec. It sits above GenericCodec
// in priority so a Tensor value is never mistaken for a plain map/list, and
// its payload is recognizable by a stock pickle reader as a STACK_GLOBAL +
// BINBYTES8 + dtype + shape REDUCE call, even though that reader has no
// `pklkv.tensor_from_bytes` to actually call.
type BulkArrayCodec struct{}

func (BulkArrayCodec) Priority() int { return 50 }

func (BulkArrayCodec) CanEncode(v any) bool {
	_, ok := v.(Tensor)
	return ok
}

// CanDecode checks for this codec's STACK_GLOBAL marker at a fixed leading
// offset — see bulkArraySignaturePrefix for the exact byte layout being matched.
func (BulkArrayCodec) CanDecode(f ByteFile, offset, length int64) (bool, error) {
	sig := bulkArraySignaturePrefix()
	if length < int64(len(sig)) {
		return false, nil
	}
	buf := make([]byte, len(sig))
	if _, err := f.ReadAt(buf, offset); err != nil {
		return false, err
	}
	return bytes.Equal(buf, sig), nil
}

// bulkArraySignaturePrefix builds the fixed byte sequence that opens every
// BulkArrayCodec payload: the two SHORT_BINUNICODE-framed strings and the
// STACK_GLOBAL opcode, with no variable-length data ahead of it.
func bulkArraySignaturePrefix() []byte {
	var buf bytes.Buffer
	writeShortString(&buf, bulkArrayGlobalModule)
	writeShortString(&buf, bulkArrayGlobalName)
	buf.WriteByte(opSTACK_GLOBAL)
	return buf.Bytes()
}

func writeShortString(buf *bytes.Buffer, s string) {
	buf.WriteByte(opSHORT_BINUNICODE)
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
}

// Write lays out the payload as:
//
//	SHORT_BINUNICODE "pklkv"  SHORT_BINUNICODE "tensor_from_bytes"  STACK_GLOBAL
//	BINBYTES8 <raw row-major data>
//	SHORT_BINUNICODE <dtype>
//	<shape tuple opcodes>
//	TUPLE3  REDUCE
//
// The raw data is written directly to its own file range rather than
// through an in-memory buffer, since Tensor payloads are expected to be
// large (the vacuum-reclaim scenario exercises a multi-megabyte blob).
func (BulkArrayCodec) Write(f ByteFile, v any, offset int64, memoStart int32) (int64, int32, error) {
	t, ok := v.(Tensor)
	if !ok {
		return 0, 0, fmt.Errorf("pklkv: BulkArrayCodec cannot encode %T: %w", v, ErrNoMatchingCodec)
	}
	wantLen, err := tensorByteLength(t.Dtype, t.Shape)
	if err != nil {
		return 0, 0, err
	}
	if int64(len(t.Data)) != wantLen {
		return 0, 0, fmt.Errorf("pklkv: tensor data length %d does not match shape/dtype (want %d): %w", len(t.Data), wantLen, ErrInvalidArgument)
	}

	head := bulkArraySignaturePrefix()
	lenPrefix := make([]byte, 9)
	lenPrefix[0] = opBINBYTES8
	binary.LittleEndian.PutUint64(lenPrefix[1:], uint64(len(t.Data)))
	head = append(head, lenPrefix...)
	if _, err := f.WriteAt(head, offset); err != nil {
		return 0, 0, err
	}

	dataOffset := offset + int64(len(head))
	if len(t.Data) > 0 {
		if _, err := f.WriteAt(t.Data, dataOffset); err != nil {
			return 0, 0, err
		}
	}

	var tail bytes.Buffer
	writeShortString(&tail, t.Dtype)
	writeShapeTuple(&tail, t.Shape)
	tail.WriteByte(opTUPLE3)
	tail.WriteByte(opREDUCE)

	tailOffset := dataOffset + int64(len(t.Data))
	if _, err := f.WriteAt(tail.Bytes(), tailOffset); err != nil {
		return 0, 0, err
	}

	dataLen := int64(len(head)) + int64(len(t.Data)) + int64(tail.Len())
	return dataLen, memoStart, nil
}

func writeShapeTuple(buf *bytes.Buffer, shape []int) {
	switch len(shape) {
	case 0:
		buf.WriteByte(opEMPTY_TUPLE)
	case 1:
		encodeInt(buf, int64(shape[0]))
		buf.WriteByte(opTUPLE1)
	case 2:
		encodeInt(buf, int64(shape[0]))
		encodeInt(buf, int64(shape[1]))
		buf.WriteByte(opTUPLE2)
	case 3:
		encodeInt(buf, int64(shape[0]))
		encodeInt(buf, int64(shape[1]))
		encodeInt(buf, int64(shape[2]))
		buf.WriteByte(opTUPLE3)
	default:
		buf.WriteByte(opMARK)
		for _, d := range shape {
			encodeInt(buf, int64(d))
		}
		buf.WriteByte(opTUPLE)
	}
}

// Read parses this codec's fixed payload layout directly (rather than via
// the general pickleVM) so it can hand back a zero-copy mapped view over
// just the raw data range when the backing ByteFile supports it.
func (BulkArrayCodec) Read(f ByteFile, offset, length int64) (any, error) {
	sig := bulkArraySignaturePrefix()
	pos := offset + int64(len(sig))

	lenBuf := make([]byte, 9)
	if _, err := f.ReadAt(lenBuf, pos); err != nil {
		return nil, err
	}
	if lenBuf[0] != opBINBYTES8 {
		return nil, fmt.Errorf("pklkv: tensor payload missing BINBYTES8: %w", ErrInvalidFormat)
	}
	dataLen := int64(binary.LittleEndian.Uint64(lenBuf[1:]))
	dataOffset := pos + 9

	tailOffset := dataOffset + dataLen
	tailMax := offset + length - tailOffset
	tailBuf := make([]byte, tailMax)
	if _, err := f.ReadAt(tailBuf, tailOffset); err != nil {
		return nil, err
	}
	dtype, shape, err := parseTensorTail(tailBuf)
	if err != nil {
		return nil, err
	}

	if f.Mappable() && dataLen > 0 {
		view, err := f.Map(dataOffset, dataLen)
		if err == nil {
			return &MappedTensor{
				Tensor: Tensor{Dtype: dtype, Shape: shape, Data: view},
				unmap:  func() error { return f.Unmap(view) },
			}, nil
		}
	}

	data := make([]byte, dataLen)
	if dataLen > 0 {
		if _, err := f.ReadAt(data, dataOffset); err != nil {
			return nil, err
		}
	}
	return Tensor{Dtype: dtype, Shape: shape, Data: data}, nil
}

// parseTensorTail decodes the dtype string and shape tuple that follow the
// raw data region, ignoring the trailing TUPLE3/REDUCE opcodes (they exist
// only so a stock pickle reader's stack machine stays balanced).
func parseTensorTail(buf []byte) (dtype string, shape []int, err error) {
	if len(buf) < 2 || buf[0] != opSHORT_BINUNICODE {
		return "", nil, fmt.Errorf("pklkv: tensor tail missing dtype string: %w", ErrInvalidFormat)
	}
	n := int(buf[1])
	if len(buf) < 2+n {
		return "", nil, fmt.Errorf("pklkv: tensor tail truncated dtype string: %w", ErrInvalidFormat)
	}
	dtype = string(buf[2 : 2+n])
	i := 2 + n

	// The shape tuple's arity is only known once we reach its closing
	// TUPLEn/TUPLE/EMPTY_TUPLE opcode, so dimensions are collected greedily
	// until one of those is seen — mirroring writeShapeTuple's encoding.
	switch buf[i] {
	case opEMPTY_TUPLE:
		shape = []int{}
	case opMARK:
		i++
		var dims []int
		for buf[i] != opTUPLE {
			d, e := readTensorInt(buf, &i)
			if e != nil {
				return "", nil, e
			}
			dims = append(dims, int(d))
		}
		i++
		shape = dims
		return dtype, shape, nil
	default:
		var dims []int
		for {
			op := buf[i]
			if op == opTUPLE1 || op == opTUPLE2 || op == opTUPLE3 {
				i++
				break
			}
			d, e := readTensorInt(buf, &i)
			if e != nil {
				return "", nil, e
			}
			dims = append(dims, int(d))
		}
		shape = dims
		return dtype, shape, nil
	}

	return dtype, shape, nil
}

// readTensorInt decodes one of the fixed-width integer opcodes used for
// shape dimensions, advancing *i past it.
func readTensorInt(buf []byte, i *int) (int64, error) {
	switch buf[*i] {
	case opBININT1:
		v := int64(buf[*i+1])
		*i += 2
		return v, nil
	case opBININT2:
		v := int64(binary.LittleEndian.Uint16(buf[*i+1:]))
		*i += 3
		return v, nil
	case opBININT:
		v := int64(int32(binary.LittleEndian.Uint32(buf[*i+1:])))
		*i += 5
		return v, nil
	default:
		return 0, fmt.Errorf("pklkv: tensor shape: unexpected opcode 0x%02x: %w", buf[*i], ErrInvalidFormat)
	}
}
