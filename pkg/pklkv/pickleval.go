package pklkv

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// pickleval.go implements a small protocol-4 pickle value encoder/decoder:
// the "standard protocol-4 serialization" GenericCodec and Store's file
// conversion (§4.6) both need, grounded on
// original_source/mmappickle/picklers/base.py's BasePickler and on how
// original_source/mmappickle/dict.py's _convert_file leans on a full
// pickle.load of an existing file. Supported Go value shapes: nil, bool,
// int64 (and the Go int kinds that fit it), float64, string, []byte,
// []any, map[string]any — the set spec §4.5 says is enough for the
// testable properties; anything else is NoMatchingCodec.

// encodeValue appends the opcodes for v to buf, memoizing string values (by
// value equality, not Python's object identity) via BINPUT/LONG_BINPUT
// starting at *nextSlot. Every distinct string consumes one memo slot and
// gets a PUT on its first occurrence; later occurrences are emitted as
// BINGET/LONG_BINGET. PUTs of strings that occur only once are not dropped.
func encodeValue(buf *bytes.Buffer, v any, seen map[string]int32, nextSlot *int32) error {
	switch x := v.(type) {
	case nil:
		buf.WriteByte(opNONE)
	case bool:
		if x {
			buf.WriteByte(opNEWTRUE)
		} else {
			buf.WriteByte(opNEWFALSE)
		}
	case int:
		return encodeInt(buf, int64(x))
	case int32:
		return encodeInt(buf, int64(x))
	case int64:
		return encodeInt(buf, x)
	case float64:
		return encodeFloat(buf, x)
	case float32:
		return encodeFloat(buf, float64(x))
	case string:
		return encodeString(buf, x, seen, nextSlot)
	case []byte:
		return encodeBytes(buf, x)
	case []any:
		return encodeList(buf, x, seen, nextSlot)
	case map[string]any:
		return encodeDict(buf, x, seen, nextSlot)
	default:
		return fmt.Errorf("pklkv: GenericCodec cannot encode %T: %w", v, ErrNoMatchingCodec)
	}
	return nil
}

func encodeInt(buf *bytes.Buffer, v int64) error {
	switch {
	case v >= 0 && v < 256:
		buf.WriteByte(opBININT1)
		buf.WriteByte(byte(v))
	case v >= 0 && v < 65536:
		buf.WriteByte(opBININT2)
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(v))
		buf.Write(b[:])
	case v >= math.MinInt32 && v <= math.MaxInt32:
		buf.WriteByte(opBININT)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(int32(v)))
		buf.Write(b[:])
	default:
		return encodeLongInt(buf, v)
	}
	return nil
}

// encodeLongInt handles values outside int32 range via LONG1: a length byte
// followed by that many little-endian two's-complement bytes.
func encodeLongInt(buf *bytes.Buffer, v int64) error {
	u := uint64(v)
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, u)
	// Trim trailing (high-order) bytes that are pure sign-extension, but
	// keep at least one byte and preserve the sign bit's correctness.
	n := 8
	for n > 1 {
		hi := b[n-1]
		next := b[n-2]
		if v < 0 && hi == 0xff && next&0x80 != 0 {
			n--
			continue
		}
		if v >= 0 && hi == 0x00 && next&0x80 == 0 {
			n--
			continue
		}
		break
	}
	buf.WriteByte(opLONG1)
	buf.WriteByte(byte(n))
	buf.Write(b[:n])
	return nil
}

func encodeFloat(buf *bytes.Buffer, v float64) error {
	buf.WriteByte(opBINFLOAT)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	buf.Write(b[:])
	return nil
}

func encodeString(buf *bytes.Buffer, s string, seen map[string]int32, nextSlot *int32) error {
	if slot, ok := seen[s]; ok {
		emitGet(buf, slot)
		return nil
	}
	if len(s) < 256 {
		buf.WriteByte(opSHORT_BINUNICODE)
		buf.WriteByte(byte(len(s)))
	} else {
		buf.WriteByte(opBINUNICODE8)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(len(s)))
		buf.Write(b[:])
	}
	buf.WriteString(s)
	slot := *nextSlot
	emitPut(buf, slot)
	seen[s] = slot
	*nextSlot++
	return nil
}

func encodeBytes(buf *bytes.Buffer, b []byte) error {
	if len(b) < 256 {
		buf.WriteByte(opSHORT_BINBYTES)
		buf.WriteByte(byte(len(b)))
	} else {
		buf.WriteByte(opBINBYTES8)
		var lb [8]byte
		binary.LittleEndian.PutUint64(lb[:], uint64(len(b)))
		buf.Write(lb[:])
	}
	buf.Write(b)
	return nil
}

func encodeList(buf *bytes.Buffer, items []any, seen map[string]int32, nextSlot *int32) error {
	buf.WriteByte(opEMPTY_LIST)
	switch len(items) {
	case 0:
	case 1:
		if err := encodeValue(buf, items[0], seen, nextSlot); err != nil {
			return err
		}
		buf.WriteByte(opAPPEND)
	default:
		buf.WriteByte(opMARK)
		for _, it := range items {
			if err := encodeValue(buf, it, seen, nextSlot); err != nil {
				return err
			}
		}
		buf.WriteByte(opAPPENDS)
	}
	return nil
}

func encodeDict(buf *bytes.Buffer, m map[string]any, seen map[string]int32, nextSlot *int32) error {
	buf.WriteByte(opEMPTY_DICT)
	if len(m) == 0 {
		return nil
	}
	// Deterministic key order keeps Write()'s output (and thus data_len/
	// memo usage) reproducible across calls with an identical map.
	keys := sortedKeys(m)
	if len(keys) == 1 {
		k := keys[0]
		if err := encodeValue(buf, k, seen, nextSlot); err != nil {
			return err
		}
		if err := encodeValue(buf, m[k], seen, nextSlot); err != nil {
			return err
		}
		buf.WriteByte(opSETITEM)
		return nil
	}
	buf.WriteByte(opMARK)
	for _, k := range keys {
		if err := encodeValue(buf, k, seen, nextSlot); err != nil {
			return err
		}
		if err := encodeValue(buf, m[k], seen, nextSlot); err != nil {
			return err
		}
	}
	buf.WriteByte(opSETITEMS)
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Simple insertion sort: key counts here are small (entry values), and
	// avoids importing sort solely for this.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

func emitPut(buf *bytes.Buffer, slot int32) {
	if slot >= 0 && slot < 256 {
		buf.WriteByte(opBINPUT)
		buf.WriteByte(byte(slot))
		return
	}
	buf.WriteByte(opLONG_BINPUT)
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(slot))
	buf.Write(b[:])
}

func emitGet(buf *bytes.Buffer, slot int32) {
	if slot >= 0 && slot < 256 {
		buf.WriteByte(opBINGET)
		buf.WriteByte(byte(slot))
		return
	}
	buf.WriteByte(opLONG_BINGET)
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(slot))
	buf.Write(b[:])
}

// pickleVM is a minimal stack machine over the opcode subset this package
// emits and the subset a standard protocol-4 writer emits for plain
// dict/list/tuple/scalar values — enough to decode GenericCodec payloads
// and to parse a whole pre-existing pickle file during conversion (§4.6).
type pickleVM struct {
	stack []any
	marks []int
	memo  map[int32]any
}

func newPickleVM() *pickleVM {
	return &pickleVM{memo: make(map[int32]any)}
}

func (vm *pickleVM) push(v any) { vm.stack = append(vm.stack, v) }

func (vm *pickleVM) pop() (any, error) {
	if len(vm.stack) == 0 {
		return nil, fmt.Errorf("pklkv: pickle stack underflow: %w", ErrInvalidFormat)
	}
	v := vm.stack[len(vm.stack)-1]
	vm.stack = vm.stack[:len(vm.stack)-1]
	return v, nil
}

func (vm *pickleVM) top() (any, error) {
	if len(vm.stack) == 0 {
		return nil, fmt.Errorf("pklkv: pickle stack underflow: %w", ErrInvalidFormat)
	}
	return vm.stack[len(vm.stack)-1], nil
}

func (vm *pickleVM) pushMark() { vm.marks = append(vm.marks, len(vm.stack)) }

// popMark pops and returns everything above the most recent mark.
func (vm *pickleVM) popMark() ([]any, error) {
	if len(vm.marks) == 0 {
		return nil, fmt.Errorf("pklkv: pickle MARK stack underflow: %w", ErrInvalidFormat)
	}
	m := vm.marks[len(vm.marks)-1]
	vm.marks = vm.marks[:len(vm.marks)-1]
	items := append([]any(nil), vm.stack[m:]...)
	vm.stack = vm.stack[:m]
	return items, nil
}

// run executes opcodes from buf starting at offset until STOP, returning
// the final stack top. PROTO and FRAME, if present, are skipped
// transparently so the same machine can parse both a bare value payload
// (GenericCodec) and a full top-level pickle stream (conversion).
func (vm *pickleVM) run(buf []byte) (any, int, error) {
	i := 0
	for i < len(buf) {
		op := buf[i]
		i++
		switch op {
		case opPROTO:
			i++ // skip the 1-byte protocol version
		case opFRAME:
			i += 8 // skip the u64 frame length; content follows inline
		case opMARK:
			vm.pushMark()
		case opSTOP:
			v, err := vm.top()
			return v, i, err
		case opNONE:
			vm.push(nil)
		case opNEWTRUE:
			vm.push(true)
		case opNEWFALSE:
			vm.push(false)
		case opPOP:
			if _, err := vm.pop(); err != nil {
				return nil, 0, err
			}
		case opBININT1:
			vm.push(int64(buf[i]))
			i++
		case opBININT2:
			vm.push(int64(binary.LittleEndian.Uint16(buf[i:])))
			i += 2
		case opBININT:
			vm.push(int64(int32(binary.LittleEndian.Uint32(buf[i:]))))
			i += 4
		case opLONG1:
			n := int(buf[i])
			i++
			vm.push(decodeLong(buf[i : i+n]))
			i += n
		case opBINFLOAT:
			vm.push(math.Float64frombits(binary.BigEndian.Uint64(buf[i:])))
			i += 8
		case opSHORT_BINUNICODE:
			n := int(buf[i])
			i++
			vm.push(string(buf[i : i+n]))
			i += n
		case opBINUNICODE:
			n := int(binary.LittleEndian.Uint32(buf[i:]))
			i += 4
			vm.push(string(buf[i : i+n]))
			i += n
		case opBINUNICODE8:
			n := int(binary.LittleEndian.Uint64(buf[i:]))
			i += 8
			vm.push(string(buf[i : i+n]))
			i += n
		case opSHORT_BINBYTES:
			n := int(buf[i])
			i++
			vm.push(append([]byte(nil), buf[i:i+n]...))
			i += n
		case opBINBYTES:
			n := int(binary.LittleEndian.Uint32(buf[i:]))
			i += 4
			vm.push(append([]byte(nil), buf[i:i+n]...))
			i += n
		case opBINBYTES8:
			n := int(binary.LittleEndian.Uint64(buf[i:]))
			i += 8
			vm.push(append([]byte(nil), buf[i:i+n]...))
			i += n
		case opEMPTY_LIST:
			vm.push([]any{})
		case opEMPTY_DICT:
			vm.push(map[string]any{})
		case opEMPTY_TUPLE:
			vm.push([]any{})
		case opAPPEND:
			v, err := vm.pop()
			if err != nil {
				return nil, 0, err
			}
			lst, err := vm.popList()
			if err != nil {
				return nil, 0, err
			}
			vm.push(append(lst, v))
		case opAPPENDS:
			items, err := vm.popMark()
			if err != nil {
				return nil, 0, err
			}
			lst, err := vm.popList()
			if err != nil {
				return nil, 0, err
			}
			vm.push(append(lst, items...))
		case opSETITEM:
			v, err := vm.pop()
			if err != nil {
				return nil, 0, err
			}
			k, err := vm.pop()
			if err != nil {
				return nil, 0, err
			}
			m, err := vm.popDict()
			if err != nil {
				return nil, 0, err
			}
			ks, _ := k.(string)
			m[ks] = v
			vm.push(m)
		case opSETITEMS:
			items, err := vm.popMark()
			if err != nil {
				return nil, 0, err
			}
			m, err := vm.popDict()
			if err != nil {
				return nil, 0, err
			}
			for j := 0; j+1 < len(items); j += 2 {
				ks, _ := items[j].(string)
				m[ks] = items[j+1]
			}
			vm.push(m)
		case opTUPLE1, opTUPLE2, opTUPLE3:
			n := 1
			if op == opTUPLE2 {
				n = 2
			} else if op == opTUPLE3 {
				n = 3
			}
			items := make([]any, n)
			for j := n - 1; j >= 0; j-- {
				v, err := vm.pop()
				if err != nil {
					return nil, 0, err
				}
				items[j] = v
			}
			vm.push(items)
		case opTUPLE:
			items, err := vm.popMark()
			if err != nil {
				return nil, 0, err
			}
			vm.push(items)
		case opBINPUT:
			v, err := vm.top()
			if err != nil {
				return nil, 0, err
			}
			vm.memo[int32(buf[i])] = v
			i++
		case opLONG_BINPUT:
			v, err := vm.top()
			if err != nil {
				return nil, 0, err
			}
			vm.memo[int32(binary.LittleEndian.Uint32(buf[i:]))] = v
			i += 4
		case opMEMOIZE:
			v, err := vm.top()
			if err != nil {
				return nil, 0, err
			}
			vm.memo[int32(len(vm.memo))] = v
		case opBINGET:
			vm.push(vm.memo[int32(buf[i])])
			i++
		case opLONG_BINGET:
			vm.push(vm.memo[int32(binary.LittleEndian.Uint32(buf[i:]))])
			i += 4
		case opDICT:
			items, err := vm.popMark()
			if err != nil {
				return nil, 0, err
			}
			m := make(map[string]any, len(items)/2)
			for j := 0; j+1 < len(items); j += 2 {
				ks, _ := items[j].(string)
				m[ks] = items[j+1]
			}
			vm.push(m)
		case opREDUCE:
			args, err := vm.pop()
			if err != nil {
				return nil, 0, err
			}
			callable, err := vm.pop()
			if err != nil {
				return nil, 0, err
			}
			vm.push(reduceResult{callable: callable, args: args})
		case opSTACK_GLOBAL:
			name, err := vm.pop()
			if err != nil {
				return nil, 0, err
			}
			module, err := vm.pop()
			if err != nil {
				return nil, 0, err
			}
			vm.push(globalRef{module: fmt.Sprint(module), name: fmt.Sprint(name)})
		default:
			return nil, fmt.Errorf("pklkv: unsupported opcode 0x%02x at offset %d: %w", op, i-1, ErrNoMatchingCodec)
		}
	}
	v, err := vm.top()
	return v, i, err
}

func (vm *pickleVM) popList() ([]any, error) {
	v, err := vm.pop()
	if err != nil {
		return nil, err
	}
	lst, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("pklkv: expected list on pickle stack, got %T: %w", v, ErrInvalidFormat)
	}
	return lst, nil
}

func (vm *pickleVM) popDict() (map[string]any, error) {
	v, err := vm.pop()
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("pklkv: expected dict on pickle stack, got %T: %w", v, ErrInvalidFormat)
	}
	return m, nil
}

func decodeLong(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	// Sign-extend if the high bit of the most significant byte is set.
	if b[len(b)-1]&0x80 != 0 && len(b) < 8 {
		v |= ^uint64(0) << (8 * uint(len(b)))
	}
	return int64(v)
}

// globalRef and reduceResult represent pickle STACK_GLOBAL/REDUCE results
// the VM cannot fully resolve into a native Go value on its own (used by
// BulkArrayCodec's payload, which recognizes and finishes the job itself).
type globalRef struct {
	module, name string
}

type reduceResult struct {
	callable any
	args     any
}

// decodeValueBytes wraps a bare GenericCodec payload (stripped of
// PROTO/FRAME/STOP per §4.5) in a synthetic envelope and decodes it.
func decodeValueBytes(payload []byte) (any, error) {
	vm := newPickleVM()
	buf := make([]byte, 0, len(payload)+2)
	buf = append(buf, opPROTO, protoVersion)
	buf = append(buf, payload...)
	buf = append(buf, opSTOP)
	v, _, err := vm.run(buf)
	return v, err
}

// decodeStream parses a whole pickle stream starting at buf[0] (a full
// top-level pickle.dump output: PROTO, optional FRAME, value opcodes,
// STOP) and reports how many bytes were consumed up to and including STOP,
// used by Store's file conversion (§4.6) to find where trailing junk
// begins.
func decodeStream(buf []byte) (value any, consumed int, err error) {
	// A truncated stream makes the VM index past buf; report that as an
	// unparseable stream rather than a panic.
	defer func() {
		if r := recover(); r != nil {
			value, consumed, err = nil, 0, fmt.Errorf("pklkv: truncated pickle stream: %w", ErrInvalidFormat)
		}
	}()
	vm := newPickleVM()
	return vm.run(buf)
}
