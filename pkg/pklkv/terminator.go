package pklkv

import (
	"encoding/binary"
	"fmt"
)

// terminatorByteLength is the fixed size of the terminator frame (§3, §4.3).
const terminatorByteLength = 11

// terminatorBytes is the canonical 11-byte terminator: FRAME <u64=2> DICT STOP.
var terminatorBytes = func() []byte {
	buf := make([]byte, terminatorByteLength)
	buf[0] = opFRAME
	binary.LittleEndian.PutUint64(buf[1:], 2)
	buf[9] = opDICT
	buf[10] = opSTOP
	return buf
}()

// terminator reads and writes the fixed 11-byte trailer that closes the
// pickle stream opened by the header's MARK (§4.3).
type terminator struct {
	f ByteFile
}

// exists checks that the trailing terminatorByteLength bytes of the file
// match the canonical terminator.
func (t terminator) exists(fileLen int64) (bool, error) {
	if fileLen < terminatorByteLength {
		return false, nil
	}
	buf := make([]byte, terminatorByteLength)
	if _, err := t.f.ReadAt(buf, fileLen-terminatorByteLength); err != nil {
		return false, fmt.Errorf("pklkv: read terminator: %w", err)
	}
	for i, b := range buf {
		if b != terminatorBytes[i] {
			return false, nil
		}
	}
	return true, nil
}

// write appends or overwrites the terminator at atOffset, the offset at
// which it should currently sit (the end of the last entry, or the end of
// the header for an empty store). write is idempotent: if the canonical
// bytes are already present at that offset, it is a no-op write of the same
// bytes (§4.3).
func (t terminator) write(atOffset int64) error {
	if _, err := t.f.WriteAt(terminatorBytes, atOffset); err != nil {
		return fmt.Errorf("pklkv: write terminator: %w", err)
	}
	return nil
}

// byteLength returns the terminator's fixed on-disk size.
func (terminator) byteLength() int64 { return terminatorByteLength }
