package pklkv

import (
	"encoding/binary"
	"fmt"
)

// headerByteLength is the fixed size of the header frame in bytes (§3).
const headerByteLength = 24

// headerContentLength is the frame length encoded in the header's FRAME
// marker: BININT<i32> POP, BININT<i32> POP, MARK.
const headerContentLength = 13

// Byte offsets within the header, relative to its start offset (normally 0,
// but see header.start for conversion's temporary header).
const (
	hdrOffProto        = 0  // PROTO
	hdrOffProtoVersion = 1  // protocol version byte (0x04)
	hdrOffFrame        = 2  // FRAME
	hdrOffFrameLen     = 3  // u64 frame length (==13)
	hdrOffContent      = 11 // start of frame content
	hdrOffVerOp        = 11 // BININT for format version
	hdrOffVerVal       = 12 // i32 format version value
	hdrOffVerPop       = 16 // POP
	hdrOffRevOp        = 17 // BININT for revision
	hdrOffRevVal       = 18 // i32 revision value — see spec §4.2
	hdrOffRevPop       = 22 // POP
	hdrOffMark         = 23 // MARK
)

// header reads and writes the fixed 24-byte header frame described in
// spec §3/§4.2. It is a borrowed view over a ByteFile at a given start
// offset — it owns no state of its own beyond that offset, per the
// "borrowed handles, not owning back-pointers" guidance in §9.
type header struct {
	f     ByteFile
	start int64 // normally 0; non-zero only for the shadow header used during conversion (§4.6)
}

// encodeHeader builds the canonical 24 bytes of a fresh header with the
// given revision.
func encodeHeader(revision int32) []byte {
	buf := make([]byte, headerByteLength)
	buf[hdrOffProto] = opPROTO
	buf[hdrOffProtoVersion] = protoVersion
	buf[hdrOffFrame] = opFRAME
	binary.LittleEndian.PutUint64(buf[hdrOffFrameLen:], uint64(headerContentLength))

	buf[hdrOffVerOp] = opBININT
	binary.LittleEndian.PutUint32(buf[hdrOffVerVal:], uint32(headerFormatVersion))
	buf[hdrOffVerPop] = opPOP

	buf[hdrOffRevOp] = opBININT
	binary.LittleEndian.PutUint32(buf[hdrOffRevVal:], uint32(revision))
	buf[hdrOffRevPop] = opPOP

	buf[hdrOffMark] = opMARK
	return buf
}

// exists reports whether at least two bytes are readable at the header's
// start offset (§4.2).
func (h header) exists() (bool, error) {
	buf := make([]byte, 2)
	n, err := h.f.ReadAt(buf, h.start)
	if err != nil && n < 2 {
		return false, nil
	}
	return n >= 2, nil
}

// isValid verifies every fixed byte of the header, the frame length, and
// that the revision field is framed by BININT/POP. It returns warnings for
// every specific mismatch found (§4.2, §7 InvalidFormat).
func (h header) isValid() (ok bool, warnings []string, err error) {
	buf := make([]byte, headerByteLength)
	n, rerr := h.f.ReadAt(buf, h.start)
	if rerr != nil && n < headerByteLength {
		return false, []string{fmt.Sprintf("header: short read (%d of %d bytes)", n, headerByteLength)}, nil
	}

	check := func(off int, want byte, name string) {
		if buf[off] != want {
			warnings = append(warnings, fmt.Sprintf("header: byte %d (%s) = 0x%02x, want 0x%02x", off, name, buf[off], want))
		}
	}
	check(hdrOffProto, opPROTO, "PROTO")
	check(hdrOffProtoVersion, protoVersion, "protocol version")
	check(hdrOffFrame, opFRAME, "FRAME")
	check(hdrOffVerOp, opBININT, "BININT(version)")
	check(hdrOffVerPop, opPOP, "POP(version)")
	check(hdrOffRevOp, opBININT, "BININT(revision)")
	check(hdrOffRevPop, opPOP, "POP(revision)")
	check(hdrOffMark, opMARK, "MARK")

	frameLen := binary.LittleEndian.Uint64(buf[hdrOffFrameLen:])
	if frameLen != headerContentLength {
		warnings = append(warnings, fmt.Sprintf("header: frame length = %d, want %d", frameLen, headerContentLength))
	}
	ver := int32(binary.LittleEndian.Uint32(buf[hdrOffVerVal:]))
	if ver != headerFormatVersion {
		warnings = append(warnings, fmt.Sprintf("header: format version = %d, want %d", ver, headerFormatVersion))
	}

	return len(warnings) == 0, warnings, nil
}

// writeInitial writes a brand-new header at h.start with revision 0.
func (h header) writeInitial() error {
	_, err := h.f.WriteAt(encodeHeader(0), h.start)
	return err
}

// revision reads the header's revision counter.
func (h header) revision() (int32, error) {
	buf := make([]byte, 4)
	if _, err := h.f.ReadAt(buf, h.start+hdrOffRevVal); err != nil {
		return 0, fmt.Errorf("pklkv: read header revision: %w", err)
	}
	return int32(binary.LittleEndian.Uint32(buf)), nil
}

// setRevision overwrites the header's revision counter in place. This is
// the only header field that ever changes after writeInitial (§3 I1).
func (h header) setRevision(rev int32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(rev))
	if _, err := h.f.WriteAt(buf, h.start+hdrOffRevVal); err != nil {
		return fmt.Errorf("pklkv: write header revision: %w", err)
	}
	return nil
}

// byteLength returns the header's fixed on-disk size.
func (header) byteLength() int64 { return headerByteLength }

// endOffset returns the absolute offset of the first byte following the
// header (where the first Entry begins, or the Terminator for an empty
// store).
func (h header) endOffset() int64 { return h.start + headerByteLength }
