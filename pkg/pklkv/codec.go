package pklkv

import "sort"

// Codec is C5: a pluggable per-value encoder/decoder. Store holds a list of
// codecs sorted by descending priority (§4.5); encode picks the first whose
// CanEncode is true, decode the first whose CanDecode is true.
type Codec interface {
	// Priority ranks this codec against others; higher wins ties on
	// overlapping matches. The catch-all GenericCodec sits at -100.
	Priority() int

	// CanEncode reports whether this codec can marshal v.
	CanEncode(v any) bool

	// CanDecode sniffs the leading bytes of an already-written payload
	// (without reading the whole thing, when avoidable) to recognize its
	// own format.
	CanDecode(f ByteFile, offset, length int64) (bool, error)

	// Write marshals v to f starting at offset and returns the number of
	// payload bytes written plus one past the highest memo slot index it
	// used, i.e. the next free slot (memoStart unchanged if none were
	// consumed).
	Write(f ByteFile, v any, offset int64, memoStart int32) (dataLen int64, memoMax int32, err error)

	// Read decodes the payload at [offset, offset+length).
	Read(f ByteFile, offset, length int64) (any, error)
}

// codecRegistry holds the installed codecs sorted by descending priority,
// replacing the original's class-reflection discovery with an explicit list
// per §9's re-architecture note.
type codecRegistry struct {
	codecs []Codec
}

// newDefaultRegistry assembles the built-in codecs: BulkArrayCodec for
// Tensor values, and GenericCodec as the priority -100 catch-all.
func newDefaultRegistry() *codecRegistry {
	r := &codecRegistry{codecs: []Codec{
		&BulkArrayCodec{},
		&GenericCodec{},
	}}
	r.sort()
	return r
}

// newRegistry builds a registry from a caller-supplied codec list (Store's
// "optional codec list" open parameter, §4.6), always adding GenericCodec as
// the final fallback if the caller didn't include one.
func newRegistry(codecs []Codec) *codecRegistry {
	hasGeneric := false
	for _, c := range codecs {
		if _, ok := c.(*GenericCodec); ok {
			hasGeneric = true
		}
	}
	if !hasGeneric {
		codecs = append(codecs, &GenericCodec{})
	}
	r := &codecRegistry{codecs: append([]Codec(nil), codecs...)}
	r.sort()
	return r
}

func (r *codecRegistry) sort() {
	sort.SliceStable(r.codecs, func(i, j int) bool {
		return r.codecs[i].Priority() > r.codecs[j].Priority()
	})
}

func (r *codecRegistry) forEncode(v any) (Codec, error) {
	for _, c := range r.codecs {
		if c.CanEncode(v) {
			return c, nil
		}
	}
	return nil, ErrNoMatchingCodec
}

func (r *codecRegistry) forDecode(f ByteFile, offset, length int64) (Codec, error) {
	for _, c := range r.codecs {
		ok, err := c.CanDecode(f, offset, length)
		if err != nil {
			return nil, err
		}
		if ok {
			return c, nil
		}
	}
	return nil, ErrNoMatchingCodec
}
