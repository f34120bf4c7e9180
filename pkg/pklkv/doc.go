// Package pklkv implements a persistent, memory-mappable key-value store
// whose on-disk bytes are simultaneously a valid protocol-4 pickle stream.
//
// A reader that knows nothing about this package can open the file with any
// stock protocol-4 deserializer and recover an equivalent mapping. A reader
// that does know the format can navigate the file by byte offsets, memory-map
// bulk values, and mutate, delete, and vacuum in place, while other processes
// concur safely via whole-file advisory locking.
//
// # Basic usage
//
//	s, warnings, err := pklkv.Open(pklkv.Options{Path: "/tmp/my.pkl"})
//	if err != nil {
//	    // ...
//	}
//	defer s.Close()
//
//	if err := s.Put("key", "value"); err != nil {
//	    // ...
//	}
//	v, err := s.Get("key")
//
// The file this package writes is not a durable database in the
// journaled-commit sense; see the Non-goals in SPEC_FULL.md. On structural
// corruption, Fsck truncates to the last complete entry.
package pklkv
