package pklkv

// storeCache is C7: the process-local index of a Store's entries,
// invalidated by revision rather than rebuilt eagerly on every access
// (§4.7), grounded on original_source/mmappickle/dict.py's `_kv_all`/`_kv`
// cached properties and structurally on pkg/slotcache/cache.go's
// generation-gated re-validation.
type storeCache struct {
	entriesAll       []*entry
	entriesValid     map[string]*entry
	lastSeenRevision int32
	loaded           bool
}

func newStoreCache() *storeCache {
	return &storeCache{entriesValid: make(map[string]*entry)}
}

// invalidateIfStale drops both collections when the header's current
// revision no longer matches what this cache last observed, forcing a
// lazy rebuild on the next scan. Called once per outermost lock
// acquisition (§4.7, §5).
func (c *storeCache) invalidateIfStale(currentRevision int32) {
	if !c.loaded || c.lastSeenRevision != currentRevision {
		c.entriesAll = nil
		c.entriesValid = make(map[string]*entry)
		c.loaded = false
		c.lastSeenRevision = currentRevision
	}
}

// rebuild replaces both collections from a freshly scanned entry list,
// preserving "last valid entry for a key wins" (§3 I8, §9 open question).
func (c *storeCache) rebuild(entries []*entry, revision int32) {
	c.entriesAll = entries
	c.entriesValid = make(map[string]*entry, len(entries))
	for _, e := range entries {
		if e.Valid() {
			c.entriesValid[e.Key()] = e
		}
	}
	c.lastSeenRevision = revision
	c.loaded = true
}

// addWritten appends a newly-materialized entry to the in-place cache after
// an insert, without requiring a full rescan (§4.7 "insert/delete update
// the collections in place").
func (c *storeCache) addWritten(e *entry, revision int32) {
	c.entriesAll = append(c.entriesAll, e)
	if e.Valid() {
		c.entriesValid[e.Key()] = e
	}
	c.lastSeenRevision = revision
}

// markDeleted updates the in-place cache after a tombstone flip.
func (c *storeCache) markDeleted(e *entry, revision int32) {
	delete(c.entriesValid, e.Key())
	c.lastSeenRevision = revision
}

// clear drops everything, used after vacuum and fsck rewrite the file out
// from under any cached offsets.
func (c *storeCache) clear() {
	c.entriesAll = nil
	c.entriesValid = make(map[string]*entry)
	c.loaded = false
}
