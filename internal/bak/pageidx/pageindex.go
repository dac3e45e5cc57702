package pageidx

import "sync"

// PageIndexEntry is the in-memory record of where one page physically lives
// and what it is, 16 bytes when laid out on disk (stripe_index, page_type,
// 2 bytes padding, object_id, file_offset).
type PageIndexEntry struct {
	StripeIndex uint8
	PageType    PageType
	ObjectID    uint32
	FileOffset  int64
}

// MakePageKey packs a (file ID, page ID) pair into the single int64 key
// used throughout the index, matching the reference implementation's
// (file_id << 32) | page_id packing.
func MakePageKey(fileID, pageID int32) int64 {
	return (int64(uint32(fileID)) << 32) | int64(uint32(pageID))
}

// SplitPageKey reverses MakePageKey.
func SplitPageKey(key int64) (fileID, pageID int32) {
	fileID = int32(uint32(key >> 32))
	pageID = int32(uint32(key))
	return
}

// PageIndex is a thread-safe map from page key to PageIndexEntry, built
// once during the scan phase and then read repeatedly by the catalog and
// row-decoding phases.
type PageIndex struct {
	mu      sync.RWMutex
	entries map[int64]PageIndexEntry
}

// NewPageIndex constructs an empty index with capacity hint n.
func NewPageIndex(n int) *PageIndex {
	return &PageIndex{entries: make(map[int64]PageIndexEntry, n)}
}

// AddEntry records or overwrites the entry for key.
func (idx *PageIndex) AddEntry(key int64, entry PageIndexEntry) {
	idx.mu.Lock()
	idx.entries[key] = entry
	idx.mu.Unlock()
}

// Lookup returns the entry for key and whether it was present.
func (idx *PageIndex) Lookup(key int64) (PageIndexEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[key]
	return e, ok
}

// Contains reports whether key is present without copying the entry.
func (idx *PageIndex) Contains(key int64) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.entries[key]
	return ok
}

// Remove deletes key from the index, if present.
func (idx *PageIndex) Remove(key int64) {
	idx.mu.Lock()
	delete(idx.entries, key)
	idx.mu.Unlock()
}

// Size returns the number of entries currently indexed.
func (idx *PageIndex) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Clear empties the index.
func (idx *PageIndex) Clear() {
	idx.mu.Lock()
	idx.entries = make(map[int64]PageIndexEntry)
	idx.mu.Unlock()
}

// GetPagesByType returns every key whose entry matches pt. Callers should
// treat the result as a snapshot; the index may change concurrently.
func (idx *PageIndex) GetPagesByType(pt PageType) []int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []int64
	for k, e := range idx.entries {
		if e.PageType == pt {
			out = append(out, k)
		}
	}
	return out
}

// GetPagesByObject returns every key whose entry's ObjectID matches objID.
func (idx *PageIndex) GetPagesByObject(objID uint32) []int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []int64
	for k, e := range idx.entries {
		if e.ObjectID == objID {
			out = append(out, k)
		}
	}
	return out
}

// GetSystemPages returns every key whose entry is tagged PageTypeSystem-ish,
// i.e. object IDs below 100 which SQL Server reserves for system catalogs.
// object_id is only meaningful on data/index pages; callers must filter
// by PageType themselves when that distinction matters.
func (idx *PageIndex) GetSystemPages() []int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []int64
	for k, e := range idx.entries {
		if e.ObjectID != 0 && e.ObjectID < 100 {
			out = append(out, k)
		}
	}
	return out
}

// Snapshot returns a copy of every (key, entry) pair currently indexed.
// Used by the sidecar writer so it never holds the lock across I/O.
func (idx *PageIndex) Snapshot() map[int64]PageIndexEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[int64]PageIndexEntry, len(idx.entries))
	for k, v := range idx.entries {
		out[k] = v
	}
	return out
}

// MemoryUsageBytes approximates the resident size of the index, mirroring
// the reference implementation's accounting: each entry costs its own
// struct size plus the bucket/key overhead of the backing map, which we
// estimate at a flat 32 bytes per entry.
func (idx *PageIndex) MemoryUsageBytes() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	const perEntryOverhead = 32
	return int64(len(idx.entries)) * (16 + perEntryOverhead)
}
