// Package dedup provides the optional content-deduplication index for
// cramdisk devices.
//
// The index is a pure side structure: it maps an xxh3 checksum of the
// original page to the entries whose payloads hashed to it. Lookups
// verify candidates byte-for-byte through a caller-supplied comparison
// (checksums collide; the verification copy is what makes a hit safe),
// so a false positive costs one decompression and nothing else.
//
// While an index is attached to a device, entry reference counts
// change only under the index mutex; that is what lets a lookup never
// race the final release of a dying entry.
//
//	dev, _ := cramdisk.New(cramdisk.Options{Dedup: dedup.New()})
package dedup

import (
	"sync"
	"sync/atomic"

	"github.com/zeebo/xxh3"

	"github.com/calvinalkan/cramdisk/pkg/cramdisk"
)

// Index implements [cramdisk.Dedup].
type Index struct {
	mu         sync.Mutex
	byChecksum map[uint64][]*cramdisk.Entry

	dupBytes atomic.Int64
	hits     atomic.Int64
}

// Compile-time interface satisfaction check.
var _ cramdisk.Dedup = (*Index)(nil)

// New creates an empty index.
func New() *Index {
	return &Index{byChecksum: map[uint64][]*cramdisk.Entry{}}
}

// Checksum hashes a page for lookup.
func (ix *Index) Checksum(page []byte) uint64 {
	return xxh3.Hash(page)
}

// Find returns a referenced entry whose payload matches, or nil. match
// performs the verification copy against the page being stored.
func (ix *Index) Find(checksum uint64, match func(*cramdisk.Entry) bool) *cramdisk.Entry {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, e := range ix.byChecksum[checksum] {
		if !match(e) {
			continue
		}

		e.Ref()
		ix.dupBytes.Add(int64(e.Size))
		ix.hits.Add(1)

		return e
	}

	return nil
}

// Insert adds a freshly stored entry to the index.
func (ix *Index) Insert(e *cramdisk.Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.byChecksum[e.Checksum] = append(ix.byChecksum[e.Checksum], e)
}

// Release drops one reference. A shared entry just loses a duplicate;
// the last reference unindexes the entry and tells the caller to free
// the payload.
func (ix *Index) Release(e *cramdisk.Entry) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if e.Unref() > 0 {
		ix.dupBytes.Add(-int64(e.Size))

		return false
	}

	ix.remove(e)

	return true
}

// remove unindexes e. Entries that were never inserted (huge pages are
// not indexed) are simply not found.
func (ix *Index) remove(e *cramdisk.Entry) {
	entries := ix.byChecksum[e.Checksum]

	for i, cand := range entries {
		if cand != e {
			continue
		}

		entries[i] = entries[len(entries)-1]
		entries = entries[:len(entries)-1]

		if len(entries) == 0 {
			delete(ix.byChecksum, e.Checksum)
		} else {
			ix.byChecksum[e.Checksum] = entries
		}

		return
	}
}

// DupBytes returns the bytes currently saved by sharing.
func (ix *Index) DupBytes() int64 { return ix.dupBytes.Load() }

// Hits returns the number of successful dedup lookups.
func (ix *Index) Hits() int64 { return ix.hits.Load() }
