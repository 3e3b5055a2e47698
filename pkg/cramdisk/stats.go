package cramdisk

import (
	"sync/atomic"
)

// stats are the device's monotonic and gauge counters. All fields are
// atomics; none require the init lock or slot locks to read.
type stats struct {
	comprDataSize atomic.Int64 // bytes of live compressed payloads
	pagesStored   atomic.Int64 // allocated slots
	samePages     atomic.Int64 // slots stored as a same-fill scalar
	hugePages     atomic.Int64 // slots stored as raw pages
	maxUsedPages  atomic.Int64 // pool high-water mark, in pages

	numReads     atomic.Int64
	numWrites    atomic.Int64
	failedReads  atomic.Int64
	failedWrites atomic.Int64
	invalidIO    atomic.Int64
	notifyFree   atomic.Int64

	pagesCompacted atomic.Int64
	writestall     atomic.Int64
	missFree       atomic.Int64

	bdCount  atomic.Int64 // blocks currently holding evicted pages
	bdReads  atomic.Int64
	bdWrites atomic.Int64

	// lifeBuckets[k] counts pages re-accessed after surviving k idle
	// epochs.
	lifeBuckets [idleMax + 1]atomic.Int64
}

// updateMaxUsed folds the current pool size into the high-water mark
// with a compare-and-set retry loop.
func (st *stats) updateMaxUsed(pages int64) {
	for {
		old := st.maxUsedPages.Load()
		if pages <= old {
			return
		}

		if st.maxUsedPages.CompareAndSwap(old, pages) {
			return
		}
	}
}

// Stats is the exported snapshot of the device counters.
type Stats struct {
	OrigDataSize   int64 // bytes of data stored, uncompressed terms
	ComprDataSize  int64 // bytes of live compressed payloads
	MemUsedTotal   int64 // pool footprint in bytes
	MemLimit       int64 // configured pool cap in bytes (0 = none)
	MemUsedMax     int64 // pool footprint high-water mark in bytes
	SamePages      int64
	PagesCompacted int64
	HugePages      int64
	DupDataSize    int64

	FailedReads  int64
	FailedWrites int64
	InvalidIO    int64
	NotifyFree   int64

	BDCount  int64
	BDReads  int64
	BDWrites int64

	Writestall int64
	MissFree   int64
}

// Snapshot returns a point-in-time copy of the device counters.
func (d *Device) Snapshot() Stats {
	var poolPages, dupBytes int64

	d.initLock.RLock()

	if d.pool != nil {
		poolPages = d.pool.TotalPages()
	}

	if d.dedup != nil {
		dupBytes = d.dedup.DupBytes()
	}

	d.initLock.RUnlock()

	return Stats{
		OrigDataSize:   d.stats.pagesStored.Load() << PageShift,
		ComprDataSize:  d.stats.comprDataSize.Load(),
		MemUsedTotal:   poolPages << PageShift,
		MemLimit:       d.limitPages.Load() << PageShift,
		MemUsedMax:     d.stats.maxUsedPages.Load() << PageShift,
		SamePages:      d.stats.samePages.Load(),
		PagesCompacted: d.stats.pagesCompacted.Load(),
		HugePages:      d.stats.hugePages.Load(),
		DupDataSize:    dupBytes,
		FailedReads:    d.stats.failedReads.Load(),
		FailedWrites:   d.stats.failedWrites.Load(),
		InvalidIO:      d.stats.invalidIO.Load(),
		NotifyFree:     d.stats.notifyFree.Load(),
		BDCount:        d.stats.bdCount.Load(),
		BDReads:        d.stats.bdReads.Load(),
		BDWrites:       d.stats.bdWrites.Load(),
		Writestall:     d.stats.writestall.Load(),
		MissFree:       d.stats.missFree.Load(),
	}
}

// reset zeroes every counter. Called with the init lock held
// exclusively during device reset.
func (st *stats) reset() {
	st.comprDataSize.Store(0)
	st.pagesStored.Store(0)
	st.samePages.Store(0)
	st.hugePages.Store(0)
	st.maxUsedPages.Store(0)
	st.numReads.Store(0)
	st.numWrites.Store(0)
	st.failedReads.Store(0)
	st.failedWrites.Store(0)
	st.invalidIO.Store(0)
	st.notifyFree.Store(0)
	st.pagesCompacted.Store(0)
	st.writestall.Store(0)
	st.missFree.Store(0)
	st.bdCount.Store(0)
	st.bdReads.Store(0)
	st.bdWrites.Store(0)

	for i := range st.lifeBuckets {
		st.lifeBuckets[i].Store(0)
	}
}
