package cramdisk

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/calvinalkan/cramdisk/pkg/codec"
	"github.com/calvinalkan/cramdisk/pkg/mempool"
)

// Device is one compressed RAM block device.
//
// A device is created unconfigured; [Device.SetDisksize] configures it
// once, and [Device.Reset] tears it back down. The init lock is held
// for read by every data-path operation and for write by every
// configuration transition, so a reset waits out in-flight I/O.
type Device struct {
	id  int
	log logrus.FieldLogger

	initLock sync.RWMutex

	// Configured state, guarded by initLock.
	diskSize    int64
	table       []slot
	pool        Pool
	streams     *codec.Streams
	dedup       Dedup
	bd          *backingStore
	backingPath string
	algo        string

	compLowPercent int

	limitPages atomic.Int64
	openers    atomic.Int32
	claim      atomic.Bool

	// Writeback budget, guarded by wbLimitMu.
	wbLimitMu     sync.Mutex
	wbLimitEnable bool
	wbLimit       int64 // remaining budget in pages

	// Writeback staging, guarded by wbMu (one writeback at a time).
	wbMu    sync.Mutex
	wbPages []byte

	stats stats
}

// Device registry: id -> device, one process-wide mutex.
var devRegistry = struct {
	mu   sync.Mutex
	m    map[int]*Device
	next int
}{m: map[int]*Device{}}

// New creates an unconfigured device and registers it.
func New(opts Options) (*Device, error) {
	algo := opts.Algorithm
	if algo == "" {
		algo = "lz4"
	}

	if _, err := codec.Get(algo); err != nil {
		return nil, fmt.Errorf("new device: %w", err)
	}

	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	pool := opts.Pool
	if pool == nil {
		pool = mempool.New()
	}

	threshold := opts.CompLowPercent
	if threshold <= 0 {
		threshold = defaultCompLowPercent
	}

	d := &Device{
		log:            log,
		pool:           pool,
		dedup:          opts.Dedup,
		algo:           algo,
		compLowPercent: threshold,
	}

	if opts.Backing != nil {
		d.bd = newBackingStore(opts.Backing)

		if p, ok := opts.Backing.(interface{ Path() string }); ok {
			d.backingPath = p.Path()
		}
	}

	devRegistry.mu.Lock()
	d.id = devRegistry.next
	devRegistry.next++
	devRegistry.m[d.id] = d
	devRegistry.mu.Unlock()

	d.log = log.WithField("device", d.id)

	return d, nil
}

// Lookup returns the registered device with the given id.
func Lookup(id int) (*Device, bool) {
	devRegistry.mu.Lock()
	defer devRegistry.mu.Unlock()

	d, ok := devRegistry.m[id]

	return d, ok
}

// Destroy resets the device (if configured) and removes it from the
// registry. It refuses while the device has openers.
func Destroy(d *Device) error {
	if err := d.Reset(); err != nil {
		return fmt.Errorf("destroy device %d: %w", d.id, err)
	}

	devRegistry.mu.Lock()
	delete(devRegistry.m, d.id)
	devRegistry.mu.Unlock()

	return nil
}

// ID returns the registry id of the device.
func (d *Device) ID() int { return d.id }

// initDone reports whether the device is configured. Callers hold the
// init lock in either mode.
func (d *Device) initDone() bool { return d.table != nil }

// Configured reports whether the device is configured.
func (d *Device) Configured() bool {
	d.initLock.RLock()
	defer d.initLock.RUnlock()

	return d.initDone()
}

// DiskSize returns the configured capacity in bytes (0 while
// unconfigured).
func (d *Device) DiskSize() int64 {
	d.initLock.RLock()
	defer d.initLock.RUnlock()

	return d.diskSize
}

// nrPages returns the slot count. Callers hold the init lock.
func (d *Device) nrPages() uint64 { return uint64(len(d.table)) }

// SetDisksize configures the device with a capacity of size bytes,
// rounded up to a whole page. It may be called once per lifecycle.
func (d *Device) SetDisksize(size int64) error {
	if size <= 0 {
		return fmt.Errorf("set disksize %d: %w", size, ErrBadAttr)
	}

	size = (size + PageSize - 1) &^ (PageSize - 1)

	d.initLock.Lock()
	defer d.initLock.Unlock()

	if d.initDone() {
		return fmt.Errorf("set disksize: %w", ErrConfigured)
	}

	factory, err := codec.Get(d.algo)
	if err != nil {
		return fmt.Errorf("set disksize: %w", err)
	}

	d.table = make([]slot, size>>PageShift)
	d.diskSize = size
	d.streams = codec.NewStreams(factory, PageSize)

	d.log.WithFields(logrus.Fields{
		"disksize": size,
		"algo":     d.algo,
	}).Info("device configured")

	return nil
}

// Open marks the device open by one more user. Reset is refused while
// any opener remains.
func (d *Device) Open() error {
	if d.claim.Load() {
		return fmt.Errorf("open device %d: %w", d.id, ErrBusy)
	}

	d.openers.Add(1)

	return nil
}

// Release drops one opener.
func (d *Device) Release() {
	if d.openers.Add(-1) < 0 {
		panic("cramdisk: Release without Open")
	}
}

// Reset tears the device down to its unconfigured state: all slots are
// freed, the backing bitmap is cleared (the attached backing device
// stays attached), counters are zeroed. It is
// refused while the device has openers. Resetting an unconfigured
// device is a no-op.
func (d *Device) Reset() error {
	if !d.claim.CompareAndSwap(false, true) {
		return fmt.Errorf("reset device %d: %w", d.id, ErrBusy)
	}
	defer d.claim.Store(false)

	if d.openers.Load() > 0 {
		return fmt.Errorf("reset device %d: %w", d.id, ErrBusy)
	}

	d.initLock.Lock()
	defer d.initLock.Unlock()

	if !d.initDone() {
		return nil
	}

	// Exclusive init lock: no I/O is in flight, slot locks are free.
	for i := range d.table {
		s := &d.table[i]
		s.lock()
		d.freeSlot(s)
		s.unlock()
	}

	// Every payload is gone; release the pool's now-empty spans.
	d.pool.Compact()

	d.table = nil
	d.diskSize = 0
	d.streams = nil

	if d.bd != nil {
		d.bd.resetBitmap()
	}

	d.wbLimitMu.Lock()
	d.wbLimit = 0
	d.wbLimitEnable = false
	d.wbLimitMu.Unlock()

	d.wbMu.Lock()
	d.wbPages = nil
	d.wbMu.Unlock()

	d.limitPages.Store(0)
	d.stats.reset()

	d.log.Info("device reset")

	return nil
}

// freeSlot releases everything the slot holds and returns it to the
// unallocated state. The caller holds the slot lock; the lock bit and
// any in-flight writeback mark are left untouched — they belong to the
// caller.
func (d *Device) freeSlot(s *slot) {
	if s.test(slotHuge) {
		d.stats.hugePages.Add(-1)
	}

	s.clear(slotHuge | slotCompLow)
	s.clearIdle()

	switch {
	case s.test(slotWB):
		d.bd.freeBlock(s.elem)
		d.stats.bdCount.Add(-1)
		s.clear(slotWB)
		s.elem = 0
		d.stats.pagesStored.Add(-1)

	case s.test(slotSame):
		s.clear(slotSame)
		s.elem = 0
		d.stats.samePages.Add(-1)
		d.stats.pagesStored.Add(-1)

	case s.ent != nil:
		d.putEntry(s.ent)
		s.ent = nil
		d.stats.pagesStored.Add(-1)
	}

	s.size = 0
	s.acTime = 0
}

// putEntry drops one reference to an entry, freeing the payload when
// the last referring slot is gone. With dedup enabled the index owns
// the refcount discipline so lookups never race the final unref.
func (d *Device) putEntry(e *Entry) {
	if d.dedup != nil {
		if !d.dedup.Release(e) {
			return
		}
	} else if e.Unref() > 0 {
		return
	}

	d.pool.Free(e.Handle)
	d.stats.comprDataSize.Add(-int64(e.Size))
}
