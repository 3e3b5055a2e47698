// Package mempool implements the compact allocator backing the
// cramdisk engine: many small compressed payloads packed into a small
// number of multi-page spans.
//
// Objects are grouped into size classes at 64-byte granularity. Each
// class carves its objects out of fixed multi-page spans, so the pool's
// memory footprint is always a whole number of pages regardless of how
// oddly sized the payloads are. Handles are opaque uint64s that encode
// the object's class, span and slot.
//
// The pool never moves live objects on its own; [Pool.Compact] releases
// spans that have become entirely free.
package mempool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	// PageSize is the accounting unit for pool memory.
	PageSize = 4096

	// classShift is the size-class granularity (64 bytes).
	classShift = 6
	classStep  = 1 << classShift

	// spanPages is the number of contiguous pages per span.
	spanPages = 4
	spanBytes = spanPages * PageSize

	// maxObjectSize is the largest allocatable object (one page).
	maxObjectSize = PageSize
)

// Handle layout: class(8) | span(32) | slot(16), low to high unused
// bits zero. Handle 0 is never produced: slot indexes are stored +1.
const (
	handleSlotBits  = 16
	handleSpanBits  = 32
	handleSpanShift = handleSlotBits
	handleClsShift  = handleSlotBits + handleSpanBits
)

// Allocation errors.
var (
	// ErrNoSpace is returned when the pool would exceed its page cap.
	ErrNoSpace = errors.New("mempool: out of space")
	// ErrBadSize is returned for zero or over-page allocation sizes.
	ErrBadSize = errors.New("mempool: invalid allocation size")
)

// span is one contiguous multi-page chunk carved into equal objects.
type span struct {
	buf       []byte
	free      []uint16 // stack of free slot indexes
	used      int
	inPartial bool
}

// sizeClass groups spans holding objects of one rounded size.
type sizeClass struct {
	objSize int
	perSpan int
	spans   []*span
	partial []int // indexes of spans with free slots
}

// Pool is a compact size-class allocator. All methods are safe for
// concurrent use.
type Pool struct {
	mu      sync.Mutex
	classes []sizeClass

	pages    atomic.Int64 // pages currently held in spans
	maxPages int64        // 0 = unbounded
}

// Option configures a Pool.
type Option func(*Pool)

// WithMaxPages caps the number of pages the pool may hold. Allocations
// that would grow past the cap fail with [ErrNoSpace].
func WithMaxPages(n int64) Option {
	return func(p *Pool) { p.maxPages = n }
}

// New creates an empty pool.
func New(opts ...Option) *Pool {
	nClasses := maxObjectSize / classStep

	p := &Pool{classes: make([]sizeClass, nClasses)}
	for i := range p.classes {
		objSize := (i + 1) * classStep

		p.classes[i] = sizeClass{
			objSize: objSize,
			perSpan: spanBytes / objSize,
		}
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// classFor returns the class index for an allocation of size bytes.
func classFor(size int) int {
	idx := (size + classStep - 1) >> classShift
	if idx == 0 {
		idx = 1
	}

	return idx - 1
}

// HugeClassSize returns the smallest object size at which packing no
// longer beats one-object-per-page. Payloads at or above this size
// should be stored as whole uncompressed pages.
func (p *Pool) HugeClassSize() int {
	for i := range p.classes {
		c := &p.classes[i]
		if c.perSpan <= spanPages {
			return c.objSize
		}
	}

	return maxObjectSize
}

// Alloc reserves space for an object of size bytes and returns its
// handle. mayBlock mirrors the engine's two-phase allocation protocol;
// a RAM pool never sleeps, so both phases behave identically here, but
// implementations backed by reclaimable memory may only grow on the
// blocking phase.
func (p *Pool) Alloc(size int, mayBlock bool) (uint64, error) {
	_ = mayBlock

	if size <= 0 || size > maxObjectSize {
		return 0, fmt.Errorf("%w: %d", ErrBadSize, size)
	}

	cls := classFor(size)

	p.mu.Lock()
	defer p.mu.Unlock()

	c := &p.classes[cls]

	// Reuse a partially-filled span first.
	for len(c.partial) > 0 {
		si := c.partial[len(c.partial)-1]
		s := c.spans[si]

		if len(s.free) == 0 {
			c.partial = c.partial[:len(c.partial)-1]
			s.inPartial = false

			continue
		}

		slot := s.free[len(s.free)-1]
		s.free = s.free[:len(s.free)-1]
		s.used++

		return makeHandle(cls, si, int(slot)), nil
	}

	if p.maxPages > 0 && p.pages.Load()+spanPages > p.maxPages {
		return 0, ErrNoSpace
	}

	s := &span{
		buf:       make([]byte, spanBytes),
		free:      make([]uint16, 0, c.perSpan),
		inPartial: true,
	}
	// Slot 0 is handed out immediately; the rest go on the free stack.
	for i := c.perSpan - 1; i >= 1; i-- {
		s.free = append(s.free, uint16(i))
	}

	s.used = 1

	c.spans = append(c.spans, s)
	si := len(c.spans) - 1
	c.partial = append(c.partial, si)

	p.pages.Add(spanPages)

	return makeHandle(cls, si, 0), nil
}

// Free releases the object behind handle.
func (p *Pool) Free(handle uint64) {
	cls, si, slot := splitHandle(handle)

	p.mu.Lock()
	defer p.mu.Unlock()

	c := &p.classes[cls]
	s := c.spans[si]

	s.free = append(s.free, uint16(slot))
	s.used--

	if !s.inPartial {
		s.inPartial = true
		c.partial = append(c.partial, si)
	}
}

// Map returns the byte view of the object behind handle. The view is
// the full rounded class size; callers track the payload length
// themselves. The view stays valid until the handle is freed.
func (p *Pool) Map(handle uint64) []byte {
	cls, si, slot := splitHandle(handle)

	p.mu.Lock()
	defer p.mu.Unlock()

	c := &p.classes[cls]
	s := c.spans[si]
	off := slot * c.objSize

	return s.buf[off : off+c.objSize]
}

// TotalPages returns the number of pages currently held by the pool.
func (p *Pool) TotalPages() int64 { return p.pages.Load() }

// Compact releases spans that hold no live objects and returns the
// number of pages freed.
func (p *Pool) Compact() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var freed int64

	for ci := range p.classes {
		c := &p.classes[ci]

		for si, s := range c.spans {
			if s == nil || s.used != 0 {
				continue
			}

			// Drop the span but keep the index stable: handles encode
			// span positions.
			c.spans[si] = nil
			freed += spanPages

			c.partial = removeIndex(c.partial, si)
		}
	}

	if freed > 0 {
		p.pages.Add(-freed)
	}

	return freed
}

func removeIndex(xs []int, idx int) []int {
	out := xs[:0]

	for _, x := range xs {
		if x != idx {
			out = append(out, x)
		}
	}

	return out
}

func makeHandle(cls, span, slot int) uint64 {
	return uint64(cls)<<handleClsShift |
		uint64(span)<<handleSpanShift |
		(uint64(slot) + 1)
}

func splitHandle(h uint64) (cls, span, slot int) {
	h--
	cls = int(h >> handleClsShift)
	span = int(h>>handleSpanShift) & (1<<handleSpanBits - 1)
	slot = int(h) & (1<<handleSlotBits - 1)

	return cls, span, slot
}
