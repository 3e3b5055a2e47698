package cramdisk

import (
	"bytes"
	"fmt"
	"runtime"
)

// Submit executes one block request. Misaligned or out-of-range
// requests fail with [ErrInvalidIO] and bump the invalid_io counter.
func (d *Device) Submit(req *BlockRequest) error {
	off := int64(req.Sector) << SectorShift

	switch req.Op {
	case OpRead:
		_, err := d.ReadAt(req.Data, off)

		return err
	case OpWrite:
		_, err := d.WriteAt(req.Data, off)

		return err
	case OpDiscard:
		return d.Discard(off, int64(req.Length))
	case OpWriteZeroes:
		return d.WriteZeroes(off, int64(req.Length))
	default:
		return fmt.Errorf("%w: op %d", ErrInvalidIO, req.Op)
	}
}

// validIO checks bounds and alignment: offsets and lengths are sector
// multiples, the range lies within the disk, and a request that does
// not start on a page boundary must stay inside a single page (the
// partial-I/O path).
func (d *Device) validIO(off, length int64) bool {
	if off < 0 || length <= 0 {
		return false
	}

	if off&(SectorSize-1) != 0 || length&(SectorSize-1) != 0 {
		return false
	}

	if off+length > d.diskSize {
		return false
	}

	if off&(PageSize-1) != 0 && off>>PageShift != (off+length-1)>>PageShift {
		return false
	}

	return true
}

// validRange checks bounds and sector alignment only. Discard and
// write-zeroes carry no data, so they may span pages from an unaligned
// start; the per-page loops deal with the partial ends.
func (d *Device) validRange(off, length int64) bool {
	if off < 0 || length <= 0 {
		return false
	}

	if off&(SectorSize-1) != 0 || length&(SectorSize-1) != 0 {
		return false
	}

	return off+length <= d.diskSize
}

// ReadAt reads len(p) bytes at byte offset off. It implements the
// io.ReaderAt shape over the block surface.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	d.initLock.RLock()
	defer d.initLock.RUnlock()

	if !d.initDone() {
		return 0, fmt.Errorf("read at %d: %w", off, ErrNotConfigured)
	}

	if !d.validIO(off, int64(len(p))) {
		d.stats.invalidIO.Add(1)

		return 0, fmt.Errorf("read [%d, %d): %w", off, off+int64(len(p)), ErrInvalidIO)
	}

	var n int

	for len(p) > 0 {
		idx := uint64(off >> PageShift)
		in := int(off & (PageSize - 1))
		seg := min(PageSize-in, len(p))

		var err error
		if in == 0 && seg == PageSize {
			err = d.readPage(idx, p[:PageSize], true)
		} else {
			err = d.readPartial(idx, p[:seg], in, true)
		}

		d.stats.numReads.Add(1)

		if err != nil {
			return n, err
		}

		n += seg
		p = p[seg:]
		off += int64(seg)
	}

	return n, nil
}

// WriteAt writes len(p) bytes at byte offset off. It implements the
// io.WriterAt shape over the block surface.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	d.initLock.RLock()
	defer d.initLock.RUnlock()

	if !d.initDone() {
		return 0, fmt.Errorf("write at %d: %w", off, ErrNotConfigured)
	}

	if !d.validIO(off, int64(len(p))) {
		d.stats.invalidIO.Add(1)

		return 0, fmt.Errorf("write [%d, %d): %w", off, off+int64(len(p)), ErrInvalidIO)
	}

	var n int

	for len(p) > 0 {
		idx := uint64(off >> PageShift)
		in := int(off & (PageSize - 1))
		seg := min(PageSize-in, len(p))

		var err error
		if in == 0 && seg == PageSize {
			err = d.writePage(idx, p[:PageSize])
		} else {
			err = d.writePartial(idx, p[:seg], in)
		}

		d.stats.numWrites.Add(1)

		if err != nil {
			return n, err
		}

		n += seg
		p = p[seg:]
		off += int64(seg)
	}

	return n, nil
}

// readPage materialises the page at idx into dst (a full page). When
// access is false the idle state is left untouched (the writeback
// staging read depends on this).
func (d *Device) readPage(idx uint64, dst []byte, access bool) error {
	s := &d.table[idx]

	s.lock()

	if access {
		d.markAccessed(s)
	}

	if s.test(slotWB) {
		// Backing read happens outside the slot lock; the flush
		// protocol guarantees the block stays allocated while the
		// slot references it.
		blk := s.elem
		s.unlock()

		return d.readBlock(blk, dst)
	}

	if s.ent == nil {
		var v uint64
		if s.test(slotSame) {
			v = s.elem
		}

		s.unlock()
		fillPage(dst, v)

		return nil
	}

	ent := s.ent
	buf := d.pool.Map(ent.Handle)[:ent.Size]

	if ent.Size == PageSize {
		copy(dst, buf)
		s.unlock()

		return nil
	}

	// Decompression is bounded CPU work and stays under the slot lock.
	st, err := d.streams.Get()
	if err != nil {
		s.unlock()
		d.stats.failedReads.Add(1)

		return fmt.Errorf("%w: page %d: %w", ErrCodec, idx, err)
	}

	derr := st.Decompress(dst, buf)
	d.streams.Put(st)
	s.unlock()

	if derr != nil {
		d.stats.failedReads.Add(1)
		d.log.WithField("page", idx).WithError(derr).Error("decompression failed")

		return fmt.Errorf("%w: page %d: %w", ErrCodec, idx, derr)
	}

	return nil
}

// readPartial serves a window of a page by materialising the whole
// page into scratch first.
func (d *Device) readPartial(idx uint64, dst []byte, in int, access bool) error {
	tmp := getPage()
	defer putPage(tmp)

	if err := d.readPage(idx, *tmp, access); err != nil {
		return err
	}

	copy(dst, (*tmp)[in:in+len(dst)])

	return nil
}

// writePage stores a full page at idx, replacing whatever the slot
// held.
func (d *Device) writePage(idx uint64, src []byte) error {
	s := &d.table[idx]

	// Same-filled pages skip compression entirely.
	if v, ok := samePageValue(src); ok {
		s.lock()
		d.freeSlot(s)
		s.elem = v
		s.set(slotSame)
		d.markAccessed(s)
		s.unlock()

		d.stats.samePages.Add(1)
		d.stats.pagesStored.Add(1)

		return nil
	}

	var checksum uint64
	if d.dedup != nil {
		checksum = d.dedup.Checksum(src)

		if e := d.dedup.Find(checksum, func(cand *Entry) bool {
			return d.entryEqualsPage(cand, src)
		}); e != nil {
			d.installEntry(s, e, e.Size, false)

			return nil
		}
	}

	ent, huge, err := d.storePage(idx, src, checksum)
	if err != nil {
		return err
	}

	if d.dedup != nil && !huge {
		d.dedup.Insert(ent)
	}

	d.installEntry(s, ent, ent.Size, huge)

	return nil
}

// storePage compresses src and copies it into a fresh pool allocation,
// returning the new entry. The allocation protocol makes two attempts:
// a non-blocking one while the compression stream is borrowed, then —
// after releasing the stream — a blocking one, recompressing under the
// newly borrowed stream because the scratch went away with the old
// one.
func (d *Device) storePage(idx uint64, src []byte, checksum uint64) (*Entry, bool, error) {
	st, err := d.streams.Get()
	if err != nil {
		d.stats.failedWrites.Add(1)

		return nil, false, fmt.Errorf("%w: page %d: %w", ErrCodec, idx, err)
	}

	var (
		handle uint64
		size   int
		huge   bool
		cbuf   []byte
	)

	for {
		cbuf, err = st.Compress(src)
		if err != nil {
			d.streams.Put(st)
			d.stats.failedWrites.Add(1)

			return nil, false, fmt.Errorf("%w: page %d: %w", ErrCodec, idx, err)
		}

		huge = cbuf == nil || len(cbuf) >= d.pool.HugeClassSize()

		size = PageSize
		if !huge {
			size = len(cbuf)
		}

		handle, err = d.pool.Alloc(size, false)
		if err == nil {
			break
		}

		// Slow path: drop the stream before a blocking allocation.
		d.streams.Put(st)
		st = nil

		d.stats.writestall.Add(1)

		handle, err = d.pool.Alloc(size, true)
		if err != nil {
			d.stats.failedWrites.Add(1)

			return nil, false, fmt.Errorf("%w: page %d: %w", ErrOutOfMemory, idx, err)
		}

		st, err = d.streams.Get()
		if err != nil {
			d.pool.Free(handle)
			d.stats.failedWrites.Add(1)

			return nil, false, fmt.Errorf("%w: page %d: %w", ErrCodec, idx, err)
		}

		// Recompress and check the allocation still fits; codecs are
		// deterministic so the size normally comes out identical.
		cbuf, err = st.Compress(src)
		if err != nil {
			d.pool.Free(handle)
			d.streams.Put(st)
			d.stats.failedWrites.Add(1)

			return nil, false, fmt.Errorf("%w: page %d: %w", ErrCodec, idx, err)
		}

		stillHuge := cbuf == nil || len(cbuf) >= d.pool.HugeClassSize()
		if stillHuge == huge && (huge || len(cbuf) <= size) {
			if !huge {
				size = len(cbuf)
			}

			break
		}

		// Shape changed under us; retry from the top.
		d.pool.Free(handle)
	}

	pages := d.pool.TotalPages()

	if limit := d.limitPages.Load(); limit > 0 && pages > limit {
		d.pool.Free(handle)
		d.streams.Put(st)
		d.stats.failedWrites.Add(1)

		return nil, false, fmt.Errorf("page %d: pool over mem_limit: %w", idx, ErrLimit)
	}

	d.stats.updateMaxUsed(pages)

	dst := d.pool.Map(handle)[:size]
	if huge {
		copy(dst, src)
	} else {
		copy(dst, cbuf)
	}

	d.streams.Put(st)

	d.stats.comprDataSize.Add(int64(size))

	return NewEntry(handle, size, checksum), huge, nil
}

// installEntry points the slot at ent under its lock, carrying the
// huge and low-compression flags.
func (d *Device) installEntry(s *slot, ent *Entry, size int, huge bool) {
	savings := (PageSize - size) * 100 / PageSize

	s.lock()
	d.freeSlot(s)

	s.ent = ent
	s.size = uint16(size)

	if huge {
		s.set(slotHuge)
		d.stats.hugePages.Add(1)
	}

	if savings < d.compLowPercent {
		s.set(slotCompLow)
	}

	d.markAccessed(s)
	s.unlock()

	d.stats.pagesStored.Add(1)
}

// entryEqualsPage reports whether the entry's payload decompresses to
// exactly page. Used as the dedup verification copy.
func (d *Device) entryEqualsPage(e *Entry, page []byte) bool {
	buf := d.pool.Map(e.Handle)[:e.Size]

	if e.Size == PageSize {
		return bytes.Equal(buf, page)
	}

	tmp := getPage()
	defer putPage(tmp)

	st, err := d.streams.Get()
	if err != nil {
		return false
	}

	derr := st.Decompress(*tmp, buf)
	d.streams.Put(st)

	return derr == nil && bytes.Equal(*tmp, page)
}

// writePartial performs a read-modify-write of a window within one
// page.
func (d *Device) writePartial(idx uint64, src []byte, in int) error {
	tmp := getPage()
	defer putPage(tmp)

	if err := d.readPage(idx, *tmp, false); err != nil {
		return err
	}

	copy((*tmp)[in:], src)

	return d.writePage(idx, *tmp)
}

// Discard drops fully-covered pages in [off, off+length); partially
// covered pages at either end are left alone, as discarding is
// advisory.
func (d *Device) Discard(off, length int64) error {
	d.initLock.RLock()
	defer d.initLock.RUnlock()

	if !d.initDone() {
		return fmt.Errorf("discard: %w", ErrNotConfigured)
	}

	if !d.validRange(off, length) {
		d.stats.invalidIO.Add(1)

		return fmt.Errorf("discard [%d, %d): %w", off, off+length, ErrInvalidIO)
	}

	start := uint64((off + PageSize - 1) >> PageShift)
	end := uint64((off + length) >> PageShift)

	for idx := start; idx < end; idx++ {
		s := &d.table[idx]

		s.lock()
		d.freeSlot(s)
		s.unlock()

		d.stats.notifyFree.Add(1)

		if idx%256 == 255 {
			runtime.Gosched()
		}
	}

	return nil
}

// WriteZeroes zeroes the byte range: fully-covered pages are freed
// (reads of empty slots return zeros) and partial edges are rewritten
// through the read-modify-write path.
func (d *Device) WriteZeroes(off, length int64) error {
	d.initLock.RLock()
	defer d.initLock.RUnlock()

	if !d.initDone() {
		return fmt.Errorf("write zeroes: %w", ErrNotConfigured)
	}

	if !d.validRange(off, length) {
		d.stats.invalidIO.Add(1)

		return fmt.Errorf("write zeroes [%d, %d): %w", off, off+length, ErrInvalidIO)
	}

	for length > 0 {
		idx := uint64(off >> PageShift)
		in := int(off & (PageSize - 1))
		seg := min(int64(PageSize-in), length)

		if in == 0 && seg == PageSize {
			s := &d.table[idx]

			s.lock()
			d.freeSlot(s)
			s.unlock()
		} else {
			zero := getPage()
			clear(*zero)
			err := d.writePartial(idx, (*zero)[:seg], in)
			putPage(zero)

			if err != nil {
				return err
			}
		}

		off += seg
		length -= seg
	}

	return nil
}

// NotifyFree is the swap free-notify hint for one page. It only tries
// the slot lock: contending with real I/O is not worth it for an
// advisory free, and a miss is just counted.
func (d *Device) NotifyFree(idx uint64) {
	d.initLock.RLock()
	defer d.initLock.RUnlock()

	if !d.initDone() || idx >= d.nrPages() {
		return
	}

	s := &d.table[idx]

	if !s.tryLock() {
		d.stats.missFree.Add(1)

		return
	}

	// Freeing under an in-flight writeback is safe: the batch owns a
	// staged copy, and reconciliation skips slots that lost their
	// idle mark.
	d.freeSlot(s)
	s.unlock()

	d.stats.notifyFree.Add(1)
}
