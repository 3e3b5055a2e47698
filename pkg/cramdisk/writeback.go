package cramdisk

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/calvinalkan/cramdisk/pkg/backing"
)

// WritebackMode selects which slots a writeback pass evicts.
type WritebackMode int

// Writeback modes.
const (
	// WritebackHuge evicts incompressible pages.
	WritebackHuge WritebackMode = iota
	// WritebackIdle evicts low-compression pages that survived enough
	// idle epochs.
	WritebackIdle
)

// Writeback walks the slot table and evicts eligible pages to the
// backing device in contiguous batches. wbMax (when > 0) caps the
// number of pages written this invocation; idleMin is the minimum
// surviving idle-epoch count for WritebackIdle (clamped to [1,
// idleMax]). Cancellation is polled between slots via ctx; a
// partially built batch is still flushed on the way out.
//
// It returns the number of pages written and the first fatal error.
func (d *Device) Writeback(ctx context.Context, mode WritebackMode, wbMax int64, idleMin int) (int64, error) {
	if idleMin < 1 {
		idleMin = 1
	}

	if idleMin > idleMax {
		idleMin = idleMax
	}

	d.initLock.RLock()
	defer d.initLock.RUnlock()

	if !d.initDone() {
		return 0, fmt.Errorf("writeback: %w", ErrNotConfigured)
	}

	if d.bd == nil {
		return 0, fmt.Errorf("writeback: %w", ErrNoBacking)
	}

	d.wbMu.Lock()
	defer d.wbMu.Unlock()

	if d.wbPages == nil {
		d.wbPages = backing.AlignedBuffer(maxWritebackPages * PageSize)
	}

	var (
		written  int64
		ferr     error
		blk      uint64 // held backing block, 0 = none
		startBlk uint64
		batch    [maxWritebackPages]uint64
		nr       int
	)

	flush := func() {
		if nr == 0 {
			return
		}

		w, err := d.flushBatch(startBlk, batch[:nr])
		written += w
		nr = 0

		if err != nil && ferr == nil {
			ferr = err
		}
	}

	for idx := uint64(0); idx < d.nrPages(); idx++ {
		if err := ctx.Err(); err != nil {
			if ferr == nil {
				ferr = err
			}

			break
		}

		// Budget check. Selection never outruns the remaining budget:
		// once the pending batch reaches it, flush (which debits) and
		// re-read before taking more pages.
		d.wbLimitMu.Lock()
		budget, budgetOn := d.wbLimit, d.wbLimitEnable
		d.wbLimitMu.Unlock()

		if budgetOn && int64(nr) >= budget {
			flush()

			if ferr != nil {
				break
			}

			d.wbLimitMu.Lock()
			budget = d.wbLimit
			d.wbLimitMu.Unlock()

			if budget == 0 {
				ferr = fmt.Errorf("writeback budget exhausted: %w", ErrLimit)

				break
			}
		}

		if wbMax > 0 && written+int64(nr) >= wbMax {
			break
		}

		if blk == 0 {
			blk = d.bd.allocBlock()
			if blk == 0 {
				if ferr == nil {
					ferr = fmt.Errorf("writeback: %w", ErrNoSpace)
				}

				break
			}
		}

		// A non-contiguous block or a full staging buffer ends the
		// batch.
		if nr > 0 && (blk != startBlk+uint64(nr) || nr == maxWritebackPages) {
			flush()

			if ferr != nil {
				break
			}
		}

		s := &d.table[idx]

		s.lock()

		if !d.wbEligible(s, mode, idleMin) {
			s.unlock()

			continue
		}

		// The idle mark set here closes the re-population race: a
		// fresh write clears it, and reconciliation refuses slots
		// that lost it while the batch was in flight.
		s.set(slotUnderWB | slotIdle)
		s.unlock()

		stage := d.wbPages[nr*PageSize : (nr+1)*PageSize]

		if err := d.readPage(idx, stage, false); err != nil {
			s.lock()
			s.clear(slotUnderWB)
			s.clearIdle()
			s.unlock()

			d.log.WithField("page", idx).WithError(err).Warn("writeback staging read failed")

			continue
		}

		if nr == 0 {
			startBlk = blk
		}

		batch[nr] = idx
		nr++
		blk = 0
	}

	flush()

	if blk != 0 {
		d.bd.freeBlock(blk)
	}

	if ferr != nil {
		return written, fmt.Errorf("writeback: %w", ferr)
	}

	d.log.WithField("pages", written).Info("writeback complete")

	return written, nil
}

// wbEligible reports whether the locked slot can be evicted under the
// given mode.
func (d *Device) wbEligible(s *slot, mode WritebackMode, idleMin int) bool {
	if !s.allocated() || s.ent == nil {
		return false
	}

	if s.test(slotWB) || s.test(slotUnderWB) {
		return false
	}

	if mode == WritebackHuge {
		return s.test(slotHuge)
	}

	return s.test(slotCompLow) && s.test(slotIdle) && int(s.idleCount) >= idleMin
}

// flushBatch writes nr contiguous staging pages at startBlk, waits,
// and reconciles every slot in the batch. On I/O failure the whole
// batch is rolled back: every slot loses its in-flight mark and every
// block goes back to the bitmap.
func (d *Device) flushBatch(startBlk uint64, slots []uint64) (int64, error) {
	buf := d.wbPages[:len(slots)*PageSize]

	err := d.bd.dev.WriteBlocks(startBlk, buf)
	if err == nil {
		err = d.bd.dev.Sync()
	}

	if err != nil {
		for k, idx := range slots {
			s := &d.table[idx]

			s.lock()
			s.clear(slotUnderWB)
			s.clearIdle()
			s.unlock()

			d.bd.freeBlock(startBlk + uint64(k))
		}

		d.stats.failedWrites.Add(int64(len(slots)))
		d.log.WithFields(logrus.Fields{
			"block": startBlk,
			"pages": len(slots),
		}).WithError(err).Error("writeback batch failed")

		return 0, fmt.Errorf("%w: write blocks [%d, %d): %w",
			ErrBackingIO, startBlk, startBlk+uint64(len(slots)), err)
	}

	var written int64

	for k, idx := range slots {
		blk := startBlk + uint64(k)
		s := &d.table[idx]

		s.lock()

		// The slot was freed or re-populated while the bio was in
		// flight; its payload is no longer what we wrote.
		if !s.allocated() || !s.test(slotIdle) {
			s.clear(slotUnderWB)
			s.clearIdle()
			s.unlock()

			d.bd.freeBlock(blk)

			continue
		}

		d.freeSlot(s)
		s.set(slotWB)
		s.elem = blk
		s.clear(slotUnderWB)
		s.clearIdle()
		s.unlock()

		d.stats.pagesStored.Add(1)
		d.stats.bdCount.Add(1)
		d.stats.bdWrites.Add(1)
		written++

		d.wbLimitMu.Lock()
		if d.wbLimitEnable && d.wbLimit > 0 {
			d.wbLimit--
		}
		d.wbLimitMu.Unlock()
	}

	return written, nil
}
