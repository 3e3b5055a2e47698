package cramdisk

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/calvinalkan/cramdisk/pkg/backing"
	"github.com/calvinalkan/cramdisk/pkg/codec"
)

// statVersion is the first field of debug_stat.
const statVersion = 1

// Set writes a control attribute. Values are human-readable text; a
// trailing newline is tolerated. Unknown names fail with
// [ErrUnknownAttr], malformed values with [ErrBadAttr].
func (d *Device) Set(attr, value string) error {
	value = strings.TrimSpace(value)

	switch attr {
	case "disksize":
		size, err := parseMemSize(value)
		if err != nil {
			return fmt.Errorf("disksize %q: %w", value, ErrBadAttr)
		}

		return d.SetDisksize(size)

	case "reset":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("reset %q: %w", value, ErrBadAttr)
		}

		if n == 0 {
			return nil
		}

		return d.Reset()

	case "compact":
		return d.Compact()

	case "mem_limit":
		size, err := parseMemSize(value)
		if err != nil || size < 0 {
			return fmt.Errorf("mem_limit %q: %w", value, ErrBadAttr)
		}

		d.limitPages.Store(size >> PageShift)

		return nil

	case "mem_used_max":
		if value != "0" {
			return fmt.Errorf("mem_used_max %q: %w", value, ErrBadAttr)
		}

		d.initLock.RLock()
		d.stats.maxUsedPages.Store(d.pool.TotalPages())
		d.initLock.RUnlock()

		return nil

	case "idle":
		if value != "all" {
			return fmt.Errorf("idle %q: %w", value, ErrBadAttr)
		}

		return d.MarkIdle()

	case "new":
		if value != "all" {
			return fmt.Errorf("new %q: %w", value, ErrBadAttr)
		}

		return d.MarkNew()

	case "comp_algorithm":
		return d.setAlgorithm(value)

	case "backing_dev":
		return d.attachBackingPath(value)

	case "writeback":
		mode, wbMax, idleMin, err := parseWriteback(value)
		if err != nil {
			return err
		}

		_, err = d.Writeback(context.Background(), mode, wbMax, idleMin)

		return err

	case "writeback_limit":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("writeback_limit %q: %w", value, ErrBadAttr)
		}

		d.wbLimitMu.Lock()
		d.wbLimit = n
		d.wbLimitMu.Unlock()

		return nil

	case "writeback_limit_enable":
		on, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("writeback_limit_enable %q: %w", value, ErrBadAttr)
		}

		d.wbLimitMu.Lock()
		d.wbLimitEnable = on
		d.wbLimitMu.Unlock()

		return nil

	default:
		return fmt.Errorf("set %q: %w", attr, ErrUnknownAttr)
	}
}

// Get reads a control attribute.
func (d *Device) Get(attr string) (string, error) {
	switch attr {
	case "disksize":
		return strconv.FormatInt(d.DiskSize(), 10), nil

	case "initstate":
		if d.Configured() {
			return "1", nil
		}

		return "0", nil

	case "comp_algorithm":
		d.initLock.RLock()
		current := d.algo
		d.initLock.RUnlock()

		names := codec.Algorithms()
		for i, name := range names {
			if name == current {
				names[i] = "[" + name + "]"
			}
		}

		return strings.Join(names, " "), nil

	case "backing_dev":
		d.initLock.RLock()
		defer d.initLock.RUnlock()

		if d.bd == nil {
			return "none", nil
		}

		if d.backingPath == "" {
			return "attached", nil
		}

		return d.backingPath, nil

	case "writeback_limit":
		d.wbLimitMu.Lock()
		defer d.wbLimitMu.Unlock()

		return strconv.FormatInt(d.wbLimit, 10), nil

	case "writeback_limit_enable":
		d.wbLimitMu.Lock()
		defer d.wbLimitMu.Unlock()

		if d.wbLimitEnable {
			return "1", nil
		}

		return "0", nil

	case "mm_stat":
		st := d.Snapshot()

		return fmt.Sprintf("%d %d %d %d %d %d %d %d %d",
			st.OrigDataSize, st.ComprDataSize, st.MemUsedTotal,
			st.MemLimit, st.MemUsedMax, st.SamePages,
			st.PagesCompacted, st.HugePages, st.DupDataSize), nil

	case "io_stat":
		st := d.Snapshot()

		return fmt.Sprintf("%d %d %d %d",
			st.FailedReads, st.FailedWrites, st.InvalidIO, st.NotifyFree), nil

	case "bd_stat":
		st := d.Snapshot()

		return fmt.Sprintf("%d %d %d", st.BDCount, st.BDReads, st.BDWrites), nil

	case "debug_stat":
		st := d.Snapshot()

		return fmt.Sprintf("%d %d %d", statVersion, st.Writestall, st.MissFree), nil

	case "idle_stat":
		return d.idleStat()

	case "new_stat":
		var b strings.Builder

		for i := range d.stats.lifeBuckets {
			if i > 0 {
				b.WriteByte(' ')
			}

			b.WriteString(strconv.FormatInt(d.stats.lifeBuckets[i].Load(), 10))
		}

		return b.String(), nil

	default:
		return "", fmt.Errorf("get %q: %w", attr, ErrUnknownAttr)
	}
}

// Compact triggers pool compaction and accounts the freed pages.
func (d *Device) Compact() error {
	d.initLock.RLock()
	defer d.initLock.RUnlock()

	if !d.initDone() {
		return fmt.Errorf("compact: %w", ErrNotConfigured)
	}

	d.stats.pagesCompacted.Add(d.pool.Compact())

	return nil
}

// MarkIdle runs one idle epoch: every allocated low-compression slot
// that is not on (or on its way to) the backing device gets the idle
// mark and an epoch-count bump. Slots under writeback are skipped —
// the reconciliation protocol owns their idle mark.
func (d *Device) MarkIdle() error {
	d.initLock.RLock()
	defer d.initLock.RUnlock()

	if !d.initDone() {
		return fmt.Errorf("idle: %w", ErrNotConfigured)
	}

	for i := range d.table {
		s := &d.table[i]

		s.lock()

		if s.allocated() &&
			s.test(slotCompLow) &&
			!s.test(slotSame) &&
			!s.test(slotWB) &&
			!s.test(slotUnderWB) {
			s.markIdle()
		}

		s.unlock()
	}

	return nil
}

// MarkNew clears the idle mark and epoch counter on every slot.
func (d *Device) MarkNew() error {
	d.initLock.RLock()
	defer d.initLock.RUnlock()

	if !d.initDone() {
		return fmt.Errorf("new: %w", ErrNotConfigured)
	}

	for i := range d.table {
		s := &d.table[i]

		s.lock()
		s.clearIdle()
		s.unlock()
	}

	return nil
}

// idleStat renders the idle-epoch histogram of the live table: the
// total idle slot count followed by per-epoch counts for 1..idleMax.
func (d *Device) idleStat() (string, error) {
	d.initLock.RLock()
	defer d.initLock.RUnlock()

	if !d.initDone() {
		return "", fmt.Errorf("idle_stat: %w", ErrNotConfigured)
	}

	var counts [idleMax + 1]int64

	var total int64

	for i := range d.table {
		s := &d.table[i]

		s.lock()

		if s.test(slotIdle) {
			total++
			counts[s.idleCount]++
		}

		s.unlock()
	}

	var b strings.Builder

	b.WriteString(strconv.FormatInt(total, 10))

	for i := 1; i <= idleMax; i++ {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(counts[i], 10))
	}

	return b.String(), nil
}

// setAlgorithm switches codecs; allowed only while unconfigured.
func (d *Device) setAlgorithm(name string) error {
	if _, err := codec.Get(name); err != nil {
		return fmt.Errorf("comp_algorithm: %w", err)
	}

	d.initLock.Lock()
	defer d.initLock.Unlock()

	if d.initDone() {
		return fmt.Errorf("comp_algorithm: %w", ErrConfigured)
	}

	d.algo = name

	return nil
}

// attachBackingPath opens a file or block device as the backing store;
// allowed only while unconfigured and only once.
func (d *Device) attachBackingPath(path string) error {
	d.initLock.Lock()
	defer d.initLock.Unlock()

	if d.initDone() {
		return fmt.Errorf("backing_dev: %w", ErrConfigured)
	}

	if d.bd != nil {
		return fmt.Errorf("backing_dev: already attached: %w", ErrBusy)
	}

	dev, err := backing.OpenFile(path)
	if err != nil {
		return fmt.Errorf("backing_dev: %w", err)
	}

	d.bd = newBackingStore(dev)
	d.backingPath = path

	return nil
}

// AttachBacking attaches an already-open backing device; allowed only
// while unconfigured and only once.
func (d *Device) AttachBacking(dev BackingDev) error {
	d.initLock.Lock()
	defer d.initLock.Unlock()

	if d.initDone() {
		return fmt.Errorf("attach backing: %w", ErrConfigured)
	}

	if d.bd != nil {
		return fmt.Errorf("attach backing: already attached: %w", ErrBusy)
	}

	d.bd = newBackingStore(dev)

	return nil
}

// parseWriteback parses the writeback attribute forms "huge", "idle",
// and "idle <wb_max> [<wb_idle_min>]".
func parseWriteback(value string) (WritebackMode, int64, int, error) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0, 0, 0, fmt.Errorf("writeback %q: %w", value, ErrBadAttr)
	}

	switch fields[0] {
	case "huge":
		if len(fields) != 1 {
			return 0, 0, 0, fmt.Errorf("writeback %q: %w", value, ErrBadAttr)
		}

		return WritebackHuge, 0, 0, nil

	case "idle":
		var (
			wbMax   int64
			idleMin = 1
		)

		if len(fields) > 3 {
			return 0, 0, 0, fmt.Errorf("writeback %q: %w", value, ErrBadAttr)
		}

		if len(fields) >= 2 {
			n, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil || n < 0 {
				return 0, 0, 0, fmt.Errorf("writeback %q: %w", value, ErrBadAttr)
			}

			wbMax = n
		}

		if len(fields) == 3 {
			n, err := strconv.Atoi(fields[2])
			if err != nil || n < 1 {
				return 0, 0, 0, fmt.Errorf("writeback %q: %w", value, ErrBadAttr)
			}

			idleMin = n
		}

		return WritebackIdle, wbMax, idleMin, nil

	default:
		return 0, 0, 0, fmt.Errorf("writeback %q: %w", value, ErrBadAttr)
	}
}

// parseMemSize parses a byte count with an optional K/M/G suffix.
func parseMemSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size: %w", ErrBadAttr)
	}

	mult := int64(1)

	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("size %q: %w", s, ErrBadAttr)
	}

	return n * mult, nil
}
