package cramdisk

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Geometry constants. The device's logical and physical block size is
// one page; requests are addressed in 512-byte sectors.
const (
	// PageSize is the logical page size in bytes.
	PageSize = 4096
	// PageShift is log2(PageSize).
	PageShift = 12

	// SectorSize is the request addressing unit in bytes.
	SectorSize = 512
	// SectorShift is log2(SectorSize).
	SectorShift = 9

	// sectorsPerPage is the number of sectors in one page.
	sectorsPerPage = PageSize / SectorSize
)

// idleMax is the saturation point of a slot's idle counter.
const idleMax = 15

// maxWritebackPages is the staging capacity of one writeback batch.
const maxWritebackPages = 32

// defaultCompLowPercent is the compression-savings threshold below
// which a slot is flagged as a writeback candidate. A page of size s
// saves (PageSize-s)/PageSize*100 percent; under the threshold the
// slot gets the low-compression flag.
const defaultCompLowPercent = 25

// Pool is the compact allocator holding compressed payloads.
//
// Alloc's mayBlock distinguishes the engine's two allocation phases: a
// fast attempt made while a compression stream is borrowed, and a
// blocking retry made after the stream has been released. Map returns
// a view of at least the allocated size that stays valid until Free.
type Pool interface {
	Alloc(size int, mayBlock bool) (handle uint64, err error)
	Free(handle uint64)
	Map(handle uint64) []byte
	TotalPages() int64
	Compact() int64
	HugeClassSize() int
}

// Entry references one compressed payload in the pool. Entries are
// shared between slots only when deduplication is enabled; without it
// every entry has exactly one referring slot.
type Entry struct {
	// Handle is the pool handle of the payload.
	Handle uint64
	// Size is the stored byte length (1..PageSize).
	Size int
	// Checksum is the xxh3 of the original page; only meaningful when
	// deduplication is enabled.
	Checksum uint64

	refs atomic.Int32
}

// NewEntry creates an entry with a single reference.
func NewEntry(handle uint64, size int, checksum uint64) *Entry {
	e := &Entry{Handle: handle, Size: size, Checksum: checksum}
	e.refs.Store(1)

	return e
}

// Ref acquires an additional reference.
func (e *Entry) Ref() { e.refs.Add(1) }

// Unref drops one reference and reports the remaining count.
func (e *Entry) Unref() int32 { return e.refs.Add(-1) }

// Refs returns the current reference count.
func (e *Entry) Refs() int32 { return e.refs.Load() }

// Dedup is the optional content-deduplication index. Implementations
// serialise Find, Insert and Release internally; while dedup is
// enabled, entry refcounts change only under that serialisation.
//
// Find returns a referenced entry whose payload matches the page being
// stored, or nil. match is called with no slot lock held (the device's
// init lock is held for read) and
// reports whether a candidate's payload equals the page (the
// verification copy). Release drops one reference and reports whether
// the caller must free the payload; it also accepts entries that were
// never inserted (huge pages are not indexed).
type Dedup interface {
	Checksum(page []byte) uint64
	Find(checksum uint64, match func(*Entry) bool) *Entry
	Insert(e *Entry)
	Release(e *Entry) (freed bool)
	DupBytes() int64
}

// BackingDev is the external block device used for writeback. Blocks
// are PageSize bytes; WriteBlocks stores a contiguous run starting at
// blk and is followed by Sync for batch durability.
type BackingDev interface {
	NrBlocks() uint64
	ReadBlock(blk uint64, dst []byte) error
	WriteBlocks(blk uint64, src []byte) error
	Sync() error
	Close() error
}

// Op is a block request operation.
type Op uint8

// Block request operations.
const (
	OpRead Op = iota
	OpWrite
	OpDiscard
	OpWriteZeroes
)

// String returns the operation mnemonic.
func (op Op) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpDiscard:
		return "discard"
	case OpWriteZeroes:
		return "write_zeroes"
	default:
		return "unknown"
	}
}

// BlockRequest is one request against the block surface. Sector is in
// SectorSize units. Data carries the payload for reads and writes; for
// OpDiscard and OpWriteZeroes, Length gives the byte count and Data is
// ignored.
type BlockRequest struct {
	Op     Op
	Sector uint64
	Data   []byte
	Length int
}

// Options configure a new device. The zero value is usable: lz4
// compression, a fresh mempool, no dedup, no backing device, discard
// logging.
type Options struct {
	// Algorithm is the initial codec name (default "lz4"). It can be
	// changed via the comp_algorithm attribute until the device is
	// configured.
	Algorithm string

	// Pool overrides the compact allocator (default: a new mempool).
	Pool Pool

	// Dedup enables content deduplication when non-nil.
	Dedup Dedup

	// Backing attaches a backing device at creation. It can also be
	// attached later via the backing_dev attribute.
	Backing BackingDev

	// CompLowPercent overrides the low-compression threshold
	// (default 25).
	CompLowPercent int

	// Logger receives warnings and writeback progress. Defaults to a
	// discard logger.
	Logger logrus.FieldLogger
}
