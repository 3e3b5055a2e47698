// Package backing provides block stores for evicted cramdisk pages.
//
// A backing device is a flat sequence of fixed-size blocks addressed by
// block number. There is no on-media header: the block-number mapping
// lives only in the owning device's memory and dies with it. Block 0
// is reserved by the engine and never written.
//
// Two implementations are provided:
//   - [FileDev]: a regular file or block device, positioned I/O via
//     unix pread/pwrite, optionally opened O_DIRECT.
//   - [MemDev]: an in-memory store for tests.
package backing

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ncw/directio"
	"golang.org/x/sys/unix"
)

// BlockSize is the size of one backing block in bytes.
const BlockSize = 4096

// Device errors.
var (
	// ErrOutOfRange is returned for block numbers past the device end.
	ErrOutOfRange = errors.New("backing: block out of range")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("backing: device closed")
	// ErrMisaligned is returned for buffers that are not whole blocks.
	ErrMisaligned = errors.New("backing: buffer not block aligned")
)

// FileDev is a file-backed block store.
type FileDev struct {
	mu     sync.RWMutex
	f      *os.File
	blocks uint64
	direct bool
	path   string
}

// FileOption configures OpenFile.
type FileOption func(*fileOpts)

type fileOpts struct {
	direct bool
}

// WithDirectIO opens the file O_DIRECT. Buffers passed to a direct
// device must be allocated with [AlignedBuffer].
func WithDirectIO() FileOption {
	return func(o *fileOpts) { o.direct = true }
}

// AlignedBuffer returns a buffer of n bytes aligned for direct I/O.
func AlignedBuffer(n int) []byte {
	return directio.AlignedBlock(n)
}

// OpenFile opens path as a backing device. The file must already exist
// and its size (for block devices, the device size) determines the
// block count.
func OpenFile(path string, opts ...FileOption) (*FileDev, error) {
	var o fileOpts
	for _, opt := range opts {
		opt(&o)
	}

	var (
		f   *os.File
		err error
	)

	if o.direct {
		f, err = directio.OpenFile(path, os.O_RDWR, 0)
	} else {
		f, err = os.OpenFile(path, os.O_RDWR, 0) //nolint:gosec // path is operator-supplied
	}

	if err != nil {
		return nil, fmt.Errorf("open backing device: %w", err)
	}

	size, err := deviceSize(f)
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("size backing device %s: %w", path, err)
	}

	return &FileDev{
		f:      f,
		blocks: uint64(size) / BlockSize,
		direct: o.direct,
		path:   path,
	}, nil
}

// deviceSize returns the usable byte size of f: the block-device size
// for device nodes, the file size otherwise.
func deviceSize(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}

	if fi.Mode()&os.ModeDevice != 0 {
		size, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
		if err != nil {
			return 0, fmt.Errorf("BLKGETSIZE64: %w", err)
		}

		return int64(size), nil
	}

	return fi.Size(), nil
}

// NrBlocks returns the number of addressable blocks.
func (d *FileDev) NrBlocks() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.blocks
}

// Path returns the path the device was opened from.
func (d *FileDev) Path() string { return d.path }

// ReadBlock reads block blk into dst (exactly one block).
func (d *FileDev) ReadBlock(blk uint64, dst []byte) error {
	if len(dst) != BlockSize {
		return ErrMisaligned
	}

	return d.pio(blk, dst, false)
}

// WriteBlocks writes len(src)/BlockSize consecutive blocks starting at
// blk. src must be a whole number of blocks.
func (d *FileDev) WriteBlocks(blk uint64, src []byte) error {
	if len(src) == 0 || len(src)%BlockSize != 0 {
		return ErrMisaligned
	}

	return d.pio(blk, src, true)
}

func (d *FileDev) pio(blk uint64, buf []byte, write bool) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.f == nil {
		return ErrClosed
	}

	end := blk + uint64(len(buf))/BlockSize
	if end > d.blocks {
		return fmt.Errorf("%w: blocks [%d, %d) of %d", ErrOutOfRange, blk, end, d.blocks)
	}

	off := int64(blk) * BlockSize
	fd := int(d.f.Fd())

	// pread/pwrite may return short counts; loop until done.
	for len(buf) > 0 {
		var (
			n   int
			err error
		)

		if write {
			n, err = unix.Pwrite(fd, buf, off)
		} else {
			n, err = unix.Pread(fd, buf, off)
		}

		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return fmt.Errorf("backing pio at %d: %w", off, err)
		}

		if n == 0 {
			return fmt.Errorf("backing pio at %d: unexpected EOF", off)
		}

		buf = buf[n:]
		off += int64(n)
	}

	return nil
}

// Sync flushes written blocks to stable media.
func (d *FileDev) Sync() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.f == nil {
		return ErrClosed
	}

	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("sync backing device: %w", err)
	}

	return nil
}

// Close releases the underlying file.
func (d *FileDev) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.f == nil {
		return nil
	}

	err := d.f.Close()
	d.f = nil

	if err != nil {
		return fmt.Errorf("close backing device: %w", err)
	}

	return nil
}
