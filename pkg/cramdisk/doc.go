// Package cramdisk implements a compressed RAM block device engine.
//
// A [Device] presents a fixed number of 4 KiB logical pages. Pages
// written to the device are stored compressed in a compact memory pool;
// pages whose eight-byte lanes are all equal are stored as a single
// scalar, and pages that do not compress below the pool's huge-class
// size are kept as raw pages. Optionally, pages that compress poorly
// and have sat idle may be written back to an external backing device
// to free memory.
//
// # Basic Usage
//
//	dev, err := cramdisk.New(cramdisk.Options{})
//	if err != nil { ... }
//	defer cramdisk.Destroy(dev)
//
//	if err := dev.SetDisksize(64 << 20); err != nil { ... }
//
//	page := make([]byte, cramdisk.PageSize)
//	_, err = dev.WriteAt(page, 0)
//	_, err = dev.ReadAt(page, 0)
//
// # Concurrency
//
// All device methods are safe for concurrent use. The hot path takes
// no global lock: each page slot carries a one-bit spinlock in its
// flags word, and I/O to distinct pages proceeds in parallel.
// Configuration changes (SetDisksize, Reset, and the comp_algorithm
// and backing_dev attributes) take the device's init lock exclusively
// and wait out in-flight I/O. Tunables such as mem_limit and
// writeback_limit are updated without it.
//
// # Control Surface
//
// [Device.Set] and [Device.Get] expose the textual attribute surface
// (disksize, comp_algorithm, backing_dev, writeback, idle, mm_stat,
// ...) used by cramctl and tests; the accepted attribute names are the
// cases handled by Set and Get in control.go.
//
// # Error Handling
//
// Errors are classified with sentinel values and [errors.Is]:
// validation failures ([ErrInvalidIO], [ErrBadAttr]), resource
// exhaustion ([ErrOutOfMemory], [ErrLimit]), codec failures
// ([ErrCodec], surfaced as I/O errors on the affected page), backing
// device failures ([ErrBackingIO]), and lifecycle violations
// ([ErrConfigured], [ErrNotConfigured], [ErrBusy]).
package cramdisk
