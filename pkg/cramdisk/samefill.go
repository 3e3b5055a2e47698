package cramdisk

import (
	"encoding/binary"
	"sync"
)

// pagePool recycles full-page scratch buffers used for partial I/O and
// same-fill materialisation.
var pagePool = sync.Pool{
	New: func() any {
		b := make([]byte, PageSize)

		return &b
	},
}

func getPage() *[]byte { return pagePool.Get().(*[]byte) } //nolint:forcetypeassert // pool only holds *[]byte

func putPage(p *[]byte) { pagePool.Put(p) }

// samePageValue reports whether every eight-byte lane of the page
// equals the first one, returning that scalar on success.
func samePageValue(page []byte) (uint64, bool) {
	v := binary.LittleEndian.Uint64(page)

	for off := 8; off < PageSize; off += 8 {
		if binary.LittleEndian.Uint64(page[off:]) != v {
			return 0, false
		}
	}

	return v, true
}

// fillPage writes the scalar v across every eight-byte lane of dst.
func fillPage(dst []byte, v uint64) {
	for off := 0; off+8 <= len(dst); off += 8 {
		binary.LittleEndian.PutUint64(dst[off:], v)
	}
}
