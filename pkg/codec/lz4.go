package codec

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// lz4Codec compresses pages with LZ4 block compression. It is the
// default algorithm: fast enough to sit on the page-fault path.
type lz4Codec struct {
	c lz4.Compressor
}

func init() {
	Register("lz4", func() (Codec, error) {
		return &lz4Codec{}, nil
	})
}

func (*lz4Codec) Name() string { return "lz4" }

func (*lz4Codec) Bound(n int) int { return lz4.CompressBlockBound(n) }

func (z *lz4Codec) Compress(dst, src []byte) (int, error) {
	n, err := z.c.CompressBlock(src, dst)
	if err != nil {
		return 0, fmt.Errorf("lz4 block compress: %w", err)
	}

	// CompressBlock only returns 0 for incompressible input when dst is
	// smaller than CompressBlockBound; with a bound-sized dst it emits a
	// literal block at least as long as src. Both cases report 0.
	if n >= len(src) {
		return 0, nil
	}

	return n, nil
}

func (*lz4Codec) Decompress(dst, src []byte) error {
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return fmt.Errorf("lz4 block decompress: %w", err)
	}

	if n != len(dst) {
		return fmt.Errorf("lz4 block decompress: short output %d != %d", n, len(dst))
	}

	return nil
}
