package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// zstdCodec trades CPU for a better ratio than lz4. Each instance owns
// a single-threaded encoder/decoder pair so streams stay cheap.
type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func init() {
	Register("zstd", newZstd)
}

func newZstd() (Codec, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderConcurrency(1),
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (*zstdCodec) Name() string { return "zstd" }

// Bound mirrors the worst-case growth of a zstd frame over n input
// bytes (frame header plus per-block overhead).
func (*zstdCodec) Bound(n int) int { return n + (n >> 8) + 64 }

func (z *zstdCodec) Compress(dst, src []byte) (int, error) {
	out := z.enc.EncodeAll(src, dst[:0])
	if len(out) > len(dst) {
		// EncodeAll grew the buffer: the frame is bigger than the
		// bound, treat as incompressible.
		return 0, nil
	}

	if len(out) >= len(src) {
		return 0, nil
	}

	return len(out), nil
}

func (z *zstdCodec) Decompress(dst, src []byte) error {
	out, err := z.dec.DecodeAll(src, dst[:0])
	if err != nil {
		return fmt.Errorf("zstd decode: %w", err)
	}

	if len(out) != len(dst) {
		return fmt.Errorf("zstd decode: short output %d != %d", len(out), len(dst))
	}

	return nil
}
