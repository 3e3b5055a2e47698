package codec

import (
	"fmt"
	"sync"
)

// Stream is a borrowed compression workspace: one codec instance plus a
// compression scratch buffer sized for a single page.
//
// A Stream is owned by exactly one caller between [Streams.Get] and
// [Streams.Put]. Callers must release the stream before any operation
// that may block for a long time (the engine releases it before a
// blocking pool allocation and re-borrows afterwards, recompressing
// because the scratch contents were dropped with the stream).
type Stream struct {
	cod Codec
	buf []byte // compression output scratch, Bound(pageSize) bytes
}

// Compress compresses src into the stream's scratch buffer and returns
// a view of the compressed bytes. The view is valid until the next
// Compress call on this stream or until the stream is returned to its
// pool. A nil slice means src is incompressible.
func (s *Stream) Compress(src []byte) ([]byte, error) {
	n, err := s.cod.Compress(s.buf, src)
	if err != nil {
		return nil, fmt.Errorf("compress (%s): %w", s.cod.Name(), err)
	}

	if n == 0 {
		return nil, nil
	}

	return s.buf[:n], nil
}

// Decompress inflates src into dst.
func (s *Stream) Decompress(dst, src []byte) error {
	if err := s.cod.Decompress(dst, src); err != nil {
		return fmt.Errorf("decompress (%s): %w", s.cod.Name(), err)
	}

	return nil
}

// Name returns the underlying codec's algorithm name.
func (s *Stream) Name() string { return s.cod.Name() }

// Streams is a pool of compression workspaces for one algorithm.
// It is safe for concurrent use.
type Streams struct {
	factory  Factory
	pageSize int
	pool     sync.Pool
}

// NewStreams creates a stream pool producing codecs from factory,
// sized for pages of pageSize bytes.
func NewStreams(factory Factory, pageSize int) *Streams {
	return &Streams{factory: factory, pageSize: pageSize}
}

// Get borrows a stream. The returned stream must be released with
// [Streams.Put] on every path.
func (p *Streams) Get() (*Stream, error) {
	if v := p.pool.Get(); v != nil {
		if s, ok := v.(*Stream); ok {
			return s, nil
		}
	}

	cod, err := p.factory()
	if err != nil {
		return nil, fmt.Errorf("codec stream: %w", err)
	}

	return &Stream{
		cod: cod,
		buf: make([]byte, cod.Bound(p.pageSize)),
	}, nil
}

// Put returns a stream to the pool. Safe to call with nil.
func (p *Streams) Put(s *Stream) {
	if s == nil {
		return
	}

	p.pool.Put(s)
}
