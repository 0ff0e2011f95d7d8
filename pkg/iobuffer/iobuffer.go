// Package iobuffer provides a bounded FIFO byte ring bridging a
// blocking producer to a non-blocking reader. One writer fills the ring
// via Iter, one reader drains it through the output handle; a single
// slot is kept as sentinel so full and empty are distinguishable.
package iobuffer

import (
	"fmt"

	"github.com/CoolMicApp/libcoolmic-dsp/pkg/dsp"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/stream"
)

// maxFill caps the number of bytes a single Iter pulls from upstream.
const maxFill = 8192

// Buffer is a single-producer single-consumer byte ring.
type Buffer struct {
	content []byte
	r, w    int

	in *stream.Handle
}

// New creates a ring of the given size. The usable capacity is size-1.
func New(size int) (*Buffer, error) {
	if size < 4 {
		return nil, fmt.Errorf("iobuffer: size %d too small: %w", size, dsp.ErrInval)
	}
	return &Buffer{content: make([]byte, size)}, nil
}

// Attach sets the upstream handle to fill from. The previous upstream
// reference is released; handle may be nil to detach.
func (b *Buffer) Attach(h *stream.Handle) error {
	if b == nil {
		return dsp.ErrFault
	}
	if b.in != nil {
		b.in.Close()
	}
	if h != nil {
		h.Ref()
	}
	b.in = h
	return nil
}

// Iter performs one non-blocking fill attempt: it reads from upstream
// into the largest contiguous free run of the ring. It returns Busy when
// the ring has no space and nil when upstream returned no data.
func (b *Buffer) Iter() error {
	if b == nil {
		return dsp.ErrFault
	}
	if b.in == nil {
		return dsp.ErrInval
	}

	// The free run ends either just before the reader or at the end of
	// the ring; one slot always stays unused.
	var end int
	switch {
	case b.r > b.w:
		end = b.r - 1
	case b.r > 0:
		end = len(b.content)
	default:
		end = len(b.content) - 1
	}

	space := end - b.w
	if space == 0 {
		return dsp.ErrBusy
	}
	if space > maxFill {
		space = maxFill
	}

	n, err := b.in.Read(b.content[b.w : b.w+space])
	if err != nil {
		return fmt.Errorf("iobuffer: fill: %w", err)
	}
	if n == 0 {
		return nil
	}

	b.w += n
	if b.w == len(b.content) {
		b.w = 0
	}
	return nil
}

// read copies out of the largest contiguous ready run.
func (b *Buffer) read(p []byte) (int, error) {
	end := b.w
	if b.r > b.w {
		end = len(b.content)
	}

	n := end - b.r
	if n > len(p) {
		n = len(p)
	}
	copy(p, b.content[b.r:b.r+n])

	b.r += n
	if b.r == len(b.content) {
		b.r = 0
	}
	return n, nil
}

// eof reports end of stream: the ring is empty and the upstream is gone
// or exhausted.
func (b *Buffer) eof() bool {
	if b.r != b.w {
		return false
	}
	if b.in == nil {
		return true
	}
	return b.in.EOF()
}

// Output returns the consumer-side handle of the ring.
func (b *Buffer) Output() (*stream.Handle, error) {
	if b == nil {
		return nil, dsp.ErrFault
	}
	return stream.New(b.read, b.eof, nil)
}
