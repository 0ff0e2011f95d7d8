// Package stream provides the uniform byte-stream port connecting
// pipeline stages. Every stage exposes its output as a Handle; data only
// moves when a downstream consumer reads.
package stream

import (
	"sync/atomic"

	"github.com/CoolMicApp/libcoolmic-dsp/pkg/dsp"
)

// ReadFunc is one read step of a producer. It returns the number of
// bytes placed into p; (0, nil) means no data is available right now
// (end of stream if EOF also reports true).
type ReadFunc func(p []byte) (int, error)

// EOFFunc reports whether the producer has reached end of stream.
type EOFFunc func() bool

// Handle is a reference-counted read port on a pipeline stage. A stage
// hands out handles from its output; each holder must Close the handle
// when done. When the last reference is released the close hook runs,
// releasing the producing stage.
type Handle struct {
	refs    atomic.Int32
	read    ReadFunc
	eof     EOFFunc
	onClose func()
}

// New creates a handle. read is mandatory; eof may be nil, in which case
// the handle never reports end of stream. onClose runs exactly once when
// the last reference is released.
func New(read ReadFunc, eof EOFFunc, onClose func()) (*Handle, error) {
	if read == nil {
		return nil, dsp.ErrInval
	}
	h := &Handle{
		read:    read,
		eof:     eof,
		onClose: onClose,
	}
	h.refs.Store(1)
	return h, nil
}

// Ref takes an additional reference and returns the handle itself.
func (h *Handle) Ref() *Handle {
	h.refs.Add(1)
	return h
}

// Close releases one reference. The close hook fires when the last
// reference goes away.
func (h *Handle) Close() error {
	if h == nil {
		return dsp.ErrFault
	}
	if h.refs.Add(-1) == 0 {
		if h.onClose != nil {
			h.onClose()
		}
	}
	return nil
}

// Read fills p from the producer. It keeps invoking the underlying read
// step until p is full, the producer signals end of stream, or an error
// occurs. An error after partial progress returns the bytes accumulated
// so far. A zero-length read is a no-op.
func (h *Handle) Read(p []byte) (int, error) {
	if h == nil {
		return 0, dsp.ErrFault
	}
	if len(p) == 0 {
		return 0, nil
	}

	done := 0
	for len(p) > 0 {
		n, err := h.read(p)
		if err != nil {
			if done > 0 {
				return done, nil
			}
			return 0, err
		}
		if n == 0 {
			return done, nil
		}
		done += n
		p = p[n:]
	}
	return done, nil
}

// EOF reports whether the producer has reached end of stream. Once true
// with no further data available it stays true until teardown.
func (h *Handle) EOF() bool {
	if h == nil || h.eof == nil {
		return false
	}
	return h.eof()
}
