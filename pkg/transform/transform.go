// Package transform applies per-channel linear gain to a PCM stream.
// Reads stay frame aligned: trailing partial frames are carried between
// calls and completed on the next read.
package transform

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/CoolMicApp/libcoolmic-dsp/pkg/dsp"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/pcm"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/stream"
)

// Transform is a gain stage over interleaved 16-bit PCM.
type Transform struct {
	format pcm.Format

	mu sync.Mutex
	in *stream.Handle

	// carry holds the unaligned tail of the previous read.
	carry     [2*pcm.MaxChannels - 1]byte
	carryFill int

	gainScale uint16
	gain      [pcm.MaxChannels]uint16
}

// New creates a transform for the given format. Gain starts disabled
// (bypass).
func New(f pcm.Format) (*Transform, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("transform: %v: %w", f, dsp.ErrInval)
	}
	return &Transform{format: f}, nil
}

// Attach sets the upstream handle. The previous upstream reference is
// released; handle may be nil to detach.
func (t *Transform) Attach(h *stream.Handle) error {
	if t == nil {
		return dsp.ErrFault
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.in != nil {
		t.in.Close()
	}
	if h != nil {
		h.Ref()
	}
	t.in = h
	return nil
}

// SetMasterGain configures the per-channel gain as gain[c]/scale.
// len(gain) must match the channel count, be 1 (broadcast), or be 2 for
// a mono stream (the two values are averaged). scale of zero or a nil
// gain slice disables the stage (bypass).
func (t *Transform) SetMasterGain(scale uint16, gain []uint16) error {
	if t == nil {
		return dsp.ErrFault
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if scale == 0 || gain == nil {
		t.gainScale = 0
		return nil
	}

	switch {
	case len(gain) == t.format.Channels:
		t.gainScale = scale
		copy(t.gain[:], gain)
	case len(gain) == 1:
		t.gainScale = scale
		for c := 0; c < t.format.Channels; c++ {
			t.gain[c] = gain[0]
		}
	case len(gain) == 2 && t.format.Channels == 1:
		t.gainScale = scale
		t.gain[0] = uint16((uint32(gain[0]) + uint32(gain[1])) / 2)
	default:
		return fmt.Errorf("transform: %d gain values for %d channels: %w",
			len(gain), t.format.Channels, dsp.ErrInval)
	}
	return nil
}

// MasterGain returns the current scale and per-channel gain values. A
// zero scale means the stage is in bypass.
func (t *Transform) MasterGain() (scale uint16, gain []uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gainScale == 0 {
		return 0, nil
	}
	out := make([]uint16, t.format.Channels)
	copy(out, t.gain[:t.format.Channels])
	return t.gainScale, out
}

// process applies the gain in place to whole frames.
func (t *Transform) process(buf []byte, frames int) {
	if t.gainScale == 0 {
		return
	}
	for frame := 0; frame < frames; frame++ {
		for c := 0; c < t.format.Channels; c++ {
			off := (frame*t.format.Channels + c) * 2
			v := int64(int16(binary.LittleEndian.Uint16(buf[off:])))
			v *= int64(t.gain[c])
			v /= int64(t.gainScale)
			if v > 32767 {
				v = 32767
			} else if v < -32768 {
				v = -32768
			}
			binary.LittleEndian.PutUint16(buf[off:], uint16(int16(v)))
		}
	}
}

// read fills p with gain-processed frames. Only whole frames are
// returned; an unaligned tail is carried until the next call.
func (t *Transform) read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	frameSize := t.format.FrameSize()
	p = p[:len(p)-len(p)%frameSize]
	if len(p) == 0 {
		return 0, nil
	}

	done := 0
	if t.carryFill > 0 {
		// The target buffer holds at least one whole frame, so the
		// carry always fits.
		copy(p, t.carry[:t.carryFill])
		done = t.carryFill
		t.carryFill = 0
	}

	n, err := t.in.Read(p[done:])
	if err != nil && done == 0 {
		return 0, err
	}
	done += n

	if tail := done % frameSize; tail != 0 {
		copy(t.carry[:], p[done-tail:done])
		t.carryFill = tail
		done -= tail
	}

	t.process(p[:done], done/frameSize)
	return done, nil
}

// eof forwards to the upstream; the carry never holds a whole frame so
// it cannot satisfy another read by itself.
func (t *Transform) eof() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.in == nil {
		return true
	}
	return t.in.EOF()
}

// Output returns the processed-stream handle.
func (t *Transform) Output() (*stream.Handle, error) {
	if t == nil {
		return nil, dsp.ErrFault
	}
	return stream.New(t.read, t.eof, nil)
}

// Format returns the PCM format of the stage.
func (t *Transform) Format() pcm.Format {
	return t.format
}
