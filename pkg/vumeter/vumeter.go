// Package vumeter aggregates level telemetry over a PCM stream:
// per-channel peak and RMS power plus the pooled global values.
package vumeter

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/CoolMicApp/libcoolmic-dsp/pkg/dsp"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/pcm"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/stream"
)

// scratchFrames sizes the internal read buffer.
const scratchFrames = 2048

// Result is one measurement window. Power values are in dB relative to
// full scale, clamped to 0 dB.
type Result struct {
	Rate     int
	Channels int

	// Frames is the number of frames accumulated in this window.
	Frames int64

	GlobalPeak    int16
	GlobalPowerDB float64

	ChannelPeak    []int16
	ChannelPowerDB []float64
}

// Meter accumulates peak and power over reads and reports on demand.
type Meter struct {
	format pcm.Format

	mu sync.Mutex
	in *stream.Handle

	buf []byte

	// carry holds an unaligned partial frame between reads.
	carry     []byte
	carryFill int

	frames     int64
	globalPeak int16
	peak       []int16
	sumSq      []float64
}

// New creates a meter for the given format.
func New(f pcm.Format) (*Meter, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("vumeter: %v: %w", f, dsp.ErrInval)
	}
	return &Meter{
		format: f,
		buf:    make([]byte, scratchFrames*f.FrameSize()),
		carry:  make([]byte, f.FrameSize()),
		peak:   make([]int16, f.Channels),
		sumSq:  make([]float64, f.Channels),
	}, nil
}

// Attach sets the upstream handle. The previous reference is released;
// handle may be nil to detach.
func (m *Meter) Attach(h *stream.Handle) error {
	if m == nil {
		return dsp.ErrFault
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.in != nil {
		m.in.Close()
	}
	if h != nil {
		h.Ref()
	}
	m.in = h
	return nil
}

// Read pulls up to maxLen bytes of PCM from upstream and folds them into
// the accumulator. A maxLen of -1 uses the internal buffer size. It
// returns the number of bytes consumed.
func (m *Meter) Read(maxLen int) (int, error) {
	if m == nil {
		return 0, dsp.ErrFault
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if maxLen < 0 || maxLen > len(m.buf) {
		maxLen = len(m.buf)
	}

	n, err := m.in.Read(m.buf[:maxLen])
	if err != nil {
		return 0, fmt.Errorf("vumeter: read: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	m.accumulate(m.buf[:n])
	return n, nil
}

// accumulate walks whole frames, carrying an unaligned tail.
func (m *Meter) accumulate(data []byte) {
	frameSize := m.format.FrameSize()

	if m.carryFill > 0 {
		need := frameSize - m.carryFill
		if need > len(data) {
			m.carryFill += copy(m.carry[m.carryFill:], data)
			return
		}
		copy(m.carry[m.carryFill:], data[:need])
		data = data[need:]
		m.carryFill = 0
		m.accumulateFrames(m.carry[:frameSize])
	}

	tail := len(data) % frameSize
	m.accumulateFrames(data[:len(data)-tail])
	if tail > 0 {
		m.carryFill = copy(m.carry, data[len(data)-tail:])
	}
}

func (m *Meter) accumulateFrames(data []byte) {
	frameSize := m.format.FrameSize()
	for off := 0; off < len(data); off += frameSize {
		for c := 0; c < m.format.Channels; c++ {
			s := int16(binary.LittleEndian.Uint16(data[off+c*2:]))

			abs := s
			if abs == math.MinInt16 {
				abs = math.MaxInt16
			} else if abs < 0 {
				abs = -abs
			}
			if abs > m.peak[c] {
				m.peak[c] = abs
			}
			if abs > m.globalPeak {
				m.globalPeak = abs
			}

			m.sumSq[c] += float64(s) * float64(s)
		}
		m.frames++
	}
}

// powerDB converts a mean square to dB full scale, clamped to 0.
func powerDB(sumSq float64, samples int64) float64 {
	if samples == 0 {
		return 0
	}
	db := 20 * math.Log10(math.Sqrt(sumSq/float64(samples))/32768)
	if db > 0 {
		return 0
	}
	return db
}

// Result returns the current window and resets the accumulator.
func (m *Meter) Result() Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := Result{
		Rate:           m.format.Rate,
		Channels:       m.format.Channels,
		Frames:         m.frames,
		GlobalPeak:     m.globalPeak,
		ChannelPeak:    make([]int16, m.format.Channels),
		ChannelPowerDB: make([]float64, m.format.Channels),
	}
	copy(r.ChannelPeak, m.peak)

	var total float64
	for c := 0; c < m.format.Channels; c++ {
		r.ChannelPowerDB[c] = powerDB(m.sumSq[c], m.frames)
		total += m.sumSq[c]
	}
	r.GlobalPowerDB = powerDB(total, m.frames*int64(m.format.Channels))

	m.frames = 0
	m.globalPeak = 0
	for c := range m.peak {
		m.peak[c] = 0
		m.sumSq[c] = 0
	}

	return r
}
