package snddev

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/CoolMicApp/libcoolmic-dsp/pkg/dsp"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/pcm"
)

// sineAmplitude matches the full-wave tables: just below int16 max so
// the waveform never clips.
const sineAmplitude = 32766

// sineRates are the sample rates a table can be built for. The 44.1 kHz
// rate shares the 44-sample table of 44 kHz.
var sineRates = map[int]int{
	8000:  8,
	16000: 16,
	24000: 24,
	32000: 32,
	44000: 44,
	44100: 44,
	48000: 48,
	96000: 96,
}

// sineDriver produces a precomputed 1 kHz full-wave sine on reads.
// Writes are discarded like the null driver.
type sineDriver struct {
	table []byte
	pos   int
}

func openSine(f pcm.Format, dir Direction) (driver, error) {
	if f.Channels != 1 {
		return nil, fmt.Errorf("snddev: sine is mono only: %w", dsp.ErrInval)
	}
	samples, ok := sineRates[f.Rate]
	if !ok {
		return nil, fmt.Errorf("snddev: sine rate %d: %w", f.Rate, dsp.ErrInval)
	}

	table := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(math.Round(sineAmplitude * math.Sin(2*math.Pi*float64(i)/float64(samples))))
		binary.LittleEndian.PutUint16(table[i*2:], uint16(v))
	}
	return &sineDriver{table: table}, nil
}

// read copies out of the table preserving phase across calls.
func (s *sineDriver) read(p []byte) (int, error) {
	todo := p

	if s.pos != 0 {
		n := copy(todo, s.table[s.pos:])
		todo = todo[n:]
		s.pos += n
		if s.pos == len(s.table) {
			s.pos = 0
		}
	}

	for len(todo) >= len(s.table) {
		copy(todo, s.table)
		todo = todo[len(s.table):]
	}

	if len(todo) > 0 {
		copy(todo, s.table[:len(todo)])
		s.pos = len(todo)
	}

	return len(p), nil
}

func (s *sineDriver) write(p []byte) (int, error) {
	return len(p), nil
}

func (s *sineDriver) close() error { return nil }
