// Package pcm describes the raw audio format flowing between pipeline
// stages: interleaved signed 16-bit little-endian samples.
package pcm

import (
	"fmt"
	"time"
)

// Depth is the bit depth of all engine PCM data.
const Depth = 16

// MaxChannels is the highest channel count a Format accepts.
const MaxChannels = 8

// Format describes a PCM stream configuration.
type Format struct {
	Rate     int
	Channels int
}

// Valid reports whether the format is usable by the engine.
func (f Format) Valid() bool {
	return f.Rate > 0 && f.Channels >= 1 && f.Channels <= MaxChannels
}

// FrameSize returns the size of one frame in bytes.
func (f Format) FrameSize() int {
	return 2 * f.Channels
}

// BytesRate returns the byte rate of the audio data.
func (f Format) BytesRate() int {
	return f.Rate * f.FrameSize()
}

// SamplesInDuration returns the number of frames in the given duration.
func (f Format) SamplesInDuration(d time.Duration) int64 {
	return int64(time.Duration(f.Rate) * d / time.Second)
}

// BytesInDuration returns the number of bytes in the given duration.
func (f Format) BytesInDuration(d time.Duration) int64 {
	return f.SamplesInDuration(d) * int64(f.FrameSize())
}

// Duration returns the play time of the given number of bytes.
func (f Format) Duration(bytes int64) time.Duration {
	if f.BytesRate() == 0 {
		return 0
	}
	return time.Duration(bytes) * time.Second / time.Duration(f.BytesRate())
}

// String returns the MIME-style description of the format.
func (f Format) String() string {
	return fmt.Sprintf("audio/L16; rate=%d; channels=%d", f.Rate, f.Channels)
}
