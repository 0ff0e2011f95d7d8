package vumeter

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/CoolMicApp/libcoolmic-dsp/pkg/pcm"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/stream"
)

func pcmHandle(t *testing.T, data []byte) *stream.Handle {
	t.Helper()
	pos := 0
	h, err := stream.New(func(p []byte) (int, error) {
		n := copy(p, data[pos:])
		pos += n
		return n, nil
	}, func() bool { return pos == len(data) }, nil)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func sineBytes(frames int, amplitude float64) []byte {
	buf := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		v := int16(amplitude * 32767 * math.Sin(2*math.Pi*float64(i)/48))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func TestFullScaleSinePower(t *testing.T) {
	m, err := New(pcm.Format{Rate: 48000, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}
	m.Attach(pcmHandle(t, sineBytes(4800, 1.0)))

	for {
		n, err := m.Read(-1)
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			break
		}
	}

	r := m.Result()
	if r.Frames != 4800 {
		t.Errorf("frames = %d, want 4800", r.Frames)
	}
	if r.GlobalPeak < 32000 {
		t.Errorf("peak = %d, want near full scale", r.GlobalPeak)
	}
	// A full-scale sine sits at -3.01 dBFS.
	if math.Abs(r.GlobalPowerDB-(-3.01)) > 0.1 {
		t.Errorf("power = %.2f dB, want about -3.01", r.GlobalPowerDB)
	}
	if len(r.ChannelPowerDB) != 1 || math.Abs(r.ChannelPowerDB[0]-r.GlobalPowerDB) > 0.01 {
		t.Errorf("channel power = %v", r.ChannelPowerDB)
	}
}

func TestSilenceGivesZeroPeakAndMinusInfPower(t *testing.T) {
	m, _ := New(pcm.Format{Rate: 48000, Channels: 1})
	m.Attach(pcmHandle(t, make([]byte, 960)))

	if _, err := m.Read(-1); err != nil {
		t.Fatal(err)
	}

	r := m.Result()
	if r.GlobalPeak != 0 {
		t.Errorf("peak = %d for silence", r.GlobalPeak)
	}
	if !math.IsInf(r.GlobalPowerDB, -1) {
		t.Errorf("silence power = %v, want -Inf", r.GlobalPowerDB)
	}
}

func TestPerChannelSeparation(t *testing.T) {
	// Stereo: left at half scale, right silent.
	frames := 480
	buf := make([]byte, frames*4)
	for i := 0; i < frames; i++ {
		v := int16(16384 * math.Sin(2*math.Pi*float64(i)/48))
		binary.LittleEndian.PutUint16(buf[i*4:], uint16(v))
		binary.LittleEndian.PutUint16(buf[i*4+2:], 0)
	}

	m, _ := New(pcm.Format{Rate: 48000, Channels: 2})
	m.Attach(pcmHandle(t, buf))

	for {
		n, err := m.Read(-1)
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			break
		}
	}

	r := m.Result()
	if r.ChannelPeak[1] != 0 {
		t.Errorf("silent channel peak = %d", r.ChannelPeak[1])
	}
	if r.ChannelPeak[0] < 16000 {
		t.Errorf("left peak = %d", r.ChannelPeak[0])
	}
	if !math.IsInf(r.ChannelPowerDB[1], -1) {
		t.Errorf("silent channel power = %v", r.ChannelPowerDB[1])
	}
	if r.ChannelPowerDB[0] > -8 || r.ChannelPowerDB[0] < -10 {
		// Half scale sine: -6.02 (amplitude) - 3.01 (sine) dB.
		t.Errorf("left power = %.2f dB, want about -9.03", r.ChannelPowerDB[0])
	}
}

func TestResultResets(t *testing.T) {
	m, _ := New(pcm.Format{Rate: 48000, Channels: 1})
	m.Attach(pcmHandle(t, sineBytes(480, 1.0)))
	for {
		n, _ := m.Read(-1)
		if n == 0 {
			break
		}
	}

	first := m.Result()
	if first.Frames == 0 {
		t.Fatal("no frames accumulated")
	}

	second := m.Result()
	if second.Frames != 0 || second.GlobalPeak != 0 {
		t.Error("accumulator not reset after Result")
	}
	if second.Rate != 48000 || second.Channels != 1 {
		t.Error("format lost after reset")
	}
}

func TestMaxLenClamp(t *testing.T) {
	m, _ := New(pcm.Format{Rate: 48000, Channels: 1})
	m.Attach(pcmHandle(t, make([]byte, 64)))

	n, err := m.Read(10)
	if err != nil || n != 10 {
		t.Fatalf("Read(10) = %d, %v", n, err)
	}
}
