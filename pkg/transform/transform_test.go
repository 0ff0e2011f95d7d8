package transform

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/CoolMicApp/libcoolmic-dsp/pkg/dsp"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/pcm"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/stream"
)

func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func bytesToSamples(buf []byte) []int16 {
	out := make([]int16, len(buf)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	return out
}

func byteHandle(t *testing.T, data []byte, chunk int) *stream.Handle {
	t.Helper()
	pos := 0
	h, err := stream.New(func(p []byte) (int, error) {
		if pos == len(data) {
			return 0, nil
		}
		n := chunk
		if n > len(p) {
			n = len(p)
		}
		if n > len(data)-pos {
			n = len(data) - pos
		}
		copy(p, data[pos:pos+n])
		pos += n
		return n, nil
	}, func() bool { return pos == len(data) }, nil)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestGainWithSaturation(t *testing.T) {
	// Gain 3/2 on mono input; the last sample saturates at 32767.
	tr, err := New(pcm.Format{Rate: 48000, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.SetMasterGain(2, []uint16{3}); err != nil {
		t.Fatal(err)
	}

	tr.Attach(byteHandle(t, samplesToBytes([]int16{10000, -20000, 30000}), 6))
	out, err := tr.Output()
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 6)
	n, err := out.Read(buf)
	if err != nil || n != 6 {
		t.Fatalf("Read = %d, %v", n, err)
	}

	got := bytesToSamples(buf)
	want := []int16{15000, -30000, 32767}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestNegativeSaturation(t *testing.T) {
	tr, _ := New(pcm.Format{Rate: 48000, Channels: 1})
	tr.SetMasterGain(1, []uint16{4})
	tr.Attach(byteHandle(t, samplesToBytes([]int16{-20000}), 2))
	out, _ := tr.Output()

	buf := make([]byte, 2)
	if n, err := out.Read(buf); n != 2 || err != nil {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if got := bytesToSamples(buf)[0]; got != -32768 {
		t.Errorf("sample = %d, want -32768", got)
	}
}

func TestBypassWithoutGain(t *testing.T) {
	tr, _ := New(pcm.Format{Rate: 48000, Channels: 2})
	in := samplesToBytes([]int16{100, -100, 32767, -32768})
	tr.Attach(byteHandle(t, in, 8))
	out, _ := tr.Output()

	buf := make([]byte, 8)
	n, err := out.Read(buf)
	if err != nil || n != 8 {
		t.Fatalf("Read = %d, %v", n, err)
	}
	for i := range in {
		if buf[i] != in[i] {
			t.Fatal("bypass modified samples")
		}
	}
}

func TestSetMasterGainMatrix(t *testing.T) {
	tests := []struct {
		name     string
		channels int
		gain     []uint16
		wantErr  bool
	}{
		{"exact match", 2, []uint16{1, 2}, false},
		{"broadcast", 2, []uint16{3}, false},
		{"stereo onto mono", 1, []uint16{2, 4}, false},
		{"mismatch", 2, []uint16{1, 2, 3}, true},
		{"stereo onto stereo pair of three", 3, []uint16{1, 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := New(pcm.Format{Rate: 48000, Channels: tt.channels})
			err := tr.SetMasterGain(10, tt.gain)
			if tt.wantErr {
				if !errors.Is(err, dsp.ErrInval) {
					t.Errorf("err = %v, want Inval", err)
				}
				return
			}
			if err != nil {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestStereoOntoMonoAverages(t *testing.T) {
	tr, _ := New(pcm.Format{Rate: 48000, Channels: 1})
	if err := tr.SetMasterGain(2, []uint16{2, 4}); err != nil {
		t.Fatal(err)
	}
	scale, gain := tr.MasterGain()
	if scale != 2 || len(gain) != 1 || gain[0] != 3 {
		t.Errorf("MasterGain() = %d, %v, want 2, [3]", scale, gain)
	}
}

func TestDisableGain(t *testing.T) {
	tr, _ := New(pcm.Format{Rate: 48000, Channels: 1})
	tr.SetMasterGain(2, []uint16{3})
	if err := tr.SetMasterGain(0, []uint16{3}); err != nil {
		t.Fatal(err)
	}
	if scale, _ := tr.MasterGain(); scale != 0 {
		t.Errorf("scale = %d after disable, want 0", scale)
	}
	if err := tr.SetMasterGain(2, nil); err != nil {
		t.Fatal(err)
	}
	if scale, _ := tr.MasterGain(); scale != 0 {
		t.Error("nil gain did not disable")
	}
}

// A delivery shorter than one frame returns nothing and the bytes are
// carried until the next call completes the frame.
func TestFrameAlignmentCarry(t *testing.T) {
	f := pcm.Format{Rate: 48000, Channels: 2}
	tr, _ := New(f)

	// The upstream stutters: 3 bytes, then a dry read, and so on.
	// Frames are 4 bytes, so every burst leaves a carried tail.
	in := samplesToBytes([]int16{1000, 2000, 3000, 4000})
	pos, dry := 0, false
	src, err := stream.New(func(p []byte) (int, error) {
		if dry {
			dry = false
			return 0, nil
		}
		if pos == len(in) {
			return 0, nil
		}
		dry = true
		n := 3
		if n > len(p) {
			n = len(p)
		}
		if n > len(in)-pos {
			n = len(in) - pos
		}
		copy(p, in[pos:pos+n])
		pos += n
		return n, nil
	}, func() bool { return pos == len(in) }, nil)
	if err != nil {
		t.Fatal(err)
	}
	tr.Attach(src)
	out, _ := tr.Output()

	var got []byte
	buf := make([]byte, 4)
	for len(got) < len(in) {
		n, err := out.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, buf[:n]...)
	}

	for i := range in {
		if got[i] != in[i] {
			t.Fatal("carried frames corrupted")
		}
	}
}

func TestShortBufferReturnsZero(t *testing.T) {
	f := pcm.Format{Rate: 48000, Channels: 2}
	tr, _ := New(f)
	tr.Attach(byteHandle(t, samplesToBytes([]int16{1, 2}), 4))
	out, _ := tr.Output()

	// A buffer smaller than one frame cannot make progress.
	buf := make([]byte, f.FrameSize()-1)
	n, err := out.Read(buf)
	if n != 0 || err != nil {
		t.Fatalf("Read = %d, %v, want 0, nil", n, err)
	}
}
