package stream

import (
	"errors"
	"testing"

	"github.com/CoolMicApp/libcoolmic-dsp/pkg/dsp"
)

func TestNewRequiresRead(t *testing.T) {
	if _, err := New(nil, nil, nil); !errors.Is(err, dsp.ErrInval) {
		t.Fatalf("New(nil) err = %v, want Inval", err)
	}
}

func TestReadLoopsUntilFull(t *testing.T) {
	// The producer hands out 3 bytes at a time; Read must keep going
	// until the caller's buffer is full.
	src := []byte("abcdefghij")
	pos := 0
	h, err := New(func(p []byte) (int, error) {
		if pos == len(src) {
			return 0, nil
		}
		n := 3
		if n > len(p) {
			n = len(p)
		}
		if n > len(src)-pos {
			n = len(src) - pos
		}
		copy(p, src[pos:pos+n])
		pos += n
		return n, nil
	}, func() bool { return pos == len(src) }, nil)
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 8)
	n, err := h.Read(buf)
	if err != nil || n != 8 {
		t.Fatalf("Read = %d, %v, want 8, nil", n, err)
	}
	if string(buf) != "abcdefgh" {
		t.Errorf("Read data = %q", buf)
	}

	n, err = h.Read(buf)
	if err != nil || n != 2 {
		t.Fatalf("second Read = %d, %v, want 2, nil", n, err)
	}
	if !h.EOF() {
		t.Error("EOF() = false after drain")
	}
}

func TestReadPartialBeforeError(t *testing.T) {
	calls := 0
	h, _ := New(func(p []byte) (int, error) {
		calls++
		if calls == 1 {
			p[0] = 'x'
			return 1, nil
		}
		return 0, dsp.ErrGeneric
	}, nil, nil)

	buf := make([]byte, 4)
	n, err := h.Read(buf)
	if n != 1 || err != nil {
		t.Fatalf("Read = %d, %v, want partial 1, nil", n, err)
	}

	if _, err := h.Read(buf); !errors.Is(err, dsp.ErrGeneric) {
		t.Fatalf("Read after error = %v, want Generic", err)
	}
}

func TestZeroLengthRead(t *testing.T) {
	h, _ := New(func(p []byte) (int, error) {
		t.Fatal("read function invoked for zero-length read")
		return 0, nil
	}, nil, nil)
	if n, err := h.Read(nil); n != 0 || err != nil {
		t.Fatalf("Read(nil) = %d, %v", n, err)
	}
}

func TestNilHandle(t *testing.T) {
	var h *Handle
	if _, err := h.Read(make([]byte, 1)); !errors.Is(err, dsp.ErrFault) {
		t.Errorf("nil Read err = %v, want Fault", err)
	}
	if h.EOF() {
		t.Error("nil EOF() = true")
	}
	if err := h.Close(); !errors.Is(err, dsp.ErrFault) {
		t.Errorf("nil Close err = %v, want Fault", err)
	}
}

func TestCloseHookFiresOnce(t *testing.T) {
	fired := 0
	h, _ := New(func(p []byte) (int, error) { return 0, nil }, nil, func() { fired++ })

	h.Ref()
	h.Close()
	if fired != 0 {
		t.Fatal("hook fired while references remain")
	}
	h.Close()
	if fired != 1 {
		t.Fatalf("hook fired %d times, want 1", fired)
	}
}

func TestNoEOFFunc(t *testing.T) {
	h, _ := New(func(p []byte) (int, error) { return 0, nil }, nil, nil)
	if h.EOF() {
		t.Error("handle without eof function reports EOF")
	}
}
