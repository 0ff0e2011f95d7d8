// Package tee duplicates one upstream byte stream to multiple
// independent consumers. All consumers observe the same byte sequence;
// each one advances its own offset over a shared sliding window that is
// compacted by the slowest reader.
package tee

import (
	"fmt"
	"sync"

	"github.com/CoolMicApp/libcoolmic-dsp/pkg/dsp"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/stream"
)

// MaxReaders is the maximum number of consumers of one tee.
const MaxReaders = 4

// Window slab bounds. Requests are clamped into this range to avoid
// both tiny reads and unbounded carry for stalled consumers.
const (
	minWindow = 1024
	maxWindow = 8192
)

// Tee is a 1-to-N fan-out stage.
type Tee struct {
	mu sync.Mutex

	readers    int
	nextReader int

	buf  []byte
	fill int

	in *stream.Handle

	offset [MaxReaders]int
}

// New creates a tee for the given number of consumers (1 to MaxReaders).
func New(readers int) (*Tee, error) {
	if readers < 1 || readers > MaxReaders {
		return nil, fmt.Errorf("tee: %d readers: %w", readers, dsp.ErrInval)
	}
	return &Tee{readers: readers}, nil
}

// Attach sets the upstream handle. The previous upstream reference is
// released; handle may be nil to detach.
func (t *Tee) Attach(h *stream.Handle) error {
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

// readjust grows the window toward the requested length (clamped into
// the slab bounds) and compacts it by the minimum consumer offset.
func (t *Tee) readjust(request int) {
	if request < minWindow {
		request = minWindow
	} else if request > maxWindow {
		request = maxWindow
	}

	if request > len(t.buf) {
		grown := make([]byte, request)
		copy(grown, t.buf[:t.fill])
		t.buf = grown
	}

	min := t.fill
	for i := 0; i < t.readers; i++ {
		if t.offset[i] < min {
			min = t.offset[i]
		}
	}

	if min > 0 {
		copy(t.buf, t.buf[min:t.fill])
		t.fill -= min
		for i := 0; i < t.readers; i++ {
			t.offset[i] -= min
		}
	}
}

// readPhy pulls more bytes from upstream into the window. It returns
// the number of new bytes; zero means upstream had nothing.
func (t *Tee) readPhy(request int) (int, error) {
	t.readjust(request)

	space := len(t.buf) - t.fill
	if space == 0 {
		// A stalled consumer pins compaction; once the slab is at its
		// bound there is nowhere left to read into.
		return 0, fmt.Errorf("tee: window full: %w", dsp.ErrNomem)
	}
	if space > request {
		space = request
	}

	n, err := t.in.Read(t.buf[t.fill : t.fill+space])
	if err != nil {
		return 0, fmt.Errorf("tee: fill: %w", err)
	}
	t.fill += n
	return n, nil
}

// read serves consumer index from the window, triggering physical reads
// as it catches up with the fill.
func (t *Tee) read(index int, p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	done := 0
	for len(p) > 0 {
		avail := t.fill - t.offset[index]
		if avail == 0 {
			n, err := t.readPhy(len(p))
			if err != nil || n == 0 {
				if done > 0 {
					return done, nil
				}
				return 0, err
			}
			avail = t.fill - t.offset[index]
		}

		if avail > len(p) {
			avail = len(p)
		}
		copy(p, t.buf[t.offset[index]:t.offset[index]+avail])
		t.offset[index] += avail
		done += avail
		p = p[avail:]
	}
	return done, nil
}

// eof reports end of stream for consumer index: its offset has drained
// the window and the upstream is gone or exhausted.
func (t *Tee) eof(index int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.offset[index] < t.fill {
		return false
	}
	if t.in == nil {
		return true
	}
	return t.in.EOF()
}

// Output returns the handle for consumer position index. Passing -1
// auto-assigns the next free position and advances the cursor. The
// handle keeps the tee alive until closed.
func (t *Tee) Output(index int) (*stream.Handle, error) {
	if t == nil {
		return nil, dsp.ErrFault
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if index == -1 {
		index = t.nextReader
	}
	if index < 0 || index >= t.readers {
		return nil, fmt.Errorf("tee: reader %d: %w", index, dsp.ErrInval)
	}
	t.nextReader = index + 1

	i := index
	return stream.New(
		func(p []byte) (int, error) { return t.read(i, p) },
		func() bool { return t.eof(i) },
		nil,
	)
}
