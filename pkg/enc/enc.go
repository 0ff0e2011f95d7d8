// Package enc turns raw PCM into an Ogg-framed encoded bitstream. The
// encoder frame is codec agnostic: a codec backend provides start, stop
// and process hooks, and the frame pumps the resulting packets through
// the Ogg muxer page by page as the consumer reads.
package enc

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/CoolMicApp/libcoolmic-dsp/pkg/dsp"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/metadata"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/ogg"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/pcm"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/stream"
)

// Codec names accepted by New.
const (
	CodecVorbis = "vorbis"
	CodecOpus   = "opus"
)

type state int

const (
	stateNeedInit state = iota
	stateRunning
	stateEOF
	stateNeedReset
	stateNeedRestart
	stateNeedStop
)

// codec is the backend contract. start sets up codec internals and
// submits any header packets; process feeds more packets into the Ogg
// stream; stop tears the codec down. process returns dsp.ErrRetry when
// input is temporarily short; any other error is fatal.
type codec interface {
	start(e *Encoder) error
	stop(e *Encoder) error
	process(e *Encoder) error
}

// errDrained is the pump-internal signal that the consumer should see a
// zero-byte read right now: end of stream or a segment boundary.
var errDrained = errors.New("enc: drained")

// fatalOffset marks the page pump as broken; all subsequent reads fail.
const fatalOffset = -1

// Encoder is the codec-agnostic encoder frame.
type Encoder struct {
	mu sync.Mutex

	state  state
	format pcm.Format

	in *stream.Handle

	os *ogg.Stream
	og ogg.Page

	// offsetInPage tracks how much of the current page the consumer has
	// read; fatalOffset is the broken-pump sentinel.
	offsetInPage int

	// usePageFlush forces the next page requests to flush instead of a
	// normal pageout. Reset once the packet buffer drains.
	usePageFlush bool

	cb codec

	quality  float64
	metadata *metadata.Metadata
}

// New creates an encoder frame for the named codec.
func New(codecName string, f pcm.Format) (*Encoder, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("enc: %v: %w", f, dsp.ErrInval)
	}

	e := &Encoder{
		state:   stateNeedInit,
		format:  f,
		quality: 0.1,
	}

	switch codecName {
	case CodecVorbis:
		e.cb = newVorbisCodec()
	case CodecOpus:
		e.cb = newOpusCodec()
	default:
		return nil, fmt.Errorf("enc: unknown codec %q: %w", codecName, dsp.ErrNoSys)
	}
	return e, nil
}

// newSerial draws a random Ogg bitstream serial number.
func newSerial() int32 {
	var serial int32
	if err := binary.Read(rand.Reader, binary.LittleEndian, &serial); err != nil {
		serial = 1
	}
	return serial
}

// Attach sets the PCM input handle. The previous reference is released;
// handle may be nil to detach.
func (e *Encoder) Attach(h *stream.Handle) error {
	if e == nil {
		return dsp.ErrFault
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.in != nil {
		e.in.Close()
	}
	if h != nil {
		h.Ref()
	}
	e.in = h
	return nil
}

// Format returns the PCM input format.
func (e *Encoder) Format() pcm.Format { return e.format }

// start opens a fresh logical bitstream and runs the codec's start hook.
func (e *Encoder) start() error {
	dsp.Log().Info("enc: start request")

	if e.state != stateNeedInit {
		return fmt.Errorf("enc: start in wrong state: %w", dsp.ErrGeneric)
	}

	e.os = ogg.NewStream(newSerial())

	if err := e.cb.start(e); err != nil {
		dsp.Log().Error("enc: start failed", "error", err)
		return err
	}

	e.state = stateRunning
	return nil
}

// stop tears the codec down and discards the Ogg stream state.
func (e *Encoder) stop() error {
	dsp.Log().Info("enc: stop request")

	if err := e.cb.stop(e); err != nil {
		dsp.Log().Error("enc: stop failed", "error", err)
		return err
	}

	e.os = nil
	e.state = stateNeedInit
	return nil
}

// needNewPage advances the page pump until a new page is buffered.
// It returns nil when a page is ready, errDrained when the consumer
// should see zero bytes (end of stream or segment boundary),
// dsp.ErrRetry when input is temporarily short, and any other error on
// fatal failure (the sentinel is set before returning).
func (e *Encoder) needNewPage() error {
	pageout := func(pg *ogg.Page) bool { return e.os.PageOut(pg) }
	if e.usePageFlush {
		pageout = func(pg *ogg.Page) bool { return e.os.Flush(pg) }
	}

	if e.state == stateNeedInit {
		if err := e.start(); err != nil {
			e.offsetInPage = fatalOffset
			return err
		}
		if e.usePageFlush {
			pageout = func(pg *ogg.Page) bool { return e.os.Flush(pg) }
		}
	}

	if e.state == stateEOF && e.og.EOS() {
		return errDrained
	}

	if e.state == stateNeedStop && e.og.EOS() {
		if err := e.stop(); err != nil {
			e.offsetInPage = fatalOffset
			return err
		}
		e.state = stateEOF
		return errDrained
	}

	if e.state == stateNeedRestart && e.og.EOS() {
		e.state = stateNeedReset
	}

	for !pageout(&e.og) {
		// The packet buffer is drained; any forced flush is spent.
		e.usePageFlush = false
		pageout = func(pg *ogg.Page) bool { return e.os.PageOut(pg) }

		if e.state == stateNeedReset {
			if err := e.stop(); err != nil {
				e.offsetInPage = fatalOffset
				return err
			}
			if err := e.start(); err != nil {
				e.offsetInPage = fatalOffset
				return err
			}
			return errDrained
		}

		if err := e.cb.process(e); err != nil {
			if errors.Is(err, dsp.ErrRetry) {
				return dsp.ErrRetry
			}
			e.offsetInPage = fatalOffset
			return err
		}
		if e.usePageFlush {
			pageout = func(pg *ogg.Page) bool { return e.os.Flush(pg) }
		}
	}

	e.offsetInPage = 0
	return nil
}

// read drains the current page to the consumer, pumping a new page when
// the previous one is spent.
func (e *Encoder) read(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.offsetInPage == fatalOffset {
		return 0, fmt.Errorf("enc: pump broken: %w", dsp.ErrGeneric)
	}

	if e.state == stateNeedInit || e.offsetInPage == e.og.Len() {
		err := e.needNewPage()
		if e.og.EOS() && e.state != stateRunning {
			e.state = stateEOF
		}
		switch {
		case errors.Is(err, errDrained):
			return 0, nil
		case errors.Is(err, dsp.ErrRetry):
			// Transient: no bytes now, the consumer may read again.
			return 0, nil
		case err != nil:
			return 0, err
		}
	}

	header := e.og.Header
	if e.offsetInPage < len(header) {
		n := copy(p, header[e.offsetInPage:])
		e.offsetInPage += n
		return n, nil
	}

	offset := e.offsetInPage - len(header)
	n := copy(p, e.og.Body[offset:])
	e.offsetInPage += n
	return n, nil
}

// eof reports end of stream: the final page is drained and the encoder
// has reached its terminal state.
func (e *Encoder) eof() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offsetInPage == e.og.Len() && e.state == stateEOF
}

// Output returns the encoded-bitstream handle.
func (e *Encoder) Output() (*stream.Handle, error) {
	if e == nil {
		return nil, dsp.ErrFault
	}
	return stream.New(e.read, e.eof, nil)
}

// Reset forces a full stream restart: the current bitstream is closed
// with an EOS page (dropping pages the consumer has not read yet) and a
// fresh bitstream with a new serial number starts. The EOS page stays
// buffered so the consumer observes the stream boundary.
func (e *Encoder) Reset() error {
	if e == nil {
		return dsp.ErrFault
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	dsp.Log().Info("enc: reset request")

	if e.state != stateRunning && e.state != stateEOF {
		return fmt.Errorf("enc: reset in wrong state: %w", dsp.ErrGeneric)
	}

	e.state = stateEOF

	for e.needNewPage() == nil {
		if e.og.EOS() {
			break
		}
	}

	e.state = stateNeedReset
	e.needNewPage()

	return nil
}

// Restart requests a soft restart: the current page group is finished
// and delivered before the bitstream restarts under a new serial number.
func (e *Encoder) Restart() error {
	if e == nil {
		return dsp.ErrFault
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateRunning && e.state != stateEOF {
		return fmt.Errorf("enc: restart in wrong state: %w", dsp.ErrGeneric)
	}
	e.state = stateNeedRestart
	return nil
}

// Stop requests the encoder to finish the current page group and stop.
func (e *Encoder) Stop() error {
	if e == nil {
		return dsp.ErrFault
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case stateRunning, stateEOF, stateNeedReset, stateNeedRestart:
		e.state = stateNeedStop
		return nil
	}
	return dsp.ErrBusy
}

// Quality returns the configured encoding quality.
func (e *Encoder) Quality() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quality
}

// SetQuality sets the encoding quality in [-0.1, 1.0]. It takes effect
// on the next codec start.
func (e *Encoder) SetQuality(q float64) error {
	if e == nil {
		return dsp.ErrFault
	}
	if q < -0.1 || q > 1.0 {
		return fmt.Errorf("enc: quality %v out of range: %w", q, dsp.ErrInval)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quality = q
	return nil
}

// Metadata returns the attached metadata store, which may be nil.
func (e *Encoder) Metadata() *metadata.Metadata {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metadata
}

// SetMetadata attaches a metadata store whose tags are written into the
// comment header on the next codec start. nil detaches.
func (e *Encoder) SetMetadata(md *metadata.Metadata) error {
	if e == nil {
		return dsp.ErrFault
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metadata = md
	return nil
}
