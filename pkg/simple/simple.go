// Package simple drives a complete streaming session: it owns the
// pipeline stages, runs the background worker that pumps data into the
// network sink, swaps segments, reconnects with back-off and delivers
// events to the client callback.
package simple

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CoolMicApp/libcoolmic-dsp/pkg/dsp"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/enc"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/metadata"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/pcm"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/shout"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/snddev"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/stream"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/tee"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/transform"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/vumeter"
)

// State is the lifecycle state of a session.
type State int

const (
	StateStopped State = iota
	StateStarted
	StateStopping
	StateLost
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	case StateLost:
		return "lost"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Reconnection profile names.
const (
	ProfileDisabled = "disabled"
	ProfileEnabled  = "enabled"
	ProfileFlat     = "flat"
	ProfileDefault  = "default"
)

// flatBackoff is the constant back-off of the "flat" profile.
const flatBackoff = 10 * time.Second

// reconnectQuantum bounds one back-off nap so stop requests are seen
// promptly.
const reconnectQuantum = 250 * time.Millisecond

// defaultVUMeterInterval is how many worker iterations make one VU
// reporting window.
const defaultVUMeterInterval = 4

// Session is one streaming session. All methods are safe for concurrent
// use; at most one worker goroutine runs per session.
type Session struct {
	id uuid.UUID

	mu sync.Mutex

	state State

	codec      string
	format     pcm.Format
	bufferHint int

	callback Callback

	reconnectFlat bool

	vuInterval int

	quality   float64
	gainScale uint16
	gain      []uint16

	metadata *metadata.Metadata
	sink     *shout.Shout

	pending []*Segment
	current *Segment

	// Pipeline stages of the current segment; nil when disconnected or
	// for file segments (which wire the file handle straight in).
	dev    *snddev.Device
	trans  *transform.Transform
	fan    *tee.Tee
	enc    *enc.Encoder
	vu     *vumeter.Meter
	encOut *stream.Handle

	needReset bool

	workerDone chan struct{}
}

// New creates a session for the given codec and PCM format. The network
// configuration is copied; pipeline stages are built when a segment
// connects.
func New(codecName string, f pcm.Format, bufferHint int, conf *shout.Config) (*Session, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("simple: %v: %w", f, dsp.ErrInval)
	}

	s := &Session{
		id:         uuid.New(),
		codec:      codecName,
		format:     f,
		bufferHint: bufferHint,
		vuInterval: defaultVUMeterInterval,
		quality:    0.1,
		metadata:   metadata.New(),
		sink:       shout.New(),
	}
	if err := s.sink.SetConfig(conf); err != nil {
		return nil, err
	}
	return s, nil
}

// ID returns the session identifier used in logs and telemetry.
func (s *Session) ID() uuid.UUID { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetCallback installs the event callback.
func (s *Session) SetCallback(cb Callback) error {
	if s == nil {
		return dsp.ErrFault
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = cb
	return nil
}

// SetReconnectionProfile selects the back-off policy applied after the
// connection is lost. Unknown names silently disable reconnection.
func (s *Session) SetReconnectionProfile(name string) error {
	if s == nil {
		return dsp.ErrFault
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch name {
	case ProfileEnabled, ProfileFlat:
		s.reconnectFlat = true
	default:
		s.reconnectFlat = false
	}
	return nil
}

// SetVUMeterInterval sets how many worker iterations make one VU
// reporting window. Zero disables reporting.
func (s *Session) SetVUMeterInterval(n int) error {
	if s == nil {
		return dsp.ErrFault
	}
	if n < 0 {
		return dsp.ErrInval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vuInterval = n
	return nil
}

// SetQuality sets the encoder quality, applied to the live encoder and
// remembered for future segments.
func (s *Session) SetQuality(q float64) error {
	if s == nil {
		return dsp.ErrFault
	}
	if q < -0.1 || q > 1.0 {
		return fmt.Errorf("simple: quality %v: %w", q, dsp.ErrInval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quality = q
	if s.enc != nil {
		return s.enc.SetQuality(q)
	}
	return nil
}

// Quality returns the configured encoder quality.
func (s *Session) Quality() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality
}

// SetMasterGain sets the transform gain, applied to the live transform
// and remembered for future segments.
func (s *Session) SetMasterGain(scale uint16, gain []uint16) error {
	if s == nil {
		return dsp.ErrFault
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gainScale = scale
	s.gain = append([]uint16(nil), gain...)
	if gain == nil {
		s.gain = nil
	}
	if s.trans != nil {
		return s.trans.SetMasterGain(scale, s.gain)
	}
	return nil
}

// Metadata returns the session's metadata store. Tags take effect on the
// next encoder start.
func (s *Session) Metadata() *metadata.Metadata {
	return s.metadata
}

// QueueSegment appends a segment to the pending queue.
func (s *Session) QueueSegment(sg *Segment) error {
	if s == nil || sg == nil {
		return dsp.ErrFault
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, sg)
	return nil
}

// popSegment takes the next pending segment. Caller holds the lock.
func (s *Session) popSegment() *Segment {
	if len(s.pending) == 0 {
		return nil
	}
	sg := s.pending[0]
	s.pending = s.pending[1:]
	return sg
}

// RequestReset asks the worker to restart the encoder bitstream at the
// next opportunity.
func (s *Session) RequestReset() error {
	if s == nil {
		return dsp.ErrFault
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.needReset = true
	return nil
}

// emit delivers an event with the session lock released.
func (s *Session) emit(event Event, arg any) {
	s.mu.Lock()
	cb := s.callback
	s.mu.Unlock()
	if cb != nil {
		cb(s, event, arg)
	}
}

// emitConnectionError pairs every connection error with a preceding error event
// carrying the same code.
func (s *Session) emitConnectionError(err error) {
	s.emit(EventError, err)
	s.emit(EventStreamState, StreamStateChange{State: StreamStateConnectionError, Err: err})
}

// Start launches the worker. Starting a running session is a no-op.
func (s *Session) Start() error {
	if s == nil {
		return dsp.ErrFault
	}
	s.mu.Lock()
	if s.state == StateStarted || s.state == StateLost || s.state == StateStopping {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStarted
	s.workerDone = make(chan struct{})
	go s.worker()
	s.mu.Unlock()

	s.emit(EventThreadStart, nil)
	return nil
}

// Stop requests the worker to exit and joins it. After Stop returns no
// further events are emitted for this session.
func (s *Session) Stop() error {
	if s == nil {
		return dsp.ErrFault
	}
	s.mu.Lock()
	if s.state == StateStopped || s.state == StateError {
		done := s.workerDone
		s.mu.Unlock()
		if done != nil {
			<-done
		}
		return nil
	}
	s.state = StateStopping
	done := s.workerDone
	s.mu.Unlock()

	s.emit(EventThreadStop, nil)
	if done != nil {
		<-done
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	return nil
}

// Close stops the session and tears the pipeline down.
func (s *Session) Close() error {
	if s == nil {
		return dsp.ErrFault
	}
	s.Stop()
	s.mu.Lock()
	s.segmentDisconnectLocked()
	for _, sg := range s.pending {
		sg.close()
	}
	s.pending = nil
	s.mu.Unlock()
	return nil
}

// segmentConnectLocked wires the given segment into the network sink.
// Caller holds the lock.
func (s *Session) segmentConnectLocked(sg *Segment) error {
	switch sg.kind {
	case PipelineLive:
		return s.connectLiveLocked(sg)
	case PipelineFileSimple:
		return s.connectFileLocked(sg)
	}
	return fmt.Errorf("simple: pipeline kind %d: %w", sg.kind, dsp.ErrInval)
}

func (s *Session) connectLiveLocked(sg *Segment) error {
	dev, err := snddev.Open(sg.driver, sg.device, s.format, snddev.DirCapture, s.bufferHint)
	if err != nil {
		return err
	}

	trans, err := transform.New(s.format)
	if err != nil {
		dev.Close()
		return err
	}
	if s.gainScale != 0 {
		trans.SetMasterGain(s.gainScale, s.gain)
	}

	fan, err := tee.New(2)
	if err != nil {
		dev.Close()
		return err
	}

	encoder, err := enc.New(s.codec, s.format)
	if err != nil {
		dev.Close()
		return err
	}
	encoder.SetQuality(s.quality)
	encoder.SetMetadata(s.metadata)

	vu, err := vumeter.New(s.format)
	if err != nil {
		dev.Close()
		return err
	}

	// Wire the graph: capture -> transform -> tee -> {encoder, vu};
	// each stage takes its own reference on attach.
	h := dev.Handle()
	trans.Attach(h)
	h.Close()

	h, err = trans.Output()
	if err != nil {
		dev.Close()
		return err
	}
	fan.Attach(h)
	h.Close()

	h, err = fan.Output(0)
	if err != nil {
		dev.Close()
		return err
	}
	encoder.Attach(h)
	h.Close()

	h, err = fan.Output(1)
	if err != nil {
		dev.Close()
		return err
	}
	vu.Attach(h)
	h.Close()

	encOut, err := encoder.Output()
	if err != nil {
		dev.Close()
		return err
	}
	s.sink.Attach(encOut)

	s.dev = dev
	s.trans = trans
	s.fan = fan
	s.enc = encoder
	s.vu = vu
	s.encOut = encOut
	s.current = sg

	dsp.Log().Info("simple: live segment connected",
		"session", s.id, "driver", sg.driver, "device", sg.device)
	return nil
}

func (s *Session) connectFileLocked(sg *Segment) error {
	if sg.handle != nil {
		s.sink.Attach(sg.handle)
		s.current = sg
		dsp.Log().Info("simple: file segment connected", "session", s.id)
		return nil
	}

	dev, err := snddev.Open(snddev.DriverStdio, sg.device, s.format, snddev.DirCapture, s.bufferHint)
	if err != nil {
		return err
	}
	h := dev.Handle()
	s.sink.Attach(h)
	h.Close()

	s.dev = dev
	s.current = sg

	dsp.Log().Info("simple: file segment connected",
		"session", s.id, "device", sg.device)
	return nil
}

// segmentDisconnectLocked detaches every handle in reverse order and
// releases all stage references. Caller holds the lock.
func (s *Session) segmentDisconnectLocked() {
	if s.current == nil {
		return
	}

	s.sink.Attach(nil)

	if s.vu != nil {
		s.vu.Attach(nil)
		s.vu = nil
	}
	if s.enc != nil {
		s.enc.Attach(nil)
		s.enc = nil
	}
	if s.encOut != nil {
		s.encOut.Close()
		s.encOut = nil
	}
	if s.fan != nil {
		s.fan.Attach(nil)
		s.fan = nil
	}
	if s.trans != nil {
		s.trans.Attach(nil)
		s.trans = nil
	}
	if s.dev != nil {
		s.dev.Close()
		s.dev = nil
	}

	s.current.close()
	s.current = nil

	dsp.Log().Info("simple: segment disconnected", "session", s.id)
}

// resetLocked restarts the encoder bitstream. Caller holds the lock.
func (s *Session) resetLocked() error {
	s.needReset = false
	if s.enc == nil {
		return nil
	}
	return s.enc.Reset()
}

// worker is the session's single background goroutine.
func (s *Session) worker() {
	defer close(s.workerDone)

	s.emit(EventThreadPostStart, nil)

	for {
		s.mu.Lock()

		if s.current == nil {
			sg := s.popSegment()
			if sg == nil {
				sg = NewSegment(PipelineLive, "", "")
			}
			if err := s.segmentConnectLocked(sg); err != nil {
				s.state = StateError
				s.mu.Unlock()
				s.emit(EventError, err)
				break
			}
			s.mu.Unlock()
			s.emit(EventSegmentConnect, s.currentSegment())
			s.mu.Lock()
		}

		if s.needReset {
			if err := s.resetLocked(); err != nil {
				s.state = StateError
				s.mu.Unlock()
				s.emit(EventError, err)
				break
			}
		}

		sink := s.sink
		vu := s.vu
		s.mu.Unlock()

		s.emit(EventStreamState, StreamStateChange{State: StreamStateConnecting})

		connected := false
		if err := sink.Start(); err != nil {
			s.emitConnectionError(err)
		} else {
			connected = true
			s.emit(EventStreamState, StreamStateChange{State: StreamStateConnected})
		}

		if connected {
			s.runMainLoop(sink, vu)
		}

		s.mu.Lock()
		if s.state != StateStopping && s.state != StateError {
			s.state = StateLost
		}
		s.needReset = true
		state := s.state
		s.mu.Unlock()

		s.emit(EventStreamState, StreamStateChange{State: StreamStateDisconnecting})
		sink.Stop()
		s.emit(EventStreamState, StreamStateChange{State: StreamStateDisconnected})

		if state != StateLost {
			break
		}

		if !s.reconnectionSleep() {
			break
		}

		s.mu.Lock()
		if s.state == StateStopping {
			s.mu.Unlock()
			break
		}
		s.state = StateStarted
		s.mu.Unlock()
	}

	s.mu.Lock()
	if s.state == StateLost || s.state == StateStopping {
		s.state = StateStopped
	}
	s.mu.Unlock()

	s.emit(EventThreadPreStop, nil)
}

// currentSegment returns the connected segment under the lock.
func (s *Session) currentSegment() *Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// runMainLoop pumps the sink until the session leaves the started state
// or the connection breaks.
func (s *Session) runMainLoop(sink *shout.Shout, vu *vumeter.Meter) {
	vuIter := 1

	for {
		if err := sink.Iter(); err != nil {
			s.emitConnectionError(err)
			return
		}

		if sink.NeedNextSegment() && s.shouldSwapSegment() {
			swapped, next := s.swapSegment()
			if !swapped {
				// Nothing left to play: let the session wind down.
				s.mu.Lock()
				if s.state == StateStarted {
					s.state = StateStopping
				}
				s.mu.Unlock()
				return
			}
			s.emit(EventSegmentDisconnect, nil)
			s.emit(EventSegmentConnect, next)

			// File segments run without a VU meter.
			s.mu.Lock()
			vu = s.vu
			s.mu.Unlock()
		}

		if vu != nil {
			n, err := vu.Read(-1)
			if err != nil {
				s.emitConnectionError(fmt.Errorf("simple: vumeter: %w", dsp.ErrGeneric))
				return
			}
			if n > 0 {
				vuIter++
			}

			s.mu.Lock()
			interval := s.vuInterval
			s.mu.Unlock()

			if interval > 0 && vuIter >= interval {
				vuIter = 0
				s.emit(EventVUMeterResult, vu.Result())
			}
		}

		s.mu.Lock()
		if s.needReset {
			if err := s.resetLocked(); err != nil {
				s.state = StateError
			}
		}
		state := s.state
		s.mu.Unlock()

		if state != StateStarted {
			return
		}
	}
}

// shouldSwapSegment gates segment swapping: a live encoder must have
// drained its output to end of stream first.
func (s *Session) shouldSwapSegment() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return true
	}
	return s.encOut != nil && s.encOut.EOF()
}

// swapSegment disconnects the current segment and connects the next
// pending one. It reports whether a new segment was connected.
func (s *Session) swapSegment() (bool, *Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.popSegment()
	if next == nil {
		return false, nil
	}

	s.segmentDisconnectLocked()
	if err := s.segmentConnectLocked(next); err != nil {
		s.state = StateError
		return false, nil
	}
	return true, next
}

// reconnectionSleep runs the back-off of the active profile. It reports
// whether the worker should try to reconnect.
func (s *Session) reconnectionSleep() bool {
	s.mu.Lock()
	flat := s.reconnectFlat
	s.mu.Unlock()

	if !flat {
		return false
	}

	toSleep := flatBackoff
	for toSleep > 0 {
		s.emit(EventReconnect, toSleep)

		quantum := toSleep
		if quantum > reconnectQuantum {
			quantum = reconnectQuantum
		}
		begin := time.Now()
		time.Sleep(quantum)
		toSleep -= time.Since(begin)

		s.mu.Lock()
		stopping := s.state == StateStopping
		s.mu.Unlock()
		if stopping {
			return false
		}
	}
	return true
}
