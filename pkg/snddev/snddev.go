// Package snddev adapts audio capture and playback drivers into the
// pipeline. A device opened in capture direction exposes a stream handle
// producing interleaved 16-bit little-endian PCM; in playback direction
// it consumes such a stream via Iter.
package snddev

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/CoolMicApp/libcoolmic-dsp/pkg/dsp"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/pcm"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/stream"
)

// Driver name tags accepted by Open.
const (
	DriverAuto   = "auto"
	DriverNull   = "null"
	DriverSine   = "sine"
	DriverOSS    = "oss"
	DriverOpenSL = "opensl"
	DriverStdio  = "stdio"
)

// Direction selects capture, playback or both.
type Direction int

const (
	// DirCapture moves data from the device into the pipeline.
	DirCapture Direction = 1 << iota
	// DirPlayback moves data from the pipeline into the device.
	DirPlayback
)

// driver is the backend contract every concrete driver implements.
type driver interface {
	read(p []byte) (int, error)
	write(p []byte) (int, error)
	close() error
}

// txBufferSize is the playback staging buffer of one Iter step.
const txBufferSize = 1024

// Device is an opened sound device.
type Device struct {
	drv    driver
	format pcm.Format

	rx    *stream.Handle
	rxEOF bool

	tx     *stream.Handle
	txBuf  [txBufferSize]byte
	txFill int
}

// Open opens the named driver. The device string is driver specific
// (a filename for stdio). Unknown driver tags fail with NoSys,
// unsupported rate/channel combinations with Inval.
func Open(driverName, device string, f pcm.Format, dir Direction, bufferHint int) (*Device, error) {
	if !f.Valid() || dir == 0 {
		return nil, fmt.Errorf("snddev: %v: %w", f, dsp.ErrInval)
	}

	if driverName == "" || strings.EqualFold(driverName, DriverAuto) {
		driverName = defaultDriver
	}

	var (
		drv driver
		err error
	)
	switch strings.ToLower(driverName) {
	case DriverNull:
		drv, err = openNull(f, dir)
	case DriverSine:
		drv, err = openSine(f, dir)
	case DriverStdio:
		drv, err = openStdio(device, dir)
	default:
		return nil, fmt.Errorf("snddev: unknown driver %q: %w", driverName, dsp.ErrNoSys)
	}
	if err != nil {
		return nil, err
	}

	d := &Device{drv: drv, format: f}
	if dir&DirCapture != 0 {
		d.rx, _ = stream.New(d.readRX, d.eofRX, func() {})
	}
	return d, nil
}

// readRX pulls PCM from the driver into the pipeline.
func (d *Device) readRX(p []byte) (int, error) {
	n, err := d.drv.read(p)
	if err != nil {
		if errors.Is(err, io.EOF) {
			d.rxEOF = true
			return n, nil
		}
		return 0, fmt.Errorf("snddev: read: %w", err)
	}
	return n, nil
}

func (d *Device) eofRX() bool {
	return d.rxEOF
}

// Handle returns the capture-side handle, nil when the device was not
// opened for capture. Each call takes a new reference.
func (d *Device) Handle() *stream.Handle {
	if d == nil || d.rx == nil {
		return nil
	}
	return d.rx.Ref()
}

// Format returns the PCM format the device was opened with.
func (d *Device) Format() pcm.Format {
	return d.format
}

// Attach sets the playback input handle. The previous reference is
// released; handle may be nil to detach.
func (d *Device) Attach(h *stream.Handle) error {
	if d == nil {
		return dsp.ErrFault
	}
	if d.tx != nil {
		d.tx.Close()
	}
	if h != nil {
		h.Ref()
	}
	d.tx = h
	return nil
}

// flushTX drains the staging buffer into the driver, carrying any
// partial write.
func (d *Device) flushTX() error {
	if d.txFill == 0 {
		return nil
	}

	n, err := d.drv.write(d.txBuf[:d.txFill])
	if err != nil {
		return fmt.Errorf("snddev: write: %w", err)
	}
	switch {
	case n == 0:
		return dsp.ErrBusy
	case n == d.txFill:
		d.txFill = 0
	default:
		copy(d.txBuf[:], d.txBuf[n:d.txFill])
		d.txFill -= n
		return dsp.ErrBusy
	}
	return nil
}

// Iter moves one buffer of data from the attached input to the device.
func (d *Device) Iter() error {
	if d == nil {
		return dsp.ErrFault
	}

	if err := d.flushTX(); err != nil {
		return err
	}

	n, err := d.tx.Read(d.txBuf[:])
	if err != nil {
		return fmt.Errorf("snddev: iter: %w", err)
	}
	if n == 0 {
		return nil
	}
	d.txFill = n

	return d.flushTX()
}

// Close detaches all handles and shuts the driver down.
func (d *Device) Close() error {
	if d == nil {
		return dsp.ErrFault
	}
	if d.rx != nil {
		d.rx.Close()
		d.rx = nil
	}
	if d.tx != nil {
		d.tx.Close()
		d.tx = nil
	}
	return d.drv.close()
}
