package snddev

import "github.com/CoolMicApp/libcoolmic-dsp/pkg/pcm"

// defaultDriver is what "auto" resolves to. Hardware drivers are picked
// first when compiled in; this build falls back to the null driver.
const defaultDriver = DriverNull

// nullDriver reads silence and discards writes.
type nullDriver struct{}

func openNull(f pcm.Format, dir Direction) (driver, error) {
	return nullDriver{}, nil
}

func (nullDriver) read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func (nullDriver) write(p []byte) (int, error) {
	return len(p), nil
}

func (nullDriver) close() error { return nil }
