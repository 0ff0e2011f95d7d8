package snddev

import (
	"fmt"
	"os"

	"github.com/CoolMicApp/libcoolmic-dsp/pkg/dsp"
)

// stdioDriver forwards reads and writes to a file. It backs file
// playback segments and raw capture dumps.
type stdioDriver struct {
	file *os.File
}

func openStdio(device string, dir Direction) (driver, error) {
	if device == "" {
		return nil, fmt.Errorf("snddev: stdio needs a device path: %w", dsp.ErrFault)
	}

	var flag int
	switch {
	case dir&DirCapture != 0 && dir&DirPlayback != 0:
		flag = os.O_RDWR | os.O_CREATE
	case dir&DirCapture != 0:
		flag = os.O_RDONLY
	case dir&DirPlayback != 0:
		flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	default:
		return nil, fmt.Errorf("snddev: stdio direction: %w", dsp.ErrInval)
	}

	file, err := os.OpenFile(device, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("snddev: open %q: %w", device, dsp.ErrGeneric)
	}
	return &stdioDriver{file: file}, nil
}

func (s *stdioDriver) read(p []byte) (int, error) {
	return s.file.Read(p)
}

func (s *stdioDriver) write(p []byte) (int, error) {
	return s.file.Write(p)
}

func (s *stdioDriver) close() error {
	return s.file.Close()
}
