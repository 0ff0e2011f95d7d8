package simple

import (
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/stream"
)

// PipelineKind selects how a segment is wired into the session.
type PipelineKind int

const (
	// PipelineLive runs the full capture, transform, tee, encoder and
	// VU meter graph.
	PipelineLive PipelineKind = iota
	// PipelineFileSimple streams a pre-encoded file straight into the
	// network sink.
	PipelineFileSimple
)

// Segment is one bounded run of audio from a single source. File
// segments either carry a device path (opened lazily at connect) or a
// pre-built stream handle.
type Segment struct {
	kind   PipelineKind
	driver string
	device string
	handle *stream.Handle
}

// NewSegment creates a segment sourced from a driver/device pair. An
// empty driver means the platform default.
func NewSegment(kind PipelineKind, driver, device string) *Segment {
	return &Segment{kind: kind, driver: driver, device: device}
}

// NewSegmentHandle creates a segment sourced from a pre-built handle.
// The segment takes its own reference.
func NewSegmentHandle(kind PipelineKind, h *stream.Handle) *Segment {
	if h != nil {
		h.Ref()
	}
	return &Segment{kind: kind, handle: h}
}

// Kind returns the pipeline kind of the segment.
func (sg *Segment) Kind() PipelineKind { return sg.kind }

// DriverAndDevice returns the driver and device tags of the segment.
func (sg *Segment) DriverAndDevice() (driver, device string) {
	return sg.driver, sg.device
}

// close releases a pre-built handle reference if the segment owns one.
func (sg *Segment) close() {
	if sg.handle != nil {
		sg.handle.Close()
		sg.handle = nil
	}
}
