package enc

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/thesyncim/gopus"

	"github.com/CoolMicApp/libcoolmic-dsp/pkg/dsp"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/metadata"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/ogg"
)

// Opus in Ogg always runs at 48 kHz; one data packet carries 60 ms.
const (
	opusRate         = 48000
	opusFrameSamples = 2880
)

// opusBitrates is the bitrate table the quality setting quantizes into.
var opusBitrates = []int{
	32000, 48000, 64000, 96000, 128000,
	192000, 256000, 320000, 448000, 512000,
}

// opusBitrateForQuality maps a quality in [-0.1, 1.0] onto the table.
func opusBitrateForQuality(q float64) int {
	if q < 0 {
		q = 0
	} else if q > 1 {
		q = 1
	}
	idx := int(q*float64(len(opusBitrates)-1) + 0.5)
	return opusBitrates[idx]
}

type opusState int

const (
	opusStateHead opusState = iota
	opusStateTags
	opusStateData
	opusStateEOF
)

// opusCodec is the Opus backend on the pure-Go gopus encoder.
type opusCodec struct {
	enc   *gopus.Encoder
	state opusState

	granulePos int64

	// buffer accumulates PCM until a full 60 ms frame is available;
	// short reads keep the partial fill and report Retry.
	buffer     []byte
	bufferFill int

	packet [4000]byte
}

func newOpusCodec() *opusCodec {
	return &opusCodec{}
}

func (o *opusCodec) start(e *Encoder) error {
	if e.format.Channels < 1 || e.format.Channels > 2 {
		return fmt.Errorf("enc: opus channels %d: %w", e.format.Channels, dsp.ErrInval)
	}
	if e.format.Rate != opusRate {
		return fmt.Errorf("enc: opus rate %d: %w", e.format.Rate, dsp.ErrInval)
	}

	enc, err := gopus.NewEncoder(gopus.EncoderConfig{
		SampleRate:  opusRate,
		Channels:    e.format.Channels,
		Application: gopus.ApplicationAudio,
	})
	if err != nil {
		return fmt.Errorf("enc: opus encoder: %w", err)
	}
	if err := enc.SetBitrate(opusBitrateForQuality(e.quality)); err != nil {
		return fmt.Errorf("enc: opus bitrate: %w", err)
	}
	if err := enc.SetFrameSize(opusFrameSamples); err != nil {
		return fmt.Errorf("enc: opus frame size: %w", err)
	}

	o.enc = enc
	o.state = opusStateHead
	o.granulePos = 0
	if o.buffer == nil {
		o.buffer = make([]byte, opusFrameSamples*e.format.Channels*2)
	}
	o.bufferFill = 0

	return nil
}

func (o *opusCodec) stop(e *Encoder) error {
	o.enc = nil
	return nil
}

// buildOpusHead builds the 19-byte OpusHead identification packet.
func buildOpusHead(channels int, rate int) []byte {
	head := make([]byte, 19)
	copy(head, "OpusHead")
	head[8] = 1 // version
	head[9] = byte(channels)
	binary.LittleEndian.PutUint16(head[10:], 0) // pre-skip
	binary.LittleEndian.PutUint32(head[12:], uint32(rate))
	binary.LittleEndian.PutUint16(head[16:], 0) // output gain
	head[18] = 0                                // channel mapping family
	return head
}

// buildOpusTags builds the OpusTags comment packet: vendor string, then the
// internal ENCODER tag plus every metadata pair.
func buildOpusTags(md *metadata.Metadata) []byte {
	type pair struct{ key, value string }
	tags := []pair{{"ENCODER", dsp.Vendor}}
	if md != nil {
		md.AddToComment(func(key, value string) {
			tags = append(tags, pair{key, value})
		})
	}

	size := 8 + 4 + len(dsp.Vendor) + 4
	for _, t := range tags {
		size += 4 + len(t.key) + 1 + len(t.value)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, "OpusTags"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(dsp.Vendor)))
	buf = append(buf, dsp.Vendor...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tags)))
	for _, t := range tags {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(t.key)+1+len(t.value)))
		buf = append(buf, t.key...)
		buf = append(buf, '=')
		buf = append(buf, t.value...)
	}
	return buf
}

func (o *opusCodec) packetInHead(e *Encoder) error {
	err := e.os.PacketIn(ogg.Packet{
		Data:       buildOpusHead(e.format.Channels, e.format.Rate),
		GranulePos: 0,
		BOS:        true,
	})
	if err != nil {
		return err
	}
	e.usePageFlush = true
	return nil
}

func (o *opusCodec) packetInTags(e *Encoder) error {
	err := e.os.PacketIn(ogg.Packet{
		Data:       buildOpusTags(e.metadata),
		GranulePos: 0,
	})
	if err != nil {
		return err
	}
	e.usePageFlush = true
	return nil
}

// readFrame fills the PCM buffer up to one full frame. A short read
// keeps the partial fill and reports Retry; a completed fill followed by
// end of input marks the encoder state so the packet carries EOS.
func (o *opusCodec) readFrame(e *Encoder) ([]byte, error) {
	need := opusFrameSamples * e.format.Channels * 2

	if o.bufferFill < need {
		n, err := e.in.Read(o.buffer[o.bufferFill:need])
		if err != nil {
			return nil, fmt.Errorf("enc: opus read: %w", err)
		}
		o.bufferFill += n
		if o.bufferFill < need {
			if e.in.EOF() {
				e.state = stateEOF
			}
			return nil, dsp.ErrRetry
		}
	}

	if e.in.EOF() {
		e.state = stateEOF
	}

	o.bufferFill = 0
	return o.buffer[:need], nil
}

func (o *opusCodec) packetInData(e *Encoder) error {
	data, err := o.readFrame(e)
	if err != nil {
		return err
	}

	samples := unsafe.Slice((*int16)(unsafe.Pointer(&data[0])), len(data)/2)
	n, err := o.enc.EncodeInt16(samples, o.packet[:])
	if err != nil {
		return fmt.Errorf("enc: opus encode: %w", err)
	}

	o.granulePos += opusFrameSamples

	eos := false
	switch e.state {
	case stateEOF, stateNeedReset, stateNeedRestart, stateNeedStop:
		eos = true
		o.state = opusStateEOF
		e.usePageFlush = true
	}

	pkt := make([]byte, n)
	copy(pkt, o.packet[:n])
	return e.os.PacketIn(ogg.Packet{
		Data:       pkt,
		GranulePos: o.granulePos,
		EOS:        eos,
	})
}

func (o *opusCodec) process(e *Encoder) error {
	switch o.state {
	case opusStateHead:
		if err := o.packetInHead(e); err != nil {
			return err
		}
		o.state = opusStateTags
	case opusStateTags:
		if err := o.packetInTags(e); err != nil {
			return err
		}
		o.state = opusStateData
	case opusStateData:
		return o.packetInData(e)
	case opusStateEOF:
		return dsp.ErrRetry
	}
	return nil
}
