package shout

import (
	"encoding/binary"
	"time"
)

// The pacer keeps the upload in step with the play time of the Ogg
// stream flowing through the sink. It watches the outgoing bytes for
// page headers, converts granule positions into stream time using the
// rate learned from the codec identification header, and sleeps when the
// sender runs ahead of the wire clock.
type pacer struct {
	buf []byte

	serial      uint32
	haveSerial  bool
	rate        int
	lastGranule int64

	streamed time.Duration
	start    time.Time

	// dirty is set when the last observe advanced the stream clock.
	dirty bool
}

// leadTime is how far ahead of real time the sender is allowed to run.
const leadTime = 500 * time.Millisecond

// maxSleep bounds one pacing nap so the worker stays responsive.
const maxSleep = 350 * time.Millisecond

// idleSleep is the backoff when the input is dry.
const idleSleep = 5 * time.Millisecond

func (p *pacer) reset() {
	p.buf = nil
	p.haveSerial = false
	p.rate = 0
	p.lastGranule = 0
	p.streamed = 0
	p.start = time.Time{}
	p.dirty = false
}

// observe scans outgoing bytes for complete Ogg pages and advances the
// stream clock.
func (p *pacer) observe(data []byte) {
	p.buf = append(p.buf, data...)

	for {
		if len(p.buf) < 27 || string(p.buf[:4]) != "OggS" {
			// Not page aligned (raw passthrough of unknown data);
			// pacing stays byte-blind.
			if len(p.buf) >= 4 && string(p.buf[:4]) != "OggS" {
				p.buf = nil
			}
			return
		}

		segs := int(p.buf[26])
		if len(p.buf) < 27+segs {
			return
		}
		bodyLen := 0
		for _, l := range p.buf[27 : 27+segs] {
			bodyLen += int(l)
		}
		total := 27 + segs + bodyLen
		if len(p.buf) < total {
			return
		}

		granule := int64(binary.LittleEndian.Uint64(p.buf[6:]))
		serial := binary.LittleEndian.Uint32(p.buf[14:])
		body := p.buf[27+segs : total]

		if !p.haveSerial || serial != p.serial {
			// A new logical bitstream: its headers redefine the rate.
			p.serial = serial
			p.haveSerial = true
			p.rate = 0
			p.lastGranule = 0
		}

		if p.rate == 0 {
			p.rate = granuleRate(body)
		}

		if p.rate > 0 && granule >= 0 {
			if delta := granule - p.lastGranule; delta > 0 {
				p.streamed += time.Duration(delta) * time.Second / time.Duration(p.rate)
				p.lastGranule = granule
				p.dirty = true
			}
		}

		p.buf = p.buf[total:]
	}
}

// granuleRate derives the granule clock from a codec header packet at
// the start of a page body. Opus granules always tick at 48 kHz; Vorbis
// granules tick at the input rate carried in the identification header.
func granuleRate(body []byte) int {
	if len(body) >= 8 && string(body[:8]) == "OpusHead" {
		return 48000
	}
	if len(body) >= 16 && body[0] == 0x01 && string(body[1:7]) == "vorbis" {
		return int(binary.LittleEndian.Uint32(body[12:]))
	}
	return 0
}

// sleep naps until the wire clock catches up, bounded by maxSleep.
func (p *pacer) sleep() {
	if !p.dirty && p.streamed == 0 {
		return
	}
	if p.start.IsZero() {
		p.start = time.Now()
		p.dirty = false
		return
	}
	p.dirty = false

	ahead := p.streamed - time.Since(p.start) - leadTime
	if ahead <= 0 {
		return
	}
	if ahead > maxSleep {
		ahead = maxSleep
	}
	time.Sleep(ahead)
}

// idle backs off briefly when there is nothing to send.
func (p *pacer) idle() {
	time.Sleep(idleSleep)
}
