package shout

import (
	"encoding/binary"
	"testing"
	"time"
)

// buildPage assembles a minimal single-packet Ogg page for pacer tests.
func buildPage(serial uint32, granule int64, body []byte) []byte {
	segs := len(body)/255 + 1
	page := make([]byte, 27+segs+len(body))
	copy(page, "OggS")
	binary.LittleEndian.PutUint64(page[6:], uint64(granule))
	binary.LittleEndian.PutUint32(page[14:], serial)
	page[26] = byte(segs)
	for i := 0; i < segs-1; i++ {
		page[27+i] = 255
	}
	page[27+segs-1] = byte(len(body) % 255)
	copy(page[27+segs:], body)
	return page
}

func opusHeadBody() []byte {
	body := make([]byte, 19)
	copy(body, "OpusHead")
	body[8] = 1
	body[9] = 1
	binary.LittleEndian.PutUint32(body[12:], 48000)
	return body
}

func TestPacerLearnsOpusRate(t *testing.T) {
	var p pacer
	p.reset()

	p.observe(buildPage(5, 0, opusHeadBody()))
	if p.rate != 48000 {
		t.Fatalf("rate = %d, want 48000", p.rate)
	}

	p.observe(buildPage(5, 2880, []byte{0xAA}))
	if p.streamed != 60*time.Millisecond {
		t.Errorf("streamed = %v, want 60ms", p.streamed)
	}
}

func TestPacerLearnsVorbisRate(t *testing.T) {
	body := make([]byte, 30)
	body[0] = 0x01
	copy(body[1:], "vorbis")
	binary.LittleEndian.PutUint32(body[12:], 44100)

	var p pacer
	p.reset()
	p.observe(buildPage(9, 0, body))
	if p.rate != 44100 {
		t.Fatalf("rate = %d, want 44100", p.rate)
	}
}

func TestPacerHandlesSplitPages(t *testing.T) {
	var p pacer
	p.reset()

	page := buildPage(5, 0, opusHeadBody())
	second := buildPage(5, 1440, []byte{1, 2, 3})
	all := append(append([]byte(nil), page...), second...)

	// Feed the byte stream in awkward slices.
	for i := 0; i < len(all); i += 7 {
		end := i + 7
		if end > len(all) {
			end = len(all)
		}
		p.observe(all[i:end])
	}

	if p.streamed != 30*time.Millisecond {
		t.Errorf("streamed = %v, want 30ms", p.streamed)
	}
}

func TestPacerResetsOnNewSerial(t *testing.T) {
	var p pacer
	p.reset()

	p.observe(buildPage(5, 0, opusHeadBody()))
	p.observe(buildPage(5, 2880, []byte{1}))

	// New bitstream: granules restart, rate is relearned.
	p.observe(buildPage(6, 0, opusHeadBody()))
	p.observe(buildPage(6, 2880, []byte{1}))

	if p.streamed != 120*time.Millisecond {
		t.Errorf("streamed across streams = %v, want 120ms", p.streamed)
	}
}

func TestPacerIgnoresNonOggData(t *testing.T) {
	var p pacer
	p.reset()
	p.observe([]byte("this is definitely not an ogg stream at all........."))
	if p.streamed != 0 {
		t.Error("non-ogg data advanced the stream clock")
	}
}
