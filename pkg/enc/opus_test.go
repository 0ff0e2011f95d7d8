package enc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/CoolMicApp/libcoolmic-dsp/pkg/dsp"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/metadata"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/pcm"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/stream"
)

// finiteHandle serves the given bytes and then reports end of stream.
func finiteHandle(t *testing.T, data []byte) *stream.Handle {
	t.Helper()
	pos := 0
	h, err := stream.New(func(p []byte) (int, error) {
		n := copy(p, data[pos:])
		pos += n
		return n, nil
	}, func() bool { return pos == len(data) }, nil)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

// endlessHandle serves a repeating ramp forever.
func endlessHandle(t *testing.T) *stream.Handle {
	t.Helper()
	v := byte(0)
	h, err := stream.New(func(p []byte) (int, error) {
		for i := range p {
			p[i] = v
			v++
		}
		return len(p), nil
	}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

// page is a parsed Ogg page read off an encoder output handle.
type page struct {
	headerType byte
	granule    int64
	serial     uint32
	body       []byte
}

func (p *page) bos() bool { return p.headerType&0x02 != 0 }
func (p *page) eos() bool { return p.headerType&0x04 != 0 }

// readPage reads exactly one page from the handle. It fails the test if
// the stream ends mid-page or stalls.
func readPage(t *testing.T, h *stream.Handle) *page {
	t.Helper()

	header := make([]byte, 27)
	readFull(t, h, header)
	if string(header[:4]) != "OggS" {
		t.Fatalf("bad capture pattern %q", header[:4])
	}

	segs := int(header[26])
	lacing := make([]byte, segs)
	readFull(t, h, lacing)

	bodyLen := 0
	for _, l := range lacing {
		bodyLen += int(l)
	}
	body := make([]byte, bodyLen)
	readFull(t, h, body)

	return &page{
		headerType: header[5],
		granule:    int64(binary.LittleEndian.Uint64(header[6:])),
		serial:     binary.LittleEndian.Uint32(header[14:]),
		body:       body,
	}
}

func readFull(t *testing.T, h *stream.Handle, p []byte) {
	t.Helper()
	done := 0
	for stall := 0; done < len(p); {
		n, err := h.Read(p[done:])
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if n == 0 {
			if stall++; stall > 10000 {
				t.Fatal("encoder output stalled")
			}
			continue
		}
		stall = 0
		done += n
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New("flac", pcm.Format{Rate: 48000, Channels: 1}); !errors.Is(err, dsp.ErrNoSys) {
		t.Errorf("unknown codec err = %v, want NoSys", err)
	}
	if _, err := New(CodecOpus, pcm.Format{}); !errors.Is(err, dsp.ErrInval) {
		t.Errorf("bad format err = %v, want Inval", err)
	}
}

func TestQualityRoundTrip(t *testing.T) {
	e, err := New(CodecOpus, pcm.Format{Rate: 48000, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}
	if got := e.Quality(); got != 0.1 {
		t.Errorf("default quality = %v, want 0.1", got)
	}
	if err := e.SetQuality(0.7); err != nil {
		t.Fatal(err)
	}
	if got := e.Quality(); got != 0.7 {
		t.Errorf("quality = %v, want 0.7", got)
	}
	for _, q := range []float64{-0.2, 1.1} {
		if err := e.SetQuality(q); !errors.Is(err, dsp.ErrInval) {
			t.Errorf("SetQuality(%v) err = %v, want Inval", q, err)
		}
	}
}

func TestOpusHeadLayout(t *testing.T) {
	head := buildOpusHead(2, 48000)
	if len(head) != 19 {
		t.Fatalf("head length = %d, want 19", len(head))
	}
	if string(head[:8]) != "OpusHead" {
		t.Error("missing magic")
	}
	if head[8] != 1 {
		t.Error("version != 1")
	}
	if head[9] != 2 {
		t.Error("channel count != 2")
	}
	if binary.LittleEndian.Uint16(head[10:]) != 0 {
		t.Error("pre-skip != 0")
	}
	// 48000 = 0x0000BB80 little endian; every byte of the rate field is
	// checked so a bad shift in the 32-bit writer cannot sneak through.
	want := []byte{0x80, 0xBB, 0x00, 0x00}
	if !bytes.Equal(head[12:16], want) {
		t.Errorf("rate field = %x, want %x", head[12:16], want)
	}
	if binary.LittleEndian.Uint16(head[16:]) != 0 {
		t.Error("output gain != 0")
	}
	if head[18] != 0 {
		t.Error("channel mapping family != 0")
	}
}

func TestOpusTagsLayout(t *testing.T) {
	md := metadata.New()
	md.Add("TITLE", "A")
	md.Add("TITLE", "B")
	md.Set("ARTIST", "X")

	tags := buildOpusTags(md)
	if string(tags[:8]) != "OpusTags" {
		t.Fatal("missing magic")
	}

	vendorLen := binary.LittleEndian.Uint32(tags[8:])
	if vendorLen != uint32(len(dsp.Vendor)) {
		t.Fatalf("vendor length = %d", vendorLen)
	}
	off := 12 + int(vendorLen)
	if string(tags[12:off]) != dsp.Vendor {
		t.Fatal("vendor mismatch")
	}

	count := binary.LittleEndian.Uint32(tags[off:])
	if count != 4 {
		t.Fatalf("tag count = %d, want 4", count)
	}
	off += 4

	want := []string{
		"ENCODER=" + dsp.Vendor,
		"TITLE=A",
		"TITLE=B",
		"ARTIST=X",
	}
	for i, w := range want {
		l := int(binary.LittleEndian.Uint32(tags[off:]))
		off += 4
		if got := string(tags[off : off+l]); got != w {
			t.Errorf("tag %d = %q, want %q", i, got, w)
		}
		off += l
	}
	if off != len(tags) {
		t.Errorf("trailing bytes after tags: %d", len(tags)-off)
	}
}

func TestOpusBitrateTable(t *testing.T) {
	tests := []struct {
		quality float64
		want    int
	}{
		{-0.1, 32000},
		{0, 32000},
		{0.5, 192000},
		{1.0, 512000},
	}
	for _, tt := range tests {
		if got := opusBitrateForQuality(tt.quality); got != tt.want {
			t.Errorf("bitrate(%v) = %d, want %d", tt.quality, got, tt.want)
		}
	}
}

// Feeding exactly one 60 ms stereo frame and then EOF yields three
// pages: OpusHead (BOS), OpusTags, and one data page carrying a single
// packet at granule 2880 with the EOS flag set.
func TestOpusSingleFrameStream(t *testing.T) {
	f := pcm.Format{Rate: 48000, Channels: 2}
	e, err := New(CodecOpus, f)
	if err != nil {
		t.Fatal(err)
	}

	pcmData := make([]byte, 2880*2*2)
	for i := range pcmData {
		pcmData[i] = byte(i * 3)
	}
	in := finiteHandle(t, pcmData)
	e.Attach(in)
	in.Close()

	out, err := e.Output()
	if err != nil {
		t.Fatal(err)
	}

	head := readPage(t, out)
	if !head.bos() {
		t.Error("first page not BOS")
	}
	if len(head.body) != 19 || string(head.body[:8]) != "OpusHead" {
		t.Errorf("first page body = %q", head.body[:8])
	}

	tags := readPage(t, out)
	if string(tags.body[:8]) != "OpusTags" {
		t.Errorf("second page body = %q", tags.body[:8])
	}

	data := readPage(t, out)
	if data.granule != 2880 {
		t.Errorf("data granule = %d, want 2880", data.granule)
	}
	if !data.eos() {
		t.Error("data page not EOS")
	}
	if len(data.body) == 0 {
		t.Error("empty data packet")
	}
	if data.serial != head.serial || data.serial != tags.serial {
		t.Error("serial changed within the stream")
	}

	// The stream is drained now.
	buf := make([]byte, 64)
	n, err := out.Read(buf)
	if n != 0 || err != nil {
		t.Fatalf("read past EOS = %d, %v", n, err)
	}
	if !out.EOF() {
		t.Error("EOF() = false after EOS page")
	}
}

// A short frame never emits a partial packet: the encoder output stays
// at the header pages until a full 60 ms frame is available.
func TestOpusShortFrameRetries(t *testing.T) {
	f := pcm.Format{Rate: 48000, Channels: 1}
	e, err := New(CodecOpus, f)
	if err != nil {
		t.Fatal(err)
	}

	// Half a frame, and the source never reports EOF.
	half := make([]byte, 2880)
	pos := 0
	in, _ := stream.New(func(p []byte) (int, error) {
		n := copy(p, half[pos:])
		pos += n
		return n, nil
	}, func() bool { return false }, nil)
	e.Attach(in)

	out, _ := e.Output()
	readPage(t, out) // OpusHead
	readPage(t, out) // OpusTags

	// No full frame: reads return zero bytes, transiently.
	buf := make([]byte, 64)
	for i := 0; i < 5; i++ {
		n, err := out.Read(buf)
		if n != 0 || err != nil {
			t.Fatalf("short-frame read = %d, %v, want transient 0", n, err)
		}
	}
	if out.EOF() {
		t.Error("EOF() = true while input merely stalls")
	}
}

// A reset closes the bitstream with an EOS page and restarts under a
// different serial number, headers first.
func TestResetEmitsEOSAndNewSerial(t *testing.T) {
	f := pcm.Format{Rate: 48000, Channels: 1}
	e, err := New(CodecOpus, f)
	if err != nil {
		t.Fatal(err)
	}
	e.Attach(endlessHandle(t))

	out, _ := e.Output()

	first := readPage(t, out)
	oldSerial := first.serial
	for i := 0; i < 3; i++ {
		readPage(t, out)
	}

	if err := e.Reset(); err != nil {
		t.Fatal(err)
	}

	eosPage := readPage(t, out)
	if !eosPage.eos() {
		t.Fatal("page after reset is not EOS")
	}
	if eosPage.serial != oldSerial {
		t.Error("EOS page carries a different serial")
	}

	next := readPage(t, out)
	if !next.bos() {
		t.Error("first page of new stream not BOS")
	}
	if next.serial == oldSerial {
		t.Error("serial unchanged across reset")
	}
	if len(next.body) < 8 || string(next.body[:8]) != "OpusHead" {
		t.Error("new stream does not restart with OpusHead")
	}
}

func TestResetInWrongState(t *testing.T) {
	e, _ := New(CodecOpus, pcm.Format{Rate: 48000, Channels: 1})
	if err := e.Reset(); !errors.Is(err, dsp.ErrGeneric) {
		t.Errorf("Reset before start = %v, want Generic", err)
	}
}

func TestOpusRejectsBadFormats(t *testing.T) {
	// Construction succeeds; the codec rejects the format at start,
	// which surfaces on the first read as a broken pump.
	e, err := New(CodecOpus, pcm.Format{Rate: 44100, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}
	e.Attach(endlessHandle(t))
	out, _ := e.Output()

	buf := make([]byte, 16)
	if _, err := out.Read(buf); !errors.Is(err, dsp.ErrInval) {
		t.Fatalf("read with 44.1 kHz opus = %v, want Inval", err)
	}
	// The pump is now broken for good.
	if _, err := out.Read(buf); !errors.Is(err, dsp.ErrGeneric) {
		t.Fatalf("subsequent read = %v, want Generic", err)
	}
}
