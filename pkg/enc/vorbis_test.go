package enc

import (
	"bytes"
	"testing"

	"github.com/CoolMicApp/libcoolmic-dsp/pkg/metadata"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/pcm"
)

func newTestMetadata(t *testing.T) *metadata.Metadata {
	t.Helper()
	m := metadata.New()
	m.Add("TITLE", "A")
	m.Add("TITLE", "B")
	m.Set("ARTIST", "X")
	return m
}

// The Vorbis stream opens with the identification header alone on the
// first page, followed by the comment and setup headers.
func TestVorbisHeaderPages(t *testing.T) {
	f := pcm.Format{Rate: 48000, Channels: 1}
	e, err := New(CodecVorbis, f)
	if err != nil {
		t.Fatal(err)
	}
	e.SetQuality(0.3)
	e.Attach(endlessHandle(t))

	out, err := e.Output()
	if err != nil {
		t.Fatal(err)
	}

	id := readPage(t, out)
	if !id.bos() {
		t.Error("identification page not BOS")
	}
	if len(id.body) < 7 || id.body[0] != 0x01 || string(id.body[1:7]) != "vorbis" {
		t.Fatalf("first page is not a vorbis identification header")
	}

	rest := readPage(t, out)
	if rest.body[0] != 0x03 || string(rest.body[1:7]) != "vorbis" {
		t.Error("second page does not start with the comment header")
	}
}

// The comment header carries the implicit encoder tag plus the user
// metadata in insertion order.
func TestVorbisCommentTags(t *testing.T) {
	f := pcm.Format{Rate: 48000, Channels: 1}
	e, err := New(CodecVorbis, f)
	if err != nil {
		t.Fatal(err)
	}

	md := e.Metadata()
	if md != nil {
		t.Fatal("fresh encoder has metadata attached")
	}

	m := newTestMetadata(t)
	e.SetMetadata(m)
	e.Attach(endlessHandle(t))

	out, _ := e.Output()
	readPage(t, out) // identification
	comment := readPage(t, out)

	want := [][]byte{
		[]byte("ENCODER=libcoolmic-dsp"),
		[]byte("TITLE=A"),
		[]byte("TITLE=B"),
		[]byte("ARTIST=X"),
	}
	last := -1
	for _, w := range want {
		idx := bytes.Index(comment.body, w)
		if idx < 0 {
			t.Fatalf("comment header missing %q", w)
		}
		if idx < last {
			t.Errorf("tag %q out of order", w)
		}
		last = idx
	}
}

// Audio pages follow the headers and advance the granule position.
func TestVorbisProducesAudioPages(t *testing.T) {
	f := pcm.Format{Rate: 48000, Channels: 1}
	e, err := New(CodecVorbis, f)
	if err != nil {
		t.Fatal(err)
	}
	e.SetQuality(0.3)
	e.Attach(endlessHandle(t))

	out, _ := e.Output()

	var granule int64
	serials := map[uint32]bool{}
	for i := 0; i < 8; i++ {
		pg := readPage(t, out)
		serials[pg.serial] = true
		if pg.granule > granule {
			granule = pg.granule
		}
	}
	if granule == 0 {
		t.Error("no audio granule progress over 8 pages")
	}
	if len(serials) != 1 {
		t.Error("serial changed without a reset")
	}
}
