package enc

// For go build: use pkg-config to find system libvorbis
// For bazel build: cdeps provides vorbis headers and library

/*
#cgo pkg-config: vorbis vorbisenc
#include <stdlib.h>
#include <string.h>
#include <vorbis/vorbisenc.h>

// The encoder state is allocated in C memory: libvorbis keeps internal
// pointers between calls, so the structs must not live in Go memory.
typedef struct {
	vorbis_info      vi;
	vorbis_comment   vc;
	vorbis_dsp_state vd;
	vorbis_block     vb;
} venc_state;

static venc_state *venc_new() {
	return (venc_state*)calloc(1, sizeof(venc_state));
}

static void venc_free(venc_state *s) {
	free(s);
}

static int venc_init(venc_state *s, int channels, long rate, float quality) {
	int ret;

	vorbis_info_init(&s->vi);
	ret = vorbis_encode_init_vbr(&s->vi, channels, rate, quality);
	if (ret != 0) {
		vorbis_info_clear(&s->vi);
		return ret;
	}

	vorbis_comment_init(&s->vc);

	vorbis_analysis_init(&s->vd, &s->vi);
	vorbis_block_init(&s->vd, &s->vb);

	return 0;
}

static void venc_clear(venc_state *s) {
	vorbis_block_clear(&s->vb);
	vorbis_dsp_clear(&s->vd);
	vorbis_comment_clear(&s->vc);
	vorbis_info_clear(&s->vi);
}

static void venc_add_tag(venc_state *s, const char *key, const char *value) {
	vorbis_comment_add_tag(&s->vc, key, value);
}

static int venc_headerout(venc_state *s, ogg_packet *h, ogg_packet *hc, ogg_packet *hcb) {
	return vorbis_analysis_headerout(&s->vd, &s->vc, h, hc, hcb);
}

static int venc_write(venc_state *s, const short *pcm, int frames, int channels) {
	float **buf = vorbis_analysis_buffer(&s->vd, frames);
	int i, c;

	if (!buf)
		return -1;

	for (i = 0; i < frames; i++)
		for (c = 0; c < channels; c++)
			buf[c][i] = pcm[i*channels + c] / 32768.f;

	return vorbis_analysis_wrote(&s->vd, frames);
}

static int venc_wrote_zero(venc_state *s) {
	return vorbis_analysis_wrote(&s->vd, 0);
}

static int venc_blockout(venc_state *s) {
	return vorbis_analysis_blockout(&s->vd, &s->vb);
}

static int venc_analyze(venc_state *s) {
	int ret = vorbis_analysis(&s->vb, NULL);
	if (ret != 0)
		return ret;
	return vorbis_bitrate_addblock(&s->vb);
}

static int venc_flushpacket(venc_state *s, ogg_packet *op) {
	return vorbis_bitrate_flushpacket(&s->vd, op);
}

// Packet accessors; packet data is copied out to Go immediately.
static long venc_packet_bytes(ogg_packet *op) { return op->bytes; }

static void venc_packet_copy(ogg_packet *op, unsigned char *dst) {
	memcpy(dst, op->packet, op->bytes);
}

static ogg_int64_t venc_packet_granulepos(ogg_packet *op) { return op->granulepos; }
static int venc_packet_bos(ogg_packet *op) { return op->b_o_s; }
static int venc_packet_eos(ogg_packet *op) { return op->e_o_s; }
*/
import "C"
import (
	"fmt"
	"unsafe"

	"github.com/CoolMicApp/libcoolmic-dsp/pkg/dsp"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/ogg"
)

// vorbisReadChunk is how many PCM bytes one process step pulls.
const vorbisReadChunk = 1024

// vorbisCodec is the libvorbis VBR backend.
type vorbisCodec struct {
	st *C.venc_state

	// finalized is set once the zero-length final block was signalled.
	finalized bool

	buf [vorbisReadChunk]byte
}

func newVorbisCodec() *vorbisCodec {
	return &vorbisCodec{}
}

// submitPacket copies a libvorbis packet into the Ogg stream.
func (v *vorbisCodec) submitPacket(e *Encoder, op *C.ogg_packet) error {
	data := make([]byte, int(C.venc_packet_bytes(op)))
	if len(data) > 0 {
		C.venc_packet_copy(op, (*C.uchar)(unsafe.Pointer(&data[0])))
	}
	return e.os.PacketIn(ogg.Packet{
		Data:       data,
		GranulePos: int64(C.venc_packet_granulepos(op)),
		BOS:        C.venc_packet_bos(op) != 0,
		EOS:        C.venc_packet_eos(op) != 0,
	})
}

func (v *vorbisCodec) start(e *Encoder) error {
	st := C.venc_new()
	if st == nil {
		return dsp.ErrNomem
	}

	if ret := C.venc_init(st, C.int(e.format.Channels), C.long(e.format.Rate), C.float(e.quality)); ret != 0 {
		C.venc_free(st)
		return fmt.Errorf("enc: vorbis init %d: %w", int(ret), dsp.ErrInval)
	}
	v.st = st
	v.finalized = false

	addTag := func(key, value string) {
		ck := C.CString(key)
		cv := C.CString(value)
		C.venc_add_tag(st, ck, cv)
		C.free(unsafe.Pointer(ck))
		C.free(unsafe.Pointer(cv))
	}
	addTag("ENCODER", dsp.Vendor)
	if e.metadata != nil {
		e.metadata.AddToComment(addTag)
	}

	var header, headerComm, headerCode C.ogg_packet
	if ret := C.venc_headerout(v.st, &header, &headerComm, &headerCode); ret != 0 {
		v.stop(e)
		return fmt.Errorf("enc: vorbis headerout %d: %w", int(ret), dsp.ErrGeneric)
	}
	for _, op := range []*C.ogg_packet{&header, &headerComm, &headerCode} {
		if err := v.submitPacket(e, op); err != nil {
			v.stop(e)
			return err
		}
	}

	// Header packets must occupy their own pages.
	e.usePageFlush = true

	return nil
}

func (v *vorbisCodec) stop(e *Encoder) error {
	if v.st != nil {
		C.venc_clear(v.st)
		C.venc_free(v.st)
		v.st = nil
	}
	return nil
}

// readData feeds one chunk of PCM into the analysis buffer. At end of
// input (or during teardown states) it signals the zero-length final
// block exactly once.
func (v *vorbisCodec) readData(e *Encoder) error {
	switch e.state {
	case stateEOF, stateNeedReset, stateNeedRestart, stateNeedStop:
		if !v.finalized {
			C.venc_wrote_zero(v.st)
			v.finalized = true
		}
		return nil
	}

	n, err := e.in.Read(v.buf[:])
	if err != nil {
		return fmt.Errorf("enc: vorbis read: %w", err)
	}
	if n == 0 {
		if e.in.EOF() {
			C.venc_wrote_zero(v.st)
			v.finalized = true
			e.state = stateEOF
			return nil
		}
		return dsp.ErrRetry
	}

	if n%e.format.FrameSize() != 0 {
		return fmt.Errorf("enc: vorbis read not frame aligned: %w", dsp.ErrGeneric)
	}

	frames := n / e.format.FrameSize()
	if ret := C.venc_write(v.st, (*C.short)(unsafe.Pointer(&v.buf[0])), C.int(frames), C.int(e.format.Channels)); ret != 0 {
		return fmt.Errorf("enc: vorbis analysis %d: %w", int(ret), dsp.ErrGeneric)
	}
	return nil
}

// flushPackets moves finished packets into the Ogg stream. It reports
// whether any packet was flushed.
func (v *vorbisCodec) flushPackets(e *Encoder) (bool, error) {
	var op C.ogg_packet
	flushed := false
	for C.venc_flushpacket(v.st, &op) == 1 {
		if err := v.submitPacket(e, &op); err != nil {
			return flushed, err
		}
		flushed = true
	}
	return flushed, nil
}

func (v *vorbisCodec) process(e *Encoder) error {
	if flushed, err := v.flushPackets(e); err != nil {
		return err
	} else if flushed {
		return nil
	}

	for C.venc_blockout(v.st) != 1 {
		if v.finalized {
			// All blocks of the final analysis are drained.
			return dsp.ErrRetry
		}
		if err := v.readData(e); err != nil {
			return err
		}
	}

	if ret := C.venc_analyze(v.st); ret != 0 {
		return fmt.Errorf("enc: vorbis analyze %d: %w", int(ret), dsp.ErrGeneric)
	}

	_, err := v.flushPackets(e)
	return err
}
