// Package ogg implements the encoding side of the Ogg container: packets
// go in, framed pages come out. Packets larger than one page are split
// across pages with 255-byte lacing continuation, and page checksums are
// computed with the Ogg CRC polynomial.
package ogg

import (
	"encoding/binary"
	"errors"
)

const (
	headerTypeContinued = 0x01
	headerTypeBOS       = 0x02
	headerTypeEOS       = 0x04

	pageSignature  = "OggS"
	pageHeaderSize = 27

	// maxSegments is the lacing table limit of one page.
	maxSegments = 255

	// targetBodyBytes is the body size at which PageOut considers a
	// page due without being forced.
	targetBodyBytes = 4096
)

// ErrEmptyPacket is returned when an empty packet is submitted.
var ErrEmptyPacket = errors.New("ogg: empty packet data")

// noGranule marks a lacing segment that does not complete a packet.
const noGranule = int64(-1) << 62

// Packet is one codec packet to be framed.
type Packet struct {
	Data       []byte
	GranulePos int64
	BOS        bool
	EOS        bool
}

// Page is one framed Ogg page. Header includes the lacing table; the
// full wire form is Header followed by Body.
type Page struct {
	Header []byte
	Body   []byte
}

// BOS reports whether the page opens a logical bitstream.
func (p *Page) BOS() bool {
	return len(p.Header) > 5 && p.Header[5]&headerTypeBOS != 0
}

// EOS reports whether the page closes a logical bitstream.
func (p *Page) EOS() bool {
	return len(p.Header) > 5 && p.Header[5]&headerTypeEOS != 0
}

// Continued reports whether the page starts in the middle of a packet.
func (p *Page) Continued() bool {
	return len(p.Header) > 5 && p.Header[5]&headerTypeContinued != 0
}

// GranulePos returns the granule position of the page, -1 if no packet
// completes on it.
func (p *Page) GranulePos() int64 {
	if len(p.Header) < 14 {
		return -1
	}
	return int64(binary.LittleEndian.Uint64(p.Header[6:]))
}

// Serial returns the bitstream serial number of the page.
func (p *Page) Serial() int32 {
	if len(p.Header) < 18 {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(p.Header[14:]))
}

// Len returns the total wire length of the page.
func (p *Page) Len() int {
	return len(p.Header) + len(p.Body)
}

// Stream frames packets of one logical bitstream into pages.
type Stream struct {
	serial  int32
	pageSeq uint32

	firstPage bool

	// Pending data. lacing holds the segment table not yet emitted;
	// granule runs parallel to lacing and carries the packet granule
	// position on segments that complete a packet, noGranule otherwise.
	lacing  []byte
	granule []int64
	body    []byte

	// eosQueued is set once a packet marked EOS has been submitted.
	eosQueued bool

	// midPacket is set when the previously emitted page split a packet.
	midPacket bool

	checksumTable *[256]uint32
}

// NewStream creates a stream with the given serial number.
func NewStream(serial int32) *Stream {
	return &Stream{
		serial:        serial,
		firstPage:     true,
		checksumTable: generateChecksumTable(),
	}
}

// Serial returns the stream serial number.
func (s *Stream) Serial() int32 { return s.serial }

// Reset discards all pending data and restarts the stream under a new
// serial number.
func (s *Stream) Reset(serial int32) {
	s.serial = serial
	s.pageSeq = 0
	s.firstPage = true
	s.lacing = nil
	s.granule = nil
	s.body = nil
	s.eosQueued = false
	s.midPacket = false
}

// PacketIn submits a packet for framing. The data is copied.
func (s *Stream) PacketIn(p Packet) error {
	if len(p.Data) == 0 {
		return ErrEmptyPacket
	}

	data := p.Data
	for len(data) >= maxSegments {
		s.lacing = append(s.lacing, maxSegments)
		s.granule = append(s.granule, noGranule)
		data = data[maxSegments:]
	}
	// The final lacing value is < 255 and terminates the packet; it is
	// zero when the packet length is an exact multiple of 255.
	s.lacing = append(s.lacing, byte(len(data)))
	s.granule = append(s.granule, p.GranulePos)
	s.body = append(s.body, p.Data...)

	if p.EOS {
		s.eosQueued = true
	}
	return nil
}

// PageOut emits a page if one is due: enough body bytes are pending, the
// lacing table is full, or an end-of-stream packet is queued. It returns
// false when the muxer needs more packets.
func (s *Stream) PageOut(pg *Page) bool {
	if len(s.lacing) == 0 {
		return false
	}
	if len(s.body) < targetBodyBytes && len(s.lacing) < maxSegments && !s.eosQueued {
		return false
	}
	s.emit(pg)
	return true
}

// Flush emits a page from whatever is pending. It returns false when
// nothing is buffered.
func (s *Stream) Flush(pg *Page) bool {
	if len(s.lacing) == 0 {
		return false
	}
	s.emit(pg)
	return true
}

// emit frames up to one full page from the pending queues.
func (s *Stream) emit(pg *Page) {
	segs := len(s.lacing)
	if segs > maxSegments {
		segs = maxSegments
	}

	// The opening page carries only the stream's first packet, so codec
	// identification headers always sit alone on their page.
	if s.firstPage {
		for i := 0; i < segs; i++ {
			if s.lacing[i] < maxSegments {
				segs = i + 1
				break
			}
		}
	}

	bodyLen := 0
	granulePos := int64(-1)
	for i := 0; i < segs; i++ {
		bodyLen += int(s.lacing[i])
		if s.granule[i] != noGranule {
			granulePos = s.granule[i]
		}
	}

	var headerType byte
	if s.midPacket {
		headerType |= headerTypeContinued
	}
	if s.firstPage {
		headerType |= headerTypeBOS
	}
	// The page carries EOS when it contains the final segment of the
	// end-of-stream packet, which is always the last pending segment.
	if s.eosQueued && segs == len(s.lacing) {
		headerType |= headerTypeEOS
	}

	header := make([]byte, pageHeaderSize+segs)
	copy(header, pageSignature)
	header[4] = 0
	header[5] = headerType
	binary.LittleEndian.PutUint64(header[6:], uint64(granulePos))
	binary.LittleEndian.PutUint32(header[14:], uint32(s.serial))
	binary.LittleEndian.PutUint32(header[18:], s.pageSeq)
	header[26] = byte(segs)
	copy(header[pageHeaderSize:], s.lacing[:segs])

	body := make([]byte, bodyLen)
	copy(body, s.body[:bodyLen])

	// A page ending on a 255-valued lacing splits its packet.
	s.midPacket = s.lacing[segs-1] == maxSegments

	s.lacing = s.lacing[segs:]
	s.granule = s.granule[segs:]
	s.body = s.body[bodyLen:]
	if len(s.lacing) == 0 {
		s.eosQueued = false
	}
	s.firstPage = false
	s.pageSeq++

	pg.Header = header
	pg.Body = body
	s.checksum(pg)
}

// checksum computes the page CRC over header and body with the checksum
// field zeroed, then stores it.
func (s *Stream) checksum(pg *Page) {
	pg.Header[22] = 0
	pg.Header[23] = 0
	pg.Header[24] = 0
	pg.Header[25] = 0

	var crc uint32
	for _, b := range pg.Header {
		crc = (crc << 8) ^ s.checksumTable[byte(crc>>24)^b]
	}
	for _, b := range pg.Body {
		crc = (crc << 8) ^ s.checksumTable[byte(crc>>24)^b]
	}
	binary.LittleEndian.PutUint32(pg.Header[22:], crc)
}

// generateChecksumTable builds the CRC32 lookup table for Ogg pages
// (polynomial 0x04c11db7, no reflection, zero initial value).
func generateChecksumTable() *[256]uint32 {
	var table [256]uint32
	const poly = 0x04c11db7

	for i := range table {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if r&0x80000000 != 0 {
				r = (r << 1) ^ poly
			} else {
				r <<= 1
			}
		}
		table[i] = r
	}
	return &table
}
