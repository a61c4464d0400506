// ABOUTME: RTP header and NTP timestamp codecs for the AirPlay dialect
// ABOUTME: Big-endian fixed layouts shared by all packet builders
package airplay

import (
	"encoding/binary"
	"fmt"
)

// Payload types of the AirPlay RTP dialect.
const (
	PayloadTimingRequest  = 0x52
	PayloadTimingResponse = 0x53
	PayloadSync           = 0x54
	PayloadRangeResend    = 0x55
	PayloadAudioData      = 0x60
)

// HeaderSize is the fixed RTP header length.
const HeaderSize = 4

// Header is the 4-byte RTP header: byte 0 carries the extension bit
// and the 4-bit source, byte 1 the marker bit and 7-bit payload type,
// bytes 2-3 the big-endian sequence number.
type Header struct {
	Extension   bool
	Source      uint8 // 4 bits
	Marker      bool
	PayloadType uint8 // 7 bits
	SeqNum      uint16
}

// Encode writes the header into its wire form.
func (h Header) Encode() [HeaderSize]byte {
	var b [HeaderSize]byte
	b[0] = h.Source & 0x0f
	if h.Extension {
		b[0] |= 0x80
	}
	b[1] = h.PayloadType & 0x7f
	if h.Marker {
		b[1] |= 0x80
	}
	binary.BigEndian.PutUint16(b[2:], h.SeqNum)
	return b
}

// ParseHeader reads a header from the start of a packet.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("rtp header: %d bytes, need %d", len(data), HeaderSize)
	}
	return Header{
		Extension:   data[0]&0x80 != 0,
		Source:      data[0] & 0x0f,
		Marker:      data[1]&0x80 != 0,
		PayloadType: data[1] & 0x7f,
		SeqNum:      binary.BigEndian.Uint16(data[2:]),
	}, nil
}

// NTPSize is the length of one NTP timestamp on the wire.
const NTPSize = 8

// EncodeNTP writes a milliseconds-since-epoch instant as an NTP
// 32.32 fixed-point timestamp: integer seconds, then fractional
// seconds in units of 2^-32.
func EncodeNTP(dst []byte, ms float64) {
	if ms < 0 {
		ms = 0
	}
	seconds := ms / 1000
	integer := uint32(seconds)
	fraction := uint32((seconds - float64(integer)) * (1 << 32))
	binary.BigEndian.PutUint32(dst, integer)
	binary.BigEndian.PutUint32(dst[4:], fraction)
}

// ParseNTP reads an NTP timestamp back into milliseconds.
func ParseNTP(data []byte) (float64, error) {
	if len(data) < NTPSize {
		return 0, fmt.Errorf("ntp timestamp: %d bytes, need %d", len(data), NTPSize)
	}
	integer := binary.BigEndian.Uint32(data)
	fraction := binary.BigEndian.Uint32(data[4:])
	return (float64(integer) + float64(fraction)/(1<<32)) * 1000, nil
}
