// Package raw implements the RAW record format written into capture rings
// and the tools that operate on RAW streams.
package raw

import (
	"encoding/binary"
	"fmt"
	"time"

	"firestige.xyz/rawring/internal/core"
)

// HeaderSize is the size of a record header in bytes.
const HeaderSize = 12

// Header precedes every record: capture time, captured length and
// original length. A zero timestamp marks padding, whose lengths both
// carry the number of bytes that follow the header.
type Header struct {
	Sec    uint32
	Nsec   uint32
	CapLen uint16
	Len    uint16
}

// NewHeader builds a data header for a frame captured at ts.
func NewHeader(ts time.Time, capLen, length int) Header {
	return Header{
		Sec:    uint32(ts.Unix()),
		Nsec:   uint32(ts.Nanosecond()),
		CapLen: uint16(capLen),
		Len:    uint16(length),
	}
}

// PaddingHeader returns the header of a padding record spanning total
// bytes, header included.
func PaddingHeader(total uint64) (Header, error) {
	if total < HeaderSize || total-HeaderSize > core.MaxFrameLen {
		return Header{}, fmt.Errorf("padding of %d bytes: %w", total, core.ErrCorruptRecord)
	}
	n := uint16(total - HeaderSize)
	return Header{CapLen: n, Len: n}, nil
}

// IsPadding reports whether h marks a padding record.
func (h Header) IsPadding() bool { return h.Sec == 0 && h.Nsec == 0 }

// Time returns the capture timestamp.
func (h Header) Time() time.Time { return time.Unix(int64(h.Sec), int64(h.Nsec)) }

// Size returns the full record size.
func (h Header) Size() uint64 { return HeaderSize + uint64(h.CapLen) }

// Encode writes h into p, which must hold HeaderSize bytes.
func (h Header) Encode(p []byte) {
	_ = p[HeaderSize-1]
	binary.LittleEndian.PutUint32(p[0:4], h.Sec)
	binary.LittleEndian.PutUint32(p[4:8], h.Nsec)
	binary.LittleEndian.PutUint16(p[8:10], h.CapLen)
	binary.LittleEndian.PutUint16(p[10:12], h.Len)
}

// DecodeHeader parses the first HeaderSize bytes of p.
func DecodeHeader(p []byte) Header {
	_ = p[HeaderSize-1]
	return Header{
		Sec:    binary.LittleEndian.Uint32(p[0:4]),
		Nsec:   binary.LittleEndian.Uint32(p[4:8]),
		CapLen: binary.LittleEndian.Uint16(p[8:10]),
		Len:    binary.LittleEndian.Uint16(p[10:12]),
	}
}

// Validate rejects headers no writer produces.
func (h Header) Validate() error {
	if h.IsPadding() {
		if h.CapLen != h.Len {
			return fmt.Errorf("padding caplen %d != len %d: %w", h.CapLen, h.Len, core.ErrCorruptRecord)
		}
		return nil
	}
	if h.CapLen > h.Len {
		return fmt.Errorf("caplen %d > len %d: %w", h.CapLen, h.Len, core.ErrCorruptRecord)
	}
	if h.Nsec >= uint32(time.Second) {
		return fmt.Errorf("nsec %d out of range: %w", h.Nsec, core.ErrCorruptRecord)
	}
	return nil
}
