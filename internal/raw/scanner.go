package raw

import (
	"errors"
	"fmt"
	"io"
)

// Record is one record read from a RAW stream.
type Record struct {
	Header
	Data   []byte // Payload, reused by the next call to Next
	Offset uint64 // Stream offset of the header
}

// Scanner reads records from a RAW stream.
type Scanner struct {
	r           io.Reader
	hdr         [HeaderSize]byte
	buf         []byte
	offset      uint64
	keepPadding bool
	rec         Record
	err         error
}

// NewScanner returns a Scanner that skips padding records.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: r, buf: make([]byte, 0, 2048)}
}

// KeepPadding makes Next return padding records too.
func (s *Scanner) KeepPadding() *Scanner {
	s.keepPadding = true
	return s
}

// Next advances to the next record. It returns false at the end of the
// stream or on error.
func (s *Scanner) Next() bool {
	for s.err == nil {
		if _, err := io.ReadFull(s.r, s.hdr[:]); err != nil {
			if !errors.Is(err, io.EOF) {
				s.err = fmt.Errorf("read header at %d: %w", s.offset, err)
			}
			return false
		}
		h := DecodeHeader(s.hdr[:])
		if err := h.Validate(); err != nil {
			s.err = fmt.Errorf("offset %d: %w", s.offset, err)
			return false
		}

		n := int(h.CapLen)
		if cap(s.buf) < n {
			s.buf = make([]byte, n)
		}
		s.buf = s.buf[:n]
		if _, err := io.ReadFull(s.r, s.buf); err != nil {
			s.err = fmt.Errorf("read payload at %d: %w", s.offset, err)
			return false
		}

		s.rec = Record{Header: h, Data: s.buf, Offset: s.offset}
		s.offset += h.Size()
		if h.IsPadding() && !s.keepPadding {
			continue
		}
		return true
	}
	return false
}

// Record returns the current record.
func (s *Scanner) Record() Record { return s.rec }

// Offset returns the stream offset following the current record.
func (s *Scanner) Offset() uint64 { return s.offset }

// Err returns the first error encountered, nil at a clean end of stream.
func (s *Scanner) Err() error { return s.err }
