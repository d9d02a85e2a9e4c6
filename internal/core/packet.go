package core

import "time"

// MaxFrameLen is the largest length representable in a RAW record header.
const MaxFrameLen = 0xFFFF

// Frame is a harvested frame descriptor handed over by a frame source.
// Fragments alias source memory and are only valid until the source is
// asked for the next frame of the same segment.
type Frame struct {
	Fragments [][]byte  // Payload fragments, concatenated in order
	Length    int       // Original wire length
	Timestamp time.Time // Capture timestamp
	Hash      uint32    // NIC-provided hash, valid when HasHash is set
	HasHash   bool
	Index     uint64 // Descriptor index, passed back to ReleaseConsumed
}

// Prefix copies up to len(dst) leading payload bytes into dst and returns
// the number copied.
func (f *Frame) Prefix(dst []byte) int {
	n := 0
	for _, frag := range f.Fragments {
		if n == len(dst) {
			break
		}
		n += copy(dst[n:], frag)
	}
	return n
}

// CapturedLen returns the number of payload bytes actually present in the
// fragments.
func (f *Frame) CapturedLen() int {
	n := 0
	for _, frag := range f.Fragments {
		n += len(frag)
	}
	return n
}
