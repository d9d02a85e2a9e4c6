package raw

import (
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PcapOptions configures ToPcap.
type PcapOptions struct {
	Nanosecond bool            // Write a nanosecond-resolution pcap
	SnapLen    uint32          // Snap length recorded in the file header
	LinkType   layers.LinkType // Defaults to Ethernet
}

// ToPcap converts a RAW stream into a pcap file and returns the number of
// frames written.
func ToPcap(r io.Reader, w io.Writer, opts PcapOptions) (int, error) {
	if opts.SnapLen == 0 {
		opts.SnapLen = 65535
	}
	if opts.LinkType == 0 {
		opts.LinkType = layers.LinkTypeEthernet
	}

	var pw *pcapgo.Writer
	if opts.Nanosecond {
		pw = pcapgo.NewWriterNanos(w)
	} else {
		pw = pcapgo.NewWriter(w)
	}
	if err := pw.WriteFileHeader(opts.SnapLen, opts.LinkType); err != nil {
		return 0, fmt.Errorf("write pcap header: %w", err)
	}

	frames := 0
	sc := NewScanner(r)
	for sc.Next() {
		rec := sc.Record()
		ci := gopacket.CaptureInfo{
			Timestamp:     rec.Time(),
			CaptureLength: int(rec.CapLen),
			Length:        int(rec.Len),
		}
		if err := pw.WritePacket(ci, rec.Data); err != nil {
			return frames, fmt.Errorf("write frame %d: %w", frames, err)
		}
		frames++
	}
	return frames, sc.Err()
}
