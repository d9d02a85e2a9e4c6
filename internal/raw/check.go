package raw

import "io"

// Report summarizes a RAW stream consistency check.
type Report struct {
	Records          int    `json:"records"`
	Paddings         int    `json:"paddings"`
	DataBytes        uint64 `json:"data_bytes"`
	PaddingBytes     uint64 `json:"padding_bytes"`
	Bytes            uint64 `json:"bytes"`
	TimeRegressions  int    `json:"time_regressions"`
	SegmentStraddles int    `json:"segment_straddles"`
	Error            string `json:"error,omitempty"`
}

// OK reports whether the stream parsed cleanly and no record crossed a
// segment boundary.
func (r Report) OK() bool { return r.Error == "" && r.SegmentStraddles == 0 }

// Check walks a RAW stream that starts at stream offset start and verifies
// its framing. When segment is nonzero, a record spanning a multiple of
// segment counts as a straddle. Timestamps going backwards are counted but
// tolerated, since several workers interleave their records.
func Check(r io.Reader, start, segment uint64) Report {
	var rep Report
	var last Header
	sc := NewScanner(r).KeepPadding()
	for sc.Next() {
		rec := sc.Record()
		size := rec.Size()
		abs := start + rec.Offset
		rep.Bytes += size

		if segment > 0 && abs/segment != (abs+size-1)/segment {
			rep.SegmentStraddles++
		}
		if rec.IsPadding() {
			rep.Paddings++
			rep.PaddingBytes += size
			continue
		}
		rep.Records++
		rep.DataBytes += size
		if last.Sec != 0 && rec.Time().Before(last.Time()) {
			rep.TimeRegressions++
		}
		last = rec.Header
	}
	if err := sc.Err(); err != nil {
		rep.Error = err.Error()
	}
	return rep
}
