package access

// BufChunk is one contiguous slice of the caller's user buffer that maps
// to a position inside a segment's contiguous file range. Consecutive
// chunks for the same segment normally start stripeUnit*segCnt apart in
// the user buffer (one round-robin round touches every segment once), except for
// a possibly-short leading or trailing chunk at the ends of the access.
type BufChunk struct {
	BufOffset int64
	Size      int64
}

// SegRange is one segment's share of a striped access: a single
// contiguous range in the segment's backing file, assembled in the user
// buffer from one or more BufChunks. Because round-robin striping
// visits a segment once per full pass over all segments, a segment's
// chunks are always contiguous on the file side even though they are
// scattered in the user buffer — so one (FileOffset, ByteCount) pair
// per touched segment is enough; only the user-buffer side needs the
// scatter/gather description.
type SegRange struct {
	SegIndex   int
	FileOffset int64
	ByteCount  int64
	Chunks     []BufChunk
}

// VecDesc is the spec-level vector buffer descriptor: (block size,
// stride, first-block pointer, net first-block size). It is derivable
// from a SegRange's Chunks and is provided for callers that want the
// compact four-field form; Gather/Scatter below work directly off
// Chunks, which also handles a final short chunk correctly without
// extra edge-case arithmetic.
type VecDesc struct {
	BlockSize     int64
	Stride        int64
	FirstPtr      int64
	NetFirstBlock int64
}

func (r SegRange) VecDescriptor(segCnt int, stripeUnit int64) VecDesc {
	if len(r.Chunks) == 0 {
		return VecDesc{}
	}
	return VecDesc{
		BlockSize:     stripeUnit,
		Stride:        stripeUnit * int64(segCnt),
		FirstPtr:      r.Chunks[0].BufOffset,
		NetFirstBlock: r.Chunks[0].Size,
	}
}

// ComputeStripe computes the per-segment slices for a linear (global or
// independent view) access of n bytes starting at offset, striped
// round-robin in units of stripeUnit across segCnt segments. Segments
// are returned in access order (the order requests must be pipelined
// in), starting with the segment containing offset.
func ComputeStripe(stripeUnit int64, segCnt int, offset, n int64) []SegRange {
	if n <= 0 || segCnt <= 0 || stripeUnit <= 0 {
		return nil
	}

	startStripe := offset / stripeUnit
	startOffsetInStripe := offset % stripeUnit
	firstSeg := int(startStripe % int64(segCnt))
	firstFileStripe := startStripe / int64(segCnt)

	ranges := make([]SegRange, 0, segCnt)
	byIndex := make(map[int]*SegRange, segCnt)

	remaining := n
	bufOffset := int64(0)
	seg := firstSeg
	fileStripe := firstFileStripe
	offsetInStripe := startOffsetInStripe

	for remaining > 0 {
		chunkSize := stripeUnit - offsetInStripe
		if chunkSize > remaining {
			chunkSize = remaining
		}
		fileOffset := fileStripe*stripeUnit + offsetInStripe

		r, ok := byIndex[seg]
		if !ok {
			ranges = append(ranges, SegRange{SegIndex: seg, FileOffset: fileOffset})
			r = &ranges[len(ranges)-1]
			byIndex[seg] = r
		}
		r.ByteCount += chunkSize
		r.Chunks = append(r.Chunks, BufChunk{BufOffset: bufOffset, Size: chunkSize})

		bufOffset += chunkSize
		remaining -= chunkSize

		// Every segment is visited once per round; advance to the next
		// segment in round-robin order, bumping the file stripe index
		// whenever the round wraps back to segment 0.
		seg++
		if seg == segCnt {
			seg = 0
			fileStripe++
		}
		offsetInStripe = 0
	}

	return ranges
}

// ComputeSegmented builds the trivial contiguous descriptor for a
// segmented-view access: a single segment, no striping.
func ComputeSegmented(segIndex int, offset, n int64) SegRange {
	return SegRange{
		SegIndex:   segIndex,
		FileOffset: offset,
		ByteCount:  n,
		Chunks:     []BufChunk{{BufOffset: 0, Size: n}},
	}
}

// Gather assembles the contiguous per-segment write payload for r out of
// the caller's user buffer buf.
func Gather(buf []byte, r SegRange) []byte {
	out := make([]byte, 0, r.ByteCount)
	for _, c := range r.Chunks {
		out = append(out, buf[c.BufOffset:c.BufOffset+c.Size]...)
	}
	return out
}

// Scatter copies a segment's contiguous reply payload data back into the
// scattered positions of dst that r.Chunks describes. If data is
// shorter than r.ByteCount (a partial reply), only the chunks data
// actually covers are written, and the number of destination bytes
// written is returned.
func Scatter(dst []byte, r SegRange, data []byte) int64 {
	var written int64
	remaining := data
	for _, c := range r.Chunks {
		if int64(len(remaining)) == 0 {
			break
		}
		n := c.Size
		if int64(len(remaining)) < n {
			n = int64(len(remaining))
		}
		copy(dst[c.BufOffset:c.BufOffset+n], remaining[:n])
		written += n
		remaining = remaining[n:]
	}
	return written
}
