package access

// EffectiveBytes interprets the per-segment results of a striped access
// in segment-major (pipeline) order and returns the number of bytes
// actually transferred from the start of the user's requested range.
// Segments before the first short one count in full; the first segment
// that returned fewer bytes than it was asked for contributes its
// actual count and ends the tally, since a stripe access is only as
// complete as its earliest incomplete segment. Segments after a short
// one are not counted even if they happen to have succeeded in full,
// matching the serial byte-stream semantics the striping presents to
// the caller.
func EffectiveBytes(ranges []SegRange, results []PipelineResult) int64 {
	var total int64
	for i, r := range ranges {
		got := results[i].N
		if got >= r.ByteCount {
			total += r.ByteCount
			continue
		}
		total += got
		break
	}
	return total
}
