package audio

import (
	"errors"
	"math"
)

// ErrInvalidClip is returned for clips that cannot be measured.
var ErrInvalidClip = errors.New("audio: clip has no sample rate or channels")

// Segment is one silence-delimited portion of a source clip.
type Segment struct {
	Index   int
	StartMS int
	EndMS   int
	Clip    *Clip
}

// DurationMS returns the segment length in milliseconds.
func (s Segment) DurationMS() int { return s.EndMS - s.StartMS }

// Segmenter splits preprocessed audio into ordered segments.
type Segmenter interface {
	Split(clip *Clip) ([]Segment, error)
}

// SilenceSplitter cuts a clip wherever the audio stays below an adaptive
// threshold for at least MinSilenceMS. The threshold is the clip's own
// loudness minus MarginDB, so it must be measured on the filtered clip.
type SilenceSplitter struct {
	MinSilenceMS  int
	MarginDB      float64
	KeepSilenceMS int
}

var _ Segmenter = SilenceSplitter{}

// Split returns the non-silent ranges of clip, each padded by KeepSilenceMS
// on both sides. Padded ranges that would overlap meet at their midpoint.
func (s SilenceSplitter) Split(clip *Clip) ([]Segment, error) {
	if clip == nil || clip.SampleRate <= 0 || clip.Channels <= 0 {
		return nil, ErrInvalidClip
	}
	threshold := clip.DBFS() - s.MarginDB
	ranges := nonSilentRanges(clip, s.MinSilenceMS, threshold)
	if len(ranges) == 0 {
		return nil, nil
	}

	keep := s.KeepSilenceMS
	for i := range ranges {
		ranges[i][0] -= keep
		ranges[i][1] += keep
	}
	for i := 0; i+1 < len(ranges); i++ {
		if ranges[i+1][0] < ranges[i][1] {
			mid := (ranges[i][1] + ranges[i+1][0]) / 2
			ranges[i][1] = mid
			ranges[i+1][0] = mid
		}
	}

	total := clip.DurationMS()
	segments := make([]Segment, 0, len(ranges))
	for i, r := range ranges {
		start, end := max(r[0], 0), min(r[1], total)
		segments = append(segments, Segment{
			Index:   i,
			StartMS: start,
			EndMS:   end,
			Clip:    clip.Slice(start, end),
		})
	}
	return segments, nil
}

// silentRanges scans windows of minSilenceMS at 1 ms steps and merges the
// windows whose RMS is at or below thresholdDB into [start, end] ranges.
// Silent windows whose starts lie within minSilenceMS of each other belong
// to the same range, so the ranges never overlap.
func silentRanges(clip *Clip, minSilenceMS int, thresholdDB float64) [][2]int {
	total := clip.DurationMS()
	if minSilenceMS <= 0 || total < minSilenceMS {
		return nil
	}

	limit := 0.0
	if !math.IsInf(thresholdDB, -1) {
		limit = dbToAmplitude(thresholdDB)
	}

	// prefix[i] holds the sum of squares of all samples in frames [0, i).
	frames := clip.Frames()
	prefix := make([]int64, frames+1)
	for i := 0; i < frames; i++ {
		var acc int64
		for ch := 0; ch < clip.Channels; ch++ {
			v := int64(clip.Samples[i*clip.Channels+ch])
			acc += v * v
		}
		prefix[i+1] = prefix[i] + acc
	}

	var starts []int
	for startMS := 0; startMS <= total-minSilenceMS; startMS++ {
		a, b := clip.frameAt(startMS), clip.frameAt(startMS+minSilenceMS)
		n := (b - a) * clip.Channels
		if n == 0 {
			continue
		}
		rms := math.Sqrt(float64(prefix[b]-prefix[a]) / float64(n))
		if rms <= limit {
			starts = append(starts, startMS)
		}
	}
	if len(starts) == 0 {
		return nil
	}

	var ranges [][2]int
	rangeStart, prev := starts[0], starts[0]
	for _, st := range starts[1:] {
		if st != prev+1 && st > prev+minSilenceMS {
			ranges = append(ranges, [2]int{rangeStart, prev + minSilenceMS})
			rangeStart = st
		}
		prev = st
	}
	ranges = append(ranges, [2]int{rangeStart, prev + minSilenceMS})
	return ranges
}

// nonSilentRanges inverts silentRanges over the clip duration.
func nonSilentRanges(clip *Clip, minSilenceMS int, thresholdDB float64) [][2]int {
	total := clip.DurationMS()
	if total == 0 {
		return nil
	}
	silent := silentRanges(clip, minSilenceMS, thresholdDB)
	if len(silent) == 0 {
		return [][2]int{{0, total}}
	}
	if silent[0][0] == 0 && silent[0][1] == total {
		return nil
	}
	var out [][2]int
	prevEnd := 0
	for _, r := range silent {
		out = append(out, [2]int{prevEnd, r[0]})
		prevEnd = r[1]
	}
	if prevEnd != total {
		out = append(out, [2]int{prevEnd, total})
	}
	if len(out) > 0 && out[0] == [2]int{0, 0} {
		out = out[1:]
	}
	return out
}
