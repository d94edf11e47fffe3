// Package audio holds the decoded-audio primitives the transcription pipeline
// consumes: format decoding, noise reduction, loudness measurement,
// silence-based segmentation and canonical WAV export.
package audio

import "math"

// BitDepth is the sample width every decoded Clip is normalised to.
const BitDepth = 16

// maxAmplitude is the full-scale value for 16-bit signed PCM.
const maxAmplitude = 1 << (BitDepth - 1)

// Clip is decoded 16-bit PCM audio. Samples are interleaved by channel.
type Clip struct {
	SampleRate int
	Channels   int
	Samples    []int
}

// Frames returns the number of sample frames (one sample per channel).
func (c *Clip) Frames() int {
	if c == nil || c.Channels <= 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// DurationMS returns the clip length in whole milliseconds.
func (c *Clip) DurationMS() int {
	if c == nil || c.SampleRate <= 0 {
		return 0
	}
	return int(int64(c.Frames()) * 1000 / int64(c.SampleRate))
}

// frameAt converts a millisecond offset into a frame index clamped to the clip.
func (c *Clip) frameAt(ms int) int {
	if ms <= 0 {
		return 0
	}
	f := int(int64(ms) * int64(c.SampleRate) / 1000)
	if n := c.Frames(); f > n {
		return n
	}
	return f
}

// Slice returns the [startMS, endMS) portion of the clip. The samples are
// shared with c.
func (c *Clip) Slice(startMS, endMS int) *Clip {
	start, end := c.frameAt(startMS), c.frameAt(endMS)
	if end < start {
		end = start
	}
	return &Clip{
		SampleRate: c.SampleRate,
		Channels:   c.Channels,
		Samples:    c.Samples[start*c.Channels : end*c.Channels],
	}
}

// RMS returns the root-mean-square amplitude across all channels.
func (c *Clip) RMS() float64 {
	if c == nil || len(c.Samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range c.Samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(c.Samples)))
}

// DBFS returns the clip loudness relative to full scale. A silent clip
// reports negative infinity.
func (c *Clip) DBFS() float64 {
	rms := c.RMS()
	if rms == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms/maxAmplitude)
}

// dbToAmplitude converts a dBFS level into a 16-bit RMS amplitude.
func dbToAmplitude(db float64) float64 {
	return math.Pow(10, db/20) * maxAmplitude
}
