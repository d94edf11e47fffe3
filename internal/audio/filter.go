package audio

import "math"

// LowPass applies a single-pole RC low-pass filter to every channel of c
// and returns the filtered copy. The first frame passes through unchanged.
func LowPass(c *Clip, cutoffHz float64) *Clip {
	out := &Clip{
		SampleRate: c.SampleRate,
		Channels:   c.Channels,
		Samples:    make([]int, len(c.Samples)),
	}
	frames := c.Frames()
	if frames == 0 || cutoffHz <= 0 || c.SampleRate <= 0 {
		copy(out.Samples, c.Samples)
		return out
	}

	rc := 1.0 / (cutoffHz * 2 * math.Pi)
	dt := 1.0 / float64(c.SampleRate)
	alpha := dt / (rc + dt)

	last := make([]float64, c.Channels)
	for ch := 0; ch < c.Channels; ch++ {
		last[ch] = float64(c.Samples[ch])
		out.Samples[ch] = c.Samples[ch]
	}
	for i := 1; i < frames; i++ {
		for ch := 0; ch < c.Channels; ch++ {
			off := i*c.Channels + ch
			last[ch] += alpha * (float64(c.Samples[off]) - last[ch])
			out.Samples[off] = int(last[ch])
		}
	}
	return out
}
