package audio

import "math"

const testRate = 8000

// tone returns ms milliseconds of a 440 Hz sine at the given amplitude.
func tone(ms int, amplitude float64) []int {
	n := ms * testRate / 1000
	out := make([]int, n)
	for i := range out {
		out[i] = int(amplitude * math.Sin(2*math.Pi*440*float64(i)/testRate))
	}
	return out
}

func silence(ms int) []int {
	return make([]int, ms*testRate/1000)
}

func monoClip(parts ...[]int) *Clip {
	var samples []int
	for _, p := range parts {
		samples = append(samples, p...)
	}
	return &Clip{SampleRate: testRate, Channels: 1, Samples: samples}
}
