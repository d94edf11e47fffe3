package stt

import (
	"context"
	"errors"
)

// ErrUnintelligible is returned when the engine processed the audio but
// recognised no speech in it. Any other error is a service failure.
var ErrUnintelligible = errors.New("stt: could not understand audio")

// Request points a recognizer at one canonical WAV chunk.
type Request struct {
	Path           string
	SampleRate     int
	Channels       int
	DurationMS     int
	NoiseFloorDBFS float64
}

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends. Implementations must be safe for
// concurrent use.
type Recognizer interface {
	Recognize(ctx context.Context, req Request) (TranscriptResult, error)
}
