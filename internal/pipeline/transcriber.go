package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// ErrRecognizerPanic wraps a panic raised inside a recognizer backend.
var ErrRecognizerPanic = errors.New("recognizer panicked")

type Outcome int

const (
	OutcomeText Outcome = iota
	OutcomeEmpty
	OutcomeServiceError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeText:
		return "text"
	case OutcomeEmpty:
		return "empty"
	case OutcomeServiceError:
		return "service_error"
	default:
		return "unknown"
	}
}

// ChunkResult is the outcome of recognising one segment. Only OutcomeText
// carries text; Err is set for OutcomeServiceError.
type ChunkResult struct {
	Index   int
	Outcome Outcome
	Text    string
	Err     error
}

// Transcriber exports a segment, calibrates for ambient noise and asks the
// recognizer for text exactly once.
type Transcriber struct {
	recognizer      stt.Recognizer
	ambientWindowMS int
	logger          *slog.Logger
}

func NewTranscriber(recognizer stt.Recognizer, ambientWindowMS int, logger *slog.Logger) *Transcriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcriber{
		recognizer:      recognizer,
		ambientWindowMS: max(ambientWindowMS, 0),
		logger:          logger,
	}
}

// Transcribe classifies the recognizer response into a ChunkResult. The
// returned error is reserved for failures that should fail the whole attempt:
// export errors, cancellation and recognizer panics.
func (t *Transcriber) Transcribe(ctx context.Context, seg audio.Segment, dir string) (res ChunkResult, err error) {
	res.Index = seg.Index
	if err := ctx.Err(); err != nil {
		return res, err
	}

	clip, noiseFloor := t.calibrate(seg.Clip)
	if clip.Frames() == 0 {
		res.Outcome = OutcomeEmpty
		return res, nil
	}
	path := filepath.Join(dir, fmt.Sprintf("chunk%d.wav", seg.Index))
	if err := audio.WriteWAV(path, clip); err != nil {
		return res, fmt.Errorf("export chunk %d: %w", seg.Index, err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: chunk %d: %v", ErrRecognizerPanic, seg.Index, r)
		}
	}()

	out, recErr := t.recognizer.Recognize(ctx, stt.Request{
		Path:           path,
		SampleRate:     clip.SampleRate,
		Channels:       clip.Channels,
		DurationMS:     clip.DurationMS(),
		NoiseFloorDBFS: noiseFloor,
	})
	if cerr := ctx.Err(); cerr != nil {
		return res, cerr
	}
	switch {
	case recErr == nil && strings.TrimSpace(out.Text) != "":
		res.Outcome = OutcomeText
		res.Text = strings.TrimSpace(out.Text)
	case recErr == nil, errors.Is(recErr, stt.ErrUnintelligible):
		res.Outcome = OutcomeEmpty
		t.logger.Debug("chunk not understood", slog.Int("chunk", seg.Index))
	default:
		res.Outcome = OutcomeServiceError
		res.Err = recErr
		t.logger.Warn("recognition service error",
			slog.Int("chunk", seg.Index),
			slog.String("error", recErr.Error()),
		)
	}
	return res, nil
}

// calibrate measures the leading ambient window and returns the clip that
// remains after it. Segments no longer than the window are kept whole.
func (t *Transcriber) calibrate(clip *audio.Clip) (*audio.Clip, float64) {
	window := t.ambientWindowMS
	dur := clip.DurationMS()
	if window == 0 || dur <= window {
		return clip, clip.DBFS()
	}
	return clip.Slice(window, dur), clip.Slice(0, window).DBFS()
}
