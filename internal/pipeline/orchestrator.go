// Package pipeline turns an audio file into a transcript: decode, filter,
// split on silence, recognise each chunk and join the results.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrPipelineFailed is returned once every attempt has failed.
var ErrPipelineFailed = errors.New("transcription failed after all attempts")

// ErrServiceChunk fails an attempt when AbortOnServiceError is set.
var ErrServiceChunk = errors.New("chunk hit a recognition service error")

// ErrAttemptPanic wraps a panic raised while decoding, filtering or splitting.
var ErrAttemptPanic = errors.New("pipeline attempt panicked")

type Status string

const (
	StatusSucceeded Status = "succeeded"
	// StatusDegraded marks a successful run in which at least one chunk hit a
	// service error and contributed no text.
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// Record is the immutable result of one pipeline run.
type Record struct {
	Text          string
	Status        Status
	Attempts      int
	Segments      int
	Recognized    int
	Unrecognized  int
	ServiceErrors int
	AudioDuration time.Duration
	CompletedAt   time.Time
}

type Options struct {
	// MaxConcurrentJobs bounds the attempts running at once across all
	// files. A slot is held for one attempt and released during backoff.
	MaxConcurrentJobs   int
	MaxRetries          int
	Backoff             time.Duration
	ChunkConcurrency    int
	AbortOnServiceError bool
	LowPassCutoffHz     float64
	ScratchDir          string
	Clock               func() time.Time
}

type Orchestrator struct {
	decoder     audio.Decoder
	segmenter   audio.Segmenter
	transcriber *Transcriber
	opts        Options
	logger      *slog.Logger
	slots       *semaphore.Weighted
}

func NewOrchestrator(decoder audio.Decoder, segmenter audio.Segmenter, transcriber *Transcriber, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.ChunkConcurrency <= 0 {
		opts.ChunkConcurrency = 1
	}
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = 1
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		decoder:     decoder,
		segmenter:   segmenter,
		transcriber: transcriber,
		opts:        opts,
		logger:      logger,
		slots:       semaphore.NewWeighted(int64(opts.MaxConcurrentJobs)),
	}
}

// Run processes the file at path, restarting from decode after any attempt
// failure. At most MaxRetries attempts are made with a fixed Backoff between
// them. On exhaustion the returned Record has StatusFailed and no text.
func (o *Orchestrator) Run(ctx context.Context, path string) (Record, error) {
	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= o.opts.MaxRetries; attempt++ {
		attempts = attempt
		rec, err := o.attempt(ctx, path)
		if err == nil {
			rec.Attempts = attempt
			rec.CompletedAt = o.opts.Clock()
			return rec, nil
		}
		lastErr = err
		o.logger.Warn("transcription attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", o.opts.MaxRetries),
			slog.String("error", err.Error()),
		)
		if ctx.Err() != nil {
			break
		}
		if attempt < o.opts.MaxRetries {
			if err := wait(ctx, o.opts.Backoff); err != nil {
				break
			}
		}
	}
	o.logger.Error("transcription failed", slog.String("error", lastErr.Error()))
	rec := Record{Status: StatusFailed, Attempts: attempts, CompletedAt: o.opts.Clock()}
	if ctx.Err() != nil {
		return rec, fmt.Errorf("%w: %w", ErrPipelineFailed, ctx.Err())
	}
	return rec, fmt.Errorf("%w: %w", ErrPipelineFailed, lastErr)
}

func (o *Orchestrator) attempt(ctx context.Context, path string) (rec Record, err error) {
	if err := o.slots.Acquire(ctx, 1); err != nil {
		return Record{}, fmt.Errorf("wait for pipeline slot: %w", err)
	}
	defer o.slots.Release(1)
	defer func() {
		if r := recover(); r != nil {
			rec, err = Record{}, fmt.Errorf("%w: %v", ErrAttemptPanic, r)
		}
	}()

	clip, err := o.decoder.Decode(ctx, path)
	if err != nil {
		return Record{}, fmt.Errorf("decode: %w", err)
	}
	if o.opts.LowPassCutoffHz > 0 {
		clip = audio.LowPass(clip, o.opts.LowPassCutoffHz)
	}
	segments, err := o.segmenter.Split(clip)
	if err != nil {
		return Record{}, fmt.Errorf("split: %w", err)
	}

	dir, err := os.MkdirTemp(o.opts.ScratchDir, "loqa-scribe-chunks-*")
	if err != nil {
		return Record{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			o.logger.Warn("failed to remove scratch dir", slog.String("dir", dir), slog.String("error", err.Error()))
		}
	}()

	results, err := o.transcribeAll(ctx, segments, dir)
	if err != nil {
		return Record{}, err
	}

	rec = Record{
		Text:          Aggregate(results),
		Status:        StatusSucceeded,
		Segments:      len(segments),
		AudioDuration: time.Duration(clip.DurationMS()) * time.Millisecond,
	}
	for _, r := range results {
		switch r.Outcome {
		case OutcomeText:
			rec.Recognized++
		case OutcomeEmpty:
			rec.Unrecognized++
		case OutcomeServiceError:
			rec.ServiceErrors++
		}
	}
	if rec.ServiceErrors > 0 {
		rec.Status = StatusDegraded
	}
	o.logger.Debug("transcription attempt complete",
		slog.Int("segments", rec.Segments),
		slog.Int("recognized", rec.Recognized),
		slog.Int("unrecognized", rec.Unrecognized),
		slog.Int("service_errors", rec.ServiceErrors),
	)
	return rec, nil
}

// transcribeAll runs up to ChunkConcurrency chunks at a time and returns the
// results in segment order.
func (o *Orchestrator) transcribeAll(ctx context.Context, segments []audio.Segment, dir string) ([]ChunkResult, error) {
	results := make([]ChunkResult, len(segments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.ChunkConcurrency)
	for i, seg := range segments {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := o.transcriber.Transcribe(gctx, seg, dir)
			if err != nil {
				return err
			}
			if res.Outcome == OutcomeServiceError && o.opts.AbortOnServiceError {
				return fmt.Errorf("%w: chunk %d: %w", ErrServiceChunk, seg.Index, res.Err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Aggregate joins the text of successful chunks in order with single spaces.
func Aggregate(results []ChunkResult) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		if r.Outcome != OutcomeText {
			continue
		}
		if text := strings.TrimSpace(r.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
