package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

type fakeDecoder struct {
	calls   atomic.Int32
	failFor int32
	clip    *audio.Clip
}

func (d *fakeDecoder) Decode(context.Context, string) (*audio.Clip, error) {
	n := d.calls.Add(1)
	if n <= d.failFor {
		return nil, errors.New("decoder exploded")
	}
	return d.clip, nil
}

// evenSegmenter cuts a clip into n equal segments.
type evenSegmenter struct{ n int }

func (s evenSegmenter) Split(clip *audio.Clip) ([]audio.Segment, error) {
	total := clip.DurationMS()
	step := total / max(s.n, 1)
	out := make([]audio.Segment, 0, s.n)
	for i := 0; i < s.n; i++ {
		start, end := i*step, (i+1)*step
		out = append(out, audio.Segment{Index: i, StartMS: start, EndMS: end, Clip: clip.Slice(start, end)})
	}
	return out, nil
}

// brokenSegmenter fails or panics on every call.
type brokenSegmenter struct {
	calls  atomic.Int32
	panics bool
}

func (s *brokenSegmenter) Split(*audio.Clip) ([]audio.Segment, error) {
	s.calls.Add(1)
	if s.panics {
		panic("segmentation exploded")
	}
	return nil, errors.New("segmentation failed")
}

// pathDecoder fails the first decode of each path listed in failOnce.
type pathDecoder struct {
	mu       sync.Mutex
	failOnce map[string]bool
	decoded  chan string
	clip     *audio.Clip
}

func (d *pathDecoder) Decode(_ context.Context, path string) (*audio.Clip, error) {
	d.mu.Lock()
	fail := d.failOnce[path]
	delete(d.failOnce, path)
	d.mu.Unlock()
	if d.decoded != nil {
		d.decoded <- path
	}
	if fail {
		return nil, errors.New("transient decode failure")
	}
	return d.clip, nil
}

func testClip(ms int) *audio.Clip {
	samples := make([]int, ms*8)
	for i := range samples {
		samples[i] = (i % 50) * 100
	}
	return &audio.Clip{SampleRate: 8000, Channels: 1, Samples: samples}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// chunkNamer answers each chunk with its exported file name.
func chunkNamer() *stt.Mock {
	return stt.NewScriptedRecognizer(func(_ context.Context, req stt.Request) (stt.TranscriptResult, error) {
		return stt.TranscriptResult{Text: strings.TrimSuffix(filepath.Base(req.Path), ".wav")}, nil
	})
}

func newTestOrchestrator(t *testing.T, dec audio.Decoder, segments int, rec stt.Recognizer, opts Options) *Orchestrator {
	t.Helper()
	if opts.ScratchDir == "" {
		opts.ScratchDir = t.TempDir()
	}
	tr := NewTranscriber(rec, 0, testLogger())
	return NewOrchestrator(dec, evenSegmenter{n: segments}, tr, opts, testLogger())
}

func TestAggregatePreservesOrder(t *testing.T) {
	results := []ChunkResult{
		{Index: 0, Outcome: OutcomeText, Text: "a"},
		{Index: 1, Outcome: OutcomeEmpty},
		{Index: 2, Outcome: OutcomeText, Text: " c "},
		{Index: 3, Outcome: OutcomeServiceError, Err: errors.New("down")},
	}
	if got := Aggregate(results); got != "a c" {
		t.Fatalf("expected %q, got %q", "a c", got)
	}
	if got := Aggregate(nil); got != "" {
		t.Fatalf("expected empty aggregate, got %q", got)
	}
}

func TestRunSucceeds(t *testing.T) {
	dec := &fakeDecoder{clip: testClip(3000)}
	o := newTestOrchestrator(t, dec, 3, chunkNamer(), Options{LowPassCutoffHz: 3000})

	rec, err := o.Run(context.Background(), "in.wav")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.Text != "chunk0 chunk1 chunk2" {
		t.Fatalf("unexpected text %q", rec.Text)
	}
	if rec.Status != StatusSucceeded || rec.Attempts != 1 || rec.Segments != 3 || rec.Recognized != 3 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.AudioDuration != 3*time.Second {
		t.Fatalf("unexpected duration %s", rec.AudioDuration)
	}
}

func TestRunRetryBound(t *testing.T) {
	dec := &fakeDecoder{failFor: 100, clip: testClip(1000)}
	o := newTestOrchestrator(t, dec, 1, chunkNamer(), Options{MaxRetries: 3})

	rec, err := o.Run(context.Background(), "in.wav")
	if !errors.Is(err, ErrPipelineFailed) {
		t.Fatalf("expected ErrPipelineFailed, got %v", err)
	}
	if dec.calls.Load() != 3 {
		t.Fatalf("expected 3 decode attempts, got %d", dec.calls.Load())
	}
	if rec.Text != "" || rec.Status != StatusFailed || rec.Attempts != 3 {
		t.Fatalf("unexpected failed record %+v", rec)
	}
}

func TestRunRecoversOnRetry(t *testing.T) {
	dec := &fakeDecoder{failFor: 1, clip: testClip(1000)}
	o := newTestOrchestrator(t, dec, 2, chunkNamer(), Options{MaxRetries: 3, Backoff: time.Millisecond})

	rec, err := o.Run(context.Background(), "in.wav")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.Attempts != 2 || rec.Text != "chunk0 chunk1" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestRunAllServiceErrorsSucceedsEmpty(t *testing.T) {
	down := stt.NewScriptedRecognizer(func(context.Context, stt.Request) (stt.TranscriptResult, error) {
		return stt.TranscriptResult{}, errors.New("quota exceeded")
	})
	dec := &fakeDecoder{clip: testClip(2000)}
	o := newTestOrchestrator(t, dec, 2, down, Options{})

	rec, err := o.Run(context.Background(), "in.wav")
	if err != nil {
		t.Fatalf("service errors must not fail the run: %v", err)
	}
	if rec.Text != "" || rec.Status != StatusDegraded || rec.ServiceErrors != 2 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if dec.calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", dec.calls.Load())
	}
}

func TestRunAbortOnServiceError(t *testing.T) {
	down := stt.NewScriptedRecognizer(func(context.Context, stt.Request) (stt.TranscriptResult, error) {
		return stt.TranscriptResult{}, errors.New("quota exceeded")
	})
	dec := &fakeDecoder{clip: testClip(2000)}
	o := newTestOrchestrator(t, dec, 2, down, Options{MaxRetries: 2, AbortOnServiceError: true})

	_, err := o.Run(context.Background(), "in.wav")
	if !errors.Is(err, ErrPipelineFailed) || !errors.Is(err, ErrServiceChunk) {
		t.Fatalf("expected aborted pipeline, got %v", err)
	}
	if dec.calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", dec.calls.Load())
	}
}

func TestRunEmptyChunksAreNotErrors(t *testing.T) {
	dec := &fakeDecoder{clip: testClip(2000)}
	o := newTestOrchestrator(t, dec, 2, stt.NewFixedRecognizer(""), Options{})

	rec, err := o.Run(context.Background(), "in.wav")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.Status != StatusSucceeded || rec.Unrecognized != 2 || rec.Text != "" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestRunPreservesOrderWithConcurrency(t *testing.T) {
	slowFirst := stt.NewScriptedRecognizer(func(_ context.Context, req stt.Request) (stt.TranscriptResult, error) {
		name := strings.TrimSuffix(filepath.Base(req.Path), ".wav")
		if name == "chunk0" {
			time.Sleep(20 * time.Millisecond)
		}
		return stt.TranscriptResult{Text: name}, nil
	})
	dec := &fakeDecoder{clip: testClip(4000)}
	o := newTestOrchestrator(t, dec, 4, slowFirst, Options{ChunkConcurrency: 4})

	rec, err := o.Run(context.Background(), "in.wav")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.Text != "chunk0 chunk1 chunk2 chunk3" {
		t.Fatalf("order not preserved: %q", rec.Text)
	}
}

func TestRunRemovesScratchFiles(t *testing.T) {
	scratch := t.TempDir()
	dec := &fakeDecoder{clip: testClip(2000)}
	o := newTestOrchestrator(t, dec, 2, chunkNamer(), Options{ScratchDir: scratch})

	if _, err := o.Run(context.Background(), "in.wav"); err != nil {
		t.Fatalf("run: %v", err)
	}
	entries, err := os.ReadDir(scratch)
	if err != nil {
		t.Fatalf("read scratch: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected scratch dir to be empty, found %d entries", len(entries))
	}
}

func TestRunRecognizerPanicFailsAttempt(t *testing.T) {
	boom := stt.NewScriptedRecognizer(func(context.Context, stt.Request) (stt.TranscriptResult, error) {
		panic("backend bug")
	})
	dec := &fakeDecoder{clip: testClip(1000)}
	o := newTestOrchestrator(t, dec, 1, boom, Options{MaxRetries: 2})

	_, err := o.Run(context.Background(), "in.wav")
	if !errors.Is(err, ErrPipelineFailed) || !errors.Is(err, ErrRecognizerPanic) {
		t.Fatalf("expected panic surfaced as pipeline failure, got %v", err)
	}
}

func TestRunRetriesSegmentationFailures(t *testing.T) {
	for _, panics := range []bool{false, true} {
		seg := &brokenSegmenter{panics: panics}
		tr := NewTranscriber(chunkNamer(), 0, testLogger())
		o := NewOrchestrator(&fakeDecoder{clip: testClip(1000)}, seg, tr,
			Options{MaxRetries: 3, ScratchDir: t.TempDir()}, testLogger())

		rec, err := o.Run(context.Background(), "in.wav")
		if !errors.Is(err, ErrPipelineFailed) {
			t.Fatalf("panic=%v: expected ErrPipelineFailed, got %v", panics, err)
		}
		if panics && !errors.Is(err, ErrAttemptPanic) {
			t.Fatalf("expected panic to be reported, got %v", err)
		}
		if seg.calls.Load() != 3 || rec.Attempts != 3 || rec.Status != StatusFailed {
			t.Fatalf("panic=%v: expected 3 attempts, got calls=%d rec=%+v", panics, seg.calls.Load(), rec)
		}
	}
}

func TestBackoffReleasesJobSlot(t *testing.T) {
	dec := &pathDecoder{
		failOnce: map[string]bool{"retry.wav": true},
		decoded:  make(chan string, 4),
		clip:     testClip(1000),
	}
	tr := NewTranscriber(chunkNamer(), 0, testLogger())
	o := NewOrchestrator(dec, evenSegmenter{n: 1}, tr, Options{
		MaxConcurrentJobs: 1,
		MaxRetries:        2,
		Backoff:           time.Hour,
		ScratchDir:        t.TempDir(),
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	retried := make(chan error, 1)
	go func() {
		_, err := o.Run(ctx, "retry.wav")
		retried <- err
	}()
	if got := <-dec.decoded; got != "retry.wav" {
		t.Fatalf("unexpected first decode %q", got)
	}

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), "other.wav")
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("concurrent job failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent job waited on another job's backoff")
	}

	cancel()
	if err := <-retried; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected retrying job to be cancelled, got %v", err)
	}
}

func TestRunBackoffHonoursCancellation(t *testing.T) {
	dec := &fakeDecoder{failFor: 100, clip: testClip(1000)}
	o := newTestOrchestrator(t, dec, 1, chunkNamer(), Options{MaxRetries: 3, Backoff: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	rec, err := o.Run(ctx, "in.wav")
	if !errors.Is(err, ErrPipelineFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected cancelled pipeline, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("backoff ignored cancellation")
	}
	if rec.Attempts != 1 {
		t.Fatalf("expected 1 attempt before cancellation, got %d", rec.Attempts)
	}
}

func TestRunNoSegments(t *testing.T) {
	dec := &fakeDecoder{clip: testClip(1000)}
	rec := chunkNamer()
	o := newTestOrchestrator(t, dec, 0, rec, Options{})

	out, err := o.Run(context.Background(), "in.wav")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Text != "" || out.Segments != 0 || rec.Calls() != 0 {
		t.Fatalf("unexpected record %+v calls=%d", out, rec.Calls())
	}
}

func TestTranscriberConsumesAmbientWindow(t *testing.T) {
	var got []int
	rec := stt.NewScriptedRecognizer(func(_ context.Context, req stt.Request) (stt.TranscriptResult, error) {
		got = append(got, req.DurationMS)
		return stt.TranscriptResult{Text: "ok"}, nil
	})
	tr := NewTranscriber(rec, 500, testLogger())
	dir := t.TempDir()

	long := audio.Segment{Index: 0, Clip: testClip(1500)}
	short := audio.Segment{Index: 1, Clip: testClip(400)}
	for _, seg := range []audio.Segment{long, short} {
		res, err := tr.Transcribe(context.Background(), seg, dir)
		if err != nil {
			t.Fatalf("transcribe: %v", err)
		}
		if res.Outcome != OutcomeText || res.Index != seg.Index {
			t.Fatalf("unexpected result %+v", res)
		}
	}
	if len(got) != 2 || got[0] != 1000 || got[1] != 400 {
		t.Fatalf("unexpected recognised durations %v", got)
	}
}
