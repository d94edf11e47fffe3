package scribe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/cache"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/fingerprint"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

type fakeRunner struct {
	calls atomic.Int32
	fn    func(ctx context.Context) (pipeline.Record, error)
}

func (r *fakeRunner) Run(ctx context.Context, _ string) (pipeline.Record, error) {
	r.calls.Add(1)
	return r.fn(ctx)
}

func succeed(text string) *fakeRunner {
	return &fakeRunner{fn: func(context.Context) (pipeline.Record, error) {
		return pipeline.Record{Text: text, Status: pipeline.StatusSucceeded, Attempts: 1, Segments: 1, Recognized: 1}, nil
	}}
}

type memoryJobs struct {
	mu   sync.Mutex
	jobs []eventstore.Job
}

func (m *memoryJobs) AppendJob(_ context.Context, job eventstore.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *memoryJobs) ListJobs(_ context.Context, limit int) ([]eventstore.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]eventstore.Job, 0, len(m.jobs))
	for i := len(m.jobs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.jobs[i])
	}
	return out, nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *recordingPublisher) Publish(subject string, v any) error {
	if _, ok := v.(protocol.TranscriptionEvent); !ok {
		return errors.New("unexpected payload")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fp(t *testing.T, content string) fingerprint.Fingerprint {
	t.Helper()
	f, err := fingerprint.Compute(strings.NewReader(content))
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	return f
}

func TestTranscribeCachesSuccess(t *testing.T) {
	runner := succeed("hello world")
	jobs := &memoryJobs{}
	pub := &recordingPublisher{}
	svc := New(runner, cache.New(8, 0), Options{SubjectPrefix: "scribe"}, testLogger(),
		WithJobStore(jobs), WithPublisher(pub))
	key := fp(t, "audio-1")

	if _, ok := svc.Cached(context.Background(), key, "a.wav"); ok {
		t.Fatal("expected cache miss before first run")
	}
	res, err := svc.Transcribe(context.Background(), Job{Fingerprint: key, Filename: "a.wav", Path: "/tmp/a.wav"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "hello world" || res.Cached || res.JobID == "" {
		t.Fatalf("unexpected result %+v", res)
	}

	hit, ok := svc.Cached(context.Background(), key, "a.wav")
	if !ok || hit.Text != "hello world" || !hit.Cached {
		t.Fatalf("expected cache hit, got %+v ok=%v", hit, ok)
	}
	if runner.calls.Load() != 1 {
		t.Fatalf("expected a single pipeline run, got %d", runner.calls.Load())
	}

	recent, _ := svc.RecentJobs(context.Background(), 10)
	if len(recent) != 2 || recent[0].Status != StatusCached || recent[1].Status != string(pipeline.StatusSucceeded) {
		t.Fatalf("unexpected job history %+v", recent)
	}
	want := []string{"scribe.transcription.completed", "scribe.transcription.completed"}
	if len(pub.subjects) != 2 || pub.subjects[0] != want[0] || pub.subjects[1] != want[1] {
		t.Fatalf("unexpected published subjects %v", pub.subjects)
	}
}

func TestTranscribeFailureNotCached(t *testing.T) {
	runner := &fakeRunner{fn: func(context.Context) (pipeline.Record, error) {
		return pipeline.Record{Status: pipeline.StatusFailed, Attempts: 3}, pipeline.ErrPipelineFailed
	}}
	jobs := &memoryJobs{}
	pub := &recordingPublisher{}
	c := cache.New(8, 0)
	svc := New(runner, c, Options{}, testLogger(), WithJobStore(jobs), WithPublisher(pub))
	key := fp(t, "broken")

	res, err := svc.Transcribe(context.Background(), Job{Fingerprint: key, Path: "/tmp/x"})
	if !errors.Is(err, pipeline.ErrPipelineFailed) {
		t.Fatalf("expected pipeline failure, got %v", err)
	}
	if res.Text != "" {
		t.Fatalf("failed run must not return text")
	}
	if c.Len() != 0 {
		t.Fatal("failed run must not be cached")
	}
	if len(jobs.jobs) != 1 || jobs.jobs[0].Status != "failed" || jobs.jobs[0].Attempts != 3 || jobs.jobs[0].Error == "" {
		t.Fatalf("unexpected job history %+v", jobs.jobs)
	}
	if len(pub.subjects) != 1 || pub.subjects[0] != protocol.SubjectTranscriptionFailed {
		t.Fatalf("unexpected published subjects %v", pub.subjects)
	}

	if _, err := svc.Transcribe(context.Background(), Job{Fingerprint: key, Path: "/tmp/x"}); err == nil {
		t.Fatal("expected second failure")
	}
	if runner.calls.Load() != 2 {
		t.Fatalf("failures must be retried on the next request, got %d runs", runner.calls.Load())
	}
}

func TestDegradedRunsCachedOnlyWhenEnabled(t *testing.T) {
	degraded := func() *fakeRunner {
		return &fakeRunner{fn: func(context.Context) (pipeline.Record, error) {
			return pipeline.Record{Text: "partial", Status: pipeline.StatusDegraded, Attempts: 1, ServiceErrors: 1}, nil
		}}
	}
	for _, store := range []bool{false, true} {
		c := cache.New(8, 0)
		svc := New(degraded(), c, Options{StoreDegraded: store}, testLogger())
		res, err := svc.Transcribe(context.Background(), Job{Fingerprint: fp(t, "degraded"), Path: "/tmp/d"})
		if err != nil || res.Text != "partial" {
			t.Fatalf("store=%v: unexpected result %+v err=%v", store, res, err)
		}
		if got := c.Len() == 1; got != store {
			t.Fatalf("store=%v: cached=%v", store, got)
		}
	}
}

func TestTranscribeCollapsesDuplicates(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	runner := &fakeRunner{fn: func(context.Context) (pipeline.Record, error) {
		once.Do(func() { close(started) })
		<-release
		return pipeline.Record{Text: "shared", Status: pipeline.StatusSucceeded, Attempts: 1}, nil
	}}
	svc := New(runner, cache.New(8, 0), Options{}, testLogger())
	key := fp(t, "same-bytes")

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = svc.Transcribe(context.Background(), Job{Fingerprint: key, Path: "/tmp/1"})
	}()
	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = svc.Transcribe(context.Background(), Job{Fingerprint: key, Path: "/tmp/2"})
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range results {
		if errs[i] != nil || results[i].Text != "shared" || !results[i].Shared {
			t.Fatalf("caller %d: unexpected result %+v err=%v", i, results[i], errs[i])
		}
	}
	if results[0].JobID != results[1].JobID {
		t.Fatalf("duplicate uploads should report the same job, got %q and %q", results[0].JobID, results[1].JobID)
	}
	if runner.calls.Load() != 1 {
		t.Fatalf("expected one pipeline run for duplicate uploads, got %d", runner.calls.Load())
	}
}

func TestJobTimeout(t *testing.T) {
	runner := &fakeRunner{fn: func(ctx context.Context) (pipeline.Record, error) {
		<-ctx.Done()
		return pipeline.Record{Status: pipeline.StatusFailed, Attempts: 1}, ctx.Err()
	}}
	svc := New(runner, cache.New(8, 0), Options{JobTimeout: 20 * time.Millisecond}, testLogger())

	_, err := svc.Transcribe(context.Background(), Job{Fingerprint: fp(t, "slow"), Path: "/tmp/s"})
	if !errors.Is(err, pipeline.ErrPipelineFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timed out pipeline failure, got %v", err)
	}
}

func TestCancelledCallerStillWarmsCache(t *testing.T) {
	runner := &fakeRunner{fn: func(ctx context.Context) (pipeline.Record, error) {
		if err := ctx.Err(); err != nil {
			return pipeline.Record{}, err
		}
		return pipeline.Record{Text: "done", Status: pipeline.StatusSucceeded, Attempts: 1}, nil
	}}
	c := cache.New(8, 0)
	svc := New(runner, c, Options{}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.Transcribe(ctx, Job{Fingerprint: fp(t, "abandoned"), Path: "/tmp/a"}); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if c.Len() != 1 {
		t.Fatal("expected result cached despite cancelled caller")
	}
}
