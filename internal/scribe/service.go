// Package scribe coordinates transcription jobs around the pipeline. It
// answers repeats from the cache, collapses duplicate uploads and records
// every job.
package scribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/cache"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/fingerprint"
	"github.com/loqalabs/loqa-scribe/internal/observe"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const bookkeepingTimeout = 5 * time.Second

// StatusCached marks a request answered from the result cache.
const StatusCached = "cached"

// Runner executes the transcription pipeline for one file.
type Runner interface {
	Run(ctx context.Context, path string) (pipeline.Record, error)
}

type JobStore interface {
	AppendJob(ctx context.Context, job eventstore.Job) error
	ListJobs(ctx context.Context, limit int) ([]eventstore.Job, error)
}

type Publisher interface {
	Publish(subject string, v any) error
}

// Job is one upload waiting to be transcribed. Path must stay readable until
// Transcribe returns.
type Job struct {
	Fingerprint fingerprint.Fingerprint
	Filename    string
	Path        string
}

type Result struct {
	JobID  string
	Text   string
	Cached bool
	// Shared is set when the result came from an identical upload that was
	// already being processed.
	Shared bool
	Record pipeline.Record
}

type Options struct {
	JobTimeout    time.Duration
	StoreDegraded bool
	SubjectPrefix string
}

type Option func(*Service)

func WithJobStore(store JobStore) Option {
	return func(s *Service) { s.jobs = store }
}

// WithPublisher enables completion events on the bus.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

type Service struct {
	runner    Runner
	cache     *cache.Cache
	jobs      JobStore
	publisher Publisher
	metrics   *observe.Metrics
	logger    *slog.Logger
	opts      Options
	clock     func() time.Time

	flight singleflight.Group
}

func New(runner Runner, results *cache.Cache, opts Options, logger *slog.Logger, options ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		runner: runner,
		cache:  results,
		logger: logger,
		opts:   opts,
		clock:  time.Now,
	}
	for _, o := range options {
		o(s)
	}
	if s.metrics == nil {
		s.metrics, _ = observe.NewMetrics(noop.NewMeterProvider())
	}
	return s
}

// Cached returns the memoized transcription for fp, if any. A hit is
// recorded in the job history like any other request.
func (s *Service) Cached(ctx context.Context, fp fingerprint.Fingerprint, filename string) (Result, bool) {
	rec, ok := s.cache.Get(fp)
	s.metrics.RecordCacheLookup(ctx, ok)
	if !ok {
		return Result{}, false
	}
	res := Result{JobID: uuid.NewString(), Text: rec.Text, Cached: true, Record: rec}
	s.logger.Info("loaded transcription from cache",
		slog.String("job_id", res.JobID),
		slog.String("fingerprint", fp.String()),
	)
	s.metrics.RecordJob(ctx, StatusCached, 0, 0)
	s.finish(ctx, Job{Fingerprint: fp, Filename: filename}, res, StatusCached, 0, nil)
	return res, true
}

// Transcribe runs the pipeline for job. Concurrent calls for the same
// fingerprint share one run. The run outlives a cancelled caller so that its
// result still reaches the cache; it is bounded by the job timeout instead.
func (s *Service) Transcribe(ctx context.Context, job Job) (Result, error) {
	key := job.Fingerprint.String()
	v, err, shared := s.flight.Do(key, func() (any, error) {
		if rec, ok := s.cache.Get(job.Fingerprint); ok {
			return Result{Text: rec.Text, Cached: true, Record: rec}, nil
		}
		return s.run(context.WithoutCancel(ctx), job)
	})
	res, _ := v.(Result)
	if shared {
		res.Shared = true
	}
	return res, err
}

func (s *Service) run(ctx context.Context, job Job) (Result, error) {
	res := Result{JobID: uuid.NewString()}
	if s.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.JobTimeout)
		defer cancel()
	}
	ctx, span := observe.StartSpan(ctx, "scribe.transcribe",
		trace.WithAttributes(
			attribute.String("scribe.job_id", res.JobID),
			attribute.String("scribe.fingerprint", job.Fingerprint.String()),
		),
	)
	defer span.End()

	s.metrics.InflightJobs.Add(ctx, 1)
	start := s.clock()
	rec, err := s.runner.Run(ctx, job.Path)
	elapsed := s.clock().Sub(start)
	s.metrics.InflightJobs.Add(ctx, -1)

	res.Record = rec
	s.metrics.RecordJob(ctx, string(rec.Status), rec.Attempts, elapsed)
	s.metrics.RecordChunks(ctx, pipeline.OutcomeText.String(), rec.Recognized)
	s.metrics.RecordChunks(ctx, pipeline.OutcomeEmpty.String(), rec.Unrecognized)
	s.metrics.RecordChunks(ctx, pipeline.OutcomeServiceError.String(), rec.ServiceErrors)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("transcription failed",
			slog.String("job_id", res.JobID),
			slog.String("fingerprint", job.Fingerprint.String()),
			slog.Int("attempts", rec.Attempts),
			slog.String("error", err.Error()),
		)
		s.finish(ctx, job, res, string(pipeline.StatusFailed), elapsed, err)
		if !errors.Is(err, pipeline.ErrPipelineFailed) {
			err = fmt.Errorf("%w: %w", pipeline.ErrPipelineFailed, err)
		}
		return res, err
	}

	res.Text = rec.Text
	if rec.Status == pipeline.StatusSucceeded || s.opts.StoreDegraded {
		s.cache.Put(job.Fingerprint, rec)
	}
	span.SetAttributes(
		attribute.Int("scribe.segments", rec.Segments),
		attribute.Int("scribe.attempts", rec.Attempts),
	)
	s.logger.Info("transcription complete",
		slog.String("job_id", res.JobID),
		slog.String("fingerprint", job.Fingerprint.String()),
		slog.String("status", string(rec.Status)),
		slog.Int("segments", rec.Segments),
		slog.Int("attempts", rec.Attempts),
		slog.Duration("elapsed", elapsed),
	)
	s.finish(ctx, job, res, string(rec.Status), elapsed, nil)
	return res, nil
}

// finish appends the job to the history and announces it on the bus.
// Failures are logged and never surface to the caller.
func (s *Service) finish(ctx context.Context, job Job, res Result, status string, elapsed time.Duration, jobErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	var errText string
	if jobErr != nil {
		errText = jobErr.Error()
	}
	rec := res.Record
	if s.jobs != nil {
		err := s.jobs.AppendJob(ctx, eventstore.Job{
			ID:            res.JobID,
			Fingerprint:   job.Fingerprint.String(),
			Filename:      job.Filename,
			Status:        status,
			Attempts:      rec.Attempts,
			Segments:      rec.Segments,
			Recognized:    rec.Recognized,
			Unrecognized:  rec.Unrecognized,
			ServiceErrors: rec.ServiceErrors,
			AudioMS:       rec.AudioDuration.Milliseconds(),
			ElapsedMS:     elapsed.Milliseconds(),
			Error:         errText,
			CreatedAt:     s.clock(),
		})
		if err != nil {
			s.logger.Warn("failed to record job", slog.String("job_id", res.JobID), slog.String("error", err.Error()))
		}
	}

	if s.publisher == nil {
		return
	}
	subject := protocol.SubjectTranscriptionCompleted
	if jobErr != nil {
		subject = protocol.SubjectTranscriptionFailed
	}
	evt := protocol.TranscriptionEvent{
		JobID:         res.JobID,
		Fingerprint:   job.Fingerprint.String(),
		Filename:      job.Filename,
		Status:        status,
		Cached:        res.Cached,
		Attempts:      rec.Attempts,
		Segments:      rec.Segments,
		Recognized:    rec.Recognized,
		Unrecognized:  rec.Unrecognized,
		ServiceErrors: rec.ServiceErrors,
		ElapsedMS:     elapsed.Milliseconds(),
		Error:         errText,
		Timestamp:     s.clock().UTC(),
	}
	if err := s.publisher.Publish(protocol.Subject(s.opts.SubjectPrefix, subject), evt); err != nil {
		s.logger.Warn("failed to publish job event", slog.String("job_id", res.JobID), slog.String("error", err.Error()))
	}
}

// RecentJobs lists the job history newest first. Without a job store the
// history is empty.
func (s *Service) RecentJobs(ctx context.Context, limit int) ([]eventstore.Job, error) {
	if s.jobs == nil {
		return nil, nil
	}
	return s.jobs.ListJobs(ctx, limit)
}
