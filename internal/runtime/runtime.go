package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/api"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/cache"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/health"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/observe"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/resilience"
	"github.com/loqalabs/loqa-scribe/internal/scribe"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"go.opentelemetry.io/otel"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	store    *eventstore.Store
	embedded *natsserver.EmbeddedServer
	busConn  *bus.Client
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	handler, err := r.build(ctx, metricsHandler)
	if err != nil {
		r.closeDeps()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			serveErr <- err
			cancel()
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.store.RunPruner(ctx, pruneInterval)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.closeDeps()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	select {
	case err := <-serveErr:
		return err
	default:
		return nil
	}
}

// build opens every dependency and returns the routed, instrumented handler.
func (r *Runtime) build(ctx context.Context, metricsHandler http.Handler) (http.Handler, error) {
	cfg := r.cfg
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	r.store, err = eventstore.Open(ctx, cfg.EventStore, r.component("eventstore"))
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	var options []scribe.Option
	options = append(options, scribe.WithJobStore(r.store), scribe.WithMetrics(metrics))
	if cfg.Bus.Enabled {
		busCfg := cfg.Bus
		r.embedded, err = natsserver.Start(busCfg, r.component("natsserver"))
		if err != nil {
			return nil, err
		}
		if r.embedded != nil {
			busCfg.Servers = []string{r.embedded.ClientURL()}
		}
		r.busConn, err = bus.Connect(ctx, busCfg, r.component("bus"))
		if err != nil {
			return nil, err
		}
		options = append(options, scribe.WithPublisher(r.busConn))
	}

	recognizer, err := stt.New(cfg.STT, r.component("stt"))
	if err != nil {
		return nil, fmt.Errorf("create recognizer: %w", err)
	}

	pipelineLog := r.component("pipeline")
	decoder := &audio.FileDecoder{
		FFmpegPath: cfg.Audio.FFmpegPath,
		ScratchDir: cfg.Audio.ScratchDir,
		Logger:     pipelineLog,
	}
	splitter := audio.SilenceSplitter{
		MinSilenceMS:  cfg.Audio.MinSilenceMS,
		MarginDB:      cfg.Audio.SilenceMarginDB,
		KeepSilenceMS: cfg.Audio.KeepSilenceMS,
	}
	orchestrator := pipeline.NewOrchestrator(decoder, splitter,
		pipeline.NewTranscriber(recognizer, cfg.STT.AmbientWindowMS, pipelineLog),
		pipeline.Options{
			MaxConcurrentJobs:   cfg.Pipeline.MaxConcurrentJobs,
			MaxRetries:          cfg.Pipeline.MaxRetries,
			Backoff:             time.Duration(cfg.Pipeline.BackoffMS) * time.Millisecond,
			ChunkConcurrency:    cfg.Pipeline.ChunkConcurrency,
			AbortOnServiceError: cfg.Pipeline.AbortOnServiceError,
			LowPassCutoffHz:     cfg.Audio.LowPassCutoffHz,
			ScratchDir:          cfg.Audio.ScratchDir,
		}, pipelineLog)

	results := cache.New(cfg.Cache.Capacity, time.Duration(cfg.Cache.TTLSeconds)*time.Second)
	svc := scribe.New(orchestrator, results, scribe.Options{
		JobTimeout:    time.Duration(cfg.Pipeline.JobTimeoutMS) * time.Millisecond,
		StoreDegraded: cfg.Cache.StoreDegraded,
		SubjectPrefix: cfg.Bus.SubjectPrefix,
	}, r.component("scribe"), options...)

	mux := http.NewServeMux()
	api.NewHandler(svc, api.Options{
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
		TempDir:        cfg.Audio.ScratchDir,
	}, r.component("api")).Register(mux)
	health.New(r.checkers(recognizer)...).Register(mux)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	return observe.Middleware(metrics, r.component("http"))(mux), nil
}

func (r *Runtime) checkers(recognizer *stt.Guarded) []health.Checker {
	checkers := []health.Checker{
		{Name: "runtime", Check: func(context.Context) error {
			if !r.ready.Load() {
				return errors.New("not ready")
			}
			return nil
		}},
		{Name: "event_store", Check: r.store.Ping},
		{Name: "recognizer", Check: func(context.Context) error {
			if recognizer.State() == resilience.StateOpen {
				return resilience.ErrCircuitOpen
			}
			return nil
		}},
	}
	if r.busConn != nil {
		checkers = append(checkers, health.Checker{Name: "bus", Check: func(context.Context) error {
			if !r.busConn.Healthy() {
				return errors.New("nats disconnected")
			}
			return nil
		}})
	}
	return checkers
}

func (r *Runtime) component(name string) *slog.Logger {
	return r.logger.With(slog.String("component", name))
}

func (r *Runtime) closeDeps() {
	r.busConn.Close()
	r.embedded.Shutdown()
	if err := r.store.Close(); err != nil {
		r.logger.Warn("event store close error", slog.String("error", err.Error()))
	}
}
