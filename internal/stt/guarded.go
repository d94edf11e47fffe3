package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/resilience"
)

// Guarded wraps a Recognizer with a circuit breaker. Unintelligible audio
// is a successful call as far as the breaker is concerned.
type Guarded struct {
	next    Recognizer
	breaker *resilience.CircuitBreaker
}

var _ Recognizer = (*Guarded)(nil)

func NewGuarded(next Recognizer, breaker *resilience.CircuitBreaker) *Guarded {
	return &Guarded{next: next, breaker: breaker}
}

func (g *Guarded) Recognize(ctx context.Context, req Request) (TranscriptResult, error) {
	var (
		result       TranscriptResult
		unrecognised bool
	)
	err := g.breaker.Execute(func() error {
		res, err := g.next.Recognize(ctx, req)
		if errors.Is(err, ErrUnintelligible) {
			unrecognised = true
			return nil
		}
		result = res
		return err
	})
	if err != nil {
		return TranscriptResult{}, err
	}
	if unrecognised {
		return TranscriptResult{}, ErrUnintelligible
	}
	return result, nil
}

// State exposes the breaker state for readiness checks.
func (g *Guarded) State() resilience.State {
	return g.breaker.State()
}

// New builds the configured backend wrapped in a circuit breaker.
func New(cfg config.STTConfig, logger *slog.Logger) (*Guarded, error) {
	var (
		backend Recognizer
		err     error
	)
	switch cfg.Mode {
	case "mock", "":
		backend = NewMockRecognizer()
	case "exec":
		backend, err = NewExecRecognizer(cfg)
	case "whisper":
		backend, err = NewWhisperRecognizer(cfg.Endpoint,
			time.Duration(cfg.TimeoutMS)*time.Millisecond,
			WithWhisperModel(cfg.ModelPath),
			WithWhisperLanguage(cfg.Language),
		)
	default:
		err = fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "stt-" + cfg.Mode,
		MaxFailures:  cfg.BreakerMaxFailures,
		ResetTimeout: time.Duration(cfg.BreakerResetMS) * time.Millisecond,
		Logger:       logger,
	})
	return NewGuarded(backend, breaker), nil
}
