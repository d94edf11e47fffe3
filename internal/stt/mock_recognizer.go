package stt

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Mock is a scripted recognizer for local runs and tests.
type Mock struct {
	fn    func(ctx context.Context, req Request) (TranscriptResult, error)
	calls atomic.Int64
}

var _ Recognizer = (*Mock)(nil)

// NewMockRecognizer returns a Mock that describes each chunk it receives.
func NewMockRecognizer() *Mock {
	return NewScriptedRecognizer(func(_ context.Context, req Request) (TranscriptResult, error) {
		return TranscriptResult{Text: fmt.Sprintf("[chunk %dms]", req.DurationMS)}, nil
	})
}

// NewFixedRecognizer returns a Mock that answers every chunk with text.
func NewFixedRecognizer(text string) *Mock {
	return NewScriptedRecognizer(func(context.Context, Request) (TranscriptResult, error) {
		if text == "" {
			return TranscriptResult{}, ErrUnintelligible
		}
		return TranscriptResult{Text: text, Confidence: 1}, nil
	})
}

// NewScriptedRecognizer returns a Mock that delegates to fn.
func NewScriptedRecognizer(fn func(ctx context.Context, req Request) (TranscriptResult, error)) *Mock {
	return &Mock{fn: fn}
}

func (m *Mock) Recognize(ctx context.Context, req Request) (TranscriptResult, error) {
	m.calls.Add(1)
	return m.fn(ctx, req)
}

// Calls reports how many chunks the mock has been asked to recognise.
func (m *Mock) Calls() int64 {
	return m.calls.Load()
}
