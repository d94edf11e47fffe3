package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// blankMarkers are the placeholders whisper.cpp emits for chunks without speech.
var blankMarkers = []string{"[BLANK_AUDIO]", "(silence)", "[silence]"}

// WhisperOption configures a WhisperRecognizer.
type WhisperOption func(*WhisperRecognizer)

// WithWhisperModel sets the model name forwarded to the server. Empty uses
// whichever model the server was started with.
func WithWhisperModel(model string) WhisperOption {
	return func(w *WhisperRecognizer) { w.model = model }
}

// WithWhisperLanguage sets the language hint, e.g. "en".
func WithWhisperLanguage(lang string) WhisperOption {
	return func(w *WhisperRecognizer) { w.language = lang }
}

// WithHTTPClient replaces the default client, mainly for tests.
func WithHTTPClient(c *http.Client) WhisperOption {
	return func(w *WhisperRecognizer) { w.httpClient = c }
}

// WhisperRecognizer posts each chunk to a whisper.cpp server's /inference
// endpoint as multipart/form-data.
type WhisperRecognizer struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

var _ Recognizer = (*WhisperRecognizer)(nil)

// NewWhisperRecognizer creates a recognizer for the server at serverURL
// (e.g. "http://localhost:8080").
func NewWhisperRecognizer(serverURL string, timeout time.Duration, opts ...WhisperOption) (*WhisperRecognizer, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	w := &WhisperRecognizer{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

func (w *WhisperRecognizer) Recognize(ctx context.Context, req Request) (TranscriptResult, error) {
	f, err := os.Open(req.Path)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("whisper: open chunk: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(req.Path))
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return TranscriptResult{}, fmt.Errorf("whisper: write wav data: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return TranscriptResult{}, fmt.Errorf("whisper: write format field: %w", err)
	}
	if w.language != "" {
		if err := mw.WriteField("language", w.language); err != nil {
			return TranscriptResult{}, fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if w.model != "" {
		if err := mw.WriteField("model", w.model); err != nil {
			return TranscriptResult{}, fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return TranscriptResult{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.serverURL+"/inference", &body)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("whisper: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.httpClient.Do(httpReq)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return TranscriptResult{}, fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return TranscriptResult{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	text := strings.TrimSpace(result.Text)
	for _, marker := range blankMarkers {
		text = strings.TrimSpace(strings.ReplaceAll(text, marker, ""))
	}
	if text == "" {
		return TranscriptResult{}, ErrUnintelligible
	}
	return TranscriptResult{Text: text}, nil
}
