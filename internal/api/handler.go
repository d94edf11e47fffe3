// Package api exposes the transcription service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/fingerprint"
	"github.com/loqalabs/loqa-scribe/internal/scribe"
)

var (
	ErrUploadMissing  = errors.New("no file part in the request")
	ErrNoFileSelected = errors.New("no selected file")
	ErrUploadEmpty    = errors.New("uploaded file is empty")
	ErrUploadTooLarge = errors.New("uploaded file is too large")
	ErrStorage        = errors.New("failed to save audio file")
)

// clientMessages are the error bodies returned to API clients.
var clientMessages = []struct {
	err error
	msg string
}{
	{ErrNoFileSelected, "No selected file"},
	{ErrUploadEmpty, "Uploaded file is empty"},
	{ErrUploadTooLarge, "Uploaded file is too large"},
	{ErrStorage, "Failed to save audio file"},
	{ErrUploadMissing, "No file part in the request"},
}

func clientMessage(err error) string {
	for _, m := range clientMessages {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	return msgFailed
}

const (
	formField        = "file"
	multipartMemory  = 32 << 20
	msgProcessed     = "Audio processed successfully"
	msgFromCache     = "Audio processed successfully (from cache)"
	msgFailed        = "Transcription failed."
	defaultJobsLimit = 50
	maxJobsLimit     = 500
)

// Transcriber is the part of scribe.Service the handler depends on.
type Transcriber interface {
	Cached(ctx context.Context, fp fingerprint.Fingerprint, filename string) (scribe.Result, bool)
	Transcribe(ctx context.Context, job scribe.Job) (scribe.Result, error)
	RecentJobs(ctx context.Context, limit int) ([]eventstore.Job, error)
}

type Options struct {
	// MaxUploadBytes caps the request body. Zero disables the limit.
	MaxUploadBytes int64
	// TempDir receives uploads while they are processed. Empty uses os.TempDir.
	TempDir string
}

type Handler struct {
	svc    Transcriber
	opts   Options
	logger *slog.Logger
}

func NewHandler(svc Transcriber, opts Options, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, opts: opts, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /transcribe", h.handleTranscribe)
	mux.HandleFunc("GET /v1/jobs", h.handleJobs)
}

type transcribeResponse struct {
	Message       string `json:"message"`
	Transcription string `json:"transcription"`
	JobID         string `json:"job_id,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	}

	file, header, err := h.readUpload(r)
	if err != nil {
		h.logger.Error("rejected upload", slog.String("error", err.Error()))
		status := http.StatusBadRequest
		if errors.Is(err, ErrUploadTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorResponse{Error: clientMessage(err)})
		return
	}
	defer file.Close()

	fp, err := fingerprint.Compute(file)
	if err != nil {
		h.logger.Error("failed to fingerprint upload", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: clientMessage(ErrStorage)})
		return
	}

	if res, ok := h.svc.Cached(ctx, fp, header.Filename); ok {
		writeJSON(w, http.StatusOK, transcribeResponse{Message: msgFromCache, Transcription: res.Text, JobID: res.JobID})
		return
	}

	path, err := h.save(file, header.Filename)
	if err != nil {
		h.logger.Error("failed to save audio file", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: clientMessage(ErrStorage)})
		return
	}
	h.logger.Debug("audio file saved", slog.String("path", path))
	defer func() {
		if err := os.Remove(path); err != nil {
			h.logger.Warn("error removing temporary file", slog.String("path", path), slog.String("error", err.Error()))
			return
		}
		h.logger.Debug("temporary file removed", slog.String("path", path))
	}()

	res, err := h.svc.Transcribe(ctx, scribe.Job{Fingerprint: fp, Filename: header.Filename, Path: path})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: msgFailed})
		return
	}
	if res.Shared {
		h.logger.Info("joined in-flight transcription",
			slog.String("job_id", res.JobID),
			slog.String("fingerprint", fp.String()),
		)
	}
	msg := msgProcessed
	if res.Cached {
		msg = msgFromCache
	}
	writeJSON(w, http.StatusOK, transcribeResponse{Message: msg, Transcription: res.Text, JobID: res.JobID})
}

// readUpload returns the "file" part of a multipart request. Parts sent
// without a filename are parsed as plain values, so their presence means the
// client submitted the field with no file selected.
func (h *Handler) readUpload(r *http.Request) (multipart.File, *multipart.FileHeader, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, nil, ErrUploadTooLarge
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrUploadMissing, err)
	}
	file, header, err := r.FormFile(formField)
	if errors.Is(err, http.ErrMissingFile) {
		if _, ok := r.MultipartForm.Value[formField]; ok {
			return nil, nil, ErrNoFileSelected
		}
		return nil, nil, ErrUploadMissing
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUploadMissing, err)
	}
	if header.Size == 0 {
		file.Close()
		return nil, nil, ErrUploadEmpty
	}
	return file, header, nil
}

func (h *Handler) save(src io.Reader, filename string) (string, error) {
	ext := filepath.Ext(filepath.Base(filename))
	dst, err := os.CreateTemp(h.opts.TempDir, "output_audio_*"+ext)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return dst.Name(), nil
}

type jobView struct {
	ID            string    `json:"id"`
	Fingerprint   string    `json:"fingerprint"`
	Filename      string    `json:"filename,omitempty"`
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	Segments      int       `json:"segments"`
	Recognized    int       `json:"recognized"`
	Unrecognized  int       `json:"unrecognized"`
	ServiceErrors int       `json:"service_errors"`
	AudioMS       int64     `json:"audio_ms"`
	ElapsedMS     int64     `json:"elapsed_ms"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (h *Handler) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultJobsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxJobsLimit)
	}
	jobs, err := h.svc.RecentJobs(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list jobs", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list jobs"})
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobView{
			ID:            j.ID,
			Fingerprint:   j.Fingerprint,
			Filename:      j.Filename,
			Status:        j.Status,
			Attempts:      j.Attempts,
			Segments:      j.Segments,
			Recognized:    j.Recognized,
			Unrecognized:  j.Unrecognized,
			ServiceErrors: j.ServiceErrors,
			AudioMS:       j.AudioMS,
			ElapsedMS:     j.ElapsedMS,
			Error:         j.Error,
			CreatedAt:     j.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
