package protocol

import "time"

// TranscriptionEvent is broadcast on the bus when a job finishes. It carries
// job metadata only, never the transcript.
type TranscriptionEvent struct {
	JobID         string    `json:"job_id"`
	Fingerprint   string    `json:"fingerprint"`
	Filename      string    `json:"filename,omitempty"`
	Status        string    `json:"status"`
	Cached        bool      `json:"cached"`
	Attempts      int       `json:"attempts"`
	Segments      int       `json:"segments"`
	Recognized    int       `json:"recognized"`
	Unrecognized  int       `json:"unrecognized"`
	ServiceErrors int       `json:"service_errors"`
	ElapsedMS     int64     `json:"elapsed_ms"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptionCompleted = "transcription.completed"
	SubjectTranscriptionFailed    = "transcription.failed"
)

// Subject prepends the configured prefix to a subject name.
func Subject(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
