package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/go-audio/wav"
)

var (
	// ErrEmptyAudio is returned when a file decodes to zero samples.
	ErrEmptyAudio = errors.New("audio: no samples decoded")
	// ErrUnsupportedFormat is returned for WAV encodings other than integer PCM.
	ErrUnsupportedFormat = errors.New("audio: unsupported format")
)

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// Decoder turns an audio file of any supported container into a Clip.
type Decoder interface {
	Decode(ctx context.Context, path string) (*Clip, error)
}

// FileDecoder decodes RIFF/WAVE input directly and transcodes every other
// container to 16-bit PCM WAV with ffmpeg first.
type FileDecoder struct {
	FFmpegPath string
	ScratchDir string
	Logger     *slog.Logger
}

var _ Decoder = (*FileDecoder)(nil)

func (d *FileDecoder) Decode(ctx context.Context, path string) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	header := make([]byte, 12)
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read audio header: %w", err)
	}
	if isWAV(header[:n]) {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("rewind audio: %w", err)
		}
		return DecodeWAV(f)
	}
	return d.transcode(ctx, path)
}

func (d *FileDecoder) transcode(ctx context.Context, path string) (*Clip, error) {
	tmp, err := os.CreateTemp(d.ScratchDir, "loqa_scribe_decode_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	name := tmp.Name()
	tmp.Close()
	defer func() {
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) && d.Logger != nil {
			d.Logger.Warn("failed to remove transcode output", slog.String("path", name), slog.String("error", err.Error()))
		}
	}()

	ffmpeg := d.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, ffmpeg,
		"-y", "-loglevel", "error",
		"-i", path,
		"-acodec", "pcm_s16le",
		"-f", "wav",
		name,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	out, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open transcoded audio: %w", err)
	}
	defer out.Close()
	return DecodeWAV(out)
}

// DecodeWAV reads integer PCM WAV data and normalises it to 16-bit samples.
func DecodeWAV(r io.ReadSeeker) (*Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a valid wav file", ErrUnsupportedFormat)
	}
	if dec.WavAudioFormat != wavFormatPCM && dec.WavAudioFormat != wavFormatExtensible {
		return nil, fmt.Errorf("%w: wav format tag %d", ErrUnsupportedFormat, dec.WavAudioFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || len(buf.Data) == 0 || dec.NumChans == 0 || dec.SampleRate == 0 {
		return nil, ErrEmptyAudio
	}

	samples := make([]int, len(buf.Data))
	depth := int(dec.BitDepth)
	for i, v := range buf.Data {
		switch {
		case depth == 8:
			samples[i] = (v - 128) << 8
		case depth > BitDepth:
			samples[i] = v >> (depth - BitDepth)
		case depth < BitDepth:
			samples[i] = v << (BitDepth - depth)
		default:
			samples[i] = v
		}
	}
	return &Clip{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		Samples:    samples,
	}, nil
}

func isWAV(header []byte) bool {
	return len(header) >= 12 && string(header[0:4]) == "RIFF" && string(header[8:12]) == "WAVE"
}
