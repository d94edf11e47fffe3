package audio

import (
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV exports clip as a canonical 16-bit PCM WAV file at path.
func WriteWAV(path string, clip *Clip) error {
	if clip == nil || clip.Frames() == 0 {
		return ErrEmptyAudio
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	defer file.Close()

	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: clip.Channels, SampleRate: clip.SampleRate},
		Data:           clip.Samples,
		SourceBitDepth: BitDepth,
	}
	enc := wav.NewEncoder(file, clip.SampleRate, BitDepth, clip.Channels, wavFormatPCM)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
