package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// Source decodes an audio container into a mono [Waveform]. It owns all file
// I/O; the analysis pipeline never touches paths or containers itself.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Load decodes the recording at path. Malformed or unsupported data is
	// reported with an error wrapping [ErrInvalidInput]; I/O failures are
	// returned as-is.
	Load(ctx context.Context, path string) (*Waveform, error)
}

// Container identifies a supported audio container.
type Container string

const (
	ContainerWAV Container = "wav"
	ContainerMP3 Container = "mp3"
)

// FileSource decodes WAV (PCM 8/16/24/32-bit) and MP3 files from the local
// filesystem. Multichannel audio is averaged down to mono.
type FileSource struct {
	// TargetRate resamples decoded audio to this rate when non-zero.
	TargetRate int
}

var _ Source = (*FileSource)(nil)

// mp3ReadChunk is the number of decoded bytes read between cancellation checks.
const mp3ReadChunk = 64 * 1024

// Load implements [Source].
func (s *FileSource) Load(ctx context.Context, path string) (*Waveform, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audio: open %q: %w", path, err)
	}
	defer f.Close()

	kind, err := sniff(f)
	if err != nil {
		return nil, fmt.Errorf("audio: %q: %w", path, err)
	}

	var (
		samples []float64
		format  Format
	)
	switch kind {
	case ContainerWAV:
		samples, format, err = decodeWAV(f)
	case ContainerMP3:
		samples, format, err = decodeMP3(ctx, f)
	}
	if err != nil {
		return nil, fmt.Errorf("audio: decode %s %q: %w", kind, path, err)
	}

	rate := format.SampleRate
	if s.TargetRate > 0 && s.TargetRate != rate {
		samples = Resample(samples, rate, s.TargetRate)
		rate = s.TargetRate
	}

	wf, err := NewWaveform(samples, rate)
	if err != nil {
		return nil, fmt.Errorf("audio: %q: %w", path, err)
	}
	slog.Debug("audio decoded",
		"path", path,
		"container", kind,
		"source_format", format.String(),
		"sample_rate", rate,
		"duration_s", wf.Duration(),
	)
	return wf, nil
}

// sniff inspects the container magic and rewinds r.
func sniff(r io.ReadSeeker) (Container, error) {
	var hdr [12]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("%w: empty file", ErrInvalidInput)
		}
		return "", err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	b := hdr[:n]
	switch {
	case len(b) >= 12 && bytes.Equal(b[:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WAVE")):
		return ContainerWAV, nil
	case len(b) >= 3 && bytes.Equal(b[:3], []byte("ID3")):
		return ContainerMP3, nil
	case len(b) >= 2 && b[0] == 0xFF && b[1]&0xE0 == 0xE0:
		return ContainerMP3, nil
	}
	return "", fmt.Errorf("%w: unrecognised audio container", ErrInvalidInput)
}

// wavFormatPCM is the WAVE_FORMAT_PCM tag; float and compressed WAVs are
// rejected.
const wavFormatPCM = 1

func decodeWAV(r io.ReadSeeker) ([]float64, Format, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, Format{}, fmt.Errorf("%w: not a readable PCM wav file", ErrInvalidInput)
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return nil, Format{}, fmt.Errorf("%w: wav audio format %d is not PCM", ErrInvalidInput, dec.WavAudioFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	format := Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	samples, err := intBufferToMono(buf)
	if err != nil {
		return nil, Format{}, err
	}
	return samples, format, nil
}

func intBufferToMono(buf *goaudio.IntBuffer) ([]float64, error) {
	if buf == nil || buf.Format == nil {
		return nil, fmt.Errorf("%w: missing pcm format", ErrInvalidInput)
	}
	return IntToFloat(buf.Data, buf.SourceBitDepth, buf.Format.NumChannels)
}

// decodeMP3 decodes to 16-bit stereo PCM (the only output go-mp3 produces),
// downmixes it with [StereoToMono] and converts to float.
func decodeMP3(ctx context.Context, r io.Reader) ([]float64, Format, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, Format{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var pcm bytes.Buffer
	if n := dec.Length(); n > 0 {
		pcm.Grow(int(n))
	}
	chunk := make([]byte, mp3ReadChunk)
	for {
		if err := ctx.Err(); err != nil {
			return nil, Format{}, err
		}
		n, err := dec.Read(chunk)
		pcm.Write(chunk[:n])
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, Format{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	format := Format{SampleRate: dec.SampleRate(), Channels: 2}
	return PCM16ToFloat(StereoToMono(pcm.Bytes())), format, nil
}
