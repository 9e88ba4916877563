package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SampleRate is the rate every inference model in the pipeline expects.
const SampleRate = 16000

var ErrUndecodable = errors.New("audio could not be decoded")

// Waveform is mono audio normalized to [-1, 1].
type Waveform struct {
	Samples    []float32
	SampleRate int
}

func (w Waveform) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(w.Samples)) / float64(w.SampleRate) * float64(time.Second))
}

type Decoder interface {
	Decode(ctx context.Context, path string) (Waveform, error)
}

// FFmpegDecoder resamples any container ffmpeg understands to 16 kHz mono.
// Mono WAV files that already use the target rate are read natively.
type FFmpegDecoder struct {
	Executable string
	Logger     *zap.Logger
}

func NewFFmpegDecoder(executable string, logger *zap.Logger) *FFmpegDecoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpegDecoder{Executable: executable, Logger: logger}
}

func (d *FFmpegDecoder) Decode(ctx context.Context, path string) (Waveform, error) {
	if strings.TrimSpace(path) == "" {
		return Waveform{}, errors.New("audio path is required")
	}

	if strings.EqualFold(filepath.Ext(path), ".wav") {
		wave, err := ReadWAV(path)
		if err == nil && wave.SampleRate == SampleRate {
			return wave, nil
		}
		if err != nil && !errors.Is(err, ErrUnsupportedWAV) {
			return Waveform{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
		}
		d.Logger.Debug("wav needs resampling; using ffmpeg", zap.String("audio", path))
	}

	return d.decodeWithFFmpeg(ctx, path)
}

func (d *FFmpegDecoder) decodeWithFFmpeg(ctx context.Context, path string) (Waveform, error) {
	if err := ensureExecutable(d.Executable); err != nil {
		return Waveform{}, fmt.Errorf("ffmpeg missing or not executable: %w", err)
	}

	args := []string{
		"-nostdin",
		"-threads", "0",
		"-i", path,
		"-f", "s16le",
		"-ac", "1",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(SampleRate),
		"-",
	}

	cmd := exec.CommandContext(ctx, d.Executable, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	d.Logger.Debug("running ffmpeg", zap.String("ffmpeg", d.Executable), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Waveform{}, ctxErr
		}
		errText := strings.TrimSpace(stderr.String())
		if isMissingSharedLibraryError(errText) {
			return Waveform{}, fmt.Errorf("ffmpeg at %s is missing required shared libraries (%s)", d.Executable, errText)
		}
		return Waveform{}, fmt.Errorf("%w: ffmpeg: %v (%s)", ErrUndecodable, err, lastLine(errText))
	}

	return Waveform{Samples: pcm16ToFloat(stdout.Bytes()), SampleRate: SampleRate}, nil
}

func pcm16ToFloat(raw []byte) []float32 {
	samples := make([]float32, len(raw)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(raw[2*i:]))
		samples[i] = float32(v) / 32768.0
	}
	return samples
}

func lastLine(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
