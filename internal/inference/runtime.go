// Package inference describes the model runtime the orchestration layer
// drives. Models are opaque: the package only fixes the calls, their inputs
// and outputs, and the error conditions the pipeline reacts to.
package inference

import (
	"context"
	"errors"

	"github.com/fmueller/voxscribe/internal/audio"
)

// ErrAcceleratorExhausted reports that the device ran out of memory. Callers
// reclaim cached accelerator memory before surfacing it.
var ErrAcceleratorExhausted = errors.New("accelerator out of memory")

type ModelSpec struct {
	Name        string
	Device      string
	ComputeType string
}

type TranscribeOptions struct {
	BatchSize int
	// Language forces a language; empty lets the model detect it.
	Language string
}

// Model is a loaded speech-to-text model.
type Model interface {
	Name() string
	Transcribe(ctx context.Context, wave audio.Waveform, opts TranscribeOptions) (Transcription, error)
}

// AlignModel is a loaded language-specific forced-alignment model.
type AlignModel interface {
	Metadata() AlignMetadata
	Close() error
}

type Diarizer interface {
	Diarize(ctx context.Context, wave audio.Waveform) ([]SpeakerTurn, error)
	Close() error
}

type ModelLoader interface {
	LoadModel(ctx context.Context, spec ModelSpec) (Model, error)
}

type AlignLoader interface {
	LoadAlignModel(ctx context.Context, language, device string) (AlignModel, error)
}

type DiarizerLoader interface {
	LoadDiarizer(ctx context.Context, device, token string) (Diarizer, error)
}

type Aligner interface {
	Align(ctx context.Context, segments []Segment, model AlignModel, wave audio.Waveform, device string) ([]Segment, error)
}

type Accelerator interface {
	DeviceInfo(ctx context.Context) (DeviceInfo, error)
	// EmptyCache returns cached but unused device memory to the allocator.
	EmptyCache(ctx context.Context) error
}

// Runtime is everything the pipeline needs from the model host.
type Runtime interface {
	ModelLoader
	AlignLoader
	DiarizerLoader
	Aligner
	Accelerator
}
