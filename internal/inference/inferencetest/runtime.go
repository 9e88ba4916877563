// Package inferencetest provides an in-memory inference.Runtime for tests.
package inferencetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fmueller/voxscribe/internal/audio"
	"github.com/fmueller/voxscribe/internal/inference"
)

// Runtime records every call it receives. Unset hooks fall back to simple
// canned behavior: transcription yields one English segment, alignment and
// diarization echo their input.
type Runtime struct {
	LoadModelFunc  func(ctx context.Context, spec inference.ModelSpec) error
	LoadAlignFunc  func(ctx context.Context, language string) error
	TranscribeFunc func(ctx context.Context, model string, wave audio.Waveform, opts inference.TranscribeOptions) (inference.Transcription, error)
	AlignFunc      func(ctx context.Context, segments []inference.Segment, meta inference.AlignMetadata) ([]inference.Segment, error)
	DiarizeFunc    func(ctx context.Context, wave audio.Waveform) ([]inference.SpeakerTurn, error)
	EmptyCacheFunc func(ctx context.Context) error
	Device         inference.DeviceInfo
	DeviceErr      error

	mu    sync.Mutex
	calls []string
}

var _ inference.Runtime = (*Runtime)(nil)

// Calls returns the recorded calls in order, e.g. "load_model:medium",
// "align:en" or "empty_cache".
func (r *Runtime) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Count returns how many recorded calls start with prefix.
func (r *Runtime) Count(prefix string) int {
	n := 0
	for _, call := range r.Calls() {
		if strings.HasPrefix(call, prefix) {
			n++
		}
	}
	return n
}

func (r *Runtime) record(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *Runtime) LoadModel(ctx context.Context, spec inference.ModelSpec) (inference.Model, error) {
	r.record("load_model:%s", spec.Name)
	if r.LoadModelFunc != nil {
		if err := r.LoadModelFunc(ctx, spec); err != nil {
			return nil, err
		}
	}
	return &Model{runtime: r, name: spec.Name}, nil
}

func (r *Runtime) LoadAlignModel(ctx context.Context, language, _ string) (inference.AlignModel, error) {
	r.record("load_align:%s", language)
	if r.LoadAlignFunc != nil {
		if err := r.LoadAlignFunc(ctx, language); err != nil {
			return nil, err
		}
	}
	return &AlignModel{runtime: r, language: language}, nil
}

func (r *Runtime) LoadDiarizer(_ context.Context, _, _ string) (inference.Diarizer, error) {
	r.record("load_diarizer")
	return &Diarizer{runtime: r}, nil
}

func (r *Runtime) Align(ctx context.Context, segments []inference.Segment, model inference.AlignModel, _ audio.Waveform, _ string) ([]inference.Segment, error) {
	meta := model.Metadata()
	r.record("align:%s", meta.Language)
	if r.AlignFunc != nil {
		return r.AlignFunc(ctx, segments, meta)
	}
	return segments, nil
}

func (r *Runtime) DeviceInfo(context.Context) (inference.DeviceInfo, error) {
	if r.DeviceErr != nil {
		return inference.DeviceInfo{}, r.DeviceErr
	}
	return r.Device, nil
}

func (r *Runtime) EmptyCache(ctx context.Context) error {
	r.record("empty_cache")
	if r.EmptyCacheFunc != nil {
		return r.EmptyCacheFunc(ctx)
	}
	return nil
}

type Model struct {
	runtime *Runtime
	name    string
}

func (m *Model) Name() string { return m.name }

func (m *Model) Transcribe(ctx context.Context, wave audio.Waveform, opts inference.TranscribeOptions) (inference.Transcription, error) {
	m.runtime.record("transcribe:%s", m.name)
	if m.runtime.TranscribeFunc != nil {
		return m.runtime.TranscribeFunc(ctx, m.name, wave, opts)
	}
	return inference.Transcription{
		Language: "en",
		Segments: []inference.Segment{{Text: "hello", Start: inference.Float(0), End: inference.Float(1)}},
	}, nil
}

type AlignModel struct {
	runtime  *Runtime
	language string
}

func (m *AlignModel) Metadata() inference.AlignMetadata {
	return inference.AlignMetadata{Language: m.language}
}

func (m *AlignModel) Close() error {
	m.runtime.record("close_align:%s", m.language)
	return nil
}

type Diarizer struct {
	runtime *Runtime
}

func (d *Diarizer) Diarize(ctx context.Context, wave audio.Waveform) ([]inference.SpeakerTurn, error) {
	d.runtime.record("diarize")
	if d.runtime.DiarizeFunc != nil {
		return d.runtime.DiarizeFunc(ctx, wave)
	}
	return nil, nil
}

func (d *Diarizer) Close() error {
	d.runtime.record("close_diarizer")
	return nil
}
