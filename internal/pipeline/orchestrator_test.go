package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fmueller/voxscribe/internal/audio"
	"github.com/fmueller/voxscribe/internal/cache"
	"github.com/fmueller/voxscribe/internal/gate"
	"github.com/fmueller/voxscribe/internal/inference"
	"github.com/fmueller/voxscribe/internal/inference/inferencetest"
	"github.com/stretchr/testify/require"
)

type fakeDecoder struct {
	err error
}

func (d fakeDecoder) Decode(context.Context, string) (audio.Waveform, error) {
	if d.err != nil {
		return audio.Waveform{}, d.err
	}
	return audio.Waveform{Samples: make([]float32, audio.SampleRate), SampleRate: audio.SampleRate}, nil
}

type fixture struct {
	device      string
	diarize     bool
	token       string
	capacity    int
	timeout     time.Duration
	alignCap    int
	decodeError error
}

type harness struct {
	rt   *inferencetest.Runtime
	gate *gate.Gate
	orch *Orchestrator

	mu      sync.Mutex
	removed []string
}

func (h *harness) removedPaths() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.removed...)
}

func newHarness(t *testing.T, rt *inferencetest.Runtime, f fixture) *harness {
	t.Helper()

	if f.device == "" {
		f.device = "cpu"
	}
	if f.capacity == 0 {
		f.capacity = 1
	}
	if f.timeout == 0 {
		f.timeout = 5 * time.Second
	}
	if f.alignCap == 0 {
		f.alignCap = 4
	}

	g, err := gate.New(f.capacity, nil)
	require.NoError(t, err)
	aligns, err := cache.NewAlignCache(cache.AlignCacheOptions{Loader: rt, Capacity: f.alignCap, Device: f.device})
	require.NoError(t, err)

	h := &harness{rt: rt, gate: g}
	cleanup := NewCleanup(CleanupOptions{
		Accelerator:   rt,
		OnAccelerator: f.device == "cuda",
		Remove: func(path string) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.removed = append(h.removed, path)
			return nil
		},
	})

	h.orch, err = New(Options{
		Gate:        g,
		Models:      cache.NewModelCache(cache.ModelCacheOptions{Loader: rt, Device: f.device, ComputeType: "int8"}),
		Aligns:      aligns,
		Diarization: cache.NewDiarizationHandle(cache.DiarizationOptions{Loader: rt, Enabled: f.diarize, Token: f.token, Device: f.device}),
		Runtime:     rt,
		Decoder:     fakeDecoder{err: f.decodeError},
		Cleanup:     cleanup,
		Device:      f.device,
		BatchSize:   4,
		Timeout:     f.timeout,
	})
	require.NoError(t, err)
	return h
}

func requireKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()

	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, kind, perr.Kind, "error: %v", err)
	return perr
}

func TestRunWithoutDiarization(t *testing.T) {
	t.Parallel()

	rt := &inferencetest.Runtime{
		TranscribeFunc: func(_ context.Context, _ string, _ audio.Waveform, opts inference.TranscribeOptions) (inference.Transcription, error) {
			if opts.Language != "" || opts.BatchSize != 4 {
				return inference.Transcription{}, fmt.Errorf("unexpected options %+v", opts)
			}
			return inference.Transcription{
				Language: "en",
				Segments: []inference.Segment{
					{Text: " Hello ", Start: inference.Float(0), End: inference.Float(1.2)},
					{Text: "   "},
					{Text: "world. ", Start: inference.Float(1.3)},
				},
			}, nil
		},
		AlignFunc: func(_ context.Context, segments []inference.Segment, _ inference.AlignMetadata) ([]inference.Segment, error) {
			out := append([]inference.Segment(nil), segments...)
			out[0].Speaker = "SPEAKER_99"
			return out, nil
		},
	}
	h := newHarness(t, rt, fixture{})

	result, err := h.orch.Run(context.Background(), Request{ID: "req-a", AudioPath: "/tmp/a.wav"})
	require.NoError(t, err)

	require.Equal(t, "req-a", result.RequestID)
	require.Equal(t, "en", result.Language)
	require.Equal(t, "Hello world.", result.Text)
	require.Equal(t, []Segment{
		{Text: "Hello", Start: 0, End: 1.2},
		{Text: ""},
		{Text: "world.", Start: 1.3, End: 0},
	}, result.Segments)

	require.Equal(t, []string{"load_model:medium", "transcribe:medium", "load_align:en", "align:en"}, rt.Calls())
	require.Equal(t, []string{"/tmp/a.wav"}, h.removedPaths())
	require.Equal(t, 0, h.gate.InFlight())
}

func TestRunWithDiarization(t *testing.T) {
	t.Parallel()

	rt := &inferencetest.Runtime{
		TranscribeFunc: func(context.Context, string, audio.Waveform, inference.TranscribeOptions) (inference.Transcription, error) {
			return inference.Transcription{
				Language: "de",
				Segments: []inference.Segment{
					{Text: "Guten Tag", Start: inference.Float(0), End: inference.Float(2)},
					{Text: "Hallo", Start: inference.Float(2), End: inference.Float(3)},
				},
			}, nil
		},
		DiarizeFunc: func(context.Context, audio.Waveform) ([]inference.SpeakerTurn, error) {
			return []inference.SpeakerTurn{
				{Start: 0, End: 2.1, Speaker: "SPEAKER_00"},
				{Start: 2.1, End: 3, Speaker: "SPEAKER_01"},
			}, nil
		},
	}
	h := newHarness(t, rt, fixture{diarize: true, token: "hf_x"})

	result, err := h.orch.Run(context.Background(), Request{ID: "req-d", AudioPath: "/tmp/d.wav", Language: "de", Quality: "accurate", Diarize: true})
	require.NoError(t, err)

	require.Equal(t, "de", result.Language)
	require.Equal(t, "SPEAKER_00", result.Segments[0].Speaker)
	require.Equal(t, "SPEAKER_01", result.Segments[1].Speaker)
	require.Equal(t, []string{"load_model:large-v2", "transcribe:large-v2", "load_align:de", "align:de", "load_diarizer", "diarize"}, rt.Calls())
}

func TestRunRejectsDisabledDiarizationBeforeAnyStage(t *testing.T) {
	t.Parallel()

	rt := &inferencetest.Runtime{}
	h := newHarness(t, rt, fixture{diarize: false, token: "hf_x"})

	_, err := h.orch.Run(context.Background(), Request{ID: "req-b", AudioPath: "/tmp/b.wav", Diarize: true})
	perr := requireKind(t, err, KindDisabled)
	require.Equal(t, StatePending, perr.State)
	require.ErrorIs(t, err, cache.ErrDiarizationDisabled)
	require.False(t, perr.Kind.Retryable())
	require.True(t, perr.Kind.ClientError())

	require.Empty(t, rt.Calls())
	require.Equal(t, []string{"/tmp/b.wav"}, h.removedPaths())
	require.Equal(t, 0, h.gate.InFlight())
}

func TestRunRejectsDiarizationWithoutToken(t *testing.T) {
	t.Parallel()

	rt := &inferencetest.Runtime{}
	h := newHarness(t, rt, fixture{diarize: true})

	_, err := h.orch.Run(context.Background(), Request{ID: "req-m", Diarize: true})
	requireKind(t, err, KindMisconfigured)
	require.Empty(t, rt.Calls())
}

func TestRunFailsAlignmentWithoutLanguage(t *testing.T) {
	t.Parallel()

	rt := &inferencetest.Runtime{
		TranscribeFunc: func(context.Context, string, audio.Waveform, inference.TranscribeOptions) (inference.Transcription, error) {
			return inference.Transcription{Segments: []inference.Segment{{Text: "???"}}}, nil
		},
	}
	h := newHarness(t, rt, fixture{})

	_, err := h.orch.Run(context.Background(), Request{ID: "req-c"})
	perr := requireKind(t, err, KindInvalidInput)
	require.Equal(t, StateAligning, perr.State)
	require.ErrorIs(t, err, cache.ErrLanguageRequired)
	require.Zero(t, rt.Count("align:"))
}

func TestRunRejectsUndecodableAudio(t *testing.T) {
	t.Parallel()

	rt := &inferencetest.Runtime{}
	h := newHarness(t, rt, fixture{decodeError: fmt.Errorf("%w: invalid data found", audio.ErrUndecodable)})

	_, err := h.orch.Run(context.Background(), Request{ID: "req-u", AudioPath: "/tmp/u.bin"})
	perr := requireKind(t, err, KindInvalidInput)
	require.Equal(t, StateAdmitted, perr.State)
	require.Empty(t, rt.Calls())
	require.Equal(t, []string{"/tmp/u.bin"}, h.removedPaths())
}

func TestRunTimeoutReleasesGate(t *testing.T) {
	t.Parallel()

	rt := &inferencetest.Runtime{
		TranscribeFunc: func(ctx context.Context, _ string, _ audio.Waveform, _ inference.TranscribeOptions) (inference.Transcription, error) {
			<-ctx.Done()
			return inference.Transcription{}, ctx.Err()
		},
	}
	h := newHarness(t, rt, fixture{timeout: 30 * time.Millisecond})

	_, err := h.orch.Run(context.Background(), Request{ID: "req-t", AudioPath: "/tmp/t.wav"})
	perr := requireKind(t, err, KindTimeout)
	require.Equal(t, StateTranscribing, perr.State)
	require.True(t, perr.Kind.Retryable())

	release, ok := h.gate.TryEnter()
	require.True(t, ok, "gate slot must be free after a timeout")
	release()
	require.Equal(t, []string{"/tmp/t.wav"}, h.removedPaths())
}

func TestRunDiscardsStageThatFinishedLate(t *testing.T) {
	t.Parallel()

	rt := &inferencetest.Runtime{
		AlignFunc: func(_ context.Context, segments []inference.Segment, _ inference.AlignMetadata) ([]inference.Segment, error) {
			time.Sleep(60 * time.Millisecond)
			return segments, nil
		},
	}
	h := newHarness(t, rt, fixture{timeout: 20 * time.Millisecond})

	result, err := h.orch.Run(context.Background(), Request{ID: "req-late"})
	perr := requireKind(t, err, KindTimeout)
	require.Equal(t, StateAligning, perr.State)
	require.Empty(t, result.Segments)
}

func TestRunLateStageFailureIsTimeout(t *testing.T) {
	t.Parallel()

	rt := &inferencetest.Runtime{
		TranscribeFunc: func(context.Context, string, audio.Waveform, inference.TranscribeOptions) (inference.Transcription, error) {
			time.Sleep(60 * time.Millisecond)
			return inference.Transcription{}, errors.New("worker returned status 500")
		},
	}
	h := newHarness(t, rt, fixture{timeout: 20 * time.Millisecond})

	_, err := h.orch.Run(context.Background(), Request{ID: "req-late-500"})
	perr := requireKind(t, err, KindTimeout)
	require.Equal(t, StateTranscribing, perr.State)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunKeepsAlignModelOpenWhileEvictedByConcurrentRequest(t *testing.T) {
	t.Parallel()

	enAligning := make(chan struct{})
	frDone := make(chan struct{})
	rt := &inferencetest.Runtime{
		TranscribeFunc: func(_ context.Context, _ string, _ audio.Waveform, opts inference.TranscribeOptions) (inference.Transcription, error) {
			return inference.Transcription{
				Language: opts.Language,
				Segments: []inference.Segment{{Text: "hello", Start: inference.Float(0), End: inference.Float(1)}},
			}, nil
		},
		AlignFunc: func(_ context.Context, segments []inference.Segment, meta inference.AlignMetadata) ([]inference.Segment, error) {
			if meta.Language == "en" {
				close(enAligning)
				<-frDone
			}
			return segments, nil
		},
	}
	h := newHarness(t, rt, fixture{capacity: 2, alignCap: 1})

	enErr := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(context.Background(), Request{ID: "req-en", Language: "en"})
		enErr <- err
	}()
	<-enAligning

	_, err := h.orch.Run(context.Background(), Request{ID: "req-fr", Language: "fr"})
	require.NoError(t, err)
	require.Zero(t, rt.Count("close_align:en"), "en is closed while a request still aligns with it")

	close(frDone)
	require.NoError(t, <-enErr)
	require.Equal(t, 1, rt.Count("close_align:en"))
	require.Zero(t, rt.Count("close_align:fr"))
}

func TestRunReclaimsOnAcceleratorExhaustion(t *testing.T) {
	t.Parallel()

	rt := &inferencetest.Runtime{
		TranscribeFunc: func(context.Context, string, audio.Waveform, inference.TranscribeOptions) (inference.Transcription, error) {
			return inference.Transcription{}, fmt.Errorf("transcribe: %w: tried to allocate 2.00 GiB", inference.ErrAcceleratorExhausted)
		},
	}
	h := newHarness(t, rt, fixture{device: "cuda"})

	_, err := h.orch.Run(context.Background(), Request{ID: "req-oom"})
	perr := requireKind(t, err, KindAcceleratorExhausted)
	require.True(t, perr.Kind.Retryable())

	require.Equal(t, []string{"load_model:medium", "transcribe:medium", "empty_cache", "empty_cache"}, rt.Calls(),
		"reclaim runs when the condition is detected and again at the end of the request")
}

func TestRunHidesUpstreamDetails(t *testing.T) {
	t.Parallel()

	rt := &inferencetest.Runtime{
		AlignFunc: func(context.Context, []inference.Segment, inference.AlignMetadata) ([]inference.Segment, error) {
			return nil, errors.New("wav2vec2 exploded at /opt/models/secret")
		},
	}
	h := newHarness(t, rt, fixture{})

	_, err := h.orch.Run(context.Background(), Request{ID: "req-x"})
	perr := requireKind(t, err, KindUpstreamFailure)
	require.Equal(t, "req-x", perr.RequestID)
	require.Contains(t, err.Error(), "wav2vec2 exploded")
	require.NotContains(t, perr.Kind.PublicMessage(), "wav2vec2")
	require.False(t, perr.Kind.Retryable())
}

func TestRunCanceledWhileWaitingForGate(t *testing.T) {
	t.Parallel()

	rt := &inferencetest.Runtime{}
	h := newHarness(t, rt, fixture{})

	holder, err := h.gate.Enter(context.Background())
	require.NoError(t, err)
	defer holder()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err = h.orch.Run(ctx, Request{ID: "req-cancel", AudioPath: "/tmp/c.wav"})
	perr := requireKind(t, err, KindCanceled)
	require.Equal(t, StatePending, perr.State)
	require.Empty(t, rt.Calls())
	require.Equal(t, []string{"/tmp/c.wav"}, h.removedPaths())
	require.Equal(t, 1, h.gate.InFlight())
}

func TestRunNeverExceedsGateCapacity(t *testing.T) {
	t.Parallel()

	var active, peak atomic.Int32
	rt := &inferencetest.Runtime{
		TranscribeFunc: func(context.Context, string, audio.Waveform, inference.TranscribeOptions) (inference.Transcription, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			return inference.Transcription{Language: "en"}, nil
		},
	}
	h := newHarness(t, rt, fixture{capacity: 2})

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.orch.Run(context.Background(), Request{ID: fmt.Sprintf("req-%d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.LessOrEqual(t, peak.Load(), int32(2))
	require.Equal(t, 0, h.gate.InFlight())
	require.Equal(t, 1, rt.Count("load_model:"))
}

func TestKindOfForeignError(t *testing.T) {
	t.Parallel()

	require.Equal(t, KindUpstreamFailure, KindOf(errors.New("boom")))
	require.Equal(t, KindTimeout, KindOf(fmt.Errorf("wrapped: %w", &Error{Kind: KindTimeout})))
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.Error(t, err)
}
