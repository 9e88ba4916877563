// Package pipeline runs one transcription request through the shared
// models: transcribe, align and optionally diarize, under a deadline and
// while holding an accelerator slot.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fmueller/voxscribe/internal/audio"
	"github.com/fmueller/voxscribe/internal/cache"
	"github.com/fmueller/voxscribe/internal/gate"
	"github.com/fmueller/voxscribe/internal/inference"
	"github.com/fmueller/voxscribe/internal/metrics"
	"github.com/fmueller/voxscribe/internal/platform"
	"go.uber.org/zap"
)

// State is a step of a run. Failed runs end in StateAborted; the Error
// records the state that was active when it happened.
type State string

const (
	StatePending      State = "pending"
	StateAdmitted     State = "admitted"
	StateTranscribing State = "transcribing"
	StateAligning     State = "aligning"
	StateDiarizing    State = "diarizing"
	StateCompleted    State = "completed"
	StateAborted      State = "aborted"
)

type Request struct {
	ID        string
	AudioPath string
	// Language is empty for auto-detection.
	Language string
	Quality  string
	Diarize  bool
	Received time.Time
}

type Options struct {
	Gate        *gate.Gate
	Models      *cache.ModelCache
	Aligns      *cache.AlignCache
	Diarization *cache.DiarizationHandle
	Runtime     interface {
		inference.Aligner
		inference.Accelerator
	}
	Decoder   audio.Decoder
	Cleanup   *Cleanup
	Device    string
	BatchSize int
	Timeout   time.Duration
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

type Orchestrator struct {
	opts Options
}

func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Gate == nil:
		return nil, errors.New("pipeline: gate is required")
	case opts.Models == nil, opts.Aligns == nil, opts.Diarization == nil:
		return nil, errors.New("pipeline: model caches are required")
	case opts.Runtime == nil:
		return nil, errors.New("pipeline: runtime is required")
	case opts.Decoder == nil:
		return nil, errors.New("pipeline: decoder is required")
	case opts.Timeout <= 0:
		return nil, fmt.Errorf("pipeline: timeout must be positive, got %s", opts.Timeout)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Cleanup == nil {
		opts.Cleanup = NewCleanup(CleanupOptions{Logger: opts.Logger})
	}
	return &Orchestrator{opts: opts}, nil
}

// run carries per-request state through the stages.
type run struct {
	req    Request
	caller context.Context
	state  State
	log    *zap.Logger
}

// Run executes req. The result is only returned when every stage finished
// within the deadline; otherwise the error is an *Error. Cleanup runs once
// on every path, before the accelerator slot is given back.
func (o *Orchestrator) Run(ctx context.Context, req Request) (result Result, err error) {
	if req.Received.IsZero() {
		req.Received = time.Now()
	}
	r := &run{
		req:    req,
		caller: ctx,
		state:  StatePending,
		log: o.opts.Logger.With(
			zap.String("request_id", req.ID),
			zap.Bool("diarize", req.Diarize),
		),
	}

	release := func() {}
	defer func() {
		o.opts.Cleanup.Finish(req.AudioPath)
		release()

		outcome := "ok"
		if err != nil {
			outcome = string(KindOf(err))
		}
		o.opts.Metrics.RequestFinished(outcome)
		r.log.Debug("request finished", zap.String("outcome", outcome), zap.Duration("elapsed", time.Since(req.Received)))
	}()

	if req.Diarize {
		if cerr := o.opts.Diarization.Check(); cerr != nil {
			return Result{}, o.abort(r, cerr)
		}
	}

	slot, gerr := o.opts.Gate.Enter(ctx)
	if gerr != nil {
		return Result{}, o.abort(r, gerr)
	}
	release = slot

	runCtx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	o.enter(runCtx, r, StateAdmitted)
	wave, derr := timed(o, r, func() (audio.Waveform, error) {
		return o.opts.Decoder.Decode(runCtx, req.AudioPath)
	})
	if err := o.stageErr(runCtx, derr); err != nil {
		return Result{}, o.abort(r, err)
	}

	o.enter(runCtx, r, StateTranscribing)
	transcription, terr := timed(o, r, func() (inference.Transcription, error) {
		return o.transcribe(runCtx, r, wave)
	})
	if err := o.stageErr(runCtx, terr); err != nil {
		return Result{}, o.abort(r, err)
	}
	language := transcription.Language
	r.log = r.log.With(zap.String("language", language))

	o.enter(runCtx, r, StateAligning)
	segments, aerr := timed(o, r, func() ([]inference.Segment, error) {
		return o.align(runCtx, transcription, wave)
	})
	if err := o.stageErr(runCtx, aerr); err != nil {
		return Result{}, o.abort(r, err)
	}

	if req.Diarize {
		o.enter(runCtx, r, StateDiarizing)
		segments, aerr = timed(o, r, func() ([]inference.Segment, error) {
			return o.diarize(runCtx, segments, wave)
		})
		if err := o.stageErr(runCtx, aerr); err != nil {
			return Result{}, o.abort(r, err)
		}
	}

	r.state = StateCompleted
	result = assemble(req.ID, language, segments, req.Diarize)
	r.log.Info("transcription completed",
		zap.Int("segments", len(result.Segments)),
		zap.Duration("elapsed", time.Since(req.Received)),
	)
	return result, nil
}

func (o *Orchestrator) transcribe(ctx context.Context, r *run, wave audio.Waveform) (inference.Transcription, error) {
	tier := o.opts.Models.Resolve(r.req.Quality)
	r.log = r.log.With(zap.String("tier", string(tier)))

	model, err := o.opts.Models.Acquire(ctx, tier)
	if err != nil {
		return inference.Transcription{}, err
	}
	return model.Transcribe(ctx, wave, inference.TranscribeOptions{
		BatchSize: o.opts.BatchSize,
		Language:  r.req.Language,
	})
}

func (o *Orchestrator) align(ctx context.Context, transcription inference.Transcription, wave audio.Waveform) ([]inference.Segment, error) {
	entry, release, err := o.opts.Aligns.Acquire(ctx, transcription.Language)
	if err != nil {
		return nil, err
	}
	defer release()
	return o.opts.Runtime.Align(ctx, transcription.Segments, entry.Model, wave, o.opts.Device)
}

func (o *Orchestrator) diarize(ctx context.Context, segments []inference.Segment, wave audio.Waveform) ([]inference.Segment, error) {
	diarizer, err := o.opts.Diarization.Get(ctx)
	if err != nil {
		return nil, err
	}
	turns, err := diarizer.Diarize(ctx, wave)
	if err != nil {
		return nil, err
	}
	return inference.AssignSpeakers(turns, segments), nil
}

// stageErr turns a stage that finished after the deadline into a timeout,
// whatever the collaborator itself returned. The stage error is kept as
// text only so it cannot change the classification.
func (o *Orchestrator) stageErr(runCtx context.Context, err error) error {
	if ctxErr := runCtx.Err(); ctxErr != nil {
		if err != nil && !errors.Is(err, ctxErr) {
			return fmt.Errorf("%w: %v", ctxErr, err)
		}
		return ctxErr
	}
	return err
}

func (o *Orchestrator) abort(r *run, err error) error {
	kind := classify(r.caller, err)
	failed := r.state
	r.state = StateAborted

	log := r.log.With(zap.String("state", string(failed)), zap.String("kind", string(kind)))
	switch {
	case kind == KindAcceleratorExhausted:
		log.Warn("accelerator out of memory; reclaiming", zap.Error(err))
		o.opts.Cleanup.Reclaim()
	case kind == KindUpstreamFailure:
		log.Error("transcription failed", zap.Error(err))
	default:
		log.Info("transcription rejected", zap.Error(err))
	}

	return &Error{Kind: kind, State: failed, RequestID: r.req.ID, Err: err}
}

func (o *Orchestrator) enter(ctx context.Context, r *run, state State) {
	r.state = state
	if !r.log.Core().Enabled(zap.DebugLevel) {
		return
	}

	fields := []zap.Field{zap.String("state", string(state))}
	if platform.IsAccelerator(o.opts.Device) {
		if info, err := o.opts.Runtime.DeviceInfo(ctx); err == nil {
			fields = append(fields, zap.Float64("accelerator_allocated_mb", info.MemoryAllocatedMB))
		}
	}
	r.log.Debug("entering stage", fields...)
}

func timed[T any](o *Orchestrator, r *run, fn func() (T, error)) (T, error) {
	started := time.Now()
	out, err := fn()
	o.opts.Metrics.ObserveStage(string(r.state), time.Since(started))
	return out, err
}

// Capacity and InFlight expose the gate for health reporting.
func (o *Orchestrator) Capacity() int { return o.opts.Gate.Capacity() }

func (o *Orchestrator) InFlight() int { return o.opts.Gate.InFlight() }
