// Package service wires the caches, the gate and the pipeline into the two
// operations the outside world sees: transcribe and health.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fmueller/voxscribe/internal/audio"
	"github.com/fmueller/voxscribe/internal/cache"
	"github.com/fmueller/voxscribe/internal/config"
	"github.com/fmueller/voxscribe/internal/gate"
	"github.com/fmueller/voxscribe/internal/inference"
	"github.com/fmueller/voxscribe/internal/metrics"
	"github.com/fmueller/voxscribe/internal/pipeline"
	"github.com/fmueller/voxscribe/internal/platform"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrTooLong = errors.New("audio exceeds duration limit")

type Deps struct {
	Runtime inference.Runtime
	Decoder audio.Decoder
	// Prober is optional; without it the duration limit is not enforced.
	Prober  audio.Prober
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type Service struct {
	settings config.Settings
	runtime  inference.Runtime
	prober   audio.Prober
	spool    *audio.Spool
	logger   *zap.Logger
	metrics  *metrics.Metrics

	models      *cache.ModelCache
	aligns      *cache.AlignCache
	diarization *cache.DiarizationHandle
	orch        *pipeline.Orchestrator

	newID func() string
	now   func() time.Time
}

func New(settings config.Settings, deps Deps) (*Service, error) {
	if deps.Runtime == nil {
		return nil, errors.New("service: runtime is required")
	}
	if deps.Decoder == nil {
		return nil, errors.New("service: decoder is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	tiers, err := inference.NewTierMap(settings.Models)
	if err != nil {
		return nil, err
	}
	spoolDir, err := platform.ResolveSpoolDir(settings.SpoolDir)
	if err != nil {
		return nil, fmt.Errorf("resolve spool directory: %w", err)
	}

	g, err := gate.New(settings.MaxConcurrent, deps.Metrics)
	if err != nil {
		return nil, err
	}
	models := cache.NewModelCache(cache.ModelCacheOptions{
		Loader:      deps.Runtime,
		Tiers:       tiers,
		Default:     settings.DefaultTier(),
		Device:      settings.Device,
		ComputeType: settings.ComputeType,
		Logger:      logger,
		Metrics:     deps.Metrics,
	})
	aligns, err := cache.NewAlignCache(cache.AlignCacheOptions{
		Loader:   deps.Runtime,
		Capacity: settings.AlignCacheMax,
		Device:   settings.Device,
		Logger:   logger,
		Metrics:  deps.Metrics,
	})
	if err != nil {
		return nil, err
	}
	diarization := cache.NewDiarizationHandle(cache.DiarizationOptions{
		Loader:  deps.Runtime,
		Enabled: settings.AllowDiarization,
		Token:   settings.HFToken,
		Device:  settings.DiarizationDevice,
		Logger:  logger,
	})

	spool := &audio.Spool{Dir: spoolDir, MaxBytes: settings.MaxUploadBytes()}
	cleanup := pipeline.NewCleanup(pipeline.CleanupOptions{
		Accelerator:   deps.Runtime,
		OnAccelerator: platform.IsAccelerator(settings.Device),
		Remove:        spool.Remove,
		Logger:        logger,
	})

	orch, err := pipeline.New(pipeline.Options{
		Gate:        g,
		Models:      models,
		Aligns:      aligns,
		Diarization: diarization,
		Runtime:     deps.Runtime,
		Decoder:     deps.Decoder,
		Cleanup:     cleanup,
		Device:      settings.Device,
		BatchSize:   settings.BatchSize,
		Timeout:     settings.Timeout(),
		Logger:      logger,
		Metrics:     deps.Metrics,
	})
	if err != nil {
		return nil, err
	}

	return &Service{
		settings:    settings,
		runtime:     deps.Runtime,
		prober:      deps.Prober,
		spool:       spool,
		logger:      logger,
		metrics:     deps.Metrics,
		models:      models,
		aligns:      aligns,
		diarization: diarization,
		orch:        orch,
		newID:       uuid.NewString,
		now:         time.Now,
	}, nil
}

type TranscribeRequest struct {
	Audio io.Reader
	// Filename only contributes its extension to the spooled copy.
	Filename string
	// Language is a code such as "en"; empty or "auto" detects it.
	Language string
	Quality  string
	Diarize  bool
}

// Transcribe spools the audio, checks its duration and runs the pipeline.
// Errors are *pipeline.Error values.
func (s *Service) Transcribe(ctx context.Context, req TranscribeRequest) (pipeline.Result, error) {
	id := s.newID()
	received := s.now()
	log := s.logger.With(zap.String("request_id", id))

	path, err := s.spool.Save(ctx, req.Audio, req.Filename)
	if err != nil {
		return pipeline.Result{}, s.reject(id, err)
	}

	if err := s.checkDuration(ctx, path); err != nil {
		if rmErr := s.spool.Remove(path); rmErr != nil {
			log.Warn("failed to remove temporary audio", zap.String("path", path), zap.Error(rmErr))
		}
		return pipeline.Result{}, s.reject(id, err)
	}

	log.Info("transcription requested",
		zap.String("file", filepath.Base(req.Filename)),
		zap.String("language", req.Language),
		zap.String("quality", req.Quality),
		zap.Bool("diarize", req.Diarize),
	)
	return s.orch.Run(ctx, pipeline.Request{
		ID:        id,
		AudioPath: path,
		Language:  NormalizeLanguage(req.Language),
		Quality:   req.Quality,
		Diarize:   req.Diarize,
		Received:  received,
	})
}

// TranscribeFile is Transcribe for a file on disk. The file itself is left
// alone; only the spooled copy is removed.
func (s *Service) TranscribeFile(ctx context.Context, path string, req TranscribeRequest) (pipeline.Result, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	req.Audio = f
	req.Filename = path
	return s.Transcribe(ctx, req)
}

func (s *Service) checkDuration(ctx context.Context, path string) error {
	if s.prober == nil || s.settings.MaxAudioDuration <= 0 {
		return nil
	}
	seconds, err := s.prober.Duration(ctx, path)
	if err != nil {
		return err
	}
	if seconds > s.settings.MaxAudioDuration {
		return fmt.Errorf("%w: audio is %.1fs, limit is %.0fs", ErrTooLong, seconds, s.settings.MaxAudioDuration)
	}
	return nil
}

// reject converts a failure that happened before the pipeline started.
func (s *Service) reject(id string, err error) error {
	kind := pipeline.KindUpstreamFailure
	switch {
	case errors.Is(err, audio.ErrTooLarge), errors.Is(err, ErrTooLong), errors.Is(err, audio.ErrProbeFailed):
		kind = pipeline.KindInvalidInput
	case errors.Is(err, context.Canceled):
		kind = pipeline.KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		kind = pipeline.KindTimeout
	}

	s.metrics.RequestFinished(string(kind))
	s.logger.Info("transcription rejected",
		zap.String("request_id", id),
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
	return &pipeline.Error{Kind: kind, State: pipeline.StatePending, RequestID: id, Err: err}
}

// Preload loads the default tier's model so the first request does not pay
// for it.
func (s *Service) Preload(ctx context.Context) error {
	tier := s.settings.DefaultTier()
	if _, err := s.models.Acquire(ctx, tier); err != nil {
		return fmt.Errorf("preload %s model: %w", tier, err)
	}
	return nil
}

// Close releases cached alignment models and the diarizer. Transcription
// models live as long as the worker does.
func (s *Service) Close() error {
	return errors.Join(s.aligns.Close(), s.diarization.Close())
}

// NormalizeLanguage lowercases a language code and maps "auto" to the empty
// string the models use for detection.
func NormalizeLanguage(language string) string {
	language = strings.ToLower(strings.TrimSpace(language))
	if language == "auto" {
		return ""
	}
	return language
}
