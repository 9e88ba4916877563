package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/fmueller/voxscribe/internal/audio"
	"github.com/fmueller/voxscribe/internal/config"
	"github.com/fmueller/voxscribe/internal/inference/worker"
	"github.com/fmueller/voxscribe/internal/metrics"
	"github.com/fmueller/voxscribe/internal/platform"
	"github.com/fmueller/voxscribe/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	ffmpegPathEnv  = "VOXSCRIBE_FFMPEG"
	ffprobePathEnv = "VOXSCRIBE_FFPROBE"
)

func (a *appState) loadSettings() (config.Settings, error) {
	settings, err := config.Load(a.configPath, a.lookup())
	if err != nil {
		return config.Settings{}, err
	}

	if url := strings.TrimSpace(a.workerURL); url != "" {
		settings.WorkerURL = url
	}
	if device := strings.TrimSpace(a.device); device != "" && device != settings.Device {
		if settings.DiarizationDevice == settings.Device {
			settings.DiarizationDevice = device
		}
		if settings.ComputeType == platform.DefaultComputeType(settings.Device) {
			settings.ComputeType = platform.DefaultComputeType(device)
		}
		settings.Device = device
	}
	return settings, nil
}

// openService builds the service against the configured worker. The returned
// finish func closes the service and writes the metrics file if requested.
func (a *appState) openService(_ context.Context) (transcriber, func() error, error) {
	settings, err := a.loadSettings()
	if err != nil {
		return nil, nil, err
	}
	log := a.log()

	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		return nil, nil, err
	}

	ffmpeg, err := audio.ResolveTool("ffmpeg", settings.FFmpegPath, ffmpegPathEnv)
	if err != nil {
		log.Warn("ffmpeg unavailable; only 16 kHz mono WAV input can be decoded", zap.Error(err))
	}

	var prober audio.Prober
	if ffprobe, err := audio.ResolveTool("ffprobe", settings.FFprobePath, ffprobePathEnv); err != nil {
		log.Warn("ffprobe unavailable; audio duration limit is not enforced", zap.Error(err))
	} else {
		prober = &audio.FFprobe{Executable: ffprobe}
	}

	svc, err := service.New(settings, service.Deps{
		Runtime: worker.NewClient(settings.WorkerURL, log),
		Decoder: audio.NewFFmpegDecoder(ffmpeg, log),
		Prober:  prober,
		Logger:  log,
		Metrics: m,
	})
	if err != nil {
		return nil, nil, err
	}

	log.Debug("service ready",
		zap.String("worker", settings.WorkerURL),
		zap.String("device", settings.Device),
		zap.String("compute_type", settings.ComputeType),
		zap.Int("max_concurrent", settings.MaxConcurrent),
	)

	finish := func() error {
		closeErr := svc.Close()
		if a.metricsFile != "" {
			if err := m.WriteTextfile(a.metricsFile); err != nil {
				return err
			}
		}
		if closeErr != nil {
			return fmt.Errorf("release models: %w", closeErr)
		}
		return nil
	}
	return svc, finish, nil
}
