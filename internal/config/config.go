// Package config resolves service settings from built-in defaults, an
// optional YAML file and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fmueller/voxscribe/internal/inference"
	"github.com/fmueller/voxscribe/internal/platform"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBatchSize        = 4
	DefaultMaxConcurrent    = 1
	DefaultAlignCacheMax    = 4
	DefaultTimeoutSeconds   = 300
	DefaultMaxUploadMB      = 200
	DefaultMaxAudioDuration = 3600
	DefaultWorkerURL        = "http://127.0.0.1:8765"
)

type Settings struct {
	Device            string            `yaml:"device"`
	ComputeType       string            `yaml:"compute_type"`
	BatchSize         int               `yaml:"batch_size"`
	MaxConcurrent     int               `yaml:"max_concurrent"`
	AlignCacheMax     int               `yaml:"align_cache_max"`
	AllowDiarization  bool              `yaml:"allow_diarization"`
	HFToken           string            `yaml:"hf_token"`
	DiarizationDevice string            `yaml:"diarization_device"`
	DefaultQuality    string            `yaml:"default_quality"`
	Models            map[string]string `yaml:"models"`
	TimeoutSeconds    int               `yaml:"timeout_seconds"`
	MaxUploadMB       int               `yaml:"max_upload_mb"`
	MaxAudioDuration  float64           `yaml:"max_audio_duration"`
	WorkerURL         string            `yaml:"worker_url"`
	SpoolDir          string            `yaml:"spool_dir"`
	FFmpegPath        string            `yaml:"ffmpeg_path"`
	FFprobePath       string            `yaml:"ffprobe_path"`
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

func Defaults() Settings {
	return Settings{
		BatchSize:        DefaultBatchSize,
		MaxConcurrent:    DefaultMaxConcurrent,
		AlignCacheMax:    DefaultAlignCacheMax,
		AllowDiarization: true,
		DefaultQuality:   string(inference.DefaultTier),
		TimeoutSeconds:   DefaultTimeoutSeconds,
		MaxUploadMB:      DefaultMaxUploadMB,
		MaxAudioDuration: DefaultMaxAudioDuration,
		WorkerURL:        DefaultWorkerURL,
	}
}

// Load builds settings from defaults, the YAML file at path (skipped when
// path is empty) and the environment. Device dependent fields left blank are
// derived from the detected device.
func Load(path string, lookup LookupFunc) (Settings, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	settings := Defaults()
	if strings.TrimSpace(path) != "" {
		if err := settings.mergeFile(path); err != nil {
			return Settings{}, err
		}
	}
	if err := settings.applyEnv(lookup); err != nil {
		return Settings{}, err
	}

	settings.fillDeviceDefaults(platform.DetectDevice)
	if err := settings.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid config: %w", err)
	}
	return settings, nil
}

func (s *Settings) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (s *Settings) applyEnv(lookup LookupFunc) error {
	strs := map[string]*string{
		"DEVICE":          &s.Device,
		"COMPUTE_TYPE":    &s.ComputeType,
		"HF_TOKEN":        &s.HFToken,
		"DIAR_DEVICE":     &s.DiarizationDevice,
		"DEFAULT_QUALITY": &s.DefaultQuality,
		"WORKER_URL":      &s.WorkerURL,
		"SPOOL_DIR":       &s.SpoolDir,
	}
	for key, dst := range strs {
		if value, ok := lookupTrimmed(lookup, key); ok {
			*dst = value
		}
	}

	ints := map[string]*int{
		"BATCH_SIZE":      &s.BatchSize,
		"MAX_CONCURRENT":  &s.MaxConcurrent,
		"ALIGN_CACHE_MAX": &s.AlignCacheMax,
		"TIMEOUT_SECONDS": &s.TimeoutSeconds,
		"MAX_UPLOAD_MB":   &s.MaxUploadMB,
	}
	var errs []error
	for key, dst := range ints {
		value, ok := lookupTrimmed(lookup, key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not an integer", key, value))
			continue
		}
		*dst = n
	}

	if value, ok := lookupTrimmed(lookup, "MAX_AUDIO_DURATION"); ok {
		seconds, err := strconv.ParseFloat(value, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MAX_AUDIO_DURATION: %q is not a number", value))
		} else {
			s.MaxAudioDuration = seconds
		}
	}

	if value, ok := lookupTrimmed(lookup, "ALLOW_DIARIZATION"); ok {
		s.AllowDiarization = parseBool(value)
	}

	return errors.Join(errs...)
}

// fillDeviceDefaults derives device dependent settings. A GPU gets float16,
// everything else int8; diarization follows the main device unless set.
func (s *Settings) fillDeviceDefaults(detect func() string) {
	if s.Device == "" {
		s.Device = detect()
	}
	if s.ComputeType == "" {
		s.ComputeType = platform.DefaultComputeType(s.Device)
	}
	if s.DiarizationDevice == "" {
		s.DiarizationDevice = s.Device
	}
}

func (s Settings) Validate() error {
	var errs []error
	if s.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be greater than 0"))
	}
	if s.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("max_concurrent must be greater than 0"))
	}
	if s.AlignCacheMax <= 0 {
		errs = append(errs, errors.New("align_cache_max must be greater than 0"))
	}
	if s.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("timeout_seconds must be greater than 0"))
	}
	if s.MaxUploadMB <= 0 {
		errs = append(errs, errors.New("max_upload_mb must be greater than 0"))
	}
	if s.MaxAudioDuration < 0 {
		errs = append(errs, errors.New("max_audio_duration must not be negative"))
	}
	if _, ok := inference.LookupTier(s.DefaultQuality); !ok {
		errs = append(errs, fmt.Errorf("default_quality %q is not one of %s", s.DefaultQuality, strings.Join(inference.TierNames(), ", ")))
	}
	if _, err := inference.NewTierMap(s.Models); err != nil {
		errs = append(errs, fmt.Errorf("models: %w", err))
	}
	if strings.TrimSpace(s.WorkerURL) == "" {
		errs = append(errs, errors.New("worker_url cannot be empty"))
	}
	return errors.Join(errs...)
}

func (s Settings) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

func (s Settings) MaxUploadBytes() int64 {
	return int64(s.MaxUploadMB) << 20
}

// DefaultTier is the configured quality tier. Validate guarantees it is known.
func (s Settings) DefaultTier() inference.Tier {
	return inference.ResolveTier(s.DefaultQuality, inference.DefaultTier)
}

// DiarizationAvailable reports whether diarization can be served at all.
func (s Settings) DiarizationAvailable() bool {
	return s.AllowDiarization && strings.TrimSpace(s.HFToken) != ""
}

func lookupTrimmed(lookup LookupFunc, key string) (string, bool) {
	value, ok := lookup(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func parseBool(value string) bool {
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
