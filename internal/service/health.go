package service

import (
	"context"

	"github.com/fmueller/voxscribe/internal/platform"
	"go.uber.org/zap"
)

type Health struct {
	Status               string   `json:"status"`
	Device               string   `json:"device"`
	ComputeType          string   `json:"compute_type"`
	Accelerator          bool     `json:"accelerator"`
	MemoryAllocatedMB    float64  `json:"memory_allocated_mb,omitempty"`
	GateCapacity         int      `json:"max_concurrent"`
	InFlight             int      `json:"in_flight"`
	DiarizationAvailable bool     `json:"diarization_available"`
	DefaultQuality       string   `json:"default_quality"`
	LoadedTiers          []string `json:"loaded_tiers"`
	AlignLanguages       []string `json:"align_languages"`
	AlignCacheCapacity   int      `json:"align_cache_max"`
}

// Health reports the service state. Status is "degraded" when the inference
// worker cannot be reached.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{
		Status:               "ok",
		Device:               s.settings.Device,
		ComputeType:          s.settings.ComputeType,
		Accelerator:          platform.IsAccelerator(s.settings.Device),
		GateCapacity:         s.orch.Capacity(),
		InFlight:             s.orch.InFlight(),
		DiarizationAvailable: s.diarization.Available(),
		DefaultQuality:       string(s.settings.DefaultTier()),
		LoadedTiers:          []string{},
		AlignLanguages:       s.aligns.Languages(),
		AlignCacheCapacity:   s.aligns.Capacity(),
	}
	for _, tier := range s.models.Loaded() {
		h.LoadedTiers = append(h.LoadedTiers, string(tier))
	}
	if h.AlignLanguages == nil {
		h.AlignLanguages = []string{}
	}

	info, err := s.runtime.DeviceInfo(ctx)
	if err != nil {
		s.logger.Warn("inference worker health check failed", zap.Error(err))
		h.Status = "degraded"
		return h
	}
	if info.Device != "" {
		h.Device = info.Device
	}
	h.Accelerator = info.Accelerator
	h.MemoryAllocatedMB = info.MemoryAllocatedMB
	return h
}
