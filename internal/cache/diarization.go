package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fmueller/voxscribe/internal/inference"
	"go.uber.org/zap"
)

var (
	ErrDiarizationDisabled      = errors.New("diarization is disabled")
	ErrDiarizationMisconfigured = errors.New("diarization is enabled but no access token is configured")
)

type DiarizationOptions struct {
	Loader  inference.DiarizerLoader
	Enabled bool
	Token   string
	Device  string
	Logger  *zap.Logger
}

// DiarizationHandle lazily creates the process-wide diarizer on first use.
type DiarizationHandle struct {
	opts DiarizationOptions

	mu       sync.Mutex
	diarizer inference.Diarizer
}

func NewDiarizationHandle(opts DiarizationOptions) *DiarizationHandle {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Token = strings.TrimSpace(opts.Token)
	return &DiarizationHandle{opts: opts}
}

// Check reports whether Get can succeed without loading anything.
func (h *DiarizationHandle) Check() error {
	if !h.opts.Enabled {
		return ErrDiarizationDisabled
	}
	if h.opts.Token == "" {
		return ErrDiarizationMisconfigured
	}
	return nil
}

func (h *DiarizationHandle) Available() bool {
	return h.Check() == nil
}

func (h *DiarizationHandle) Loaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.diarizer != nil
}

// Get returns the shared diarizer, creating it on the first successful call.
func (h *DiarizationHandle) Get(ctx context.Context) (inference.Diarizer, error) {
	if err := h.Check(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.diarizer != nil {
		return h.diarizer, nil
	}

	log := h.opts.Logger.With(zap.String("device", h.opts.Device))
	log.Info("loading diarization pipeline")
	started := time.Now()

	diarizer, err := h.opts.Loader.LoadDiarizer(ctx, h.opts.Device, h.opts.Token)
	if err != nil {
		log.Warn("diarization pipeline load failed", zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		return nil, fmt.Errorf("load diarization pipeline: %w", err)
	}
	log.Info("diarization pipeline loaded", zap.Duration("elapsed", time.Since(started)))

	h.diarizer = diarizer
	return diarizer, nil
}

// Close releases the diarizer if one was created.
func (h *DiarizationHandle) Close() error {
	h.mu.Lock()
	diarizer := h.diarizer
	h.diarizer = nil
	h.mu.Unlock()

	if diarizer == nil {
		return nil
	}
	if err := diarizer.Close(); err != nil {
		return fmt.Errorf("close diarization pipeline: %w", err)
	}
	return nil
}
