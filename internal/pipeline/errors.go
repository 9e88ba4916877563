package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/fmueller/voxscribe/internal/audio"
	"github.com/fmueller/voxscribe/internal/cache"
	"github.com/fmueller/voxscribe/internal/inference"
)

// Kind classifies why a run failed. It is also the outcome label reported
// in metrics.
type Kind string

const (
	KindInvalidInput         Kind = "invalid_input"
	KindDisabled             Kind = "disabled"
	KindMisconfigured        Kind = "misconfigured"
	KindTimeout              Kind = "timeout"
	KindAcceleratorExhausted Kind = "accelerator_exhausted"
	KindUpstreamFailure      Kind = "upstream_failure"
	KindCanceled             Kind = "canceled"
)

// Retryable reports whether the same request may succeed later without
// changes.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindAcceleratorExhausted:
		return true
	default:
		return false
	}
}

// ClientError reports whether the caller has to change the request or the
// service configuration before retrying.
func (k Kind) ClientError() bool {
	switch k {
	case KindInvalidInput, KindDisabled, KindMisconfigured:
		return true
	default:
		return false
	}
}

// PublicMessage is safe to show to callers. Upstream details stay in logs.
func (k Kind) PublicMessage() string {
	switch k {
	case KindInvalidInput:
		return "the audio could not be processed; check the file and the requested language"
	case KindDisabled:
		return "diarization is disabled on this server"
	case KindMisconfigured:
		return "diarization is enabled but the server has no access token configured"
	case KindTimeout:
		return "transcription timed out; try again later or with shorter audio"
	case KindAcceleratorExhausted:
		return "the accelerator is out of memory; try again later"
	case KindCanceled:
		return "the request was canceled"
	default:
		return "transcription failed due to an internal error"
	}
}

// Error is returned by Run for every failed request.
type Error struct {
	Kind      Kind
	State     State
	RequestID string
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("request %s: %s while %s", e.RequestID, e.Kind, e.State)
	}
	return fmt.Sprintf("request %s: %s while %s: %v", e.RequestID, e.Kind, e.State, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the kind from err. Errors that did not come from a run
// count as upstream failures.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindUpstreamFailure
}

// classify maps a stage error onto a kind. caller is the context the request
// arrived with; the run context additionally carries the deadline.
func classify(caller context.Context, err error) Kind {
	switch {
	case errors.Is(err, inference.ErrAcceleratorExhausted):
		return KindAcceleratorExhausted
	case errors.Is(err, cache.ErrDiarizationDisabled):
		return KindDisabled
	case errors.Is(err, cache.ErrDiarizationMisconfigured):
		return KindMisconfigured
	case errors.Is(err, cache.ErrLanguageRequired), errors.Is(err, audio.ErrUndecodable):
		return KindInvalidInput
	case caller.Err() != nil && errors.Is(caller.Err(), context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindUpstreamFailure
	}
}
