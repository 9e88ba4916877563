package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

var ErrProbeFailed = errors.New("could not determine audio duration")

type Prober interface {
	Duration(ctx context.Context, path string) (float64, error)
}

// FFprobe reads the container duration in seconds.
type FFprobe struct {
	Executable string
}

func (p *FFprobe) Duration(ctx context.Context, path string) (float64, error) {
	if err := ensureExecutable(p.Executable); err != nil {
		return 0, fmt.Errorf("%w: ffprobe missing or not executable: %v", ErrProbeFailed, err)
	}

	cmd := exec.CommandContext(ctx, p.Executable,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, fmt.Errorf("%w: ffprobe: %v (%s)", ErrProbeFailed, err, strings.TrimSpace(stderr.String()))
	}

	return parseDuration(stdout.String())
}

func parseDuration(output string) (float64, error) {
	value := strings.TrimSpace(output)
	if value == "" || value == "N/A" {
		return 0, fmt.Errorf("%w: ffprobe reported no duration", ErrProbeFailed)
	}

	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: parse %q: %v", ErrProbeFailed, value, err)
	}
	if seconds < 0 {
		return 0, fmt.Errorf("%w: negative duration %v", ErrProbeFailed, seconds)
	}
	return seconds, nil
}
