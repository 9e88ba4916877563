// Package clipboard copies finished transcripts to the desktop clipboard.
package clipboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

var ErrUnavailable = errors.New("no clipboard command available")

const copyTimeout = 4 * time.Second

type command struct {
	name string
	args []string
	// detach leaves the process running after stdin is written; xclip keeps
	// serving the selection until another owner takes it.
	detach bool
}

// Copier writes text to the first clipboard command found on the system.
type Copier struct {
	GOOS     string
	LookPath func(string) (string, error)
}

func New() *Copier {
	return &Copier{GOOS: runtime.GOOS, LookPath: exec.LookPath}
}

// Copy is New().Copy.
func Copy(ctx context.Context, text string) error {
	return New().Copy(ctx, text)
}

func (c *Copier) Copy(ctx context.Context, text string) error {
	cmd, err := c.detect()
	if err != nil {
		return err
	}
	if cmd.detach {
		return runDetached(cmd, text)
	}

	ctx, cancel := context.WithTimeout(ctx, copyTimeout)
	defer cancel()

	proc := exec.CommandContext(ctx, cmd.name, cmd.args...)
	proc.Stdin = strings.NewReader(text)
	proc.Stdout = io.Discard
	proc.Stderr = io.Discard
	if err := proc.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("copy to clipboard timed out: %w", ctx.Err())
		}
		return fmt.Errorf("copy to clipboard with %s: %w", cmd.name, err)
	}
	return nil
}

func (c *Copier) candidates() []command {
	if c.GOOS == "darwin" {
		return []command{{name: "pbcopy"}}
	}
	return []command{
		{name: "wl-copy"},
		{name: "xclip", args: []string{"-selection", "clipboard", "-in", "-silent"}, detach: true},
		{name: "xsel", args: []string{"--clipboard", "--input"}},
	}
}

func (c *Copier) detect() (command, error) {
	lookPath := c.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	for _, cand := range c.candidates() {
		if resolved, err := lookPath(cand.name); err == nil {
			cand.name = resolved
			return cand, nil
		}
	}
	return command{}, ErrUnavailable
}

func runDetached(cmd command, text string) error {
	proc := exec.Command(cmd.name, cmd.args...)
	proc.Stdout = io.Discard
	proc.Stderr = io.Discard

	stdin, err := proc.StdinPipe()
	if err != nil {
		return fmt.Errorf("open clipboard stdin: %w", err)
	}
	if err := proc.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("start %s: %w", cmd.name, err)
	}

	if _, err := io.WriteString(stdin, text); err != nil {
		_ = stdin.Close()
		_ = proc.Process.Kill()
		return fmt.Errorf("write clipboard data: %w", err)
	}
	if err := stdin.Close(); err != nil {
		_ = proc.Process.Kill()
		return fmt.Errorf("close clipboard stdin: %w", err)
	}

	_ = proc.Process.Release()
	return nil
}
