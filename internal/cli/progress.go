package cli

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

// batchProgress shows a spinner for a single file and a counting bar for a
// batch. A disabled progress is a no-op.
type batchProgress struct {
	bar  *progressbar.ProgressBar
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func startProgress(enabled bool, total int) *batchProgress {
	return startProgressTo(os.Stderr, enabled, total)
}

func startProgressTo(w io.Writer, enabled bool, total int) *batchProgress {
	p := &batchProgress{}
	if !enabled || total < 1 {
		return p
	}

	if total == 1 {
		p.bar = progressbar.NewOptions(
			-1,
			progressbar.OptionSetDescription("Transcribing"),
			progressbar.OptionSetWriter(w),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionThrottle(80*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
		p.stop = make(chan struct{})
		p.done = make(chan struct{})
		go p.spin()
		return p
	}

	p.bar = progressbar.NewOptions(
		total,
		progressbar.OptionSetDescription(fmt.Sprintf("Transcribing %d files", total)),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(20),
		progressbar.OptionShowCount(),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	return p
}

func (p *batchProgress) spin() {
	defer close(p.done)
	ticker := time.NewTicker(120 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			_ = p.bar.Add(1)
		}
	}
}

// FileDone advances a batch bar. Spinners ignore it.
func (p *batchProgress) FileDone() {
	if p.bar == nil || p.stop != nil {
		return
	}
	_ = p.bar.Add(1)
}

func (p *batchProgress) Stop() {
	p.once.Do(func() {
		if p.bar == nil {
			return
		}
		if p.stop != nil {
			close(p.stop)
			<-p.done
		}
		_ = p.bar.Finish()
	})
}
