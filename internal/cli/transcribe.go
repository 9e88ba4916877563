package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fmueller/voxscribe/internal/clipboard"
	"github.com/fmueller/voxscribe/internal/fetch"
	"github.com/fmueller/voxscribe/internal/pipeline"
	"github.com/fmueller/voxscribe/internal/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	formatText = "text"
	formatJSON = "json"
)

type transcribeOptions struct {
	language string
	quality  string
	diarize  bool
	preload  bool
	format   string
	parallel int
	sha256   string
	copy     bool
}

// input is one command argument: a local path, or a URL plus the local copy
// it was downloaded to.
type input struct {
	arg  string
	path string
}

type fileOutcome struct {
	File   string           `json:"file"`
	Result *pipeline.Result `json:"result,omitempty"`
	Error  *outcomeError    `json:"error,omitempty"`

	err error
}

type outcomeError struct {
	Kind      pipeline.Kind `json:"kind"`
	Message   string        `json:"message"`
	Retryable bool          `json:"retryable"`
}

func newTranscribeCmd(app *appState) *cobra.Command {
	opts := transcribeOptions{language: "auto", format: formatText, parallel: 1}

	cmd := &cobra.Command{
		Use:   "transcribe <audio-file|url>...",
		Short: "Transcribe one or more audio files",
		Long: "Transcribe one or more audio files through the inference worker. Each file is\n" +
			"transcribed, aligned to word timings and optionally split by speaker.\n" +
			"http(s) URLs are downloaded first.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			format := strings.ToLower(strings.TrimSpace(opts.format))
			if format != formatText && format != formatJSON {
				return fmt.Errorf("unsupported output format %q (use text or json)", opts.format)
			}
			if opts.parallel < 1 {
				return errors.New("--parallel must be at least 1")
			}
			if opts.sha256 != "" && (len(args) != 1 || !fetch.IsRemote(args[0])) {
				return errors.New("--sha256 needs exactly one URL argument")
			}

			inputs := make([]input, 0, len(args))
			for _, arg := range args {
				if fetch.IsRemote(arg) {
					inputs = append(inputs, input{arg: strings.TrimSpace(arg)})
					continue
				}
				path := filepath.Clean(arg)
				if _, err := os.Stat(path); err != nil {
					return fmt.Errorf("audio file not found: %w", err)
				}
				inputs = append(inputs, input{arg: path, path: path})
			}

			svc, finish, err := app.openServiceFn(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, finish())
			}()

			cleanupDownloads, err := app.fetchRemote(cmd.Context(), inputs, opts.sha256)
			defer cleanupDownloads()
			if err != nil {
				return err
			}

			if opts.preload {
				if err := svc.Preload(cmd.Context()); err != nil {
					return err
				}
			}

			progress := startProgress(app.progressEnabled(), len(inputs))
			outcomes := app.transcribeAll(cmd.Context(), svc, inputs, opts, progress.FileDone)
			progress.Stop()

			if err := writeOutcomes(cmd.OutOrStdout(), format, outcomes); err != nil {
				return err
			}

			var errs []error
			var texts []string
			for _, o := range outcomes {
				if o.err != nil {
					errs = append(errs, fmt.Errorf("%s: %s", o.File, publicMessage(o.err)))
					continue
				}
				if strings.TrimSpace(o.Result.Text) == "" {
					app.log().Warn("no speech detected", zap.String("file", o.File))
					continue
				}
				texts = append(texts, o.Result.Text)
			}

			if opts.copy && len(texts) > 0 {
				copyFn := app.copyFn
				if copyFn == nil {
					copyFn = clipboard.Copy
				}
				if err := copyFn(cmd.Context(), strings.Join(texts, "\n")); err != nil {
					errs = append(errs, err)
				} else {
					app.log().Info("transcript copied to clipboard")
				}
			}
			return errors.Join(errs...)
		},
	}

	bindProgressFlag(cmd, app)
	cmd.Flags().StringVar(&opts.language, "language", opts.language, "Language code, or auto to detect it")
	cmd.Flags().StringVar(&opts.quality, "quality", opts.quality, "Quality tier: fast|balanced|accurate (default from config)")
	cmd.Flags().BoolVar(&opts.diarize, "diarize", opts.diarize, "Label segments with speakers")
	cmd.Flags().BoolVar(&opts.preload, "preload", opts.preload, "Load the default model before the first file")
	cmd.Flags().StringVar(&opts.format, "format", opts.format, "Output format: text|json")
	cmd.Flags().IntVar(&opts.parallel, "parallel", opts.parallel, "Files submitted at once; the server still bounds inference")
	cmd.Flags().StringVar(&opts.sha256, "sha256", opts.sha256, "Expected SHA-256 of a downloaded URL")
	cmd.Flags().BoolVar(&opts.copy, "copy", opts.copy, "Copy the transcript to the clipboard")
	return cmd
}

// fetchRemote downloads URL inputs one after another into a temporary
// directory. The returned func removes it and is safe to call on error.
func (a *appState) fetchRemote(ctx context.Context, inputs []input, sha string) (func(), error) {
	noop := func() {}

	remote := 0
	for _, in := range inputs {
		if in.path == "" {
			remote++
		}
	}
	if remote == 0 {
		return noop, nil
	}

	dir, err := os.MkdirTemp("", "voxscribe-fetch-*")
	if err != nil {
		return noop, fmt.Errorf("create download directory: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			a.log().Warn("failed to remove downloaded audio", zap.String("dir", dir), zap.Error(err))
		}
	}

	fetchFn := a.fetchFn
	if fetchFn == nil {
		fetchFn = fetch.Audio
	}
	for i := range inputs {
		if inputs[i].path != "" {
			continue
		}
		path, err := fetchFn(ctx, fetch.Options{
			URL:            inputs[i].arg,
			Dir:            dir,
			ExpectedSHA256: sha,
			NoProgress:     !a.progressEnabled(),
			Logger:         a.log(),
		})
		if err != nil {
			return cleanup, fmt.Errorf("download %s: %w", inputs[i].arg, err)
		}
		inputs[i].path = path
	}
	return cleanup, nil
}

// transcribeAll runs every file and returns outcomes in input order. A failed
// file does not stop the others.
func (a *appState) transcribeAll(ctx context.Context, svc transcriber, inputs []input, opts transcribeOptions, fileDone func()) []fileOutcome {
	outcomes := make([]fileOutcome, len(inputs))

	var g errgroup.Group
	g.SetLimit(opts.parallel)
	for i, in := range inputs {
		i, in := i, in
		g.Go(func() error {
			started := time.Now()
			result, err := svc.TranscribeFile(ctx, in.path, service.TranscribeRequest{
				Language: opts.language,
				Quality:  opts.quality,
				Diarize:  opts.diarize,
			})

			outcome := fileOutcome{File: in.arg, err: err}
			if err != nil {
				outcome.Error = &outcomeError{
					Kind:      pipeline.KindOf(err),
					Message:   publicMessage(err),
					Retryable: pipeline.KindOf(err).Retryable(),
				}
				a.log().Warn("transcription failed", zap.String("file", in.arg), zap.Duration("elapsed", time.Since(started)), zap.Error(err))
			} else {
				outcome.Result = &result
				a.log().Info("transcription finished", zap.String("file", in.arg), zap.Duration("elapsed", time.Since(started)))
			}
			outcomes[i] = outcome
			fileDone()
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func writeOutcomes(w io.Writer, format string, outcomes []fileOutcome) error {
	if format == formatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if len(outcomes) == 1 {
			return enc.Encode(outcomes[0])
		}
		return enc.Encode(outcomes)
	}

	for _, o := range outcomes {
		if o.Result == nil {
			continue
		}
		if len(outcomes) > 1 {
			fmt.Fprintf(w, "==> %s <==\n", o.File)
		}
		if hasSpeakers(o.Result.Segments) {
			for _, seg := range o.Result.Segments {
				fmt.Fprintf(w, "[%s] %s\n", seg.Speaker, seg.Text)
			}
			continue
		}
		fmt.Fprintln(w, o.Result.Text)
	}
	return nil
}

func hasSpeakers(segments []pipeline.Segment) bool {
	for _, seg := range segments {
		if seg.Speaker != "" {
			return true
		}
	}
	return false
}

// publicMessage hides upstream details behind the kind's message. Errors
// raised before the service ran are shown as they are.
func publicMessage(err error) string {
	var pe *pipeline.Error
	if errors.As(err, &pe) {
		return pe.Kind.PublicMessage()
	}
	return err.Error()
}
