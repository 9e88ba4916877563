package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/fmueller/voxscribe/internal/clipboard"
	"github.com/fmueller/voxscribe/internal/config"
	"github.com/fmueller/voxscribe/internal/fetch"
	"github.com/fmueller/voxscribe/internal/logging"
	"github.com/fmueller/voxscribe/internal/pipeline"
	"github.com/fmueller/voxscribe/internal/service"
	"github.com/fmueller/voxscribe/internal/version"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/spf13/cobra"
)

// transcriber is the part of *service.Service the commands use.
type transcriber interface {
	TranscribeFile(ctx context.Context, path string, req service.TranscribeRequest) (pipeline.Result, error)
	Preload(ctx context.Context) error
	Health(ctx context.Context) service.Health
	Close() error
}

type appState struct {
	verbose     bool
	jsonLogs    bool
	logFile     string
	noProgress  bool
	configPath  string
	workerURL   string
	device      string
	metricsFile string

	logger    *zap.Logger
	lookupEnv config.LookupFunc

	openServiceFn func(ctx context.Context) (transcriber, func() error, error)
	fetchFn       func(ctx context.Context, opts fetch.Options) (string, error)
	copyFn        func(ctx context.Context, text string) error
}

func NewRootCmd() *cobra.Command {
	app := &appState{
		lookupEnv: os.LookupEnv,
		fetchFn:   fetch.Audio,
		copyFn:    clipboard.Copy,
	}
	app.openServiceFn = app.openService

	cmd := &cobra.Command{
		Use:           "voxscribe",
		Short:         "Transcribe, align and diarize audio on a shared inference worker",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			logger, err := logging.New(logging.Options{Verbose: app.verbose, JSON: app.jsonLogs, File: app.logFile})
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			app.logger = logger
			return nil
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	bindLoggingFlags(cmd, app)
	bindServiceFlags(cmd, app)

	cmd.AddCommand(newTranscribeCmd(app))
	cmd.AddCommand(newHealthCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindLoggingFlags(cmd *cobra.Command, app *appState) {
	cmd.PersistentFlags().BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs")
	cmd.PersistentFlags().BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging")
	cmd.PersistentFlags().StringVar(&app.logFile, "log-file", app.logFile, "Also write JSON logs to this file, rotated by size")
}

func bindServiceFlags(cmd *cobra.Command, app *appState) {
	cmd.PersistentFlags().StringVar(&app.configPath, "config", app.configPath, "YAML config file; environment variables override it")
	cmd.PersistentFlags().StringVar(&app.workerURL, "worker-url", app.workerURL, "Inference worker base URL (overrides WORKER_URL)")
	cmd.PersistentFlags().StringVar(&app.device, "device", app.device, "Inference device: cuda|cpu (overrides DEVICE)")
	cmd.PersistentFlags().StringVar(&app.metricsFile, "metrics-file", app.metricsFile, "Write Prometheus metrics to this file on exit")
}

func bindProgressFlag(cmd *cobra.Command, app *appState) {
	cmd.Flags().BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable progress indicators")
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func (a *appState) lookup() config.LookupFunc {
	if a.lookupEnv == nil {
		return os.LookupEnv
	}
	return a.lookupEnv
}
