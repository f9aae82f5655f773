package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/fmueller/quietwav/internal/config"
	"github.com/fmueller/quietwav/internal/denoise"
	"github.com/fmueller/quietwav/internal/model"
	"github.com/fmueller/quietwav/internal/observe"
	"github.com/fmueller/quietwav/internal/platform"
	"github.com/fmueller/quietwav/internal/server"
	"github.com/fmueller/quietwav/internal/version"
)

type serveFlags struct {
	listen          string
	maxUploadBytes  int64
	tempDir         string
	preload         bool
	shutdownTimeout time.Duration
}

func newServeCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the denoiser over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.serve(ctx)
		},
	}

	defaults := config.Default().Server
	f := cmd.Flags()
	f.StringVar(&app.serveOpts.listen, "listen", defaults.Listen, "Address to listen on")
	f.Int64Var(&app.serveOpts.maxUploadBytes, "max-upload-bytes", defaults.MaxUploadBytes, "Largest accepted upload in bytes")
	f.StringVar(&app.serveOpts.tempDir, "temp-dir", "", "Directory for upload scratch files (default: <os temp>/quietwav)")
	f.BoolVar(&app.serveOpts.preload, "preload", false, "Load the model before accepting requests")
	f.DurationVar(&app.serveOpts.shutdownTimeout, "shutdown-timeout", defaults.ShutdownTimeout, "How long to drain in-flight requests on shutdown")
	return cmd
}

func (a *appState) applyServeFlags(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("listen") {
		cfg.Server.Listen = a.serveOpts.listen
	}
	if flags.Changed("max-upload-bytes") {
		cfg.Server.MaxUploadBytes = a.serveOpts.maxUploadBytes
	}
	if flags.Changed("temp-dir") {
		cfg.Server.TempDir = a.serveOpts.tempDir
	}
	if flags.Changed("preload") {
		cfg.Server.Preload = a.serveOpts.preload
	}
	if flags.Changed("shutdown-timeout") {
		cfg.Server.ShutdownTimeout = a.serveOpts.shutdownTimeout
	}
}

func (a *appState) serve(ctx context.Context) error {
	logger := a.log()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version.Resolve().Version})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()
	metrics := observe.DefaultMetrics()

	models, err := a.models()
	if err != nil {
		return err
	}
	defer a.closeModels(models)
	if loader, ok := models.(*model.Loader); ok {
		loader.OnLoad = metrics.RecordModelLoad
	}

	p, err := a.newPipeline(models)
	if err != nil {
		return err
	}
	p.Observer = metrics

	tempDir, err := platform.ResolveTempDir(a.cfg.Server.TempDir)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Listen:          a.cfg.Server.Listen,
		MaxUploadBytes:  a.cfg.Server.MaxUploadBytes,
		TempDir:         tempDir,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
	}, denoise.NewService(p, logger), metrics, logger, server.Checker{Name: "model", Check: models.Ready})
	if err != nil {
		return err
	}

	if a.cfg.Server.Preload {
		if err := models.Ready(ctx); err != nil {
			logger.Warn("model preload failed; requests will retry", zap.Error(err))
		}
	}

	logger.Info("starting server",
		zap.String("listen", a.cfg.Server.Listen),
		zap.String("temp_dir", tempDir),
		zap.Int("sample_rate", a.cfg.Pipeline.SampleRate),
		zap.Int("frame_size", a.cfg.Pipeline.FrameSize),
		zap.Int("workers", a.cfg.Pipeline.Workers),
		zap.Int("sessions", a.cfg.Model.Sessions),
	)
	return srv.ListenAndServe(ctx)
}
