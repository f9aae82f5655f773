package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/fmueller/quietwav/internal/config"
	"github.com/fmueller/quietwav/internal/logging"
	"github.com/fmueller/quietwav/internal/model"
	"github.com/fmueller/quietwav/internal/pipeline"
	"github.com/fmueller/quietwav/internal/platform"
	"github.com/fmueller/quietwav/internal/version"
)

// modelHandle is the lazily loaded model shared by every request.
type modelHandle interface {
	pipeline.ModelSource
	Ready(ctx context.Context) error
	Close() error
}

type appState struct {
	configPath string
	verbose    bool
	jsonLogs   bool
	noProgress bool
	flags      flagValues
	serveOpts  serveFlags

	cfg    config.Config
	logger *zap.Logger
	out    io.Writer

	modelsFn func(a *appState) (modelHandle, error)
}

// flagValues mirrors the config fields that can be overridden from the
// command line. A flag only wins over the file when it was set explicitly.
type flagValues struct {
	modelPath      string
	modelSource    string
	modelURL       string
	modelSHA256    string
	modelDir       string
	runtimeLibrary string
	frameSize      int
	sampleRate     int
	workers        int
	sessions       int
	quality        string
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(newAppState())
}

func newAppState() *appState {
	return &appState{
		cfg:      config.Default(),
		out:      os.Stdout,
		modelsFn: newModelHandle,
	}
}

func newRootCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "quietwav",
		Short:         "Remove background noise from WAV audio with a fixed-shape neural model",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve().String(),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.loadConfig(cmd); err != nil {
				return err
			}
			logger, err := logging.New(logging.Options{Level: app.cfg.Log.Level, Verbose: app.verbose, JSON: app.cfg.Log.JSON})
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			app.logger = logger
			return nil
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	bindGlobalFlags(cmd, app)
	bindModelFlags(cmd, app)
	bindPipelineFlags(cmd, app)

	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newProcessCmd(app))
	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindGlobalFlags(cmd *cobra.Command, app *appState) {
	f := cmd.PersistentFlags()
	f.StringVar(&app.configPath, "config", "", "Path to a YAML config file (default: the per-user config file when present)")
	f.BoolVar(&app.verbose, "verbose", false, "Enable verbose logs")
	f.BoolVar(&app.jsonLogs, "json", false, "Enable JSON logging")
	f.BoolVar(&app.noProgress, "no-progress", false, "Disable progress indicators")
}

func bindModelFlags(cmd *cobra.Command, app *appState) {
	f := cmd.PersistentFlags()
	f.StringVar(&app.flags.modelPath, "model", "", "Path of the ONNX model artifact (default: <model-dir>/"+model.DefaultFileName+")")
	f.StringVar(&app.flags.modelSource, "model-source", "", "Trainable model converted to ONNX when the artifact is missing")
	f.StringVar(&app.flags.modelURL, "model-url", "", "URL to download the ONNX model from when it is missing")
	f.StringVar(&app.flags.modelSHA256, "model-sha256", "", "Expected sha256 of the ONNX model")
	f.StringVar(&app.flags.modelDir, "model-dir", "", "Directory where models are stored")
	f.StringVar(&app.flags.runtimeLibrary, "onnxruntime-lib", "", "Path to the onnxruntime shared library (default: $"+model.RuntimeLibraryEnv+")")
	f.IntVar(&app.flags.sessions, "sessions", app.cfg.Model.Sessions, "Model sessions, i.e. frames that can run at once")
}

func bindPipelineFlags(cmd *cobra.Command, app *appState) {
	f := cmd.PersistentFlags()
	f.IntVar(&app.flags.frameSize, "frame-size", app.cfg.Pipeline.FrameSize, "Samples per model frame; must match the model input")
	f.IntVar(&app.flags.sampleRate, "sample-rate", app.cfg.Pipeline.SampleRate, "Sample rate the model operates at")
	f.IntVar(&app.flags.workers, "workers", app.cfg.Pipeline.Workers, "Frames submitted to the model concurrently per request")
	f.StringVar(&app.flags.quality, "quality", app.cfg.Pipeline.Quality, "Resampling quality: quick|low|medium|high|very-high")
}

func (a *appState) loadConfig(cmd *cobra.Command) error {
	path, err := platform.ResolveConfigPath(a.configPath)
	if err != nil {
		return err
	}

	cfg := config.Default()
	if path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}
	}

	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("json", func() { cfg.Log.JSON = a.jsonLogs })
	set("model", func() { cfg.Model.Path = a.flags.modelPath })
	set("model-source", func() { cfg.Model.SourcePath = a.flags.modelSource })
	set("model-url", func() { cfg.Model.URL = a.flags.modelURL })
	set("model-sha256", func() { cfg.Model.SHA256 = a.flags.modelSHA256 })
	set("model-dir", func() { cfg.Model.Dir = a.flags.modelDir })
	set("onnxruntime-lib", func() { cfg.Model.RuntimeLibrary = a.flags.runtimeLibrary })
	set("sessions", func() { cfg.Model.Sessions = a.flags.sessions })
	set("frame-size", func() { cfg.Pipeline.FrameSize = a.flags.frameSize })
	set("sample-rate", func() { cfg.Pipeline.SampleRate = a.flags.sampleRate })
	set("workers", func() { cfg.Pipeline.Workers = a.flags.workers })
	set("quality", func() { cfg.Pipeline.Quality = a.flags.quality })
	a.applyServeFlags(flags, &cfg)

	if err := config.Validate(cfg); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

func (a *appState) modelOptions() (model.Options, error) {
	opts := model.Options{
		Path:        a.cfg.Model.Path,
		SourcePath:  a.cfg.Model.SourcePath,
		URL:         a.cfg.Model.URL,
		SHA256:      a.cfg.Model.SHA256,
		ChecksumURL: a.cfg.Model.ChecksumURL,
	}
	if opts.Path == "" {
		dir, err := platform.ResolveModelDir(a.cfg.Model.Dir)
		if err != nil {
			return model.Options{}, err
		}
		opts.Dir = dir
	}
	return opts, nil
}

func (a *appState) provisioner() (*model.Provisioner, error) {
	opts, err := a.modelOptions()
	if err != nil {
		return nil, err
	}
	return &model.Provisioner{
		Options:    opts,
		Converter:  model.CommandConverter{Command: a.cfg.Model.ConvertCommand, Logger: a.log()},
		NoProgress: !a.progressEnabled(),
		Logger:     a.log(),
	}, nil
}

func newModelHandle(a *appState) (modelHandle, error) {
	p, err := a.provisioner()
	if err != nil {
		return nil, err
	}
	load := model.LoadFromProvisioner(p, model.ONNXOptions{
		FrameSize:   a.cfg.Pipeline.FrameSize,
		Sessions:    a.cfg.Model.Sessions,
		LibraryPath: a.cfg.Model.RuntimeLibrary,
		Logger:      a.log(),
	})
	return model.NewLoader(load, a.log()), nil
}

func (a *appState) models() (modelHandle, error) {
	fn := a.modelsFn
	if fn == nil {
		fn = newModelHandle
	}
	return fn(a)
}

func (a *appState) newPipeline(models pipeline.ModelSource) (*pipeline.Pipeline, error) {
	return pipeline.New(pipeline.Config{
		SampleRate: a.cfg.Pipeline.SampleRate,
		FrameSize:  a.cfg.Pipeline.FrameSize,
		Workers:    a.cfg.Pipeline.Workers,
		Quality:    a.cfg.Pipeline.Quality,
	}, models, a.log())
}

func (a *appState) closeModels(models modelHandle) {
	if err := models.Close(); err != nil {
		a.log().Warn("failed to release model", zap.Error(err))
	}
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

func (a *appState) outWriter() io.Writer {
	if a.out == nil {
		return os.Stdout
	}
	return a.out
}
