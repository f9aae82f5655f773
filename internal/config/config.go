// Package config loads the quietwav YAML configuration. Command-line flags
// override file values; see internal/cli.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fmueller/quietwav/internal/logging"
	"github.com/fmueller/quietwav/internal/pipeline"
)

const (
	DefaultListen          = ":5000"
	DefaultMaxUploadBytes  = 16 << 20
	DefaultShutdownTimeout = 15 * time.Second
)

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Model    ModelConfig    `yaml:"model"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Server   ServerConfig   `yaml:"server"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ModelConfig struct {
	Path        string `yaml:"path"`
	SourcePath  string `yaml:"source_path"`
	URL         string `yaml:"url"`
	SHA256      string `yaml:"sha256"`
	ChecksumURL string `yaml:"sha256_url"`
	Dir         string `yaml:"dir"`

	// ConvertCommand overrides the source-to-ONNX conversion tool. {src} and
	// {dst} are substituted.
	ConvertCommand []string `yaml:"convert_command"`
	RuntimeLibrary string   `yaml:"onnxruntime_lib"`
	Sessions       int      `yaml:"sessions"`
}

type PipelineConfig struct {
	SampleRate int    `yaml:"sample_rate"`
	FrameSize  int    `yaml:"frame_size"`
	Workers    int    `yaml:"workers"`
	Quality    string `yaml:"quality"`
}

type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	TempDir         string        `yaml:"temp_dir"`
	Preload         bool          `yaml:"preload"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func Default() Config {
	return Config{
		Log:   LogConfig{Level: "info"},
		Model: ModelConfig{Sessions: 1},
		Pipeline: PipelineConfig{
			SampleRate: pipeline.DefaultSampleRate,
			FrameSize:  pipeline.DefaultFrameSize,
			Workers:    1,
			Quality:    pipeline.DefaultQuality,
		},
		Server: ServerConfig{
			Listen:          DefaultListen,
			MaxUploadBytes:  DefaultMaxUploadBytes,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
	}
}

// Load reads the YAML file at path on top of Default and validates it.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return Config{}, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

func LoadFromReader(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate returns every problem in cfg joined into one error.
func Validate(cfg Config) error {
	var errs []error

	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if cfg.Model.Sessions < 1 {
		errs = append(errs, fmt.Errorf("model.sessions must be at least 1, got %d", cfg.Model.Sessions))
	}
	if cfg.Model.SHA256 != "" && len(cfg.Model.SHA256) != 64 {
		errs = append(errs, fmt.Errorf("model.sha256 must be 64 hex characters, got %d", len(cfg.Model.SHA256)))
	}
	if len(cfg.Model.ConvertCommand) > 0 && cfg.Model.ConvertCommand[0] == "" {
		errs = append(errs, errors.New("model.convert_command must start with an executable"))
	}

	if cfg.Pipeline.SampleRate < 1 {
		errs = append(errs, fmt.Errorf("pipeline.sample_rate must be positive, got %d", cfg.Pipeline.SampleRate))
	}
	if cfg.Pipeline.FrameSize < 1 {
		errs = append(errs, fmt.Errorf("pipeline.frame_size must be positive, got %d", cfg.Pipeline.FrameSize))
	}
	if cfg.Pipeline.Workers < 1 {
		errs = append(errs, fmt.Errorf("pipeline.workers must be at least 1, got %d", cfg.Pipeline.Workers))
	}
	if err := pipeline.ValidateQuality(cfg.Pipeline.Quality); err != nil {
		errs = append(errs, fmt.Errorf("pipeline.quality: %w", err))
	}

	if cfg.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen must not be empty"))
	}
	if cfg.Server.MaxUploadBytes < 1 {
		errs = append(errs, fmt.Errorf("server.max_upload_bytes must be positive, got %d", cfg.Server.MaxUploadBytes))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout must not be negative, got %s", cfg.Server.ShutdownTimeout))
	}

	return errors.Join(errs...)
}
