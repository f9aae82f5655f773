package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultSampleRate = 16000
	DefaultFrameSize  = 12000
)

const (
	StageResample    = "resample"
	StageBatch       = "batch"
	StageInfer       = "infer"
	StageReconstruct = "reconstruct"
	StageRestore     = "restore"
)

type Config struct {
	// SampleRate is the rate the model operates at.
	SampleRate int
	// FrameSize is the fixed number of samples per model invocation.
	FrameSize int
	Workers   int
	Quality   string
}

func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.Quality == "" {
		c.Quality = DefaultQuality
	}
	return c
}

// Observer receives the duration and outcome of every stage.
type Observer interface {
	ObserveStage(ctx context.Context, stage string, elapsed time.Duration, err error)
}

type Pipeline struct {
	cfg       Config
	models    ModelSource
	resampler Resampler
	logger    *zap.Logger

	Observer Observer
	// Progress, when set, is passed to the inference engine.
	Progress func(done, total int)
}

func New(cfg Config, models ModelSource, logger *zap.Logger) (*Pipeline, error) {
	cfg = cfg.withDefaults()
	if cfg.SampleRate < 0 {
		return nil, fmt.Errorf("operating sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.FrameSize < 0 {
		return nil, fmt.Errorf("frame size must be positive, got %d", cfg.FrameSize)
	}
	if err := ValidateQuality(cfg.Quality); err != nil {
		return nil, err
	}
	if models == nil {
		return nil, errors.New("model source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pipeline{
		cfg:       cfg,
		models:    models,
		resampler: Resampler{Quality: cfg.Quality},
		logger:    logger,
	}, nil
}

func (p *Pipeline) Config() Config {
	return p.cfg
}

// FrameCount is the number of model invocations Process makes for a signal of
// n samples at rate.
func (p *Pipeline) FrameCount(n, rate int) int {
	if n <= 0 || rate <= 0 {
		return 0
	}
	if rate != p.cfg.SampleRate {
		n = ResampledLength(n, rate, p.cfg.SampleRate)
	}
	return (n + p.cfg.FrameSize - 1) / p.cfg.FrameSize
}

// Process denoises sig and returns the result at the native rate of sig with
// the same number of samples.
func (p *Pipeline) Process(ctx context.Context, sig Signal) (Signal, error) {
	if err := sig.Validate(); err != nil {
		return Signal{}, err
	}

	model, err := p.models.Acquire(ctx)
	if err != nil {
		if !errors.Is(err, ErrModelUnavailable) {
			err = fmt.Errorf("%w: %w", ErrModelUnavailable, err)
		}
		return Signal{}, err
	}
	if model == nil {
		return Signal{}, fmt.Errorf("%w: model source returned no handle", ErrModelUnavailable)
	}
	if model.FrameSize() != p.cfg.FrameSize {
		return Signal{}, fmt.Errorf("%w: model frame size %d does not match configured %d", ErrModelUnavailable, model.FrameSize(), p.cfg.FrameSize)
	}

	nativeRate := sig.Rate
	nativeLength := len(sig.Samples)

	var working Signal
	err = p.stage(ctx, StageResample, func() error {
		working, err = p.resampler.Resample(sig, p.cfg.SampleRate)
		return err
	})
	if err != nil {
		return Signal{}, err
	}
	resampled := working.Rate != nativeRate

	var batch FrameBatch
	err = p.stage(ctx, StageBatch, func() error {
		batch, err = Batch(working.Samples, p.cfg.FrameSize)
		return err
	})
	if err != nil {
		return Signal{}, err
	}

	var processed [][]float32
	err = p.stage(ctx, StageInfer, func() error {
		engine := Engine{Workers: p.cfg.Workers, Progress: p.Progress}
		processed, err = engine.Infer(ctx, model, batch)
		return err
	})
	if err != nil {
		return Signal{}, err
	}

	var samples []float32
	err = p.stage(ctx, StageReconstruct, func() error {
		samples, err = Reconstruct(processed, batch.OriginalLength)
		return err
	})
	if err != nil {
		return Signal{}, err
	}
	out := Signal{Samples: samples, Rate: working.Rate}

	if resampled {
		err = p.stage(ctx, StageRestore, func() error {
			out, err = p.resampler.Resample(out, nativeRate)
			if err != nil {
				return err
			}
			out.Samples = fitLength(out.Samples, nativeLength)
			return nil
		})
		if err != nil {
			return Signal{}, err
		}
	}

	clip(out.Samples)

	p.logger.Debug("signal processed",
		zap.Int("native_rate", nativeRate),
		zap.Int("model_rate", p.cfg.SampleRate),
		zap.Bool("resampled", resampled),
		zap.Int("samples", nativeLength),
		zap.Int("frames", len(batch.Frames)),
		zap.Int("padding", batch.Padding()),
		zap.Duration("audio", sig.Duration()),
	)

	return Signal{Samples: out.Samples, Rate: nativeRate}, nil
}

func (p *Pipeline) stage(ctx context.Context, name string, fn func() error) error {
	started := time.Now()
	err := fn()
	if p.Observer != nil {
		p.Observer.ObserveStage(ctx, name, time.Since(started), err)
	}
	if err != nil {
		p.logger.Debug("pipeline stage failed", zap.String("stage", name), zap.Error(err))
	}
	return err
}

func clip(samples []float32) {
	for i, v := range samples {
		if v > 1 {
			samples[i] = 1
		} else if v < -1 {
			samples[i] = -1
		}
	}
}
