// Package denoise connects WAV files and streams to the noise suppression
// pipeline.
package denoise

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/fmueller/quietwav/internal/audio"
	"github.com/fmueller/quietwav/internal/pipeline"
)

// Processor is the pipeline as seen by the service.
type Processor interface {
	Process(ctx context.Context, sig pipeline.Signal) (pipeline.Signal, error)
	FrameCount(n, rate int) int
}

type Result struct {
	SampleRate int
	Samples    int
	Frames     int
	Duration   time.Duration
	Input      audio.Levels
	Output     audio.Levels
	Elapsed    time.Duration
}

type Service struct {
	processor Processor
	logger    *zap.Logger
}

func NewService(processor Processor, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{processor: processor, logger: logger}
}

// ProcessWAV decodes a mono WAV stream from r, denoises it and writes a 16-bit
// PCM WAV at the input rate to w. Nothing is written to w when processing
// fails.
func (s *Service) ProcessWAV(ctx context.Context, r io.Reader, w io.Writer) (Result, error) {
	started := time.Now()

	pcm, err := audio.DecodeWAV(r)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", pipeline.ErrInvalidAudio, err)
	}
	if pcm.Channels != 1 {
		return Result{}, fmt.Errorf("%w: expected mono audio, got %d channels", pipeline.ErrInvalidAudio, pcm.Channels)
	}

	in := pipeline.Signal{Samples: pcm.Samples, Rate: pcm.SampleRate}
	res := Result{
		SampleRate: in.Rate,
		Samples:    len(in.Samples),
		Frames:     s.processor.FrameCount(len(in.Samples), in.Rate),
		Duration:   in.Duration(),
		Input:      audio.Measure(in.Samples),
	}

	out, err := s.processor.Process(ctx, in)
	if err != nil {
		return res, err
	}

	if err := audio.EncodeWAV(w, out.Samples, out.Rate); err != nil {
		return res, fmt.Errorf("encode wav: %w", err)
	}

	res.Output = audio.Measure(out.Samples)
	res.Elapsed = time.Since(started)

	s.logger.Debug("audio denoised",
		zap.Int("sample_rate", res.SampleRate),
		zap.Int("bits_per_sample", pcm.BitsPerSample),
		zap.Int("samples", res.Samples),
		zap.Int("frames", res.Frames),
		zap.Duration("audio", res.Duration),
		zap.Float64("input_rms_dbfs", res.Input.RMSdBFS),
		zap.Float64("output_rms_dbfs", res.Output.RMSdBFS),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

// ProcessFile denoises inPath into outPath. The output is written next to
// outPath and renamed into place only on success.
func (s *Service) ProcessFile(ctx context.Context, inPath, outPath string) (res Result, err error) {
	in, err := os.Open(inPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Result{}, fmt.Errorf("%w: %w", pipeline.ErrInvalidAudio, err)
		}
		return Result{}, fmt.Errorf("open input: %w", err)
	}
	defer in.Close()

	tempPath := outPath + ".part"
	out, err := os.Create(tempPath)
	if err != nil {
		return Result{}, fmt.Errorf("create output: %w", err)
	}
	defer func() {
		if err != nil {
			_ = out.Close()
			_ = os.Remove(tempPath)
		}
	}()

	buffered := bufio.NewWriter(out)
	res, err = s.ProcessWAV(ctx, bufio.NewReader(in), buffered)
	if err != nil {
		return res, err
	}
	if err = buffered.Flush(); err != nil {
		return res, fmt.Errorf("write output: %w", err)
	}
	if err = out.Close(); err != nil {
		return res, fmt.Errorf("close output: %w", err)
	}
	if err = os.Rename(tempPath, outPath); err != nil {
		return res, fmt.Errorf("move output into place: %w", err)
	}
	return res, nil
}
