// Package pipeline adapts a fixed-input-shape noise suppression model to
// variable-length, variable-rate mono audio: resample, batch into frames,
// infer frame by frame, reconstruct, trim and restore the native rate.
package pipeline

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrInvalidAudio     = errors.New("invalid audio")
	ErrModelUnavailable = errors.New("model unavailable")
	ErrInference        = errors.New("inference failed")
	ErrResampling       = errors.New("resampling failed")
)

// Signal is a single-channel sequence of samples, nominally in [-1, 1].
type Signal struct {
	Samples []float32
	Rate    int
}

func (s Signal) Validate() error {
	if s.Rate <= 0 {
		return fmt.Errorf("%w: sample rate must be positive, got %d", ErrInvalidAudio, s.Rate)
	}
	if len(s.Samples) == 0 {
		return fmt.Errorf("%w: signal has no samples", ErrInvalidAudio)
	}
	for i, v := range s.Samples {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("%w: non-finite sample at %d", ErrInvalidAudio, i)
		}
	}
	return nil
}

func (s Signal) Duration() time.Duration {
	if s.Rate <= 0 {
		return 0
	}
	return time.Duration(float64(len(s.Samples)) / float64(s.Rate) * float64(time.Second))
}

// RoundRate converts a possibly fractional sample rate to the integer rate
// used everywhere else. Halves round away from zero.
func RoundRate(rate float64) (int, error) {
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return 0, fmt.Errorf("%w: sample rate %v is not a number", ErrInvalidAudio, rate)
	}
	rounded := math.Round(rate)
	if rounded < 1 || rounded > math.MaxInt32 {
		return 0, fmt.Errorf("%w: sample rate %v out of range", ErrInvalidAudio, rate)
	}
	return int(rounded), nil
}

// Kind names the error class of err for responses and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidAudio):
		return "invalid_audio"
	case errors.Is(err, ErrModelUnavailable):
		return "model_unavailable"
	case errors.Is(err, ErrInference):
		return "inference"
	case errors.Is(err, ErrResampling):
		return "resampling"
	default:
		return "internal"
	}
}
