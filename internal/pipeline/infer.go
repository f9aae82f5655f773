package pipeline

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Model is a loaded fixed-shape model mapping one frame to one processed
// frame of the same length. Implementations must be safe for concurrent
// Process calls, serializing internally when the runtime is not reentrant.
type Model interface {
	FrameSize() int
	Process(ctx context.Context, frame []float32) ([]float32, error)
}

// ModelSource hands out the shared model handle, loading it on first use.
type ModelSource interface {
	Acquire(ctx context.Context) (Model, error)
}

// Engine submits every frame of a batch to a model. With Workers > 1 frames
// run concurrently, but results are always returned in frame order.
type Engine struct {
	Workers  int
	Progress func(done, total int)
}

func (e Engine) Infer(ctx context.Context, m Model, batch FrameBatch) ([][]float32, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: no model handle", ErrModelUnavailable)
	}

	size := m.FrameSize()
	for i, frame := range batch.Frames {
		if len(frame) != size {
			return nil, fmt.Errorf("%w: frame %d has %d samples, model expects %d", ErrInference, i, len(frame), size)
		}
	}

	total := len(batch.Frames)
	out := make([][]float32, total)
	var done atomic.Int64

	run := func(ctx context.Context, i int) error {
		processed, err := m.Process(ctx, batch.Frames[i])
		if err != nil {
			return fmt.Errorf("%w: frame %d/%d: %w", ErrInference, i+1, total, err)
		}
		if err := checkFrame(processed, size); err != nil {
			return fmt.Errorf("%w: frame %d/%d: %v", ErrInference, i+1, total, err)
		}
		out[i] = processed
		if e.Progress != nil {
			e.Progress(int(done.Add(1)), total)
		}
		return nil
	}

	if e.Workers <= 1 || total == 1 {
		for i := range batch.Frames {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := run(ctx, i); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Workers)
	for i := range batch.Frames {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return run(gctx, i)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func checkFrame(frame []float32, size int) error {
	if len(frame) != size {
		return fmt.Errorf("model returned %d samples, want %d", len(frame), size)
	}
	for i, v := range frame {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("model returned non-finite sample at %d", i)
		}
	}
	return nil
}
