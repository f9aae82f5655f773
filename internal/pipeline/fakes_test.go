package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// scaleModel multiplies every sample by gain. It optionally sleeps a random
// amount per call so concurrent frames finish out of order.
type scaleModel struct {
	size   int
	gain   float32
	jitter time.Duration
	failAt int64

	calls atomic.Int64
	mu    sync.Mutex
	rng   *rand.Rand
}

func newScaleModel(size int, gain float32) *scaleModel {
	return &scaleModel{size: size, gain: gain, failAt: -1, rng: rand.New(rand.NewSource(1))}
}

func (m *scaleModel) FrameSize() int { return m.size }

func (m *scaleModel) Process(ctx context.Context, frame []float32) ([]float32, error) {
	call := m.calls.Add(1) - 1
	if call == m.failAt {
		return nil, errors.New("runtime exploded")
	}
	if m.jitter > 0 {
		m.mu.Lock()
		d := time.Duration(m.rng.Int63n(int64(m.jitter)))
		m.mu.Unlock()
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out := make([]float32, len(frame))
	for i, v := range frame {
		out[i] = v * m.gain
	}
	return out, nil
}

type staticSource struct {
	model Model
	err   error
	calls atomic.Int64
}

func (s *staticSource) Acquire(context.Context) (Model, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.model, nil
}

type funcModel struct {
	size int
	fn   func(frame []float32) ([]float32, error)
}

func (m funcModel) FrameSize() int { return m.size }

func (m funcModel) Process(_ context.Context, frame []float32) ([]float32, error) {
	return m.fn(frame)
}
