package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fmueller/quietwav/internal/pipeline"
)

// Handle is a loaded model that owns runtime resources.
type Handle interface {
	pipeline.Model
	Close() error
}

// LoadFunc loads a model handle. It runs detached from the caller's
// cancellation so one impatient caller cannot fail a shared load.
type LoadFunc func(ctx context.Context) (Handle, error)

// Loader memoizes one model handle per process. Concurrent first calls share
// a single load; a failed load is not remembered and the next call retries.
type Loader struct {
	load   LoadFunc
	logger *zap.Logger

	// OnLoad, when set, is called after every load attempt.
	OnLoad func(ctx context.Context, elapsed time.Duration, err error)

	group  singleflight.Group
	mu     sync.RWMutex
	handle Handle
	closed bool
}

func NewLoader(load LoadFunc, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{load: load, logger: logger}
}

var errLoaderClosed = errors.New("model loader is closed")

// Acquire returns the shared handle, loading it on first use.
func (l *Loader) Acquire(ctx context.Context) (pipeline.Model, error) {
	h, err := l.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (l *Loader) acquire(ctx context.Context) (Handle, error) {
	l.mu.RLock()
	h, closed := l.handle, l.closed
	l.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("%w: %w", pipeline.ErrModelUnavailable, errLoaderClosed)
	}
	if h != nil {
		return h, nil
	}

	ch := l.group.DoChan("model", func() (any, error) {
		return l.loadOnce(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", pipeline.ErrModelUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Handle), nil
	}
}

func (l *Loader) loadOnce(ctx context.Context) (Handle, error) {
	l.mu.RLock()
	h := l.handle
	l.mu.RUnlock()
	if h != nil {
		return h, nil
	}

	started := time.Now()
	h, err := l.load(ctx)
	if err == nil && h == nil {
		err = errors.New("loader returned no handle")
	}
	elapsed := time.Since(started)
	if l.OnLoad != nil {
		l.OnLoad(ctx, elapsed, err)
	}
	if err != nil {
		l.logger.Warn("model load failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		if !errors.Is(err, pipeline.ErrModelUnavailable) {
			err = fmt.Errorf("%w: %w", pipeline.ErrModelUnavailable, err)
		}
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		_ = h.Close()
		return nil, fmt.Errorf("%w: %w", pipeline.ErrModelUnavailable, errLoaderClosed)
	}
	l.handle = h
	l.logger.Info("model loaded", zap.Duration("elapsed", elapsed), zap.Int("frame_size", h.FrameSize()))
	return h, nil
}

// Loaded reports whether a handle is currently held, without loading.
func (l *Loader) Loaded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.handle != nil
}

// Ready loads the model if needed and reports whether it is usable.
func (l *Loader) Ready(ctx context.Context) error {
	_, err := l.acquire(ctx)
	return err
}

// Close releases the handle. Acquire fails afterwards.
func (l *Loader) Close() error {
	l.mu.Lock()
	h := l.handle
	l.handle = nil
	l.closed = true
	l.mu.Unlock()

	if h == nil {
		return nil
	}
	return h.Close()
}
