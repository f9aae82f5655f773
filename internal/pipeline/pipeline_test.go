package pipeline

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu     sync.Mutex
	stages []string
}

func (o *recordingObserver) ObserveStage(_ context.Context, stage string, _ time.Duration, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stages = append(o.stages, stage)
}

func newTestPipeline(t *testing.T, cfg Config, model Model) *Pipeline {
	t.Helper()

	p, err := New(cfg, &staticSource{model: model}, nil)
	require.NoError(t, err)
	return p
}

func TestProcessSilenceKeepsLengthAndRate(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, Config{}, newScaleModel(DefaultFrameSize, 1))
	in := Signal{Samples: make([]float32, 8000), Rate: 16000}

	out, err := p.Process(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, 16000, out.Rate)
	require.Len(t, out.Samples, 8000)
	for _, v := range out.Samples {
		require.GreaterOrEqual(t, v, float32(-1))
		require.LessOrEqual(t, v, float32(1))
	}
}

func TestProcessResamplesAndRestoresNativeRate(t *testing.T) {
	t.Parallel()

	observer := &recordingObserver{}
	p := newTestPipeline(t, Config{}, newScaleModel(DefaultFrameSize, 1))
	p.Observer = observer

	in := Signal{Samples: bandLimitedNoise(3, 8000, 8000, 2800), Rate: 8000}
	out, err := p.Process(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, 8000, out.Rate)
	require.Len(t, out.Samples, len(in.Samples))
	require.Less(t, relativeRMSError(in.Samples, out.Samples, 400), 0.02)

	tail := len(in.Samples) - 150
	require.InDelta(t, 1, energy(out.Samples[tail:])/energy(in.Samples[tail:]), 0.5)
	require.Equal(t, []string{StageResample, StageBatch, StageInfer, StageReconstruct, StageRestore}, observer.stages)
}

func TestProcessShortInputKeepsExactLength(t *testing.T) {
	t.Parallel()

	model := newScaleModel(DefaultFrameSize, 1)
	p := newTestPipeline(t, Config{}, model)

	in := Signal{Samples: sine(200, 16000, 100, 0.25), Rate: 16000}
	out, err := p.Process(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out.Samples, 100)
	require.Equal(t, in.Samples, out.Samples)
	require.EqualValues(t, 1, model.calls.Load())
}

func TestProcessOutputLengthIndependentOfFrameSize(t *testing.T) {
	t.Parallel()

	samples := randomSignal(rand.New(rand.NewSource(5)), 20011)
	for _, size := range []int{1, 97, 4096, 12000, 40000} {
		p := newTestPipeline(t, Config{FrameSize: size, Workers: 4}, newScaleModel(size, 1))

		out, err := p.Process(context.Background(), Signal{Samples: samples, Rate: 16000})
		require.NoError(t, err)
		require.Equal(t, samples, out.Samples, "frame size %d", size)
	}
}

func TestProcessClipsModelOutput(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, Config{FrameSize: 4}, newScaleModel(4, 4))
	out, err := p.Process(context.Background(), Signal{Samples: []float32{0.5, -0.5, 0.125, 0}, Rate: 16000})
	require.NoError(t, err)
	require.Equal(t, []float32{1, -1, 0.5, 0}, out.Samples)
}

func TestProcessRejectsNonFiniteInput(t *testing.T) {
	t.Parallel()

	for _, rate := range []int{16000, 8000} {
		model := newScaleModel(DefaultFrameSize, 1)
		p := newTestPipeline(t, Config{}, model)

		samples := make([]float32, 100)
		samples[10] = float32(math.NaN())
		_, err := p.Process(context.Background(), Signal{Samples: samples, Rate: rate})
		require.ErrorIs(t, err, ErrInvalidAudio, "rate %d", rate)
		require.Equal(t, "invalid_audio", Kind(err))
		require.Zero(t, model.calls.Load())
	}
}

func TestProcessModelUnavailableBeforeAnyFrame(t *testing.T) {
	t.Parallel()

	source := &staticSource{err: errors.New("no such file")}
	p, err := New(Config{}, source, nil)
	require.NoError(t, err)

	_, err = p.Process(context.Background(), Signal{Samples: make([]float32, 100), Rate: 16000})
	require.ErrorIs(t, err, ErrModelUnavailable)
	require.Contains(t, err.Error(), "no such file")
	require.EqualValues(t, 1, source.calls.Load())
}

func TestProcessRejectsFrameSizeMismatch(t *testing.T) {
	t.Parallel()

	model := newScaleModel(512, 1)
	p := newTestPipeline(t, Config{FrameSize: 1024}, model)

	_, err := p.Process(context.Background(), Signal{Samples: make([]float32, 100), Rate: 16000})
	require.ErrorIs(t, err, ErrModelUnavailable)
	require.Zero(t, model.calls.Load())
}

func TestProcessRejectsInvalidSignal(t *testing.T) {
	t.Parallel()

	source := &staticSource{model: newScaleModel(DefaultFrameSize, 1)}
	p, err := New(Config{}, source, nil)
	require.NoError(t, err)

	_, err = p.Process(context.Background(), Signal{Rate: 16000})
	require.ErrorIs(t, err, ErrInvalidAudio)
	_, err = p.Process(context.Background(), Signal{Samples: []float32{0}, Rate: 0})
	require.ErrorIs(t, err, ErrInvalidAudio)
	require.Zero(t, source.calls.Load())
}

func TestProcessInferenceFailureReturnsNoAudio(t *testing.T) {
	t.Parallel()

	model := newScaleModel(100, 1)
	model.failAt = 1
	p := newTestPipeline(t, Config{FrameSize: 100}, model)

	out, err := p.Process(context.Background(), Signal{Samples: make([]float32, 1000), Rate: 16000})
	require.ErrorIs(t, err, ErrInference)
	require.Empty(t, out.Samples)
}

func TestProcessConcurrentRequestsShareModel(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, Config{FrameSize: 256}, newScaleModel(256, 1))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			in := randomSignal(rand.New(rand.NewSource(int64(i))), 1000+i*37)
			out, err := p.Process(context.Background(), Signal{Samples: in, Rate: 16000})
			if err != nil {
				errs <- err
				return
			}
			if len(out.Samples) != len(in) {
				errs <- errors.New("length mismatch")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil)
	require.Error(t, err)

	_, err = New(Config{Quality: "nope"}, &staticSource{}, nil)
	require.ErrorIs(t, err, ErrResampling)

	p, err := New(Config{}, &staticSource{}, nil)
	require.NoError(t, err)
	require.Equal(t, DefaultSampleRate, p.Config().SampleRate)
	require.Equal(t, DefaultFrameSize, p.Config().FrameSize)
}

func TestFrameCount(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, Config{FrameSize: 100}, newScaleModel(100, 1))
	require.Equal(t, 1, p.FrameCount(100, DefaultSampleRate))
	require.Equal(t, 2, p.FrameCount(101, DefaultSampleRate))
	require.Equal(t, 4, p.FrameCount(150, 8000))
	require.Zero(t, p.FrameCount(0, 8000))
	require.Zero(t, p.FrameCount(10, 0))
}
