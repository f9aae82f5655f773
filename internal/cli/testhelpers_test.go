package cli

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fmueller/quietwav/internal/audio"
	"github.com/fmueller/quietwav/internal/pipeline"
)

func runCommand(t *testing.T, args []string) (stdout string, stderr string, err error) {
	t.Helper()
	return runCommandWith(t, newAppState(), args)
}

func runCommandWith(t *testing.T, app *appState, args []string) (stdout string, stderr string, err error) {
	t.Helper()

	cmd := newRootCmd(app)
	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	app.out = outBuf
	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(args)

	err = cmd.ExecuteContext(context.Background())
	return outBuf.String(), errBuf.String(), err
}

// fakeModels hands out an identity model of the configured frame size.
type fakeModels struct {
	frameSize int
	err       error
	readies   atomic.Int32
	closed    atomic.Bool
}

type identityModel struct{ size int }

func (m identityModel) FrameSize() int { return m.size }

func (m identityModel) Process(_ context.Context, frame []float32) ([]float32, error) {
	return append([]float32(nil), frame...), nil
}

func (f *fakeModels) Acquire(context.Context) (pipeline.Model, error) {
	if f.err != nil {
		return nil, f.err
	}
	return identityModel{size: f.frameSize}, nil
}

func (f *fakeModels) Ready(ctx context.Context) error {
	f.readies.Add(1)
	_, err := f.Acquire(ctx)
	return err
}

func (f *fakeModels) Close() error {
	f.closed.Store(true)
	return nil
}

func appWithModels(models *fakeModels) *appState {
	app := newAppState()
	app.modelsFn = func(a *appState) (modelHandle, error) {
		if models.frameSize == 0 {
			models.frameSize = a.cfg.Pipeline.FrameSize
		}
		return models, nil
	}
	return app
}

var errNoModel = errors.New("no artifact")

func writeTestWAV(t *testing.T, path string, n, rate int) {
	t.Helper()
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.3 * math.Sin(2*math.Pi*220*float64(i)/float64(rate)))
	}
	var buf bytes.Buffer
	require.NoError(t, audio.EncodeWAV(&buf, samples, rate))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}
