package denoise

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fmueller/quietwav/internal/audio"
	"github.com/fmueller/quietwav/internal/pipeline"
)

type gainModel struct {
	size int
	gain float32
}

func (m gainModel) FrameSize() int { return m.size }

func (m gainModel) Process(_ context.Context, frame []float32) ([]float32, error) {
	out := make([]float32, len(frame))
	for i, v := range frame {
		out[i] = v * m.gain
	}
	return out, nil
}

type modelSource struct {
	model pipeline.Model
	err   error
}

func (s modelSource) Acquire(context.Context) (pipeline.Model, error) {
	return s.model, s.err
}

func newService(t *testing.T, source pipeline.ModelSource) *Service {
	t.Helper()
	p, err := pipeline.New(pipeline.Config{FrameSize: 256}, source, nil)
	require.NoError(t, err)
	return NewService(p, nil)
}

func tone(n, rate int, amplitude float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amplitude * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return out
}

func encode(t *testing.T, samples []float32, rate int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, audio.EncodeWAV(&buf, samples, rate))
	return buf.Bytes()
}

// stereoWAV builds a 16-bit two-channel WAV of n silent frames.
func stereoWAV(n, rate int) []byte {
	data := make([]byte, n*4)
	out := []byte("RIFF")
	out = binary.LittleEndian.AppendUint32(out, uint32(36+len(data)))
	out = append(out, "WAVEfmt "...)
	out = binary.LittleEndian.AppendUint32(out, 16)
	out = binary.LittleEndian.AppendUint16(out, 1)
	out = binary.LittleEndian.AppendUint16(out, 2)
	out = binary.LittleEndian.AppendUint32(out, uint32(rate))
	out = binary.LittleEndian.AppendUint32(out, uint32(rate*4))
	out = binary.LittleEndian.AppendUint16(out, 4)
	out = binary.LittleEndian.AppendUint16(out, 16)
	out = append(out, "data"...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(data)))
	return append(out, data...)
}

// floatWAV builds a mono 32-bit IEEE float WAV.
func floatWAV(samples []float32, rate int) []byte {
	data := make([]byte, 0, len(samples)*4)
	for _, v := range samples {
		data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
	}
	out := []byte("RIFF")
	out = binary.LittleEndian.AppendUint32(out, uint32(36+len(data)))
	out = append(out, "WAVEfmt "...)
	out = binary.LittleEndian.AppendUint32(out, 16)
	out = binary.LittleEndian.AppendUint16(out, 3)
	out = binary.LittleEndian.AppendUint16(out, 1)
	out = binary.LittleEndian.AppendUint32(out, uint32(rate))
	out = binary.LittleEndian.AppendUint32(out, uint32(rate*4))
	out = binary.LittleEndian.AppendUint16(out, 4)
	out = binary.LittleEndian.AppendUint16(out, 32)
	out = append(out, "data"...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(data)))
	return append(out, data...)
}

func TestProcessWAVKeepsRateAndLength(t *testing.T) {
	t.Parallel()

	svc := newService(t, modelSource{model: gainModel{size: 256, gain: 1}})
	in := tone(1000, pipeline.DefaultSampleRate, 0.5)

	var out bytes.Buffer
	res, err := svc.ProcessWAV(context.Background(), bytes.NewReader(encode(t, in, pipeline.DefaultSampleRate)), &out)
	require.NoError(t, err)
	require.Equal(t, pipeline.DefaultSampleRate, res.SampleRate)
	require.Equal(t, 1000, res.Samples)
	require.Equal(t, 4, res.Frames)
	require.InDelta(t, res.Input.RMSdBFS, res.Output.RMSdBFS, 0.01)

	decoded, err := audio.DecodeWAV(&out)
	require.NoError(t, err)
	require.Equal(t, 1, decoded.Channels)
	require.Equal(t, pipeline.DefaultSampleRate, decoded.SampleRate)
	require.Equal(t, 16, decoded.BitsPerSample)
	require.Len(t, decoded.Samples, len(in))
	for i := range in {
		require.InDelta(t, in[i], decoded.Samples[i], 1e-3)
	}
}

func TestProcessWAVNonNativeRate(t *testing.T) {
	t.Parallel()

	svc := newService(t, modelSource{model: gainModel{size: 256, gain: 0.5}})
	in := tone(4410, 44100, 0.8)

	var out bytes.Buffer
	res, err := svc.ProcessWAV(context.Background(), bytes.NewReader(encode(t, in, 44100)), &out)
	require.NoError(t, err)
	require.Less(t, res.Output.RMSdBFS, res.Input.RMSdBFS)

	decoded, err := audio.DecodeWAV(&out)
	require.NoError(t, err)
	require.Equal(t, 44100, decoded.SampleRate)
	require.Len(t, decoded.Samples, len(in))
}

func TestProcessWAVRejectsBadInput(t *testing.T) {
	t.Parallel()

	svc := newService(t, modelSource{model: gainModel{size: 256, gain: 1}})

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "not a wav", input: []byte("definitely not audio")},
		{name: "stereo", input: stereoWAV(100, 16000)},
		{name: "no samples", input: encode(t, nil, 16000)},
		{name: "nan sample", input: floatWAV([]float32{0.1, float32(math.NaN()), 0.1}, 16000)},
		{name: "infinite sample at another rate", input: floatWAV([]float32{float32(math.Inf(1)), 0, 0}, 8000)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			_, err := svc.ProcessWAV(context.Background(), bytes.NewReader(tc.input), &out)
			require.ErrorIs(t, err, pipeline.ErrInvalidAudio)
			require.Zero(t, out.Len())
		})
	}
}

func TestProcessWAVModelUnavailable(t *testing.T) {
	t.Parallel()

	svc := newService(t, modelSource{err: errors.New("no artifact")})
	var out bytes.Buffer
	_, err := svc.ProcessWAV(context.Background(), bytes.NewReader(encode(t, tone(100, 16000, 0.1), 16000)), &out)
	require.ErrorIs(t, err, pipeline.ErrModelUnavailable)
	require.Equal(t, "model_unavailable", pipeline.Kind(err))
	require.Zero(t, out.Len())
}

func TestProcessFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	inPath := filepath.Join(dir, "noisy.wav")
	outPath := filepath.Join(dir, "clean.wav")
	require.NoError(t, os.WriteFile(inPath, encode(t, tone(600, 8000, 0.3), 8000), 0o644))

	svc := newService(t, modelSource{model: gainModel{size: 256, gain: 1}})
	res, err := svc.ProcessFile(context.Background(), inPath, outPath)
	require.NoError(t, err)
	require.Equal(t, 8000, res.SampleRate)
	require.NoFileExists(t, outPath+".part")

	f, err := os.Open(outPath)
	require.NoError(t, err)
	defer f.Close()
	decoded, err := audio.DecodeWAV(f)
	require.NoError(t, err)
	require.Equal(t, 8000, decoded.SampleRate)
	require.Len(t, decoded.Samples, 600)
}

func TestProcessFileFailureLeavesNoOutput(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	inPath := filepath.Join(dir, "broken.wav")
	outPath := filepath.Join(dir, "clean.wav")
	require.NoError(t, os.WriteFile(inPath, []byte("RIFF"), 0o644))

	svc := newService(t, modelSource{model: gainModel{size: 256, gain: 1}})
	_, err := svc.ProcessFile(context.Background(), inPath, outPath)
	require.ErrorIs(t, err, pipeline.ErrInvalidAudio)
	require.NoFileExists(t, outPath)
	require.NoFileExists(t, outPath+".part")

	_, err = svc.ProcessFile(context.Background(), filepath.Join(dir, "missing.wav"), outPath)
	require.ErrorIs(t, err, pipeline.ErrInvalidAudio)
}
