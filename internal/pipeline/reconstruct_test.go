package pipeline

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReconstructRoundTripIsExact(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	for _, length := range []int{1, 100, 12000, 12001, 30011} {
		for _, size := range []int{1, 3, 512, 12000} {
			samples := randomSignal(rng, length)

			batch, err := Batch(samples, size)
			require.NoError(t, err)

			restored, err := Reconstruct(batch.Frames, batch.OriginalLength)
			require.NoError(t, err)
			require.Equal(t, samples, restored, "length=%d size=%d", length, size)
		}
	}
}

func TestReconstructDropsPadding(t *testing.T) {
	t.Parallel()

	frames := [][]float32{{1, 2, 3}, {4, 5, 0}}
	out, err := Reconstruct(frames, 5)
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3, 4, 5}, out)
}

func TestReconstructFailsWhenFramesAreShort(t *testing.T) {
	t.Parallel()

	_, err := Reconstruct([][]float32{{1, 2}}, 3)
	require.ErrorIs(t, err, ErrInference)

	_, err = Reconstruct(nil, -1)
	require.ErrorIs(t, err, ErrInference)
}
