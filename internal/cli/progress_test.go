package cli

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStartSpinnerEnabled(t *testing.T) {
	t.Parallel()
	stop := startSpinner(true, "testing")
	require.NotNil(t, stop)
	stop()
	stop()
}

func TestStartSpinnerDisabled(t *testing.T) {
	t.Parallel()
	stop := startSpinner(false, "testing")
	require.NotNil(t, stop)
	stop()
}

func TestStartFrameProgressDisabled(t *testing.T) {
	t.Parallel()
	progress, stop := startFrameProgress(false, "testing")
	require.Nil(t, progress)
	require.NotNil(t, stop)
	stop()
}

func TestStartFrameProgressConcurrentCallbacks(t *testing.T) {
	t.Parallel()
	progress, stop := startFrameProgress(true, "testing")
	require.NotNil(t, progress)

	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			progress(i, 8)
		}()
	}
	wg.Wait()
	stop()
	stop()
}

func TestStartFrameProgressStopWithoutFrames(t *testing.T) {
	t.Parallel()
	_, stop := startFrameProgress(true, "testing")
	stop()
}
