package pipeline

import "fmt"

// FrameBatch holds fixed-size frames cut from one signal and the number of
// real samples before padding.
type FrameBatch struct {
	Frames         [][]float32
	OriginalLength int
}

func (b FrameBatch) FrameSize() int {
	if len(b.Frames) == 0 {
		return 0
	}
	return len(b.Frames[0])
}

func (b FrameBatch) PaddedLength() int {
	return len(b.Frames) * b.FrameSize()
}

// Padding is the number of zero samples appended to the last frame.
func (b FrameBatch) Padding() int {
	return b.PaddedLength() - b.OriginalLength
}

// Batch splits samples into consecutive frames of frameSize samples. The last
// frame is zero-padded on its trailing side. Frames never alias samples.
func Batch(samples []float32, frameSize int) (FrameBatch, error) {
	if frameSize < 1 {
		return FrameBatch{}, fmt.Errorf("%w: frame size must be at least 1, got %d", ErrInvalidAudio, frameSize)
	}
	if len(samples) == 0 {
		return FrameBatch{}, fmt.Errorf("%w: nothing to batch", ErrInvalidAudio)
	}

	count := (len(samples) + frameSize - 1) / frameSize
	frames := make([][]float32, 0, count)
	for start := 0; start < len(samples); start += frameSize {
		frame := make([]float32, frameSize)
		copy(frame, samples[start:min(start+frameSize, len(samples))])
		frames = append(frames, frame)
	}

	return FrameBatch{Frames: frames, OriginalLength: len(samples)}, nil
}
