package pipeline

import "fmt"

// Reconstruct concatenates processed frames in order and drops the padding
// so the result holds exactly originalLength samples.
func Reconstruct(frames [][]float32, originalLength int) ([]float32, error) {
	if originalLength < 0 {
		return nil, fmt.Errorf("%w: negative original length %d", ErrInference, originalLength)
	}

	total := 0
	for _, frame := range frames {
		total += len(frame)
	}
	if total < originalLength {
		return nil, fmt.Errorf("%w: frames hold %d samples, need %d", ErrInference, total, originalLength)
	}

	out := make([]float32, 0, originalLength)
	for _, frame := range frames {
		remaining := originalLength - len(out)
		if remaining == 0 {
			break
		}
		out = append(out, frame[:min(len(frame), remaining)]...)
	}
	return out, nil
}
