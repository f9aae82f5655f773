package audio

import "math"

type Levels struct {
	RMSdBFS  float64
	PeakdBFS float64
	Samples  int
}

// Measure returns the RMS and peak level of samples in dBFS. Silence
// measures as -Inf.
func Measure(samples []float32) Levels {
	if len(samples) == 0 {
		return Levels{RMSdBFS: math.Inf(-1), PeakdBFS: math.Inf(-1)}
	}

	var peak, sumSquares float64
	for _, s := range samples {
		v := float64(s)
		peak = math.Max(peak, math.Abs(v))
		sumSquares += v * v
	}

	return Levels{
		RMSdBFS:  amplitudeToDBFS(math.Sqrt(sumSquares / float64(len(samples)))),
		PeakdBFS: amplitudeToDBFS(peak),
		Samples:  len(samples),
	}
}

func (l Levels) Silent(thresholdDBFS float64) bool {
	if math.IsInf(l.RMSdBFS, -1) && math.IsInf(l.PeakdBFS, -1) {
		return true
	}
	return l.RMSdBFS <= thresholdDBFS && l.PeakdBFS <= thresholdDBFS+6
}

func amplitudeToDBFS(amplitude float64) float64 {
	if amplitude <= 0 {
		return math.Inf(-1)
	}
	return 20.0 * math.Log10(amplitude)
}
