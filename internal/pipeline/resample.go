package pipeline

import (
	"fmt"
	"math"
	"strings"
	"sync"

	resampling "github.com/tphakala/go-audio-resampling"
)

const DefaultQuality = "high"

// Resampler converts signals between sample rates with a polyphase sinc
// filter. The zero value uses DefaultQuality.
type Resampler struct {
	Quality string
}

func QualityNames() []string {
	return []string{"quick", "low", "medium", "high", "very-high"}
}

func qualitySpec(name string) (resampling.QualitySpec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "quick":
		return resampling.QualitySpec{Preset: resampling.QualityQuick}, nil
	case "low":
		return resampling.QualitySpec{Preset: resampling.QualityLow}, nil
	case "medium":
		return resampling.QualitySpec{Preset: resampling.QualityMedium}, nil
	case "", "high":
		return resampling.QualitySpec{Preset: resampling.QualityHigh}, nil
	case "very-high", "veryhigh":
		return resampling.QualitySpec{Preset: resampling.QualityVeryHigh}, nil
	default:
		return resampling.QualitySpec{}, fmt.Errorf("%w: unknown quality %q (known: %s)", ErrResampling, name, strings.Join(QualityNames(), ", "))
	}
}

// ValidateQuality reports whether name is a known quality preset.
func ValidateQuality(name string) error {
	_, err := qualitySpec(name)
	return err
}

// Resample returns sig converted to targetRate. When the rates already match
// the input is returned as is, sharing its samples. Output sample k lines up
// with input time k/targetRate.
func (r Resampler) Resample(sig Signal, targetRate int) (Signal, error) {
	if sig.Rate <= 0 {
		return Signal{}, fmt.Errorf("%w: source sample rate must be positive, got %d", ErrInvalidAudio, sig.Rate)
	}
	if targetRate <= 0 {
		return Signal{}, fmt.Errorf("%w: target sample rate must be positive, got %d", ErrInvalidAudio, targetRate)
	}
	if sig.Rate == targetRate {
		return sig, nil
	}

	quality, err := qualitySpec(r.Quality)
	if err != nil {
		return Signal{}, err
	}
	offset, err := outputOffset(sig.Rate, targetRate, normalizeQuality(r.Quality), quality)
	if err != nil {
		return Signal{}, err
	}

	lead, first := alignLead(sig.Rate, targetRate, offset)
	trail := lead + int(math.Ceil((math.Abs(offset)+2)*float64(sig.Rate)/float64(targetRate))) + 1

	input := make([]float64, lead+len(sig.Samples)+trail)
	for i, s := range sig.Samples {
		input[lead+i] = float64(s)
	}

	output, err := runResampler(sig.Rate, targetRate, quality, input)
	if err != nil {
		return Signal{}, err
	}

	want := ResampledLength(len(sig.Samples), sig.Rate, targetRate)
	samples := make([]float32, want)
	for i := range samples {
		j := first + i
		if j < 0 || j >= len(output) {
			continue
		}
		v := output[j]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Signal{}, fmt.Errorf("%w: non-finite sample at %d", ErrResampling, i)
		}
		samples[i] = float32(v)
	}

	return Signal{Samples: samples, Rate: targetRate}, nil
}

func runResampler(from, to int, quality resampling.QualitySpec, input []float64) ([]float64, error) {
	engine, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    quality,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %d Hz -> %d Hz: %v", ErrResampling, from, to, err)
	}

	output, err := engine.Process(input)
	if err != nil {
		return nil, fmt.Errorf("%w: process: %v", ErrResampling, err)
	}
	tail, err := engine.Flush()
	if err != nil {
		return nil, fmt.Errorf("%w: flush: %v", ErrResampling, err)
	}
	return append(output, tail...), nil
}

type offsetKey struct {
	from, to int
	quality  string
}

var offsets sync.Map

// outputOffset is where the engine puts output samples relative to where
// they belong, in output samples: an impulse expected at k peaks at
// k+offset. It is measured once per conversion on an impulse placed so its
// expected position is exact, refined between samples with a parabola.
func outputOffset(from, to int, name string, quality resampling.QualitySpec) (float64, error) {
	key := offsetKey{from: from, to: to, quality: name}
	if v, ok := offsets.Load(key); ok {
		return v.(float64), nil
	}

	g := gcd(from, to)
	inBlock, outBlock := from/g, to/g
	pos := max(1, blocksFor(from/2, inBlock)) * inBlock
	impulse := make([]float64, pos+from+inBlock)
	impulse[pos] = 1

	output, err := runResampler(from, to, quality, impulse)
	if err != nil {
		return 0, err
	}
	peak, best := -1, 0.0
	for i, v := range output {
		if a := math.Abs(v); a > best {
			peak, best = i, a
		}
	}
	if peak < 0 {
		return 0, fmt.Errorf("%w: %d Hz -> %d Hz: no response to calibration impulse", ErrResampling, from, to)
	}

	at := float64(peak)
	if peak > 0 && peak < len(output)-1 {
		l, c, r := output[peak-1], output[peak], output[peak+1]
		if d := l - 2*c + r; d != 0 {
			at += 0.5 * (l - r) / d
		}
	}

	offset := at - float64(pos/inBlock*outBlock)
	offsets.Store(key, offset)
	return offset, nil
}

// alignLead picks the number of zero samples to put in front of the input
// so that the first kept output sample falls on a whole output index, and
// returns it with that index.
func alignLead(from, to int, offset float64) (lead, first int) {
	ratio := float64(to) / float64(from)
	minLead := int(math.Ceil(math.Max(0, -offset) / ratio))
	inBlock := from / gcd(from, to)

	bestErr := math.Inf(1)
	for l := minLead; l < minLead+inBlock; l++ {
		at := float64(l)*ratio + offset
		idx := int(math.Round(at))
		if idx < 0 {
			continue
		}
		if e := math.Abs(at - float64(idx)); e < bestErr-1e-9 {
			lead, first, bestErr = l, idx, e
		}
		if bestErr < 1e-6 {
			break
		}
	}
	return lead, first
}

func normalizeQuality(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "":
		return DefaultQuality
	case "veryhigh":
		return "very-high"
	}
	return name
}

// blocksFor is the number of whole blocks of size block covering n.
func blocksFor(n, block int) int {
	return (n + block - 1) / block
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// ResampledLength is the number of samples a signal of n samples has after
// conversion from one rate to another, rounded up.
func ResampledLength(n, from, to int) int {
	if n <= 0 || from <= 0 || to <= 0 {
		return 0
	}
	return int((int64(n)*int64(to) + int64(from) - 1) / int64(from))
}

// fitLength trims or zero-pads samples at the tail to exactly n samples.
func fitLength(samples []float32, n int) []float32 {
	if len(samples) == n {
		return samples
	}
	if len(samples) > n {
		return samples[:n]
	}
	out := make([]float32, n)
	copy(out, samples)
	return out
}
