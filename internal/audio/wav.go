// Package audio reads and writes WAV files and measures signal levels.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

var (
	ErrUnsupportedWAV = errors.New("unsupported wav format")
	ErrInvalidWAV     = errors.New("invalid wav file")
)

const streamingSize = 0xFFFFFFFF

const (
	formatPCM       = 1
	formatIEEEFloat = 3
	formatExtended  = 0xFFFE
)

// PCM is decoded WAV audio. Samples are interleaved by channel and scaled
// to [-1, 1].
type PCM struct {
	Samples       []float32
	Channels      int
	SampleRate    int
	BitsPerSample int
}

// Frames is the number of samples per channel.
func (p PCM) Frames() int {
	if p.Channels <= 0 {
		return 0
	}
	return len(p.Samples) / p.Channels
}

type wavFormat struct {
	audioFormat   uint16
	channels      uint16
	sampleRate    uint32
	bitsPerSample uint16
}

// DecodeWAV parses a RIFF/WAVE stream holding integer PCM (8, 16, 24, 32 bit)
// or IEEE float (32, 64 bit) samples.
func DecodeWAV(r io.Reader) (PCM, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return PCM{}, fmt.Errorf("read wav: %w", err)
	}

	if len(raw) < 12 || string(raw[:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return PCM{}, ErrInvalidWAV
	}

	var (
		format  wavFormat
		data    []byte
		hasFmt  bool
		hasData bool
	)

	rest := raw[12:]
chunks:
	for len(rest) >= 8 {
		chunkID := string(rest[:4])
		rawSize := binary.LittleEndian.Uint32(rest[4:8])
		chunkSize := int(rawSize)
		rest = rest[8:]

		body := rest
		if chunkSize >= 0 && chunkSize <= len(rest) {
			body = rest[:chunkSize]
		}

		switch chunkID {
		case "fmt ":
			if len(body) < 16 {
				return PCM{}, fmt.Errorf("%w: fmt chunk too short", ErrInvalidWAV)
			}
			format = wavFormat{
				audioFormat:   binary.LittleEndian.Uint16(body[0:2]),
				channels:      binary.LittleEndian.Uint16(body[2:4]),
				sampleRate:    binary.LittleEndian.Uint32(body[4:8]),
				bitsPerSample: binary.LittleEndian.Uint16(body[14:16]),
			}
			if format.audioFormat == formatExtended && len(body) >= 26 {
				format.audioFormat = binary.LittleEndian.Uint16(body[24:26])
			}
			hasFmt = true
		case "data":
			data = body
			hasData = true
			// Streaming writers leave the size at 0xFFFFFFFF, or at 0 with
			// nothing but samples after the header; take what is there.
			if rawSize == streamingSize || (chunkSize == 0 && !startsWithChunk(rest)) {
				data = rest
				break chunks
			}
		}

		skip := chunkSize
		if chunkSize%2 != 0 {
			skip++
		}
		if skip >= len(rest) {
			break
		}
		rest = rest[skip:]
	}

	if !hasFmt || !hasData {
		return PCM{}, ErrInvalidWAV
	}
	if format.channels == 0 {
		return PCM{}, fmt.Errorf("%w: zero channels", ErrInvalidWAV)
	}
	if format.sampleRate == 0 {
		return PCM{}, fmt.Errorf("%w: zero sample rate", ErrInvalidWAV)
	}
	if err := validateFormat(format.audioFormat, format.bitsPerSample); err != nil {
		return PCM{}, err
	}

	samples, err := decodeSamples(data, format.audioFormat, format.bitsPerSample)
	if err != nil {
		return PCM{}, err
	}

	channels := int(format.channels)
	samples = samples[:len(samples)/channels*channels]

	return PCM{
		Samples:       samples,
		Channels:      channels,
		SampleRate:    int(format.sampleRate),
		BitsPerSample: int(format.bitsPerSample),
	}, nil
}

func validateFormat(audioFormat, bitsPerSample uint16) error {
	switch audioFormat {
	case formatPCM:
		switch bitsPerSample {
		case 8, 16, 24, 32:
			return nil
		}
	case formatIEEEFloat:
		switch bitsPerSample {
		case 32, 64:
			return nil
		}
	}
	return fmt.Errorf("%w: format %d with %d bits per sample", ErrUnsupportedWAV, audioFormat, bitsPerSample)
}

// startsWithChunk reports whether b begins with a plausible chunk header:
// a printable four-character ID and a size that fits in what follows.
func startsWithChunk(b []byte) bool {
	if len(b) < 8 {
		return false
	}
	for _, c := range b[:4] {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return int(binary.LittleEndian.Uint32(b[4:8])) <= len(b)-8
}

func decodeSamples(data []byte, audioFormat, bitsPerSample uint16) ([]float32, error) {
	bytesPerSample := int(bitsPerSample / 8)
	if bytesPerSample <= 0 {
		return nil, ErrUnsupportedWAV
	}

	out := make([]float32, 0, len(data)/bytesPerSample)
	for i := 0; i+bytesPerSample <= len(data); i += bytesPerSample {
		value, err := decodeSample(data[i:i+bytesPerSample], audioFormat, bitsPerSample)
		if err != nil {
			return nil, err
		}
		out = append(out, float32(value))
	}
	return out, nil
}

func decodeSample(sample []byte, audioFormat, bitsPerSample uint16) (float64, error) {
	if audioFormat == formatIEEEFloat {
		var v float64
		switch bitsPerSample {
		case 32:
			v = float64(math.Float32frombits(binary.LittleEndian.Uint32(sample)))
		case 64:
			v = math.Float64frombits(binary.LittleEndian.Uint64(sample))
		default:
			return 0, ErrUnsupportedWAV
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("%w: non-finite float sample", ErrInvalidWAV)
		}
		return v, nil
	}

	switch bitsPerSample {
	case 8:
		return (float64(sample[0]) - 128.0) / 128.0, nil
	case 16:
		return float64(int16(binary.LittleEndian.Uint16(sample))) / 32768.0, nil
	case 24:
		v := int32(sample[0]) | int32(sample[1])<<8 | int32(sample[2])<<16
		if v&0x800000 != 0 {
			v |= ^0xFFFFFF
		}
		return float64(v) / 8388608.0, nil
	case 32:
		return float64(int32(binary.LittleEndian.Uint32(sample))) / 2147483648.0, nil
	default:
		return 0, ErrUnsupportedWAV
	}
}

// EncodeWAV writes samples as a mono 16-bit PCM WAV file. Samples outside
// [-1, 1] are clamped.
func EncodeWAV(w io.Writer, samples []float32, sampleRate int) error {
	if sampleRate <= 0 || int64(sampleRate) > math.MaxUint32 {
		return fmt.Errorf("encode wav: invalid sample rate %d", sampleRate)
	}

	const (
		channels       = 1
		bitsPerSample  = 16
		bytesPerSample = bitsPerSample / 8
		fmtChunkSize   = 16
	)

	dataSize := len(samples) * bytesPerSample
	if int64(dataSize) > math.MaxUint32-36 {
		return errors.New("encode wav: too many samples")
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+dataSize))
	buf.WriteString("RIFF")
	writeUint32(buf, uint32(4+(8+fmtChunkSize)+(8+dataSize)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	writeUint32(buf, fmtChunkSize)
	writeUint16(buf, formatPCM)
	writeUint16(buf, channels)
	writeUint32(buf, uint32(sampleRate))
	writeUint32(buf, uint32(sampleRate*channels*bytesPerSample))
	writeUint16(buf, channels*bytesPerSample)
	writeUint16(buf, bitsPerSample)

	buf.WriteString("data")
	writeUint32(buf, uint32(dataSize))
	for _, s := range samples {
		writeUint16(buf, uint16(toPCM16(s)))
	}

	_, err := w.Write(buf.Bytes())
	return err
}

func toPCM16(s float32) int16 {
	v := math.Round(float64(s) * 32767.0)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}
