package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedChunk is returned for audio that is not mono float samples at the
// expected sample rate
var ErrMalformedChunk = errors.New("malformed audio chunk")

// Chunk is one frame of client audio as delivered by the transport
type Chunk struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Validate checks the chunk shape against the expected sample rate
func (c Chunk) Validate(sampleRate int) error {
	if c.Channels != 1 {
		return fmt.Errorf("%w: expected mono, got %d channels", ErrMalformedChunk, c.Channels)
	}

	if c.SampleRate != sampleRate {
		return fmt.Errorf("%w: expected %d Hz, got %d Hz", ErrMalformedChunk, sampleRate, c.SampleRate)
	}

	if len(c.Samples) == 0 {
		return fmt.Errorf("%w: empty chunk", ErrMalformedChunk)
	}

	for i, sample := range c.Samples {
		v := float64(sample)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite sample at %d", ErrMalformedChunk, i)
		}
		if v < -1 || v > 1 {
			return fmt.Errorf("%w: sample %d out of range: %f", ErrMalformedChunk, i, v)
		}
	}

	return nil
}

// DecodeFloat32LE converts raw little-endian IEEE-754 float32 bytes to samples
func DecodeFloat32LE(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedChunk)
	}

	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: payload length %d is not a multiple of 4", ErrMalformedChunk, len(data))
	}

	samples := make([]float32, len(data)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}

	return samples, nil
}

// EncodeFloat32LE converts samples to raw little-endian IEEE-754 float32 bytes
func EncodeFloat32LE(samples []float32) []byte {
	data := make([]byte, len(samples)*4)
	for i, sample := range samples {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(sample))
	}
	return data
}
