package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

// WAVHeader represents the canonical 44-byte header of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM, 3 for IEEE float
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// IsWAV reports whether the payload starts with a RIFF/WAVE signature
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// EncodeWAV encodes normalized samples as mono 16-bit PCM WAV
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	numChannels := uint16(1)
	bitsPerSample := uint16(16)
	dataSize := uint32(len(samples) * 2)

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   wavFormatPCM,
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(samples)*2))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	pcm := make([]int16, len(samples))
	for i, sample := range samples {
		v := math.Max(-1, math.Min(1, float64(sample)))
		pcm[i] = int16(math.Round(v * 32767))
	}
	if err := binary.Write(buf, binary.LittleEndian, pcm); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeWAV decodes a canonical WAV payload into a Chunk of normalized samples.
// 16-bit PCM and 32-bit IEEE float are accepted; the channel count is reported
// as-is so that Validate can reject non-mono audio.
func DecodeWAV(data []byte) (Chunk, error) {
	if len(data) < 44 {
		return Chunk{}, fmt.Errorf("%w: WAV data too short: need at least 44 bytes, got %d", ErrMalformedChunk, len(data))
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return Chunk{}, fmt.Errorf("%w: failed to read WAV header: %v", ErrMalformedChunk, err)
	}

	if string(header.ChunkID[:]) != "RIFF" || string(header.Format[:]) != "WAVE" {
		return Chunk{}, fmt.Errorf("%w: missing RIFF/WAVE signature", ErrMalformedChunk)
	}

	if string(header.Subchunk1ID[:]) != "fmt " || string(header.Subchunk2ID[:]) != "data" {
		return Chunk{}, fmt.Errorf("%w: non-canonical WAV layout", ErrMalformedChunk)
	}

	if header.NumChannels == 0 {
		return Chunk{}, fmt.Errorf("%w: zero channels", ErrMalformedChunk)
	}

	payload := data[44:]
	if int(header.Subchunk2Size) < len(payload) {
		payload = payload[:header.Subchunk2Size]
	}

	chunk := Chunk{
		SampleRate: int(header.SampleRate),
		Channels:   int(header.NumChannels),
	}

	switch {
	case header.AudioFormat == wavFormatPCM && header.BitsPerSample == 16:
		if len(payload)%2 != 0 {
			return Chunk{}, fmt.Errorf("%w: odd PCM16 payload length %d", ErrMalformedChunk, len(payload))
		}
		chunk.Samples = make([]float32, len(payload)/2)
		for i := range chunk.Samples {
			chunk.Samples[i] = float32(int16(binary.LittleEndian.Uint16(payload[i*2:]))) / 32768
		}
	case header.AudioFormat == wavFormatFloat && header.BitsPerSample == 32:
		samples, err := DecodeFloat32LE(payload)
		if err != nil {
			return Chunk{}, err
		}
		chunk.Samples = samples
	default:
		return Chunk{}, fmt.Errorf("%w: unsupported WAV encoding format=%d bits=%d",
			ErrMalformedChunk, header.AudioFormat, header.BitsPerSample)
	}

	if len(chunk.Samples) == 0 {
		return Chunk{}, fmt.Errorf("%w: no audio data found", ErrMalformedChunk)
	}

	return chunk, nil
}
