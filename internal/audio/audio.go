// Package audio reconstructs playable sample buffers from TTS payloads.
package audio

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	// PCMSampleRate is the rate of the headerless PCM emitted by the speech backend.
	PCMSampleRate = 24000
	// PCMChannels is the channel count of the headerless PCM.
	PCMChannels = 1
)

var (
	// ErrEmptyPayload is returned when there is nothing to decode.
	ErrEmptyPayload = errors.New("audio payload is empty")
	// ErrNotContainer is returned by DecodeContainer for payloads without a RIFF/WAVE header.
	ErrNotContainer = errors.New("payload is not a RIFF/WAVE container")
)

// Buffer holds decoded audio as normalized float samples, one slice per channel.
type Buffer struct {
	SampleRate int
	Channels   int
	data       [][]float32
}

// NewBuffer allocates a silent buffer of the given shape.
func NewBuffer(channels, frames, sampleRate int) *Buffer {
	data := make([][]float32, channels)
	for i := range data {
		data[i] = make([]float32, frames)
	}
	return &Buffer{SampleRate: sampleRate, Channels: channels, data: data}
}

// Frames returns the number of sample frames per channel.
func (b *Buffer) Frames() int {
	if b == nil || len(b.data) == 0 {
		return 0
	}
	return len(b.data[0])
}

// Channel returns the samples of channel i.
func (b *Buffer) Channel(i int) []float32 {
	return b.data[i]
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(b.Frames()) / float64(b.SampleRate) * float64(time.Second))
}

// DecodeBase64 turns a base64 payload into raw bytes.
func DecodeBase64(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, ErrEmptyPayload
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 audio: %w", err)
	}
	return data, nil
}

// DecodeBase64Audio decodes a base64 payload straight into a Buffer.
func DecodeBase64Audio(payload string) (*Buffer, error) {
	data, err := DecodeBase64(payload)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Decode tries the container decoder first and falls back to headerless
// 16-bit little-endian PCM at PCMSampleRate, mono.
func Decode(data []byte) (*Buffer, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	buf, err := DecodeContainer(data)
	if err == nil {
		return buf, nil
	}
	return DecodePCM16(data, PCMSampleRate, PCMChannels)
}

// DecodePCM16 interprets data as interleaved signed 16-bit little-endian samples.
func DecodePCM16(data []byte, sampleRate, channels int) (*Buffer, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	if channels < 1 {
		return nil, fmt.Errorf("invalid channel count: %d", channels)
	}
	frameSize := 2 * channels
	if len(data)%frameSize != 0 {
		return nil, fmt.Errorf("pcm payload length %d is not a multiple of frame size %d", len(data), frameSize)
	}
	frames := len(data) / frameSize
	buf := NewBuffer(channels, frames, sampleRate)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			off := (i*channels + ch) * 2
			s := int16(binary.LittleEndian.Uint16(data[off:]))
			buf.data[ch][i] = float32(s) / 32768.0
		}
	}
	return buf, nil
}

// DecodeContainer decodes a RIFF/WAVE payload carrying 16-bit PCM or 32-bit float samples.
func DecodeContainer(data []byte) (*Buffer, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, ErrNotContainer
	}

	var (
		format        uint16
		channels      int
		sampleRate    int
		bitsPerSample int
		haveFmt       bool
	)

	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if end > len(data) {
			// Streaming TTS often writes a placeholder size; clamp to what we have.
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, fmt.Errorf("fmt chunk too short: %d bytes", end-body)
			}
			format = binary.LittleEndian.Uint16(data[body:])
			channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			bitsPerSample = int(binary.LittleEndian.Uint16(data[body+14:]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("data chunk before fmt chunk")
			}
			return decodeSamples(data[body:end], format, channels, sampleRate, bitsPerSample)
		}

		pos = end
		if size%2 == 1 {
			pos++
		}
	}
	return nil, fmt.Errorf("no data chunk in WAVE payload")
}

func decodeSamples(samples []byte, format uint16, channels, sampleRate, bitsPerSample int) (*Buffer, error) {
	if channels < 1 || sampleRate < 1 {
		return nil, fmt.Errorf("invalid WAVE format: channels=%d rate=%d", channels, sampleRate)
	}
	switch {
	case format == 1 && bitsPerSample == 16:
		return DecodePCM16(samples, sampleRate, channels)
	case format == 3 && bitsPerSample == 32:
		frameSize := 4 * channels
		if len(samples)%frameSize != 0 {
			return nil, fmt.Errorf("float payload length %d is not a multiple of frame size %d", len(samples), frameSize)
		}
		frames := len(samples) / frameSize
		buf := NewBuffer(channels, frames, sampleRate)
		for i := 0; i < frames; i++ {
			for ch := 0; ch < channels; ch++ {
				off := (i*channels + ch) * 4
				buf.data[ch][i] = math.Float32frombits(binary.LittleEndian.Uint32(samples[off:]))
			}
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("unsupported WAVE encoding: format=%d bits=%d", format, bitsPerSample)
	}
}

// EncodeWAV renders the buffer as a 16-bit PCM WAV file.
func EncodeWAV(buf *Buffer) []byte {
	const bitsPerSample = 16
	frames := buf.Frames()
	dataSize := frames * buf.Channels * 2
	blockAlign := buf.Channels * bitsPerSample / 8
	byteRate := buf.SampleRate * blockAlign

	out := new(bytes.Buffer)
	out.Grow(44 + dataSize)
	out.WriteString("RIFF")
	binary.Write(out, binary.LittleEndian, uint32(36+dataSize))
	out.WriteString("WAVE")
	out.WriteString("fmt ")
	binary.Write(out, binary.LittleEndian, uint32(16))
	binary.Write(out, binary.LittleEndian, uint16(1))
	binary.Write(out, binary.LittleEndian, uint16(buf.Channels))
	binary.Write(out, binary.LittleEndian, uint32(buf.SampleRate))
	binary.Write(out, binary.LittleEndian, uint32(byteRate))
	binary.Write(out, binary.LittleEndian, uint16(blockAlign))
	binary.Write(out, binary.LittleEndian, uint16(bitsPerSample))
	out.WriteString("data")
	binary.Write(out, binary.LittleEndian, uint32(dataSize))

	sample := make([]byte, 2)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < buf.Channels; ch++ {
			binary.LittleEndian.PutUint16(sample, uint16(floatToPCM16(buf.data[ch][i])))
			out.Write(sample)
		}
	}
	return out.Bytes()
}

func floatToPCM16(v float32) int16 {
	s := math.Round(float64(v) * 32768.0)
	if s > math.MaxInt16 {
		s = math.MaxInt16
	}
	if s < math.MinInt16 {
		s = math.MinInt16
	}
	return int16(s)
}
