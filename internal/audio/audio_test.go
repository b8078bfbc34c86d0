package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math"
	"slices"
	"testing"
	"time"
)

func pcm16Bytes(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

func TestDecode_RawPCMRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 1000, -1000, math.MaxInt16, math.MinInt16, 12345, -23456}

	buf, err := Decode(pcm16Bytes(samples))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if buf.SampleRate != PCMSampleRate || buf.Channels != PCMChannels {
		t.Errorf("format = %d Hz x %d, want %d Hz x %d", buf.SampleRate, buf.Channels, PCMSampleRate, PCMChannels)
	}
	if buf.Frames() != len(samples) {
		t.Fatalf("frames = %d, want %d", buf.Frames(), len(samples))
	}

	for i, s := range samples {
		got := buf.Channel(0)[i]
		want := float64(s) / 32768.0
		if math.Abs(want-float64(got)) > 1.0/32768.0 {
			t.Errorf("sample %d = %v, want %v", i, got, want)
		}
		if got < -1 || got > 1 {
			t.Errorf("sample %d = %v out of range", i, got)
		}
	}
}

func TestDecode_Duration(t *testing.T) {
	buf, err := Decode(make([]byte, 2*PCMSampleRate))
	if err != nil {
		t.Fatal(err)
	}
	if buf.Duration() != time.Second {
		t.Errorf("duration = %v, want 1s", buf.Duration())
	}
}

func TestDecode_Errors(t *testing.T) {
	if _, err := Decode(nil); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("empty payload: err = %v", err)
	}
	// odd length cannot be 16-bit PCM
	if _, err := Decode([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Error("odd-length payload: expected error")
	}
}

func TestDecode_PrefersContainer(t *testing.T) {
	src := NewBuffer(2, 4, 16000)
	copy(src.Channel(0), []float32{0, 0.5, -0.5, 0.25})
	copy(src.Channel(1), []float32{0.1, -0.1, 0.2, -0.2})

	buf, err := Decode(EncodeWAV(src))
	if err != nil {
		t.Fatal(err)
	}

	if buf.SampleRate != 16000 || buf.Channels != 2 {
		t.Errorf("format = %d Hz x %d", buf.SampleRate, buf.Channels)
	}
	if buf.Frames() != 4 {
		t.Fatalf("frames = %d, want 4", buf.Frames())
	}
	for ch := 0; ch < 2; ch++ {
		for i, want := range src.Channel(ch) {
			if got := buf.Channel(ch)[i]; math.Abs(float64(want-got)) > 1.0/32768.0 {
				t.Errorf("channel %d sample %d = %v, want %v", ch, i, got, want)
			}
		}
	}
}

func TestDecodeContainer_Float32(t *testing.T) {
	samples := []float32{0.75, -0.75}
	data := []byte("RIFF\x00\x00\x00\x00WAVEfmt ")
	fmtChunk := make([]byte, 4+16)
	binary.LittleEndian.PutUint32(fmtChunk[0:], 16)
	binary.LittleEndian.PutUint16(fmtChunk[4:], 3)
	binary.LittleEndian.PutUint16(fmtChunk[6:], 1)
	binary.LittleEndian.PutUint32(fmtChunk[8:], 8000)
	binary.LittleEndian.PutUint32(fmtChunk[12:], 32000)
	binary.LittleEndian.PutUint16(fmtChunk[16:], 4)
	binary.LittleEndian.PutUint16(fmtChunk[18:], 32)
	data = append(data, fmtChunk...)
	data = append(data, []byte("data")...)
	size := make([]byte, 4)
	binary.LittleEndian.PutUint32(size, uint32(4*len(samples)))
	data = append(data, size...)
	for _, s := range samples {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, math.Float32bits(s))
		data = append(data, b...)
	}

	buf, err := DecodeContainer(data)
	if err != nil {
		t.Fatal(err)
	}
	if buf.SampleRate != 8000 {
		t.Errorf("sample rate = %d, want 8000", buf.SampleRate)
	}
	if !slices.Equal(buf.Channel(0), samples) {
		t.Errorf("samples = %v, want %v", buf.Channel(0), samples)
	}
}

func TestDecodeContainer_RejectsHeaderless(t *testing.T) {
	_, err := DecodeContainer(pcm16Bytes([]int16{1, 2, 3, 4, 5, 6, 7, 8}))
	if !errors.Is(err, ErrNotContainer) {
		t.Errorf("err = %v, want ErrNotContainer", err)
	}
}

func TestDecodeBase64Audio(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString(pcm16Bytes([]int16{16384, -16384}))

	buf, err := DecodeBase64Audio(payload)
	if err != nil {
		t.Fatal(err)
	}
	if want := []float32{0.5, -0.5}; !slices.Equal(buf.Channel(0), want) {
		t.Errorf("samples = %v, want %v", buf.Channel(0), want)
	}

	if _, err := DecodeBase64Audio("not base64!!"); err == nil {
		t.Error("invalid base64: expected error")
	}
	if _, err := DecodeBase64Audio("   "); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("blank payload: err = %v", err)
	}
}
