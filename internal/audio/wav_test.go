package audio

import (
	"bytes"
	"testing"
)

func TestParseWAV_RoundTrip(t *testing.T) {
	pcm := EncodePCM16([]int16{1, -2, 300, -400})
	data, rate, err := ParseWAV(WAV(pcm, 16000))
	if err != nil {
		t.Fatalf("ParseWAV failed: %v", err)
	}
	if rate != 16000 {
		t.Errorf("Expected rate 16000, got %d", rate)
	}
	if !bytes.Equal(data, pcm) {
		t.Errorf("Expected the PCM payload back, got %v", data)
	}
}

func TestParseWAV_RawPassthrough(t *testing.T) {
	pcm := EncodePCM16([]int16{5, 6})
	data, rate, err := ParseWAV(pcm)
	if err != nil {
		t.Fatalf("ParseWAV failed: %v", err)
	}
	if rate != 0 || !bytes.Equal(data, pcm) {
		t.Errorf("Expected raw data with rate 0, got %d bytes at %d", len(data), rate)
	}
}

func TestParseWAV_RejectsStereo(t *testing.T) {
	wav := WAV(EncodePCM16([]int16{1, 2}), 8000)
	wav[22] = 2 // channels
	if _, _, err := ParseWAV(wav); err == nil {
		t.Error("Expected an error for stereo audio")
	}
}

func TestParseWAV_MissingData(t *testing.T) {
	wav := WAV(nil, 8000)
	if _, _, err := ParseWAV(wav[:36]); err == nil {
		t.Error("Expected an error without a data chunk")
	}
}
