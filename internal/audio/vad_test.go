package audio

import (
	"testing"
)

func constantFrame(v float64, n int) []float64 {
	frame := make([]float64, n)
	for i := range frame {
		frame[i] = v
	}
	return frame
}

func testVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 0.02,
		SilenceFrames:   10,
		FrameSize:       160,
	}
}

func TestVADDetector_ProcessFrame_Speech(t *testing.T) {
	vad := NewVADDetector(testVADConfig())
	speech := constantFrame(0.15, 160)

	for i := 0; i < 5; i++ {
		isSpeaking, speechStarted, _ := vad.ProcessFrame(speech)
		if !isSpeaking {
			t.Errorf("Expected speech detection on frame %d", i)
		}
		if i == 0 && !speechStarted {
			t.Error("Expected speech to start on first frame")
		}
		if i > 0 && speechStarted {
			t.Errorf("Expected no second start on frame %d", i)
		}
	}
}

func TestVADDetector_ProcessFrame_Silence(t *testing.T) {
	vad := NewVADDetector(testVADConfig())
	silence := constantFrame(0.0003, 160)

	for i := 0; i < 15; i++ {
		isSpeaking, _, ended := vad.ProcessFrame(silence)
		if isSpeaking || ended {
			t.Errorf("Expected silence on frame %d", i)
		}
	}
}

func TestVADDetector_SpeechToSilence(t *testing.T) {
	vad := NewVADDetector(testVADConfig())
	for i := 0; i < 5; i++ {
		vad.ProcessFrame(constantFrame(0.15, 160))
	}

	endedAt := -1
	for i := 0; i < 15; i++ {
		if _, _, ended := vad.ProcessFrame(constantFrame(0, 160)); ended {
			endedAt = i
			break
		}
	}
	if endedAt != 9 {
		t.Errorf("Expected speech to end on the 10th silent frame, got %d", endedAt)
	}
}

func TestVADDetector_Process(t *testing.T) {
	vad := NewVADDetector(testVADConfig())

	// 1.5 frames of speech then 12 frames of silence, in uneven chunks
	if vad.Process(constantFrame(0.15, 240)) {
		t.Error("Expected no end of speech yet")
	}
	if !vad.IsSpeaking() {
		t.Error("Expected speech after the first full frame")
	}
	ended := false
	for i := 0; i < 8; i++ {
		if vad.Process(constantFrame(0, 250)) {
			ended = true
		}
	}
	if !ended {
		t.Error("Expected the utterance to end after enough silence")
	}
}

func TestVADDetector_Reset(t *testing.T) {
	vad := NewVADDetector(testVADConfig())
	vad.ProcessFrame(constantFrame(0.15, 160))
	if !vad.IsSpeaking() {
		t.Fatal("Expected speech to be detected")
	}

	vad.Reset()
	if vad.IsSpeaking() {
		t.Error("Expected speech state to be false after reset")
	}
}

func TestDefaultVADConfig(t *testing.T) {
	config := DefaultVADConfig()
	if config.FrameSize != 320 {
		t.Errorf("Expected default FrameSize 320, got %d", config.FrameSize)
	}
	if config.SilenceFrames != 25 {
		t.Errorf("Expected default SilenceFrames 25, got %d", config.SilenceFrames)
	}
	if NewVADDetector(nil).config.EnergyThreshold != config.EnergyThreshold {
		t.Error("Expected a nil config to fall back to the defaults")
	}
}
