package audio

// VADConfig holds configuration for Voice Activity Detection over
// normalized samples.
type VADConfig struct {
	EnergyThreshold float64 // RMS threshold in [0, 1]
	SilenceFrames   int     // consecutive silent frames that end an utterance
	FrameSize       int     // samples per frame (320 = 20ms at 16kHz)
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 0.015,
		SilenceFrames:   25, // 500ms
		FrameSize:       320,
	}
}

// VADDetector tracks speech/silence over fixed frames. The streaming server
// uses the end of an utterance to reset the encoder state.
type VADDetector struct {
	config         *VADConfig
	silenceCounter int
	isSpeaking     bool
	pending        []float64
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	return &VADDetector{config: config}
}

// ProcessFrame classifies one frame.
// Returns: (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessFrame(samples []float64) (bool, bool, bool) {
	frameHasSpeech := CalculateRMS(samples) > v.config.EnergyThreshold

	var speechStarted, speechEnded bool
	if frameHasSpeech {
		v.silenceCounter = 0
		if !v.isSpeaking {
			speechStarted = true
			v.isSpeaking = true
		}
	} else {
		v.silenceCounter++
		if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
			speechEnded = true
			v.isSpeaking = false
			v.silenceCounter = 0
		}
	}

	return v.isSpeaking, speechStarted, speechEnded
}

// Process splits samples of any length into frames, carrying the remainder
// over to the next call. It reports whether any utterance ended.
func (v *VADDetector) Process(samples []float64) (ended bool) {
	v.pending = append(v.pending, samples...)
	size := max(v.config.FrameSize, 1)
	for len(v.pending) >= size {
		if _, _, e := v.ProcessFrame(v.pending[:size]); e {
			ended = true
		}
		v.pending = v.pending[size:]
	}
	v.pending = append([]float64(nil), v.pending...)
	return ended
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.silenceCounter = 0
	v.isSpeaking = false
	v.pending = nil
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}
