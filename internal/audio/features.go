package audio

import (
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"

	"github.com/lexiqai/asr-transducer/internal/tensor"
)

// Extractor turns normalized samples into encoder features [T, bins, 1].
type Extractor interface {
	Extract(samples []float64) (*tensor.Tensor, error)
	NumBins() int
}

// FeatureConfig describes the log-mel front end.
type FeatureConfig struct {
	SampleRate  int     `yaml:"sample_rate"`
	FrameMs     int     `yaml:"frame_ms"`
	StrideMs    int     `yaml:"stride_ms"`
	NumBins     int     `yaml:"num_feature_bins"`
	Preemphasis float64 `yaml:"preemphasis"`
	LowerHz     float64 `yaml:"lower_edge_hertz"`
	UpperHz     float64 `yaml:"upper_edge_hertz"`
	// NormalizeSignal scales each utterance to unit peak before framing.
	NormalizeSignal bool `yaml:"normalize_signal"`
	// NormalizeFeature standardizes every bin over time.
	NormalizeFeature bool `yaml:"normalize_feature"`
}

// DefaultFeatureConfig is 80 log-mel bins over 25ms windows every 10ms at 16kHz.
func DefaultFeatureConfig() FeatureConfig {
	return FeatureConfig{
		SampleRate:  16000,
		FrameMs:     25,
		StrideMs:    10,
		NumBins:     80,
		Preemphasis: 0.97,
		LowerHz:     125,
		UpperHz:     7600,
	}
}

// Validate checks the front-end settings.
func (c FeatureConfig) Validate() error {
	if c.SampleRate <= 0 || c.FrameMs <= 0 || c.StrideMs <= 0 || c.NumBins <= 0 {
		return fmt.Errorf("feature config needs positive sample_rate, frame_ms, stride_ms and num_feature_bins: %+v", c)
	}
	if c.LowerHz < 0 || c.UpperHz <= c.LowerHz || c.UpperHz > float64(c.SampleRate)/2 {
		return fmt.Errorf("mel edges must satisfy 0 <= lower < upper <= nyquist, got %g and %g", c.LowerHz, c.UpperHz)
	}
	if c.Preemphasis < 0 || c.Preemphasis >= 1 {
		return fmt.Errorf("preemphasis must be in [0, 1), got %g", c.Preemphasis)
	}
	return nil
}

const logFloor = 1e-10

// LogMelExtractor computes log mel filterbank energies with a gonum FFT.
type LogMelExtractor struct {
	cfg         FeatureConfig
	frameLength int
	frameStep   int
	nfft        int
	window      []float64
	filters     [][]float64 // [bins][nfft/2+1]

	mu     sync.Mutex
	fft    *fourier.FFT
	frame  []float64
	coeffs []complex128
	power  []float64
}

// NewLogMelExtractor builds the window and the mel filterbank.
func NewLogMelExtractor(cfg FeatureConfig) (*LogMelExtractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &LogMelExtractor{
		cfg:         cfg,
		frameLength: cfg.SampleRate * cfg.FrameMs / 1000,
		frameStep:   cfg.SampleRate * cfg.StrideMs / 1000,
	}
	e.nfft = 1
	for e.nfft < e.frameLength {
		e.nfft <<= 1
	}

	e.window = make([]float64, e.frameLength)
	for i := range e.window {
		e.window[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(e.frameLength))
	}
	e.filters = melFilterbank(cfg.NumBins, e.nfft, cfg.SampleRate, cfg.LowerHz, cfg.UpperHz)

	e.fft = fourier.NewFFT(e.nfft)
	e.frame = make([]float64, e.nfft)
	e.coeffs = make([]complex128, e.nfft/2+1)
	e.power = make([]float64, e.nfft/2+1)
	return e, nil
}

// NumBins is the feature width.
func (e *LogMelExtractor) NumBins() int { return e.cfg.NumBins }

// SampleRate is the rate Extract expects.
func (e *LogMelExtractor) SampleRate() int { return e.cfg.SampleRate }

// FrameLength is the analysis window in samples.
func (e *LogMelExtractor) FrameLength() int { return e.frameLength }

// FrameStep is the hop between windows in samples.
func (e *LogMelExtractor) FrameStep() int { return e.frameStep }

// NumFrames is the number of complete windows in n samples.
func (e *LogMelExtractor) NumFrames(n int) int {
	if n < e.frameLength {
		return 0
	}
	return 1 + (n-e.frameLength)/e.frameStep
}

// Extract computes [T, bins, 1] features for a whole utterance.
func (e *LogMelExtractor) Extract(samples []float64) (*tensor.Tensor, error) {
	t := e.NumFrames(len(samples))
	if t == 0 {
		return nil, fmt.Errorf("need at least %d samples for one frame, got %d", e.frameLength, len(samples))
	}
	signal := append([]float64(nil), samples...)
	if e.cfg.NormalizeSignal {
		if peak := math.Max(floats.Max(signal), -floats.Min(signal)); peak > 0 {
			floats.Scale(1/peak, signal)
		}
	}
	preemphasize(signal, e.cfg.Preemphasis, 0)

	out := tensor.New(t, e.cfg.NumBins, 1)
	data := out.Data()
	for i := 0; i < t; i++ {
		e.frameFeatures(signal[i*e.frameStep:i*e.frameStep+e.frameLength], data[i*e.cfg.NumBins:(i+1)*e.cfg.NumBins])
	}
	if e.cfg.NormalizeFeature {
		normalizeBins(data, t, e.cfg.NumBins)
	}
	return out, nil
}

// frameFeatures writes the log mel energies of one pre-emphasized window.
func (e *LogMelExtractor) frameFeatures(window, dst []float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	clear(e.frame)
	floats.MulTo(e.frame[:e.frameLength], window, e.window)
	e.coeffs = e.fft.Coefficients(e.coeffs, e.frame)
	for k, c := range e.coeffs {
		a := cmplx.Abs(c)
		e.power[k] = a * a
	}
	for b, f := range e.filters {
		dst[b] = math.Log(math.Max(floats.Dot(f, e.power), logFloor))
	}
}

// preemphasize applies y[i] = x[i] - p*x[i-1] in place, with prev standing
// in for x[-1]. It returns the last raw sample.
func preemphasize(x []float64, p, prev float64) float64 {
	if len(x) == 0 {
		return prev
	}
	last := x[len(x)-1]
	if p == 0 {
		return last
	}
	for i := len(x) - 1; i > 0; i-- {
		x[i] -= p * x[i-1]
	}
	x[0] -= p * prev
	return last
}

func normalizeBins(data []float64, t, bins int) {
	col := make([]float64, t)
	for b := 0; b < bins; b++ {
		for i := 0; i < t; i++ {
			col[i] = data[i*bins+b]
		}
		mean := floats.Sum(col) / float64(t)
		variance := 0.0
		for _, v := range col {
			variance += (v - mean) * (v - mean)
		}
		std := math.Sqrt(variance/float64(t)) + 1e-9
		for i := 0; i < t; i++ {
			data[i*bins+b] = (col[i] - mean) / std
		}
	}
}

func hzToMel(hz float64) float64 { return 1127 * math.Log(1+hz/700) }

// melFilterbank builds triangular filters spaced evenly on the mel scale.
// The DC bin gets no weight.
func melFilterbank(bins, nfft, sampleRate int, lowerHz, upperHz float64) [][]float64 {
	nbins := nfft/2 + 1
	lower, upper := hzToMel(lowerHz), hzToMel(upperHz)
	edges := make([]float64, bins+2)
	floats.Span(edges, lower, upper)

	filters := make([][]float64, bins)
	for b := range filters {
		l, c, u := edges[b], edges[b+1], edges[b+2]
		f := make([]float64, nbins)
		for k := 1; k < nbins; k++ {
			m := hzToMel(float64(k) * float64(sampleRate) / float64(nfft))
			f[k] = math.Max(0, math.Min((m-l)/(c-l), (u-m)/(u-c)))
		}
		filters[b] = f
	}
	return filters
}

// FeatureStream extracts features incrementally from pushed audio. Frames
// match Extract on the concatenated signal when no normalization is
// configured.
type FeatureStream struct {
	ex     *LogMelExtractor
	buf    *SampleBuffer
	prev   float64
	window []float64
}

// NewStream starts an incremental extraction.
func (e *LogMelExtractor) NewStream() *FeatureStream {
	return &FeatureStream{
		ex:     e,
		buf:    NewSampleBuffer(e.frameLength * 16),
		window: make([]float64, e.frameLength),
	}
}

// Push feeds samples and returns the newly completed frames as
// [n, bins, 1], or nil when no window completed.
func (s *FeatureStream) Push(samples []float64) *tensor.Tensor {
	signal := append([]float64(nil), samples...)
	s.prev = preemphasize(signal, s.ex.cfg.Preemphasis, s.prev)

	var frames []float64
	bins := s.ex.cfg.NumBins
	for {
		n := s.buf.Write(signal)
		signal = signal[n:]
		for s.buf.Available() >= s.ex.frameLength {
			s.buf.Peek(s.window)
			row := make([]float64, bins)
			s.ex.frameFeatures(s.window, row)
			frames = append(frames, row...)
			s.buf.Discard(s.ex.frameStep)
		}
		if len(signal) == 0 {
			break
		}
	}
	if len(frames) == 0 {
		return nil
	}
	return tensor.FromSlice(frames, len(frames)/bins, bins, 1)
}

// Reset drops buffered audio, as at the start of a new utterance.
func (s *FeatureStream) Reset() {
	s.buf.Clear()
	s.prev = 0
}
