package audio

import (
	"fmt"
	"math"
)

// Encoding names the sample format of incoming audio.
type Encoding string

const (
	// EncodingPCM16 is 16-bit signed little-endian linear PCM.
	EncodingPCM16 Encoding = "pcm16"
	// EncodingPCMU is G.711 μ-law, one byte per sample.
	EncodingPCMU Encoding = "pcmu"
)

// ParseEncoding validates an encoding name.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case EncodingPCM16, EncodingPCMU:
		return Encoding(s), nil
	}
	return "", fmt.Errorf("unsupported audio encoding %q (want pcm16 or pcmu)", s)
}

// Decode turns raw audio into normalized float samples in [-1, 1) at
// outputSampleRate.
func Decode(enc Encoding, data []byte, inputSampleRate, outputSampleRate int) ([]float64, error) {
	var samples []int16
	var err error
	switch enc {
	case EncodingPCM16:
		samples, err = DecodePCM16(data)
	case EncodingPCMU:
		samples, err = DecodePCMU(data)
	default:
		return nil, fmt.Errorf("unsupported audio encoding %q", enc)
	}
	if err != nil {
		return nil, err
	}
	if inputSampleRate <= 0 || outputSampleRate <= 0 {
		return nil, fmt.Errorf("sample rates must be positive, got %d and %d", inputSampleRate, outputSampleRate)
	}
	return ToFloat(Resample(samples, inputSampleRate, outputSampleRate)), nil
}

// DecodePCM16 reads little-endian 16-bit samples.
func DecodePCM16(data []byte) ([]int16, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty PCM data")
	}
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}

	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples, nil
}

// EncodePCM16 writes samples as little-endian bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// DecodePCMU expands G.711 μ-law bytes to linear samples.
func DecodePCMU(data []byte) ([]int16, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty PCMU data")
	}
	samples := make([]int16, len(data))
	for i, b := range data {
		samples[i] = mulawToLinear(b)
	}
	return samples, nil
}

// EncodePCMU compresses linear samples to G.711 μ-law.
func EncodePCMU(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = linearToMulaw(s)
	}
	return out
}

// Resample performs linear interpolation resampling. Telephony audio at
// 8kHz is brought up to the model rate this way; quality is adequate for
// filterbank features.
func Resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]int16, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// ToFloat scales 16-bit samples into [-1, 1).
func ToFloat(samples []int16) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = float64(s) / 32768
	}
	return out
}

// linearToMulaw converts a 16-bit linear PCM sample to 8-bit μ-law
// (ITU-T G.711).
func linearToMulaw(sample int16) byte {
	const (
		clip = 8159 // 14-bit magnitude
		bias = 0x21
	)

	var sign byte
	magnitude := int32(sample)
	if sample < 0 {
		sign = 0x80
		magnitude = -magnitude
	}
	if magnitude > clip {
		magnitude = clip
	}
	magnitude += bias

	// Segments: 0=33-63, 1=64-127, ... 7=4096-8191
	var segment byte
	for s := byte(7); s > 0; s-- {
		if magnitude >= int32(0x40)<<(s-1) {
			segment = s
			break
		}
	}

	mantissa := byte((magnitude >> (segment + 1)) & 0x0F)
	return ^(sign | (segment << 4) | mantissa)
}

// mulawToLinear converts an 8-bit μ-law sample to 16-bit linear PCM.
func mulawToLinear(mulawByte byte) int16 {
	mulawByte = ^mulawByte

	sign := mulawByte & 0x80
	segment := int32((mulawByte >> 4) & 0x07)
	mantissa := int32(mulawByte & 0x0F)

	// step = (mantissa << (segment + 1)) + (33 << segment), minus the bias
	step := mantissa << (segment + 1)
	step += int32(33) << segment
	magnitude := step - 33

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// CalculateRMS returns the root mean square of normalized samples.
func CalculateRMS(samples []float64) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}
