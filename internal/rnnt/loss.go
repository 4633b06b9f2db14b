// Package rnnt computes the RNN transducer negative log likelihood.
package rnnt

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/lexiqai/asr-transducer/internal/tensor"
)

// ErrInput is returned when logits, labels and lengths disagree.
var ErrInput = errors.New("rnnt: invalid loss input")

// Loss returns one negative log likelihood per batch element.
//
// logits is [B, T, U+1, V]. Example b uses the first logitLength[b] frames and
// the first labelLength[b] entries of labels[b]; the remaining positions are
// padding and never contribute.
func Loss(logits *tensor.Tensor, labels [][]int, labelLength, logitLength []int, blank int) ([]float64, error) {
	if logits == nil || logits.Rank() != 4 {
		return nil, fmt.Errorf("%w: logits must be [B,T,U+1,V]", ErrInput)
	}
	b, maxT, maxU, v := logits.Dim(0), logits.Dim(1), logits.Dim(2), logits.Dim(3)
	if len(labels) != b || len(labelLength) != b || len(logitLength) != b {
		return nil, fmt.Errorf("%w: batch %d with %d labels, %d label lengths, %d logit lengths",
			ErrInput, b, len(labels), len(labelLength), len(logitLength))
	}
	if blank < 0 || blank >= v {
		return nil, fmt.Errorf("%w: blank %d outside vocabulary of %d", ErrInput, blank, v)
	}

	losses := make([]float64, b)
	data := logits.Data()
	for n := 0; n < b; n++ {
		t, u := logitLength[n], labelLength[n]
		if t < 1 || t > maxT {
			return nil, fmt.Errorf("%w: logit length %d outside [1, %d]", ErrInput, t, maxT)
		}
		if u < 0 || u+1 > maxU || u > len(labels[n]) {
			return nil, fmt.Errorf("%w: label length %d does not fit %d prediction steps", ErrInput, u, maxU)
		}
		for _, id := range labels[n][:u] {
			if id < 0 || id >= v || id == blank {
				return nil, fmt.Errorf("%w: label %d is blank or outside vocabulary", ErrInput, id)
			}
		}

		logProb := func(ti, ui, k int) float64 {
			base := ((n*maxT+ti)*maxU + ui) * v
			return data[base+k]
		}
		// Normalize every (t, u) row once.
		norm := make([]float64, t*(u+1))
		for ti := 0; ti < t; ti++ {
			for ui := 0; ui <= u; ui++ {
				base := ((n*maxT+ti)*maxU + ui) * v
				norm[ti*(u+1)+ui] = floats.LogSumExp(data[base : base+v])
			}
		}
		lp := func(ti, ui, k int) float64 { return logProb(ti, ui, k) - norm[ti*(u+1)+ui] }

		alpha := make([]float64, t*(u+1))
		for ti := 0; ti < t; ti++ {
			for ui := 0; ui <= u; ui++ {
				idx := ti*(u+1) + ui
				switch {
				case ti == 0 && ui == 0:
					alpha[idx] = 0
				case ti == 0:
					alpha[idx] = alpha[idx-1] + lp(0, ui-1, labels[n][ui-1])
				case ui == 0:
					alpha[idx] = alpha[idx-(u+1)] + lp(ti-1, 0, blank)
				default:
					stay := alpha[idx-(u+1)] + lp(ti-1, ui, blank)
					emit := alpha[idx-1] + lp(ti, ui-1, labels[n][ui-1])
					alpha[idx] = logAddExp(stay, emit)
				}
			}
		}
		losses[n] = -(alpha[t*(u+1)-1] + lp(t-1, u, blank))
	}
	return losses, nil
}

func logAddExp(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}
