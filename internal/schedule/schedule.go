// Package schedule derives the training epoch from the step counter and the
// epoch-annealed weight shared by the encoder blend and the auxiliary loss.
package schedule

// AnnealEpochs is the last epoch with a non-zero annealing weight.
const AnnealEpochs = 8

// Anneal returns w(ep) = 1 - (ep-1)/7 for ep <= 8 and 0 afterwards.
// Epochs below 1 are treated as epoch 1.
func Anneal(ep int) float64 {
	if ep < 1 {
		ep = 1
	}
	if ep > AnnealEpochs {
		return 0
	}
	return 1 - float64(ep-1)/float64(AnnealEpochs-1)
}

// Epoch converts a global step count into a 1-based epoch index.
func Epoch(steps, stepsPerEpoch int) int {
	if stepsPerEpoch <= 0 {
		return 1
	}
	return steps/stepsPerEpoch + 1
}
