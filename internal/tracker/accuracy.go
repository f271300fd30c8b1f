package tracker

// Prediction accuracy scoring
//
// accuracy = 0.6*timing + 0.4*urgency. Timing rewards landing within one
// block of the prediction and decays linearly to 0.5 by a six block miss;
// beyond that the prediction was wrong. The urgency term normalises the
// signed miss (predicted - actual) so early confirmations score above late
// ones.

const (
	timingWeight  = 0.6
	urgencyWeight = 0.4
)

// TimingScore rates how close the prediction landed.
func TimingScore(predicted, actual int64) float64 {
	diff := predicted - actual
	if diff < 0 {
		diff = -diff
	}
	switch {
	case diff <= 1:
		return 1.0
	case diff <= 6:
		return 1.0 - 0.1*float64(diff-1)
	default:
		return 0
	}
}

// UrgencyScore maps the signed miss into [0,1]. Zero miss sits at 0.5;
// each block early adds 1/12, each block late subtracts it, saturating at
// six blocks either way.
func UrgencyScore(predicted, actual int64) float64 {
	u := 0.5 + float64(predicted-actual)/12.0
	if u < 0 {
		return 0
	}
	if u > 1 {
		return 1
	}
	return u
}

// Accuracy combines the two terms for a CONFIRMED prediction.
func Accuracy(predicted, actual int64) float64 {
	return timingWeight*TimingScore(predicted, actual) + urgencyWeight*UrgencyScore(predicted, actual)
}
