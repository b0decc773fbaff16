package training

import "math"

// EpochLosses collects per-batch loss values of one epoch. The training
// pass resets it; validation appends to the same instance.
type EpochLosses struct {
	Train []float64
	Val   []float64
	CE    []float64
	BCE   []float64
	DSC   []float64
}

// NewEpochLosses returns an empty accumulator
func NewEpochLosses() *EpochLosses {
	return &EpochLosses{}
}

// Reset clears every list, keeping the backing arrays
func (l *EpochLosses) Reset() {
	l.Train = l.Train[:0]
	l.Val = l.Val[:0]
	l.CE = l.CE[:0]
	l.BCE = l.BCE[:0]
	l.DSC = l.DSC[:0]
}

// MeanTrain returns the mean training loss
func (l *EpochLosses) MeanTrain() float64 { return mean(l.Train) }

// MeanVal returns the mean validation loss
func (l *EpochLosses) MeanVal() float64 { return mean(l.Val) }

// mean of an empty list is NaN, as numpy reports it
func mean(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
