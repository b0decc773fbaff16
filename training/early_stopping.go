package training

import "math"

// EarlyStopping signals when a minimised metric has not strictly improved
// for Patience consecutive checks. A NaN metric stops immediately.
type EarlyStopping struct {
	Patience int
	MinDelta float64

	best        float64
	badEpochs   int
	initialized bool
}

// NewEarlyStopping creates an early-stopping monitor
func NewEarlyStopping(patience int, minDelta float64) *EarlyStopping {
	return &EarlyStopping{Patience: patience, MinDelta: minDelta}
}

// Step records metric and reports whether training should stop
func (es *EarlyStopping) Step(metric float64) bool {
	if math.IsNaN(metric) {
		return true
	}
	if !es.initialized {
		es.best = metric
		es.initialized = true
		return false
	}

	if metric < es.best-es.MinDelta {
		es.best = metric
		es.badEpochs = 0
	} else {
		es.badEpochs++
	}
	return es.badEpochs >= es.Patience
}

// Counter returns the number of consecutive checks without improvement
func (es *EarlyStopping) Counter() int {
	return es.badEpochs
}

// Best returns the best metric seen so far
func (es *EarlyStopping) Best() float64 {
	return es.best
}

// Restore sets the monitor state, e.g. from a checkpoint
func (es *EarlyStopping) Restore(best float64, counter int) {
	es.best = best
	es.badEpochs = counter
	es.initialized = true
}
