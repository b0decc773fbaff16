package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineAnnealingLRScheduler(t *testing.T) {
	s := NewCosineAnnealingLRScheduler(10, 0.001)
	assert.InDelta(t, 0.1, s.GetLR(0, 0, 0.1), 1e-12)
	assert.InDelta(t, (0.1+0.001)/2, s.GetLR(5, 0, 0.1), 1e-12)
	assert.InDelta(t, 0.001, s.GetLR(10, 0, 0.1), 1e-12)
	assert.InDelta(t, 0.001, s.GetLR(25, 0, 0.1), 1e-12)
	assert.Equal(t, "CosineAnnealingLR", s.GetName())
}

func TestSWALRScheduler(t *testing.T) {
	s := NewSWALRScheduler(0.05, 4)

	var lrs []float64
	lr := 0.001
	for i := 0; i < 6; i++ {
		lr = s.Step(lr)
		lrs = append(lrs, lr)
	}

	// cosine ramp from the captured 0.001 towards 0.05, then held
	for i := 1; i < 4; i++ {
		assert.Greater(t, lrs[i], lrs[i-1])
	}
	assert.InDelta(t, 0.001+(0.05-0.001)*(1-math.Cos(math.Pi/4))/2, lrs[0], 1e-12)
	assert.InDelta(t, 0.05, lrs[3], 1e-12)
	assert.InDelta(t, 0.05, lrs[5], 1e-12)
	assert.Equal(t, 6, s.Steps())
}

func TestSWALRSchedulerDefaults(t *testing.T) {
	s := NewSWALRScheduler(0.05, 0)
	assert.Equal(t, 10, s.AnnealEpochs)
	assert.Equal(t, "SWALR", s.GetName())
}

func TestReduceLROnPlateauScheduler(t *testing.T) {
	s := NewReduceLROnPlateauScheduler(0.1, 2, 1e-4, "min")
	lr := 0.1

	lr = s.Step(1.0, lr) // first metric always improves on +Inf
	assert.InDelta(t, 0.1, lr, 1e-12)

	// two bad epochs are tolerated, the third reduces
	lr = s.Step(1.0, lr)
	lr = s.Step(1.0, lr)
	assert.InDelta(t, 0.1, lr, 1e-12)
	lr = s.Step(1.0, lr)
	assert.InDelta(t, 0.01, lr, 1e-12)
	assert.Equal(t, 1, s.Reductions())

	// improvement below the relative threshold does not count
	lr = s.Step(0.99995, lr)
	lr = s.Step(0.99995, lr)
	lr = s.Step(0.99995, lr)
	assert.InDelta(t, 0.001, lr, 1e-12)

	// a real improvement resets the counter
	lr = s.Step(0.5, lr)
	lr = s.Step(0.5, lr)
	lr = s.Step(0.5, lr)
	assert.InDelta(t, 0.001, lr, 1e-12)
	assert.InDelta(t, 0.001, s.GetLR(0, 0, 0.1), 1e-12)
}

func TestReduceLROnPlateauMinLR(t *testing.T) {
	s := NewReduceLROnPlateauScheduler(0.5, 1, 0, "min")
	s.MinLR = 0.03
	lr := 0.1
	for i := 0; i < 20; i++ {
		lr = s.Step(1, lr)
	}
	assert.InDelta(t, 0.03, lr, 1e-12)
	assert.Equal(t, 2, s.Reductions())
}

func TestReduceLROnPlateauMaxMode(t *testing.T) {
	s := NewReduceLROnPlateauScheduler(0.1, 1, 0, "max")
	lr := s.Step(0.5, 1)
	lr = s.Step(0.6, lr)
	lr = s.Step(0.6, lr)
	assert.InDelta(t, 1, lr, 1e-12)
	lr = s.Step(0.6, lr)
	assert.InDelta(t, 0.1, lr, 1e-12)
}

func TestEarlyStopping(t *testing.T) {
	es := NewEarlyStopping(3, 0)

	assert.False(t, es.Step(1.0))
	assert.False(t, es.Step(0.9))
	assert.Equal(t, 0, es.Counter())

	// equal is not an improvement
	assert.False(t, es.Step(0.9))
	assert.False(t, es.Step(0.95))
	assert.Equal(t, 2, es.Counter())
	assert.True(t, es.Step(0.9))
	assert.InDelta(t, 0.9, es.Best(), 1e-12)
}

func TestEarlyStoppingResetsOnImprovement(t *testing.T) {
	es := NewEarlyStopping(2, 0)
	es.Step(1)
	es.Step(2)
	assert.False(t, es.Step(0.5))
	assert.Equal(t, 0, es.Counter())
	es.Step(0.5)
	assert.True(t, es.Step(0.5))
}

func TestEarlyStoppingNaN(t *testing.T) {
	assert.True(t, NewEarlyStopping(10, 0).Step(math.NaN()))

	es := NewEarlyStopping(10, 0)
	es.Step(1)
	assert.True(t, es.Step(math.NaN()))
}

func TestEarlyStoppingMinDeltaAndRestore(t *testing.T) {
	es := NewEarlyStopping(1, 0.1)
	es.Step(1)
	assert.True(t, es.Step(0.95))

	es = NewEarlyStopping(5, 0)
	es.Restore(0.2, 4)
	assert.True(t, es.Step(0.3))
}
