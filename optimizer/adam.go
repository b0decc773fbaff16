package optimizer

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-midline/layers"
)

// AdamOptimizerState is an Adam optimizer over a fixed parameter list
type AdamOptimizerState struct {
	// Hyperparameters
	learningRate float32
	Beta1        float32 // Momentum decay (typically 0.9)
	Beta2        float32 // Variance decay (typically 0.999)
	Epsilon      float32 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float32 // L2 regularization coefficient

	params          []*layers.Parameter
	MomentumBuffers [][]float32 // First moment for each parameter
	VarianceBuffers [][]float32 // Second moment for each parameter

	// Step tracking for bias correction
	StepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates an Adam optimizer for params
func NewAdamOptimizer(config AdamConfig, params []*layers.Parameter) (*AdamOptimizerState, error) {
	if err := validateParameters(params); err != nil {
		return nil, err
	}
	if config.LearningRate < 0 {
		return nil, errors.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}

	adam := &AdamOptimizerState{
		learningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		params:          params,
		MomentumBuffers: make([][]float32, len(params)),
		VarianceBuffers: make([][]float32, len(params)),
	}
	for i, p := range params {
		adam.MomentumBuffers[i] = make([]float32, p.Value.NumElems)
		adam.VarianceBuffers[i] = make([]float32, p.Value.NumElems)
	}
	return adam, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step() error {
	adam.StepCount++

	t := float64(adam.StepCount)
	bc1 := 1 - math.Pow(float64(adam.Beta1), t)
	bc2 := 1 - math.Pow(float64(adam.Beta2), t)
	stepSize := float64(adam.learningRate) / bc1

	for i, p := range adam.params {
		m, v := adam.MomentumBuffers[i], adam.VarianceBuffers[i]
		w, g := p.Value.Data, p.Grad.Data
		for j := range w {
			grad := g[j]
			if adam.WeightDecay != 0 {
				grad += adam.WeightDecay * w[j]
			}
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*grad
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*grad*grad

			denom := math.Sqrt(float64(v[j])/bc2) + float64(adam.Epsilon)
			w[j] -= float32(stepSize * float64(m[j]) / denom)
			if math.IsNaN(float64(w[j])) {
				return errors.Errorf("Adam step %d produced NaN in %s", adam.StepCount, p.Name)
			}
		}
	}
	return nil
}

// ZeroGrad clears the gradients of the optimised parameters
func (adam *AdamOptimizerState) ZeroGrad() {
	for _, p := range adam.params {
		p.Grad.Fill(0)
	}
}

// LearningRate returns the current learning rate
func (adam *AdamOptimizerState) LearningRate() float32 {
	return adam.learningRate
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float32) {
	adam.learningRate = newLR
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetState extracts the moments and hyperparameters
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.learningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.StepCount,
		},
	}
	for i, p := range adam.params {
		state.StateData = append(state.StateData,
			extractBufferState(adam.MomentumBuffers[i], p.Value.Shape, fmt.Sprintf("m_%d", i), "m"),
			extractBufferState(adam.VarianceBuffers[i], p.Value.Shape, fmt.Sprintf("v_%d", i), "v"),
		)
	}
	return state, nil
}

// LoadState restores moments and hyperparameters
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.learningRate = extractFloat32Param(state.Parameters, "learning_rate", adam.learningRate)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)

	for _, st := range state.StateData {
		idx := extractBufferIndex(st.Name)
		if idx < 0 || idx >= len(adam.params) {
			return errors.Errorf("invalid buffer index in state name %q", st.Name)
		}
		var buf []float32
		switch st.StateType {
		case "m":
			buf = adam.MomentumBuffers[idx]
		case "v":
			buf = adam.VarianceBuffers[idx]
		default:
			return errors.Errorf("unknown Adam state type %q", st.StateType)
		}
		if err := restoreBufferState(buf, st.Data, st.Name); err != nil {
			return err
		}
	}
	return nil
}

// GetStats returns optimizer statistics
func (adam *AdamOptimizerState) GetStats() AdamStats {
	return AdamStats{
		StepCount:     adam.StepCount,
		LearningRate:  adam.learningRate,
		Beta1:         adam.Beta1,
		Beta2:         adam.Beta2,
		Epsilon:       adam.Epsilon,
		WeightDecay:   adam.WeightDecay,
		NumParameters: len(adam.params),
	}
}

// AdamStats provides statistics about the Adam optimizer
type AdamStats struct {
	StepCount     uint64
	LearningRate  float32
	Beta1         float32
	Beta2         float32
	Epsilon       float32
	WeightDecay   float32
	NumParameters int
}

var _ Optimizer = (*AdamOptimizerState)(nil)
