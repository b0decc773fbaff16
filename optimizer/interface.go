package optimizer

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/go-midline/checkpoints"
	"github.com/tsawler/go-midline/layers"
)

// Optimizer updates model parameters from their accumulated gradients
type Optimizer interface {
	// Step applies one update to every parameter
	Step() error

	// ZeroGrad clears the gradients of the optimised parameters
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// LearningRate returns the current learning rate
	LearningRate() float32

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)
}

// OptimizerState is the serialisable state of an optimizer
type OptimizerState struct {
	Type       string                        `json:"type"`       // "Adam"
	Parameters map[string]interface{}        `json:"parameters"` // Hyperparameters
	StateData  []checkpoints.OptimizerTensor `json:"state_data"`
}

// ToCheckpoint converts the state for storage in a checkpoint
func (s *OptimizerState) ToCheckpoint() *checkpoints.OptimizerState {
	return &checkpoints.OptimizerState{Type: s.Type, Parameters: s.Parameters, StateData: s.StateData}
}

// FromCheckpoint converts a checkpoint's optimizer state
func FromCheckpoint(s *checkpoints.OptimizerState) *OptimizerState {
	if s == nil {
		return nil
	}
	return &OptimizerState{Type: s.Type, Parameters: s.Parameters, StateData: s.StateData}
}

// extractBufferIndex extracts the buffer index from state tensor names like "m_0", "v_1"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}
	if lastUnderscoreIdx == -1 {
		return -1
	}
	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return errors.New("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return errors.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

func validateParameters(params []*layers.Parameter) error {
	if len(params) == 0 {
		return errors.New("no parameters to optimise")
	}
	for i, p := range params {
		if p == nil || p.Value == nil || p.Grad == nil {
			return errors.Errorf("parameter %d has no value or gradient", i)
		}
		if p.Value.NumElems != p.Grad.NumElems {
			return errors.Errorf("parameter %s: gradient has %d elements, value %d", p.Name, p.Grad.NumElems, p.Value.NumElems)
		}
	}
	return nil
}
