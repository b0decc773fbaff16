package optimizer

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-midline/checkpoints"
)

// extractBufferState copies a state buffer into a checkpoint tensor
func extractBufferState(buffer []float32, shape []int, name string, stateType string) checkpoints.OptimizerTensor {
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), shape...),
		Data:      append([]float32(nil), buffer...),
		StateType: stateType,
	}
}

// restoreBufferState copies checkpoint data back into a state buffer
func restoreBufferState(buffer []float32, data []float32, name string) error {
	if len(data) != len(buffer) {
		return errors.Errorf("data size mismatch for %s: expected %d elements, got %d", name, len(buffer), len(data))
	}
	copy(buffer, data)
	return nil
}

// Parameter maps hold float32 values in memory and float64 after a JSON
// or structpb round trip.

func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch v := params[key].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	}
	return defaultValue
}

func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch v := params[key].(type) {
	case uint64:
		return v
	case float64:
		return uint64(v)
	}
	return defaultValue
}
