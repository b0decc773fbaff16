package optimizer

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-midline/layers"
	"github.com/tsawler/go-midline/tensor"
	"github.com/tsawler/go-midline/vision/dataloader"
)

func scalarParam(name string, value float32) *layers.Parameter {
	v, _ := tensor.Full(value, 1)
	return &layers.Parameter{Name: name, Value: v, Grad: tensor.MustZeros(1)}
}

func TestAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()
	assert.Equal(t, float32(0.001), config.LearningRate)
	assert.Equal(t, float32(0.9), config.Beta1)
	assert.Equal(t, float32(0.999), config.Beta2)
	assert.Equal(t, float32(1e-8), config.Epsilon)
	assert.Equal(t, float32(0), config.WeightDecay)
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	p := scalarParam("w", 1)
	config := DefaultAdamConfig()
	config.LearningRate = 0.1
	adam, err := NewAdamOptimizer(config, []*layers.Parameter{p})
	require.NoError(t, err)

	p.Grad.Data[0] = 3
	require.NoError(t, adam.Step())

	// bias-corrected m/sqrt(v) is sign(g) on the first step
	assert.InDelta(t, 0.9, p.Value.Data[0], 1e-5)
	assert.Equal(t, uint64(1), adam.GetStepCount())

	adam.ZeroGrad()
	assert.Equal(t, float32(0), p.Grad.Data[0])
}

func TestAdamMinimisesQuadratic(t *testing.T) {
	p := scalarParam("w", 5)
	config := DefaultAdamConfig()
	config.LearningRate = 0.1
	adam, err := NewAdamOptimizer(config, []*layers.Parameter{p})
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		adam.ZeroGrad()
		p.Grad.Data[0] = 2 * (p.Value.Data[0] - 2) // d/dw (w-2)^2
		require.NoError(t, adam.Step())
	}
	assert.InDelta(t, 2, p.Value.Data[0], 0.1)
}

func TestAdamStateRoundTrip(t *testing.T) {
	params := []*layers.Parameter{scalarParam("a", 1), scalarParam("b", -1)}
	adam, err := NewAdamOptimizer(DefaultAdamConfig(), params)
	require.NoError(t, err)
	params[0].Grad.Data[0], params[1].Grad.Data[0] = 0.5, -2
	require.NoError(t, adam.Step())
	adam.UpdateLearningRate(0.01)

	state, err := adam.GetState()
	require.NoError(t, err)
	assert.Equal(t, "Adam", state.Type)
	assert.Len(t, state.StateData, 4)

	fresh, err := NewAdamOptimizer(DefaultAdamConfig(), []*layers.Parameter{scalarParam("a", 0), scalarParam("b", 0)})
	require.NoError(t, err)
	require.NoError(t, fresh.LoadState(FromCheckpoint(state.ToCheckpoint())))

	assert.Equal(t, adam.MomentumBuffers, fresh.MomentumBuffers)
	assert.Equal(t, adam.VarianceBuffers, fresh.VarianceBuffers)
	assert.Equal(t, uint64(1), fresh.GetStepCount())
	assert.Equal(t, float32(0.01), fresh.LearningRate())

	state.Type = "SGD"
	assert.Error(t, fresh.LoadState(state))
}

func TestAdamRejectsParametersWithoutGradients(t *testing.T) {
	_, err := NewAdamOptimizer(DefaultAdamConfig(), nil)
	assert.Error(t, err)

	v, _ := tensor.Full(1, 2)
	_, err = NewAdamOptimizer(DefaultAdamConfig(), []*layers.Parameter{{Name: "buf", Value: v}})
	assert.Error(t, err)
}

func TestExtractBufferIndex(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"m_0", 0},
		{"v_12", 12},
		{"variance", -1},
		{"m_x", -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractBufferIndex(tt.name), tt.name)
	}
}

func TestAveragedModel(t *testing.T) {
	model, err := layers.NewSegmenter(layers.DefaultSegmenterConfig(2))
	require.NoError(t, err)
	swa := NewAveragedModel(model)

	first := model.Parameters()[2].Value.Data[0]
	require.NoError(t, swa.UpdateParameters(model))
	assert.Equal(t, first, swa.Module().Parameters()[2].Value.Data[0])

	model.Parameters()[2].Value.Data[0] = first + 3
	require.NoError(t, swa.UpdateParameters(model))
	assert.InDelta(t, first+1.5, swa.Module().Parameters()[2].Value.Data[0], 1e-5)
	assert.Equal(t, 2, swa.NumAveraged())

	// the shadow is a copy, not an alias
	assert.NotEqual(t, model.Parameters()[2].Value.Data[0], swa.Module().Parameters()[2].Value.Data[0])
}

type staticLoader []*dataloader.Batch

func (l staticLoader) ForEach(ctx context.Context, fn func(int, *dataloader.Batch) error) error {
	for i, b := range l {
		if err := fn(i, b); err != nil {
			return err
		}
	}
	return nil
}

func TestAveragedModelUpdateBN(t *testing.T) {
	model, err := layers.NewSegmenter(layers.DefaultSegmenterConfig(2))
	require.NoError(t, err)
	swa := NewAveragedModel(model)

	var loader staticLoader
	for _, v := range []float32{1, 3} {
		img, err := tensor.Full(v, 2, 3, 4, 4)
		require.NoError(t, err)
		loader = append(loader, &dataloader.Batch{Images: img, IDs: []string{"a", "b"}})
	}
	require.NoError(t, swa.UpdateBN(context.Background(), loader))

	state := swa.Module().StateDict()
	assert.InDelta(t, 2, state["bn.running_mean"].Data[0], 1e-5)
	assert.Equal(t, float32(2), state["bn.num_batches_tracked"].Data[0])
	assert.False(t, math.IsNaN(float64(state["bn.running_var"].Data[0])))
	assert.Equal(t, float32(0.1), swa.Module().Config().Momentum, "momentum restored")
}
