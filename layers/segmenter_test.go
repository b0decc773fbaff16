package layers

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-midline/tensor"
)

func testInput(t *testing.T, seed int64, shape ...int) *tensor.Tensor {
	t.Helper()
	x, err := tensor.RandomNormal(rand.New(rand.NewSource(seed)), 0.5, 1, shape...)
	require.NoError(t, err)
	return x
}

func TestSegmenterForwardShapes(t *testing.T) {
	config := DefaultSegmenterConfig(5)
	config.Hidden = 4
	config.Classifier = true
	s, err := NewSegmenter(config)
	require.NoError(t, err)

	out, err := s.Forward(testInput(t, 1, 2, 3, 6, 7), true)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5, 6, 7}, out.Mask.Shape)
	require.NotNil(t, out.Logits)
	assert.Equal(t, []int{2, 5}, out.Logits.Shape)

	_, err = s.Forward(testInput(t, 1, 2, 1, 6, 7), true)
	assert.Error(t, err)
}

func TestSegmenterWithoutClassifier(t *testing.T) {
	s, err := NewSegmenter(DefaultSegmenterConfig(2))
	require.NoError(t, err)
	out, err := s.Forward(testInput(t, 1, 1, 3, 4, 4), false)
	require.NoError(t, err)
	assert.Nil(t, out.Logits)
	assert.Len(t, s.Parameters(), 6)
}

func TestSegmenterRunningStats(t *testing.T) {
	s, err := NewSegmenter(DefaultSegmenterConfig(2))
	require.NoError(t, err)

	x, err := tensor.Full(2, 4, 3, 5, 5)
	require.NoError(t, err)

	_, err = s.Forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, float32(0), s.runningMean.Value.Data[0], "eval must not touch buffers")

	_, err = s.Forward(x, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, s.runningMean.Value.Data[0], 1e-6)
	assert.InDelta(t, 0.9, s.runningVar.Value.Data[0], 1e-6)
	assert.Equal(t, float32(1), s.batchesTracked.Value.Data[0])

	// cumulative average after a reset reproduces the batch statistics
	s.ResetRunningStats()
	s.SetMomentum(0)
	for i := 0; i < 3; i++ {
		_, err = s.Forward(x, true)
		require.NoError(t, err)
	}
	assert.InDelta(t, 2, s.runningMean.Value.Data[1], 1e-5)
	assert.InDelta(t, 0, s.runningVar.Value.Data[1], 1e-5)
}

// lossOf is sum(mask * weights) + sum(logits * logitWeights)
func lossOf(t *testing.T, s *Segmenter, x, gm, gl *tensor.Tensor) float64 {
	out, err := s.Forward(x, true)
	require.NoError(t, err)
	var loss float64
	for i, v := range out.Mask.Data {
		loss += float64(v * gm.Data[i])
	}
	if gl != nil {
		for i, v := range out.Logits.Data {
			loss += float64(v * gl.Data[i])
		}
	}
	return loss
}

func TestSegmenterGradients(t *testing.T) {
	config := DefaultSegmenterConfig(3)
	config.Hidden = 4
	config.Classifier = true
	config.Seed = 3
	s, err := NewSegmenter(config)
	require.NoError(t, err)

	x := testInput(t, 5, 2, 3, 3, 3)
	gm := testInput(t, 6, 2, 3, 3, 3)
	gl := testInput(t, 7, 2, 3)

	s.ZeroGrad()
	lossOf(t, s, x, gm, gl)
	require.NoError(t, s.Backward(gm, gl))

	const eps = 1e-2
	for _, p := range s.Parameters() {
		for _, i := range []int{0, p.Value.NumElems - 1} {
			orig := p.Value.Data[i]
			p.Value.Data[i] = orig + eps
			up := lossOf(t, s, x, gm, gl)
			p.Value.Data[i] = orig - eps
			down := lossOf(t, s, x, gm, gl)
			p.Value.Data[i] = orig

			numeric := (up - down) / (2 * eps)
			analytic := float64(p.Grad.Data[i])
			tol := 2e-2 * math.Max(1, math.Abs(numeric))
			assert.InDelta(t, numeric, analytic, tol, "%s[%d]", p.Name, i)
		}
	}
}

func TestSegmenterBackwardNeedsTrainingForward(t *testing.T) {
	s, err := NewSegmenter(DefaultSegmenterConfig(2))
	require.NoError(t, err)
	x := testInput(t, 1, 1, 3, 2, 2)

	_, err = s.Forward(x, false)
	require.NoError(t, err)
	assert.Error(t, s.Backward(tensor.MustZeros(1, 2, 2, 2), nil))
}

func TestSegmenterStateDict(t *testing.T) {
	config := DefaultSegmenterConfig(2)
	config.Seed = 1
	a, err := NewSegmenter(config)
	require.NoError(t, err)
	config.Seed = 2
	b, err := NewSegmenter(config)
	require.NoError(t, err)

	_, err = a.Forward(testInput(t, 1, 2, 3, 4, 4), true)
	require.NoError(t, err)

	require.NoError(t, b.LoadStateDict(a.StateDict()))
	x := testInput(t, 9, 1, 3, 4, 4)
	outA, err := a.Forward(x, false)
	require.NoError(t, err)
	outB, err := b.Forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, outA.Mask.Data, outB.Mask.Data)

	state := a.StateDict()
	delete(state, "bn.running_var")
	assert.Error(t, b.LoadStateDict(state))

	clone := a.Clone()
	clone.Parameters()[0].Value.Data[0] = 42
	assert.NotEqual(t, float32(42), a.Parameters()[0].Value.Data[0])
}
