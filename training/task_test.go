package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-midline/layers"
	"github.com/tsawler/go-midline/tensor"
	"github.com/tsawler/go-midline/vision/dataloader"
)

func taskFixture(t *testing.T) (*layers.Output, *dataloader.Batch) {
	t.Helper()
	out := &layers.Output{
		Mask:   randomTensor(t, 7, 2, 3, 4, 4),
		Logits: randomTensor(t, 8, 2, 3),
	}
	batch := &dataloader.Batch{
		Images: tensor.MustZeros(2, 1, 4, 4),
		Masks:  tensor.MustZeros(2, 3, 4, 4),
		Labels: mustTensor(t, []int{2, 3}, []float32{1, 0, 1, 0, 1, 1}),
		IDs:    []string{"a", "b"},
	}
	batch.Masks.Data[5] = 1
	return out, batch
}

func TestSegmentationTask(t *testing.T) {
	out, batch := taskFixture(t)
	task := NewTask(false, DefaultAuxLossWeight)
	assert.False(t, task.Classifier())
	assert.Equal(t, "segmentation", task.Name())

	loss, err := task.Loss(out, batch, false)
	require.NoError(t, err)
	focal, err := NewFocalLoss().Forward(out.Mask, batch.Masks)
	require.NoError(t, err)
	assert.InDelta(t, focal, loss.Total, 1e-12)
	assert.InDelta(t, focal, loss.CE, 1e-12)
	assert.Zero(t, loss.BCE)
	assert.Nil(t, loss.GradMask)

	loss, err = task.Loss(out, batch, true)
	require.NoError(t, err)
	assert.NotNil(t, loss.GradMask)
	assert.Nil(t, loss.GradLogits)
}

func TestSegmentationClassificationTask(t *testing.T) {
	out, batch := taskFixture(t)
	task := NewTask(true, 0.01)
	assert.True(t, task.Classifier())

	loss, err := task.Loss(out, batch, true)
	require.NoError(t, err)

	bce, err := BCEWithLogits{}.Forward(out.Logits, batch.Labels)
	require.NoError(t, err)
	assert.InDelta(t, bce/100, loss.BCE, 1e-12)
	assert.InDelta(t, loss.CE+bce/100, loss.Total, 1e-12)

	grad, err := BCEWithLogits{}.Backward(out.Logits, batch.Labels)
	require.NoError(t, err)
	require.NotNil(t, loss.GradLogits)
	for i := range grad.Data {
		assert.InDelta(t, grad.Data[i]/100, loss.GradLogits.Data[i], 1e-9)
	}
}

func TestSegmentationClassificationTaskNeedsLogitsAndLabels(t *testing.T) {
	out, batch := taskFixture(t)
	task := NewSegmentationClassificationTask(DefaultAuxLossWeight)

	_, err := task.Loss(&layers.Output{Mask: out.Mask}, batch, false)
	assert.Error(t, err)

	batch.Labels = nil
	_, err = task.Loss(out, batch, false)
	assert.Error(t, err)
}

func TestEpochLosses(t *testing.T) {
	l := NewEpochLosses()
	assert.True(t, math.IsNaN(l.MeanVal()))

	l.Train = append(l.Train, 1, 2, 3)
	l.Val = append(l.Val, 4, 6)
	assert.InDelta(t, 2, l.MeanTrain(), 1e-12)
	assert.InDelta(t, 5, l.MeanVal(), 1e-12)

	l.Reset()
	assert.Empty(t, l.Train)
	assert.Empty(t, l.Val)
}
