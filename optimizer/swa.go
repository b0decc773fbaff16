package optimizer

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tsawler/go-midline/layers"
	"github.com/tsawler/go-midline/vision/dataloader"
)

// Averageable exposes the tensors of a model
type Averageable interface {
	Parameters() []*layers.Parameter
}

// BatchIterator walks one pass of batches
type BatchIterator interface {
	ForEach(ctx context.Context, fn func(idx int, batch *dataloader.Batch) error) error
}

// AveragedModel keeps an equal-weight running average of the parameters
// of a model (stochastic weight averaging). Batch-norm buffers are not
// averaged; recompute them with UpdateBN once averaging is done.
type AveragedModel struct {
	shadow     *layers.Segmenter
	nAveraged  int
	parameters []*layers.Parameter
}

// NewAveragedModel creates a shadow copy of model
func NewAveragedModel(model *layers.Segmenter) *AveragedModel {
	shadow := model.Clone()
	return &AveragedModel{shadow: shadow, parameters: shadow.Parameters()}
}

// Module returns the shadow network
func (a *AveragedModel) Module() *layers.Segmenter {
	return a.shadow
}

// Spec returns the layer description of the shadow network
func (a *AveragedModel) Spec() *layers.ModelSpec {
	return a.shadow.Spec()
}

// Parameters returns the averaged parameters
func (a *AveragedModel) Parameters() []*layers.Parameter {
	return a.parameters
}

// Buffers returns the batch-norm statistics of the shadow network
func (a *AveragedModel) Buffers() []*layers.Parameter {
	return a.shadow.Buffers()
}

// NumAveraged returns how many snapshots were folded into the average
func (a *AveragedModel) NumAveraged() int {
	return a.nAveraged
}

// UpdateParameters folds the current parameters of model into the average.
// The first call copies them.
func (a *AveragedModel) UpdateParameters(model Averageable) error {
	src := model.Parameters()
	if len(src) != len(a.parameters) {
		return errors.Errorf("model has %d parameters, averaged model %d", len(src), len(a.parameters))
	}

	n := float32(a.nAveraged)
	for i, p := range src {
		avg := a.parameters[i]
		if p.Value.NumElems != avg.Value.NumElems {
			return errors.Errorf("parameter %s has %d elements, averaged %d", p.Name, p.Value.NumElems, avg.Value.NumElems)
		}
		if a.nAveraged == 0 {
			copy(avg.Value.Data, p.Value.Data)
			continue
		}
		for j, v := range p.Value.Data {
			avg.Value.Data[j] += (v - avg.Value.Data[j]) / (n + 1)
		}
	}
	a.nAveraged++
	return nil
}

// UpdateBN recomputes the batch-norm running statistics of the shadow model
// with one forward-only pass over loader, using a cumulative average.
func (a *AveragedModel) UpdateBN(ctx context.Context, loader BatchIterator) error {
	momentum := a.shadow.Config().Momentum
	a.shadow.ResetRunningStats()
	a.shadow.SetMomentum(0)
	defer a.shadow.SetMomentum(momentum)

	return loader.ForEach(ctx, func(idx int, batch *dataloader.Batch) error {
		if _, err := a.shadow.Forward(batch.Images, true); err != nil {
			return errors.Wrapf(err, "batch %d", idx)
		}
		return nil
	})
}
