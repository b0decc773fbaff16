package training

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-midline/layers"
	"github.com/tsawler/go-midline/tensor"
	"github.com/tsawler/go-midline/vision/dataloader"
)

// DefaultAuxLossWeight scales the classification BCE added to the
// segmentation loss
const DefaultAuxLossWeight = 0.01

// StepLoss is the loss of one batch. BCE is already weighted; it is zero
// for segmentation-only tasks. The gradients are nil unless requested.
type StepLoss struct {
	Total float64
	CE    float64
	BCE   float64

	GradMask   *tensor.Tensor
	GradLogits *tensor.Tensor
}

// Task composes the loss of a forward pass with its targets. A task is
// chosen once, when the orchestrator is built.
type Task interface {
	Name() string
	// Classifier reports whether the task consumes classification logits
	Classifier() bool
	// Loss scores out against batch; withGrad also returns gradients
	Loss(out *layers.Output, batch *dataloader.Batch, withGrad bool) (*StepLoss, error)
}

// SegmentationTask scores the segmentation mask only
type SegmentationTask struct {
	Criterion Loss
}

// NewSegmentationTask uses a focal loss criterion
func NewSegmentationTask() *SegmentationTask {
	return &SegmentationTask{Criterion: NewFocalLoss()}
}

func (t *SegmentationTask) Name() string     { return "segmentation" }
func (t *SegmentationTask) Classifier() bool { return false }

func (t *SegmentationTask) Loss(out *layers.Output, batch *dataloader.Batch, withGrad bool) (*StepLoss, error) {
	if batch.Masks == nil {
		return nil, errors.New("batch has no masks")
	}
	ce, err := t.Criterion.Forward(out.Mask, batch.Masks)
	if err != nil {
		return nil, err
	}
	loss := &StepLoss{Total: ce, CE: ce}
	if withGrad {
		if loss.GradMask, err = t.Criterion.Backward(out.Mask, batch.Masks); err != nil {
			return nil, err
		}
	}
	return loss, nil
}

// SegmentationClassificationTask adds a weighted BCE on the per-class
// presence logits to the segmentation loss
type SegmentationClassificationTask struct {
	SegmentationTask
	Aux           Loss
	AuxLossWeight float64
}

// NewSegmentationClassificationTask uses focal loss plus weighted BCE
func NewSegmentationClassificationTask(auxLossWeight float64) *SegmentationClassificationTask {
	return &SegmentationClassificationTask{
		SegmentationTask: *NewSegmentationTask(),
		Aux:              BCEWithLogits{},
		AuxLossWeight:    auxLossWeight,
	}
}

func (t *SegmentationClassificationTask) Name() string     { return "segmentation+classification" }
func (t *SegmentationClassificationTask) Classifier() bool { return true }

func (t *SegmentationClassificationTask) Loss(out *layers.Output, batch *dataloader.Batch, withGrad bool) (*StepLoss, error) {
	if out.Logits == nil {
		return nil, errors.New("model produced no classification logits")
	}
	if batch.Labels == nil {
		return nil, errors.New("batch has no labels")
	}

	loss, err := t.SegmentationTask.Loss(out, batch, withGrad)
	if err != nil {
		return nil, err
	}
	bce, err := t.Aux.Forward(out.Logits, batch.Labels)
	if err != nil {
		return nil, err
	}
	loss.BCE = bce * t.AuxLossWeight
	loss.Total += loss.BCE

	if withGrad {
		grad, err := t.Aux.Backward(out.Logits, batch.Labels)
		if err != nil {
			return nil, err
		}
		w := float32(t.AuxLossWeight)
		for i := range grad.Data {
			grad.Data[i] *= w
		}
		loss.GradLogits = grad
	}
	return loss, nil
}

// NewTask selects the task variant for a run
func NewTask(classifier bool, auxLossWeight float64) Task {
	if classifier {
		return NewSegmentationClassificationTask(auxLossWeight)
	}
	return NewSegmentationTask()
}
