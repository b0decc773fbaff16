package training

import (
	"image"

	"github.com/pkg/errors"

	"github.com/tsawler/go-midline/tensor"
	"github.com/tsawler/go-midline/vision/preprocessing"
)

// Scalar tags written once per epoch
const (
	TagTrainLoss    = "Training Loss"
	TagValLoss      = "Validation Loss"
	TagDSC          = "DSC"
	TagCE           = "CE"
	TagBCE          = "BCE"
	TagLearningRate = "Learning Rate"
	TagPresenceF1   = "Presence F1"
	TagPresenceAUC  = "Presence AUC"
)

// Image tags
const (
	TagGroundTruth   = "Ground-truth"
	TagPredictedMask = "Predicted mask"
)

// Writer records run metrics, keyed by tag and epoch
type Writer interface {
	AddScalar(tag string, value float64, step int) error
	AddImage(tag string, img image.Image, step int) error
	// PlotMask renders images [B,C,H,W] overlaid with masks [B,K,H,W]
	PlotMask(tag string, images, masks *tensor.Tensor, applySigmoid bool, step int) error
	Close() error
}

// MaskGrid renders a batch of overlays side by side. Writers use it to
// implement PlotMask.
func MaskGrid(images, masks *tensor.Tensor, applySigmoid bool) (*image.RGBA, error) {
	overlays, err := preprocessing.OverlayBatch(images, masks, applySigmoid, 0.5, nil)
	if err != nil {
		return nil, errors.Wrap(err, "unable to render mask overlay")
	}
	return preprocessing.TileHorizontal(overlays), nil
}

// MultiWriter duplicates every call to all writers, stopping at the first
// error
type MultiWriter []Writer

func (mw MultiWriter) AddScalar(tag string, value float64, step int) error {
	for _, w := range mw {
		if err := w.AddScalar(tag, value, step); err != nil {
			return err
		}
	}
	return nil
}

func (mw MultiWriter) AddImage(tag string, img image.Image, step int) error {
	for _, w := range mw {
		if err := w.AddImage(tag, img, step); err != nil {
			return err
		}
	}
	return nil
}

func (mw MultiWriter) PlotMask(tag string, images, masks *tensor.Tensor, applySigmoid bool, step int) error {
	for _, w := range mw {
		if err := w.PlotMask(tag, images, masks, applySigmoid, step); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every writer and returns the first error
func (mw MultiWriter) Close() error {
	var first error
	for _, w := range mw {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
