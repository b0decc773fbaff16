package training

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-midline/tensor"
)

// Loss is a differentiable scalar loss over logits
type Loss interface {
	// Forward returns the reduced loss
	Forward(predicted, target *tensor.Tensor) (float64, error)
	// Backward returns dLoss/dPredicted with the shape of predicted
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// FocalLoss is the sigmoid focal loss of Lin et al. averaged over every
// element: FL = -alpha_t (1-p_t)^gamma log(p_t). Targets may be soft
// (Gaussian heatmaps).
type FocalLoss struct {
	Alpha float64 // class balance weight for positives; negative disables it
	Gamma float64 // focusing parameter
}

// NewFocalLoss creates a focal loss with alpha 0.25 and gamma 2
func NewFocalLoss() *FocalLoss {
	return &FocalLoss{Alpha: 0.25, Gamma: 2}
}

// terms returns sigmoid, stable BCE, p_t and alpha_t for one element
func (fl *FocalLoss) terms(x, t float64) (p, ce, pt, at float64) {
	p = 1 / (1 + math.Exp(-x))
	ce = bceWithLogits(x, t)
	pt = p*t + (1-p)*(1-t)
	at = 1.0
	if fl.Alpha >= 0 {
		at = fl.Alpha*t + (1-fl.Alpha)*(1-t)
	}
	return p, ce, pt, at
}

func (fl *FocalLoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	if err := tensor.CheckSameShape(predicted, target); err != nil {
		return 0, errors.Wrap(err, "focal loss")
	}
	var sum float64
	for i, v := range predicted.Data {
		_, ce, pt, at := fl.terms(float64(v), float64(target.Data[i]))
		sum += at * math.Pow(1-pt, fl.Gamma) * ce
	}
	return sum / float64(predicted.NumElems), nil
}

// Backward:
//
//	dFL/dx = alpha_t [ (1-p_t)^g (p-t) - g (1-p_t)^(g-1) (2t-1) p(1-p) ce ] / N
func (fl *FocalLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := tensor.CheckSameShape(predicted, target); err != nil {
		return nil, errors.Wrap(err, "focal loss")
	}
	grad := tensor.MustZeros(predicted.Shape...)
	n := float64(predicted.NumElems)
	for i, v := range predicted.Data {
		t := float64(target.Data[i])
		p, ce, pt, at := fl.terms(float64(v), t)

		q := 1 - pt
		mod := math.Pow(q, fl.Gamma)
		var dmod float64
		if q > 0 {
			dmod = fl.Gamma * math.Pow(q, fl.Gamma-1) * -(2*t - 1) * p * (1 - p)
		}
		grad.Data[i] = float32(at * (mod*(p-t) + dmod*ce) / n)
	}
	return grad, nil
}

// BCEWithLogits is binary cross-entropy on raw logits, mean reduction
type BCEWithLogits struct{}

func bceWithLogits(x, t float64) float64 {
	return math.Max(x, 0) - x*t + math.Log1p(math.Exp(-math.Abs(x)))
}

func (BCEWithLogits) Forward(predicted, target *tensor.Tensor) (float64, error) {
	if err := tensor.CheckSameShape(predicted, target); err != nil {
		return 0, errors.Wrap(err, "bce loss")
	}
	var sum float64
	for i, v := range predicted.Data {
		sum += bceWithLogits(float64(v), float64(target.Data[i]))
	}
	return sum / float64(predicted.NumElems), nil
}

func (BCEWithLogits) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := tensor.CheckSameShape(predicted, target); err != nil {
		return nil, errors.Wrap(err, "bce loss")
	}
	grad := tensor.MustZeros(predicted.Shape...)
	n := float32(predicted.NumElems)
	for i, v := range predicted.Data {
		grad.Data[i] = (tensor.SigmoidScalar(v) - target.Data[i]) / n
	}
	return grad, nil
}

// MultiClassDice is a soft dice distance over sigmoid probabilities:
// 1 - mean over classes of (2|P∩T| + s) / (|P| + |T| + s). It is reported
// as the DSC metric and never back-propagated.
type MultiClassDice struct {
	Smooth float64
}

// NewMultiClassDice creates the metric with smoothing 1
func NewMultiClassDice() *MultiClassDice {
	return &MultiClassDice{Smooth: 1}
}

// Forward expects [B, K, H, W] logits and targets
func (d *MultiClassDice) Forward(predicted, target *tensor.Tensor) (float64, error) {
	if err := tensor.CheckSameShape(predicted, target); err != nil {
		return 0, errors.Wrap(err, "dice")
	}
	if predicted.Dim() != 4 {
		return 0, errors.Wrapf(tensor.ErrShapeMismatch, "dice needs [B,K,H,W], got %v", predicted.Shape)
	}
	batch, classes := predicted.Shape[0], predicted.Shape[1]
	pixels := predicted.Shape[2] * predicted.Shape[3]

	var total float64
	for k := 0; k < classes; k++ {
		var inter, sumP, sumT float64
		for b := 0; b < batch; b++ {
			off := (b*classes + k) * pixels
			for i := off; i < off+pixels; i++ {
				p := float64(tensor.SigmoidScalar(predicted.Data[i]))
				t := float64(target.Data[i])
				inter += p * t
				sumP += p
				sumT += t
			}
		}
		total += (2*inter + d.Smooth) / (sumP + sumT + d.Smooth)
	}
	return 1 - total/float64(classes), nil
}
