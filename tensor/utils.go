package tensor

import (
	"math"

	"github.com/pkg/errors"
)

// Reshape returns a view with the same data but a different shape.
// One dimension may be -1 and is inferred.
func (t *Tensor) Reshape(newShape ...int) (*Tensor, error) {
	shape := make([]int, len(newShape))
	copy(shape, newShape)

	known := 1
	negOneIdx := -1
	for i, dim := range shape {
		switch {
		case dim == -1:
			if negOneIdx >= 0 {
				return nil, errors.New("only one dimension can be -1")
			}
			negOneIdx = i
		case dim <= 0:
			return nil, errors.Errorf("invalid dimension %d at index %d", dim, i)
		default:
			known *= dim
		}
	}

	if negOneIdx >= 0 {
		if t.NumElems%known != 0 {
			return nil, errors.Errorf("cannot reshape tensor of size %d into shape %v", t.NumElems, newShape)
		}
		shape[negOneIdx] = t.NumElems / known
		known *= shape[negOneIdx]
	}

	if known != t.NumElems {
		return nil, errors.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", t.NumElems, shape, known)
	}

	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		NumElems: t.NumElems,
		Data:     t.Data,
	}, nil
}

// Clone returns a deep copy
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		NumElems: t.NumElems,
		Data:     data,
	}
}

// CopyFrom overwrites t's data with src's. Shapes must match.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if err := CheckSameShape(t, src); err != nil {
		return err
	}
	copy(t.Data, src.Data)
	return nil
}

// Fill sets every element to value
func (t *Tensor) Fill(value float32) {
	for i := range t.Data {
		t.Data[i] = value
	}
}

func (t *Tensor) offset(indices []int) (int, error) {
	if len(indices) != len(t.Shape) {
		return 0, errors.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	off := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, errors.Errorf("index %d out of range for dimension %d (size %d)", idx, i, t.Shape[i])
		}
		off += idx * t.Strides[i]
	}
	return off, nil
}

// At returns the element at the given indices
func (t *Tensor) At(indices ...int) (float32, error) {
	off, err := t.offset(indices)
	if err != nil {
		return 0, err
	}
	return t.Data[off], nil
}

// Set stores value at the given indices
func (t *Tensor) Set(value float32, indices ...int) error {
	off, err := t.offset(indices)
	if err != nil {
		return err
	}
	t.Data[off] = value
	return nil
}

// Index returns a view of element i along the leading dimension
func (t *Tensor) Index(i int) (*Tensor, error) {
	if len(t.Shape) < 2 {
		return nil, errors.Errorf("cannot index a rank %d tensor", len(t.Shape))
	}
	if i < 0 || i >= t.Shape[0] {
		return nil, errors.Errorf("index %d out of range [0, %d)", i, t.Shape[0])
	}
	inner := t.Shape[1:]
	size := t.Strides[0]
	return &Tensor{
		Shape:    append([]int(nil), inner...),
		Strides:  calculateStrides(inner),
		NumElems: size,
		Data:     t.Data[i*size : (i+1)*size],
	}, nil
}

// Sigmoid returns a new tensor with the logistic function applied elementwise
func Sigmoid(t *Tensor) *Tensor {
	out := t.Clone()
	for i, v := range out.Data {
		out.Data[i] = SigmoidScalar(v)
	}
	return out
}

// SigmoidScalar is the numerically stable logistic function
func SigmoidScalar(x float32) float32 {
	if x >= 0 {
		return float32(1 / (1 + math.Exp(-float64(x))))
	}
	e := math.Exp(float64(x))
	return float32(e / (1 + e))
}

// Mean returns the arithmetic mean of all elements
func (t *Tensor) Mean() float64 {
	if len(t.Data) == 0 {
		return 0
	}
	var sum float64
	for _, v := range t.Data {
		sum += float64(v)
	}
	return sum / float64(len(t.Data))
}

// MinMax returns the smallest and largest element
func (t *Tensor) MinMax() (float32, float32) {
	if len(t.Data) == 0 {
		return 0, 0
	}
	lo, hi := t.Data[0], t.Data[0]
	for _, v := range t.Data[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// Normalize rescales t to [0, 1] in place. A constant tensor becomes all zeros.
func (t *Tensor) Normalize() {
	lo, hi := t.MinMax()
	span := hi - lo
	for i, v := range t.Data {
		if span == 0 {
			t.Data[i] = 0
			continue
		}
		t.Data[i] = (v - lo) / span
	}
}
