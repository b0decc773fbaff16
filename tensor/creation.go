package tensor

import (
	"math/rand"

	"github.com/pkg/errors"
)

// New creates a tensor over data. A nil data slice allocates zeros.
// The tensor takes ownership of data.
func New(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	}
	if len(data) != numElems {
		return nil, errors.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	s := make([]int, len(shape))
	copy(s, shape)

	return &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		NumElems: numElems,
		Data:     data,
	}, nil
}

// Zeros creates a zero-filled tensor
func Zeros(shape ...int) (*Tensor, error) {
	return New(shape, nil)
}

// MustZeros is Zeros for shapes known to be valid
func MustZeros(shape ...int) *Tensor {
	t, err := Zeros(shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// Full creates a tensor filled with value
func Full(value float32, shape ...int) (*Tensor, error) {
	t, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// RandomNormal creates a tensor with normally distributed values drawn from rng
func RandomNormal(rng *rand.Rand, mean, std float32, shape ...int) (*Tensor, error) {
	t, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())*std + mean
	}
	return t, nil
}

// Stack joins same-shaped tensors along a new leading dimension
func Stack(tensors []*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.New("cannot stack an empty tensor list")
	}

	first := tensors[0]
	shape := append([]int{len(tensors)}, first.Shape...)
	out, err := New(shape, nil)
	if err != nil {
		return nil, err
	}

	for i, t := range tensors {
		if err := CheckSameShape(first, t); err != nil {
			return nil, errors.Wrapf(err, "stack element %d", i)
		}
		copy(out.Data[i*first.NumElems:], t.Data)
	}
	return out, nil
}

// Concat joins tensors along dimension 0. Trailing dimensions must match.
func Concat(tensors []*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.New("cannot concatenate an empty tensor list")
	}

	first := tensors[0]
	total := 0
	for i, t := range tensors {
		if len(t.Shape) != len(first.Shape) {
			return nil, errors.Wrapf(ErrShapeMismatch, "concat element %d has rank %d, want %d", i, len(t.Shape), len(first.Shape))
		}
		for d := 1; d < len(t.Shape); d++ {
			if t.Shape[d] != first.Shape[d] {
				return nil, errors.Wrapf(ErrShapeMismatch, "concat element %d: %v vs %v", i, t.Shape, first.Shape)
			}
		}
		total += t.Shape[0]
	}

	shape := make([]int, len(first.Shape))
	copy(shape, first.Shape)
	shape[0] = total

	out, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	offset := 0
	for _, t := range tensors {
		copy(out.Data[offset:], t.Data)
		offset += t.NumElems
	}
	return out, nil
}
