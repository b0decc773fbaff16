package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrShapeMismatch is returned when two tensors must share a shape and do not.
var ErrShapeMismatch = errors.New("tensor shape mismatch")

// Tensor is a dense, row-major float32 tensor living in host memory.
// Images are stored CHW and batches BCHW.
type Tensor struct {
	Shape    []int
	Strides  []int
	NumElems int
	Data     []float32
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, t.NumElems)
}

// Dim returns the number of dimensions
func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Size returns a copy of the shape
func (t *Tensor) Size() []int {
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	return shape
}

// Numel returns the number of elements
func (t *Tensor) Numel() int {
	return t.NumElems
}

// SameShape reports whether both tensors have identical shapes
func SameShape(a, b *Tensor) bool {
	if a == nil || b == nil || len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// CheckSameShape returns ErrShapeMismatch wrapped with both shapes when they differ
func CheckSameShape(a, b *Tensor) error {
	if !SameShape(a, b) {
		var sa, sb []int
		if a != nil {
			sa = a.Shape
		}
		if b != nil {
			sb = b.Shape
		}
		return errors.Wrapf(ErrShapeMismatch, "%v vs %v", sa, sb)
	}
	return nil
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return errors.New("invalid shape: no dimensions")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return errors.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}
