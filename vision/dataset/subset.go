package dataset

import (
	"github.com/pkg/errors"
)

// Source is anything GetItem-addressable
type Source interface {
	Len() int
	GetItem(index int) (*Sample, error)
}

var _ Source = (*SpineDataset)(nil)

// Subset restricts a dataset to the given indices without copying samples
type Subset struct {
	parent  Source
	indices []int
}

// NewSubset creates a view over parent
func NewSubset(parent Source, indices []int) (*Subset, error) {
	for _, idx := range indices {
		if idx < 0 || idx >= parent.Len() {
			return nil, errors.Errorf("subset index %d out of range [0, %d)", idx, parent.Len())
		}
	}
	return &Subset{parent: parent, indices: append([]int(nil), indices...)}, nil
}

// Limit exposes at most the first limit samples of parent. A limit of
// zero or one larger than the dataset keeps every sample.
func Limit(parent Source, limit int) (Source, error) {
	if limit < 0 {
		return nil, errors.New("limit cannot be negative")
	}
	if limit == 0 || limit >= parent.Len() {
		return parent, nil
	}
	indices := make([]int, limit)
	for i := range indices {
		indices[i] = i
	}
	return NewSubset(parent, indices)
}

// Len returns the number of samples in the subset
func (s *Subset) Len() int {
	return len(s.indices)
}

// GetItem returns the parent sample behind subset position index
func (s *Subset) GetItem(index int) (*Sample, error) {
	if index < 0 || index >= len(s.indices) {
		return nil, errors.Errorf("index %d out of range [0, %d)", index, len(s.indices))
	}
	return s.parent.GetItem(s.indices[index])
}
