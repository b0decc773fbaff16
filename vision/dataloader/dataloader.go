package dataloader

import (
	"context"
	"io"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-midline/tensor"
	"github.com/tsawler/go-midline/vision/dataset"
)

// Batch is a collated group of samples. Masks and Labels are nil when the
// underlying samples carry none.
type Batch struct {
	Images *tensor.Tensor // [B, C, H, W] ("sag_image")
	Masks  *tensor.Tensor // [B, K, H, W] ("mask")
	IDs    []string       // ("id")
	Labels *tensor.Tensor // [B, K] ("labels")
}

// Size returns the number of samples in the batch
func (b *Batch) Size() int {
	return len(b.IDs)
}

// Keyed is the subset of dataset.SpineDataset the cache needs
type Keyed interface {
	Key(index int) string
}

// DataLoader batches a dataset sequentially. Samples of a batch are
// decoded concurrently; batches are handed out one at a time.
type DataLoader struct {
	dataset   dataset.Source
	batchSize int
	shuffle   bool
	workers   int
	indices   []int
	position  int
	rng       *rand.Rand
	mu        sync.Mutex

	cache *sampleCache // nil when caching is disabled
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize    int
	Shuffle      bool
	Workers      int // Number of parallel sample decoders
	MaxCacheSize int // Cached samples; only for deterministic transforms
	Seed         int64
}

// NewDataLoader creates a new data loader
func NewDataLoader(ds dataset.Source, config Config) (*DataLoader, error) {
	if ds == nil {
		return nil, errors.New("dataset cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}

	indices := make([]int, ds.Len())
	for i := range indices {
		indices[i] = i
	}

	dl := &DataLoader{
		dataset:   ds,
		batchSize: config.BatchSize,
		shuffle:   config.Shuffle,
		workers:   config.Workers,
		indices:   indices,
		rng:       rand.New(rand.NewSource(config.Seed)),
	}
	if config.MaxCacheSize > 0 {
		if _, ok := ds.(Keyed); ok {
			dl.cache = newSampleCache(config.MaxCacheSize)
		}
	}
	dl.Reset()

	return dl, nil
}

// Reset rewinds the loader, reshuffling when enabled
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Len returns the number of batches per pass
func (dl *DataLoader) Len() int {
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

// NumSamples returns the number of samples per pass
func (dl *DataLoader) NumSamples() int {
	return len(dl.indices)
}

// BatchSize returns the configured batch size
func (dl *DataLoader) BatchSize() int {
	return dl.batchSize
}

// Next loads the next batch. It returns io.EOF once the pass is exhausted.
// The last batch of a pass may be smaller than the batch size.
func (dl *DataLoader) Next(ctx context.Context) (*Batch, error) {
	dl.mu.Lock()
	remaining := len(dl.indices) - dl.position
	if remaining <= 0 {
		dl.mu.Unlock()
		return nil, io.EOF
	}
	n := dl.batchSize
	if remaining < n {
		n = remaining
	}
	batchIndices := append([]int(nil), dl.indices[dl.position:dl.position+n]...)
	dl.position += n
	dl.mu.Unlock()

	samples := make([]*dataset.Sample, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dl.workers)
	for i, idx := range batchIndices {
		i, idx := i, idx
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s, err := dl.load(idx)
			if err != nil {
				return errors.Wrapf(err, "load sample %d", idx)
			}
			samples[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return Collate(samples)
}

// ForEach resets the loader and calls fn for every batch of one pass
func (dl *DataLoader) ForEach(ctx context.Context, fn func(idx int, batch *Batch) error) error {
	dl.Reset()
	for idx := 0; ; idx++ {
		batch, err := dl.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(idx, batch); err != nil {
			return err
		}
	}
}

func (dl *DataLoader) load(idx int) (*dataset.Sample, error) {
	if dl.cache == nil {
		return dl.dataset.GetItem(idx)
	}

	key := dl.dataset.(Keyed).Key(idx)
	if cached, ok := dl.cache.get(key); ok {
		return cached, nil
	}
	s, err := dl.dataset.GetItem(idx)
	if err != nil {
		return nil, err
	}
	dl.cache.put(key, s)
	return s, nil
}

// Stats describes the sample cache
func (dl *DataLoader) Stats() string {
	if dl.cache == nil {
		return "sample cache disabled"
	}
	return dl.cache.stats().String()
}

// Collate stacks samples into a batch. Either every sample has a mask
// (labels) or none has.
func Collate(samples []*dataset.Sample) (*Batch, error) {
	if len(samples) == 0 {
		return nil, errors.New("cannot collate an empty batch")
	}

	images := make([]*tensor.Tensor, len(samples))
	ids := make([]string, len(samples))
	var masks, labels []*tensor.Tensor
	for i, s := range samples {
		images[i] = s.Image
		ids[i] = s.ID
		if s.Mask != nil {
			masks = append(masks, s.Mask)
		}
		if s.Labels != nil {
			labels = append(labels, s.Labels)
		}
	}

	batch := &Batch{IDs: ids}
	var err error
	if batch.Images, err = tensor.Stack(images); err != nil {
		return nil, errors.Wrap(err, "collate images")
	}

	switch len(masks) {
	case 0:
	case len(samples):
		if batch.Masks, err = tensor.Stack(masks); err != nil {
			return nil, errors.Wrap(err, "collate masks")
		}
	default:
		return nil, errors.Errorf("only %d of %d samples have masks", len(masks), len(samples))
	}

	switch len(labels) {
	case 0:
	case len(samples):
		if batch.Labels, err = tensor.Stack(labels); err != nil {
			return nil, errors.Wrap(err, "collate labels")
		}
	default:
		return nil, errors.Errorf("only %d of %d samples have labels", len(labels), len(samples))
	}

	return batch, nil
}
