package dataloader

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// DefaultPrefetchDepth is the number of batches decoded ahead of the consumer
const DefaultPrefetchDepth = 3

// Prefetcher decodes the batches of a DataLoader in a background goroutine
// so that loading overlaps with the forward and backward passes. Batches
// are delivered in loader order.
type Prefetcher struct {
	loader *DataLoader
	depth  int
}

// NewPrefetcher wraps loader. depth <= 0 uses DefaultPrefetchDepth.
func NewPrefetcher(loader *DataLoader, depth int) *Prefetcher {
	if depth <= 0 {
		depth = DefaultPrefetchDepth
	}
	return &Prefetcher{loader: loader, depth: depth}
}

// Len returns the number of batches per pass
func (p *Prefetcher) Len() int {
	return p.loader.Len()
}

// NumSamples returns the number of samples per pass
func (p *Prefetcher) NumSamples() int {
	return p.loader.NumSamples()
}

// Stats returns the cache statistics of the wrapped loader
func (p *Prefetcher) Stats() string {
	return p.loader.Stats()
}

// ForEach resets the loader and calls fn for every batch of one pass while
// up to depth further batches are loaded. An error from fn or the loader
// stops the producer before ForEach returns.
func (p *Prefetcher) ForEach(ctx context.Context, fn func(idx int, batch *Batch) error) error {
	p.loader.Reset()

	ctx, cancel := context.WithCancel(ctx)
	batches := make(chan *Batch, p.depth)
	errc := make(chan error, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(batches)
		for {
			b, err := p.loader.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errc <- err
				return
			}
			select {
			case batches <- b:
			case <-ctx.Done():
				return
			}
		}
	}()
	defer wg.Wait()
	defer cancel()

	idx := 0
	for b := range batches {
		if err := fn(idx, b); err != nil {
			return err
		}
		idx++
	}

	select {
	case err := <-errc:
		return err
	default:
		return nil
	}
}
