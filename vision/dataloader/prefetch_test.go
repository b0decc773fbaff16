package dataloader

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefetcherPreservesOrder(t *testing.T) {
	dl, err := NewDataLoader(newMemoryDataset(10), Config{BatchSize: 3, Workers: 2})
	require.NoError(t, err)
	p := NewPrefetcher(dl, 2)
	assert.Equal(t, 4, p.Len())
	assert.Equal(t, 10, p.NumSamples())

	for pass := 0; pass < 2; pass++ {
		var ids []string
		var idxs []int
		require.NoError(t, p.ForEach(context.Background(), func(idx int, b *Batch) error {
			idxs = append(idxs, idx)
			ids = append(ids, b.IDs...)
			return nil
		}))
		assert.Equal(t, []int{0, 1, 2, 3}, idxs)
		require.Len(t, ids, 10)
		assert.Equal(t, "id_00", ids[0])
		assert.Equal(t, "id_09", ids[9])
	}
}

func TestPrefetcherCallbackError(t *testing.T) {
	dl, err := NewDataLoader(newMemoryDataset(40), Config{BatchSize: 2})
	require.NoError(t, err)
	p := NewPrefetcher(dl, 0)
	assert.Equal(t, DefaultPrefetchDepth, p.depth)

	stop := errors.New("stop")
	calls := 0
	err = p.ForEach(context.Background(), func(idx int, b *Batch) error {
		calls++
		if idx == 1 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, calls)

	// the loader is reusable after an aborted pass
	n := 0
	require.NoError(t, p.ForEach(context.Background(), func(int, *Batch) error {
		n++
		return nil
	}))
	assert.Equal(t, 20, n)
}

func TestPrefetcherLoadError(t *testing.T) {
	ds := newMemoryDataset(9)
	ds.failAt = 7
	dl, err := NewDataLoader(ds, Config{BatchSize: 3})
	require.NoError(t, err)

	var seen int
	err = NewPrefetcher(dl, 1).ForEach(context.Background(), func(idx int, b *Batch) error {
		seen++
		return nil
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt slice")
	assert.Equal(t, 2, seen)
}

func TestPrefetcherCancelled(t *testing.T) {
	dl, err := NewDataLoader(newMemoryDataset(8), Config{BatchSize: 2})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = NewPrefetcher(dl, 1).ForEach(ctx, func(int, *Batch) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
