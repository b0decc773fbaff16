package tracking

import (
	"context"
	"image"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-midline/tensor"
	"github.com/tsawler/go-midline/training"
)

func openStore(t *testing.T, dir, run string) *Store {
	t.Helper()
	s, err := Open(dir, run)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreScalars(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir(), "run1")

	require.NoError(t, s.AddScalar(training.TagValLoss, 0.5, 1))
	require.NoError(t, s.AddScalar(training.TagValLoss, 0.9, 0))
	require.NoError(t, s.AddScalar(training.TagTrainLoss, 1.2, 0))

	values, err := s.Scalars(ctx, training.TagValLoss)
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, 0, values[0].Step)
	assert.InDelta(t, 0.9, values[0].Value, 1e-12)
	assert.Equal(t, "run1", values[1].Run)
	assert.False(t, values[1].WallTime.IsZero())

	tags, err := s.Tags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{training.TagTrainLoss, training.TagValLoss}, tags)

	missing, err := s.Scalars(ctx, "nothing")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestStoreRunsShareDatabase(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a := openStore(t, dir, "a")
	require.NoError(t, a.AddScalar(training.TagDSC, 0.3, 0))
	require.NoError(t, a.Close())

	b := openStore(t, dir, "b")
	require.NoError(t, b.AddScalar(training.TagDSC, 0.1, 0))

	runs, err := b.Runs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, runs)

	values, err := b.Scalars(ctx, training.TagDSC)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.InDelta(t, 0.1, values[0].Value, 1e-12)
}

func TestStoreImages(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, "run")

	require.NoError(t, s.AddImage("Ground-truth", image.NewRGBA(image.Rect(0, 0, 2, 2)), 3))
	assert.FileExists(t, filepath.Join(dir, "run", "images", "Ground-truth", "3.png"))

	images := tensor.MustZeros(2, 1, 4, 4)
	masks := tensor.MustZeros(2, 3, 4, 4)
	require.NoError(t, s.PlotMask(training.TagPredictedMask, images, masks, true, 0))
	assert.FileExists(t, s.ImagePath(training.TagPredictedMask, 0))
	assert.Equal(t, filepath.Join(dir, "run", "images", "Predicted_mask", "0.png"), s.ImagePath(training.TagPredictedMask, 0))

	assert.Error(t, s.PlotMask(training.TagPredictedMask, images, tensor.MustZeros(1, 3, 4, 4), true, 1))
}

func TestOpenRequiresRun(t *testing.T) {
	_, err := Open(t.TempDir(), "")
	assert.Error(t, err)
}

func TestStoreAsRunWriter(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir(), "run")
	collector := training.NewVisualizationCollector("run")
	w := training.MultiWriter{s, collector}

	for epoch := 0; epoch < 3; epoch++ {
		require.NoError(t, w.AddScalar(training.TagLearningRate, 0.001, epoch))
	}
	values, err := s.Scalars(ctx, training.TagLearningRate)
	require.NoError(t, err)
	assert.Len(t, values, 3)
	assert.Len(t, collector.Values(training.TagLearningRate), 3)
}
