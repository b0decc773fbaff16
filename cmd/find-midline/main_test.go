package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smokeArgs(root string, extra ...string) []string {
	args := []string{
		"-train-path", filepath.Join(root, "training"),
		"-valid-path", filepath.Join(root, "validation"),
		"-test-path", filepath.Join(root, "testing"),
		"-output-path", filepath.Join(root, "outputs"),
		"-log-dir", filepath.Join(root, "runs"),
		"-height", "16", "-width", "16",
		"-n-outputs", "2", "-hidden", "4",
		"-batch-size", "2", "-epochs", "0",
		"-prefetch", "0", "-progress=false",
	}
	return append(args, extra...)
}

func TestTrainFromPretrainedWeights(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	require.NoError(t, runSynth(smokeArgs(root, "-samples", "4", "-masks")))

	require.NoError(t, runTrain(ctx, smokeArgs(root)))
	best := filepath.Join(root, "outputs", "best_model.pt")
	require.FileExists(t, best)

	require.NoError(t, os.Rename(best, filepath.Join(root, "first.pt")))
	require.NoError(t, runTrain(ctx, smokeArgs(root, "-pretrained", filepath.Join(root, "first.pt"))))
	assert.FileExists(t, best)

	err := runTrain(ctx, smokeArgs(root, "-pretrained", filepath.Join(root, "missing.pt")))
	assert.Error(t, err)
}
