package training

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-midline/checkpoints"
	"github.com/tsawler/go-midline/optimizer"
)

func TestCheckpointManagerPath(t *testing.T) {
	cm := NewCheckpointManager(CheckpointConfig{SaveDirectory: "/runs/out"})
	assert.Equal(t, "/runs/out/model.pt", cm.Path("model.pt"))
	assert.Equal(t, "/elsewhere/model.pt", cm.Path("/elsewhere/model.pt"))
	assert.Equal(t, "sub/model.pt", cm.Path("sub/model.pt"))

	assert.Equal(t, "./outputs", DefaultCheckpointConfig().SaveDirectory)
}

func TestCheckpointManagerRoundTrip(t *testing.T) {
	for _, format := range []checkpoints.CheckpointFormat{checkpoints.FormatProto, checkpoints.FormatJSON} {
		dir := t.TempDir()
		cm := NewCheckpointManager(CheckpointConfig{SaveDirectory: dir, Format: format, IncludeOptimizer: true})

		model := testModel(t, true)
		opt, err := optimizer.NewAdamOptimizer(optimizer.DefaultAdamConfig(), model.Parameters())
		require.NoError(t, err)
		opt.StepCount = 7

		path, err := cm.Save("model.pt", model, checkpoints.TrainingState{Epoch: 3, BestLoss: 0.25}, opt, "best")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "model.pt"), path)

		restored := testModel(t, true)
		param(t, restored, "classifier.weight").Fill(9)
		ckpt, err := cm.Load(path, restored)
		require.NoError(t, err)
		assert.Equal(t, 3, ckpt.TrainingState.Epoch)
		assert.Equal(t, []string{"epoch_3"}, ckpt.Metadata.Tags)
		assert.Equal(t, param(t, model, "classifier.weight").Data, param(t, restored, "classifier.weight").Data)

		fresh, err := optimizer.NewAdamOptimizer(optimizer.DefaultAdamConfig(), restored.Parameters())
		require.NoError(t, err)
		require.NoError(t, RestoreOptimizer(ckpt, fresh))
		assert.Equal(t, uint64(7), fresh.GetStepCount())
	}
}

func TestCheckpointManagerRejectsOtherArchitecture(t *testing.T) {
	cm := NewCheckpointManager(CheckpointConfig{SaveDirectory: t.TempDir(), Format: checkpoints.FormatProto})
	path, err := cm.Save("model.pt", testModel(t, true), checkpoints.TrainingState{}, nil, "")
	require.NoError(t, err)

	ckpt := loadCheckpoint(t, path)
	assert.Nil(t, ckpt.OptimizerState)
	require.NoError(t, RestoreOptimizer(ckpt, nil))

	_, err = cm.Load(path, testModel(t, false))
	assert.ErrorIs(t, err, checkpoints.ErrIncompatibleCheckpoint)

	_, err = cm.Load(filepath.Join(t.TempDir(), "missing.pt"), testModel(t, true))
	assert.Error(t, err)
}
