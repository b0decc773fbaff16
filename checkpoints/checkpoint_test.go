package checkpoints

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-midline/layers"
)

func testCheckpoint(t *testing.T) *Checkpoint {
	t.Helper()

	model, err := layers.NewSegmenter(layers.DefaultSegmenterConfig(3))
	require.NoError(t, err)

	return &Checkpoint{
		ModelSpec: model.Spec(),
		Weights:   ExtractWeights(model.Parameters()),
		Buffers:   ExtractWeights(model.Buffers()),
		TrainingState: TrainingState{
			Epoch:            12,
			Step:             480,
			LearningRate:     0.003,
			BestLoss:         0.4125,
			EarlyStopCounter: 2,
			TotalSteps:       480,
		},
		OptimizerState: &OptimizerState{
			Type: "Adam",
			Parameters: map[string]interface{}{
				"learning_rate": float32(0.003),
				"step_count":    uint64(480),
			},
			StateData: []OptimizerTensor{
				{Name: "m_0", Shape: []int{3}, Data: []float32{0.1, -0.2, 0.3}, StateType: "m"},
				{Name: "v_0", Shape: []int{3}, Data: []float32{0.01, 0.04, 0.09}, StateType: "v"},
			},
		},
		Metadata: CheckpointMetadata{
			Version:     "1.0.0",
			Framework:   "go-midline",
			CreatedAt:   time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC),
			Description: "best model",
			Tags:        []string{"midline", "swa"},
			Attributes:  map[string]interface{}{"model_name": "unet", "classes": 3.0},
		},
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatProto, FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			want := testCheckpoint(t)
			path := filepath.Join(t.TempDir(), "model.pt")

			saver := NewCheckpointSaver(format)
			require.NoError(t, saver.SaveCheckpoint(want, path))

			got, err := saver.LoadCheckpoint(path)
			require.NoError(t, err)

			require.NotNil(t, got.ModelSpec)
			assert.NoError(t, want.ModelSpec.Compatible(got.ModelSpec))
			assert.Equal(t, want.Weights, got.Weights)
			assert.Equal(t, want.Buffers, got.Buffers)
			assert.Equal(t, want.TrainingState, got.TrainingState)

			require.NotNil(t, got.OptimizerState)
			assert.Equal(t, "Adam", got.OptimizerState.Type)
			assert.Equal(t, want.OptimizerState.StateData, got.OptimizerState.StateData)
			assert.InDelta(t, 480, got.OptimizerState.Parameters["step_count"], 0)
			assert.InDelta(t, 0.003, got.OptimizerState.Parameters["learning_rate"], 1e-6)

			assert.Equal(t, want.Metadata.Version, got.Metadata.Version)
			assert.Equal(t, want.Metadata.Framework, got.Metadata.Framework)
			assert.Equal(t, want.Metadata.Description, got.Metadata.Description)
			assert.Equal(t, want.Metadata.Tags, got.Metadata.Tags)
			assert.True(t, want.Metadata.CreatedAt.Equal(got.Metadata.CreatedAt))
			assert.Equal(t, "unet", got.Metadata.Attributes["model_name"])
		})
	}
}

func TestProtoSkipsEmptySections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bare.pt")
	saver := NewCheckpointSaver(FormatProto)
	require.NoError(t, saver.SaveCheckpoint(&Checkpoint{
		Weights: []WeightTensor{{Name: "w", Shape: []int{2}, Data: []float32{1, 2}}},
	}, path))

	got, err := saver.LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Nil(t, got.ModelSpec)
	assert.Nil(t, got.OptimizerState)
	assert.Equal(t, "go-midline", got.Metadata.Framework)
	assert.False(t, got.Metadata.CreatedAt.IsZero())
	assert.Equal(t, []float32{1, 2}, got.Weights[0].Data)
}

func TestSaveCheckpointOverwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "model.pt")
	saver := NewCheckpointSaver(FormatProto)

	ckpt := testCheckpoint(t)
	require.NoError(t, saver.SaveCheckpoint(ckpt, path))

	ckpt.TrainingState.Epoch = 40
	ckpt.TrainingState.BestLoss = 0.2
	require.NoError(t, saver.SaveCheckpoint(ckpt, path))

	got, err := saver.LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, 40, got.TrainingState.Epoch)
	assert.Equal(t, float32(0.2), got.TrainingState.BestLoss)

	// no temporary files are left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoadCheckpointErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := NewCheckpointSaver(FormatJSON).LoadCheckpoint(filepath.Join(dir, "missing.pt"))
	assert.Error(t, err)

	garbage := filepath.Join(dir, "garbage.pt")
	require.NoError(t, os.WriteFile(garbage, []byte{0x0a, 0xff, 0xff, 0xff}, 0644))
	_, err = NewCheckpointSaver(FormatProto).LoadCheckpoint(garbage)
	assert.Error(t, err)
	_, err = NewCheckpointSaver(FormatJSON).LoadCheckpoint(garbage)
	assert.Error(t, err)

	_, err = NewCheckpointSaver(CheckpointFormat(99)).LoadCheckpoint(garbage)
	assert.Error(t, err)
	assert.Error(t, NewCheckpointSaver(CheckpointFormat(99)).SaveCheckpoint(&Checkpoint{}, garbage))
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name    string
		want    CheckpointFormat
		wantErr bool
	}{
		{"", FormatProto, false},
		{"proto", FormatProto, false},
		{"PB", FormatProto, false},
		{"json", FormatJSON, false},
		{"onnx", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.name)
		if tt.wantErr {
			assert.Error(t, err, tt.name)
			continue
		}
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}
	assert.Equal(t, "Unknown", CheckpointFormat(7).String())
}

func TestExtractWeights(t *testing.T) {
	model, err := layers.NewSegmenter(layers.DefaultSegmenterConfig(2))
	require.NoError(t, err)

	weights := ExtractWeights(model.Parameters())
	require.Len(t, weights, len(model.Parameters()))
	for _, w := range weights {
		assert.Equal(t, w.Layer+"."+w.Type, w.Name)
	}

	// copies, not views
	weights[0].Data[0] = 42
	assert.NotEqual(t, float32(42), model.Parameters()[0].Value.Data[0])
}

func TestCheckpointStateDict(t *testing.T) {
	model, err := layers.NewSegmenter(layers.DefaultSegmenterConfig(2))
	require.NoError(t, err)

	ckpt := &Checkpoint{
		Weights: ExtractWeights(model.Parameters()),
		Buffers: ExtractWeights(model.Buffers()),
	}
	state, err := ckpt.StateDict()
	require.NoError(t, err)

	config := layers.DefaultSegmenterConfig(2)
	config.Seed = 99
	restored, err := layers.NewSegmenter(config)
	require.NoError(t, err)
	require.NoError(t, restored.LoadStateDict(state))
	assert.Equal(t, model.StateDict(), restored.StateDict())
	assert.Len(t, ckpt.TensorNames(), len(state))

	ckpt.Buffers = append(ckpt.Buffers, ckpt.Weights[0])
	_, err = ckpt.StateDict()
	assert.ErrorIs(t, err, ErrIncompatibleCheckpoint)
}
