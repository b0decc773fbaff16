package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-midline/checkpoints"
)

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, 4, c.BatchSize)
	assert.Equal(t, 13, c.NumClasses)
	assert.InDelta(t, 3e-3, c.LearningRate, 1e-12)
	assert.Equal(t, 200, c.Epochs)
	assert.Equal(t, 75, c.Patience)
	assert.Equal(t, 100, c.SWAStart)
	assert.InDelta(t, 0.05, c.SWALR, 1e-12)
	assert.InDelta(t, 0.01, c.AuxLossWeight, 1e-12)
	assert.False(t, c.SWA)
	assert.False(t, c.Classifier)
	assert.Empty(t, c.Pretrained)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
n_outputs: 5
classifier: true
swa: true
swa_start: 3
dir_name: smoke
checkpoint_format: json
pretrained: ./outputs/best_model.pt
`), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, c.NumClasses)
	assert.True(t, c.Classifier)
	assert.True(t, c.SWA)
	assert.Equal(t, 3, c.SWAStart)
	assert.Equal(t, "smoke", c.RunName)
	assert.Equal(t, "./outputs/best_model.pt", c.Pretrained)
	// untouched keys keep their defaults
	assert.Equal(t, 4, c.BatchSize)

	tc, err := c.Training()
	require.NoError(t, err)
	assert.Equal(t, checkpoints.FormatJSON, tc.Format)
	assert.True(t, tc.SWA)
	assert.Equal(t, 3, tc.SWAStart)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("n_output: 5\n"), 0644))
	_, err = Load(path)
	assert.Error(t, err, "unknown keys are rejected")
}

func TestSaveRoundTrip(t *testing.T) {
	c := Default()
	c.RunName = "exp7"
	c.SWA = true
	path := filepath.Join(t.TempDir(), "nested", "run.yaml")
	require.NoError(t, c.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c, loaded)
}

func TestRegisterFlagsOverride(t *testing.T) {
	c := Default()
	c.NumClasses = 5 // as if loaded from a file

	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	c.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-batch-size", "8", "-swa", "-lr", "0.01", "-pretrained", "outputs/best_model.pt"}))

	assert.Equal(t, 8, c.BatchSize)
	assert.True(t, c.SWA)
	assert.InDelta(t, 0.01, c.LearningRate, 1e-12)
	assert.Equal(t, "outputs/best_model.pt", c.Pretrained)
	assert.Equal(t, 5, c.NumClasses)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"batch", func(c *Config) { c.BatchSize = 0 }},
		{"test batch", func(c *Config) { c.TestBatchSize = 0 }},
		{"size", func(c *Config) { c.Height = -1 }},
		{"classes", func(c *Config) { c.NumClasses = 0 }},
		{"lr", func(c *Config) { c.LearningRate = 0 }},
		{"epochs", func(c *Config) { c.Epochs = -1 }},
		{"patience", func(c *Config) { c.Patience = 0 }},
		{"aux", func(c *Config) { c.AuxLossWeight = -1 }},
		{"swa lr", func(c *Config) { c.SWA = true; c.SWALR = 0 }},
		{"output", func(c *Config) { c.OutputPath = "" }},
		{"model name", func(c *Config) { c.ModelName = "" }},
		{"format", func(c *Config) { c.CheckpointFormat = "onnx" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
