package training

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-midline/checkpoints"
	"github.com/tsawler/go-midline/layers"
	"github.com/tsawler/go-midline/optimizer"
	"github.com/tsawler/go-midline/tensor"
)

// Snapshotter is anything whose weights can be written to a checkpoint
type Snapshotter interface {
	Spec() *layers.ModelSpec
	Parameters() []*layers.Parameter
	Buffers() []*layers.Parameter
}

// Restorable is anything a checkpoint can be loaded into
type Restorable interface {
	Spec() *layers.ModelSpec
	LoadStateDict(state map[string]*tensor.Tensor) error
}

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory    string                       // Directory to save checkpoints
	Format           checkpoints.CheckpointFormat // Proto or JSON
	IncludeOptimizer bool                         // also store optimizer moments
}

// DefaultCheckpointConfig returns a sensible default configuration
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory: "./outputs",
		Format:        checkpoints.FormatProto,
	}
}

// CheckpointManager writes named model snapshots. Saving a name again
// replaces the previous file.
type CheckpointManager struct {
	config CheckpointConfig
	saver  *checkpoints.CheckpointSaver
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(config CheckpointConfig) *CheckpointManager {
	return &CheckpointManager{
		config: config,
		saver:  checkpoints.NewCheckpointSaver(config.Format),
	}
}

// Path returns where the checkpoint called name lives. Absolute names and
// names with a directory are used as is.
func (cm *CheckpointManager) Path(name string) string {
	if filepath.IsAbs(name) || strings.ContainsRune(name, filepath.Separator) {
		return name
	}
	return filepath.Join(cm.config.SaveDirectory, name)
}

// Save writes model under name and returns the file path. opt may be nil.
func (cm *CheckpointManager) Save(name string, model Snapshotter, state checkpoints.TrainingState, opt optimizer.Optimizer, description string) (string, error) {
	ckpt := &checkpoints.Checkpoint{
		ModelSpec:     model.Spec(),
		Weights:       checkpoints.ExtractWeights(model.Parameters()),
		Buffers:       checkpoints.ExtractWeights(model.Buffers()),
		TrainingState: state,
		Metadata: checkpoints.CheckpointMetadata{
			Description: description,
			Tags:        []string{fmt.Sprintf("epoch_%d", state.Epoch)},
		},
	}

	if cm.config.IncludeOptimizer && opt != nil {
		optState, err := opt.GetState()
		if err != nil {
			return "", errors.Wrap(err, "failed to read optimizer state")
		}
		ckpt.OptimizerState = optState.ToCheckpoint()
	}

	path := cm.Path(name)
	if err := cm.saver.SaveCheckpoint(ckpt, path); err != nil {
		return "", errors.Wrapf(err, "failed to save checkpoint %s", name)
	}
	return path, nil
}

// Load reads the checkpoint at path into model after checking that the
// architectures match
func (cm *CheckpointManager) Load(path string, model Restorable) (*checkpoints.Checkpoint, error) {
	ckpt, err := cm.saver.LoadCheckpoint(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load checkpoint")
	}

	if ckpt.ModelSpec != nil {
		if err := model.Spec().Compatible(ckpt.ModelSpec); err != nil {
			return nil, errors.Wrapf(checkpoints.ErrIncompatibleCheckpoint, "%s: %v", path, err)
		}
	}

	state, err := ckpt.StateDict()
	if err != nil {
		return nil, err
	}
	if err := model.LoadStateDict(state); err != nil {
		return nil, errors.Wrapf(checkpoints.ErrIncompatibleCheckpoint, "%s: %v", path, err)
	}
	return ckpt, nil
}

// RestoreOptimizer loads the optimizer moments stored in ckpt, if any
func RestoreOptimizer(ckpt *checkpoints.Checkpoint, opt optimizer.Optimizer) error {
	if ckpt.OptimizerState == nil {
		return nil
	}
	return errors.Wrap(opt.LoadState(optimizer.FromCheckpoint(ckpt.OptimizerState)), "failed to restore optimizer state")
}
