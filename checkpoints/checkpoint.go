package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-midline/layers"
	"github.com/tsawler/go-midline/tensor"
)

// ErrIncompatibleCheckpoint is returned when a checkpoint does not fit the
// model it is loaded into
var ErrIncompatibleCheckpoint = errors.New("incompatible checkpoint")

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatProto CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatProto:
		return "Proto"
	case FormatJSON:
		return "JSON"
	default:
		return "Unknown"
	}
}

// ParseFormat maps a format name to a CheckpointFormat
func ParseFormat(name string) (CheckpointFormat, error) {
	switch strings.ToLower(name) {
	case "", "proto", "pb":
		return FormatProto, nil
	case "json":
		return FormatJSON, nil
	}
	return 0, errors.Errorf("unknown checkpoint format %q", name)
}

// Checkpoint is a model snapshot: weights, batch-norm buffers, training
// progress and optional optimizer state
type Checkpoint struct {
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`
	Buffers   []WeightTensor    `json:"buffers,omitempty"`

	TrainingState TrainingState `json:"training_state"`

	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a named tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "running_mean", ...
}

// TrainingState captures training progress at the time of the snapshot
type TrainingState struct {
	Epoch            int     `json:"epoch"`
	Step             int     `json:"step"`
	LearningRate     float32 `json:"learning_rate"`
	BestLoss         float32 `json:"best_loss"`
	EarlyStopCounter int     `json:"early_stop_counter"`
	TotalSteps       int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (moments, step count)
type OptimizerState struct {
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents an optimizer state tensor
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "m", "v"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string                 `json:"version"`
	Framework   string                 `json:"framework"`
	CreatedAt   time.Time              `json:"created_at"`
	Description string                 `json:"description,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	Attributes  map[string]interface{} `json:"attributes,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// Format returns the serialization format
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes checkpoint to path. The file is replaced
// atomically, so an existing checkpoint is never left half written.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-midline"
		checkpoint.Metadata.Version = "1.0.0"
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	var data []byte
	var err error
	switch cs.format {
	case FormatProto:
		data, err = marshalProto(checkpoint)
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}

	return writeFileAtomic(path, data)
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}

	var checkpoint Checkpoint
	switch cs.format {
	case FormatProto:
		err = unmarshalProto(data, &checkpoint)
	case FormatJSON:
		err = json.Unmarshal(data, &checkpoint)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint %s", path)
	}
	return &checkpoint, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create checkpoint directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write checkpoint")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to sync checkpoint")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close checkpoint")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "failed to move checkpoint into place")
}

// ExtractWeights copies parameters into weight tensors. Names follow the
// "<layer>.<type>" convention.
func ExtractWeights(params []*layers.Parameter) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		layer, kind := p.Name, ""
		if i := strings.LastIndex(p.Name, "."); i >= 0 {
			layer, kind = p.Name[:i], p.Name[i+1:]
		}
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  append([]float32(nil), p.Value.Data...),
			Layer: layer,
			Type:  kind,
		})
	}
	return weights
}

// StateDict rebuilds a name-keyed tensor map from weights and buffers
func (c *Checkpoint) StateDict() (map[string]*tensor.Tensor, error) {
	state := make(map[string]*tensor.Tensor, len(c.Weights)+len(c.Buffers))
	for _, group := range [][]WeightTensor{c.Weights, c.Buffers} {
		for _, w := range group {
			if _, dup := state[w.Name]; dup {
				return nil, errors.Wrapf(ErrIncompatibleCheckpoint, "duplicate tensor %s", w.Name)
			}
			t, err := tensor.New(w.Shape, append([]float32(nil), w.Data...))
			if err != nil {
				return nil, errors.Wrapf(err, "tensor %s", w.Name)
			}
			state[w.Name] = t
		}
	}
	return state, nil
}

// TensorNames lists the names of every stored tensor, sorted
func (c *Checkpoint) TensorNames() []string {
	var names []string
	for _, group := range [][]WeightTensor{c.Weights, c.Buffers} {
		for _, w := range group {
			names = append(names, w.Name)
		}
	}
	sort.Strings(names)
	return names
}
