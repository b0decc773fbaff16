package layers

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrIncompatibleSpec is returned when two model specs differ in parameter layout
var ErrIncompatibleSpec = errors.New("incompatible model spec")

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	BatchNorm
	GlobalAvgPool
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case BatchNorm:
		return "BatchNorm"
	case GlobalAvgPool:
		return "GlobalAvgPool"
	default:
		return "Unknown"
	}
}

// LayerSpec describes one layer. It carries configuration and the shapes
// computed during compilation, never execution state.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Producer of this layer's input; empty means the previous layer
	Input string `json:"input,omitempty"`

	InputShape      []int   `json:"input_shape,omitempty"`
	OutputShape     []int   `json:"output_shape,omitempty"`
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec is a compiled description of a network. Outputs lists the
// layers whose results leave the model, in order.
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	TotalParameters int64    `json:"total_parameters"`
	ParameterShapes [][]int  `json:"parameter_shapes"`
	InputShape      []int    `json:"input_shape"`
	OutputShape     []int    `json:"output_shape"`
	Outputs         []string `json:"outputs"`
	Compiled        bool     `json:"compiled"`
}

// ModelBuilder helps construct model specs
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	branch     string
}

// NewModelBuilder creates a new model builder
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
	}
}

// From makes the next layer read from the named layer instead of the
// previous one
func (mb *ModelBuilder) From(name string) *ModelBuilder {
	mb.branch = name
	return mb
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if mb.branch != "" {
		layer.Input = mb.branch
		mb.branch = ""
	}
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddDense adds a dense layer to the model
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(outputChannels, kernelSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"use_bias":        useBias,
		},
	})
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name, Parameters: map[string]interface{}{}})
}

// AddBatchNorm adds a batch normalization layer. Running statistics are
// buffers, not parameters.
func (mb *ModelBuilder) AddBatchNorm(numFeatures int, eps, momentum float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"num_features": numFeatures,
			"eps":          eps,
			"momentum":     momentum,
		},
	})
}

// AddGlobalAvgPool averages every channel over its spatial extent
func (mb *ModelBuilder) AddGlobalAvgPool(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: GlobalAvgPool, Name: name, Parameters: map[string]interface{}{}})
}

// Compile computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, errors.New("cannot compile empty model")
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}
	copy(model.Layers, mb.layers)

	shapes := make(map[string][]int, len(model.Layers))
	consumed := make(map[string]bool, len(model.Layers))
	currentShape := mb.inputShape
	previous := ""

	for i := range model.Layers {
		layer := &model.Layers[i]
		if _, dup := shapes[layer.Name]; dup || layer.Name == "" {
			return nil, errors.Errorf("layer %d has a missing or duplicate name %q", i, layer.Name)
		}

		inputShape := currentShape
		if layer.Input != "" {
			s, ok := shapes[layer.Input]
			if !ok {
				return nil, errors.Errorf("layer %s reads from unknown layer %q", layer.Name, layer.Input)
			}
			inputShape = s
			consumed[layer.Input] = true
		} else if previous != "" {
			consumed[previous] = true
		}

		layer.InputShape = append([]int(nil), inputShape...)
		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, inputShape)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to compute layer %d (%s) info", i, layer.Name)
		}
		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		model.ParameterShapes = append(model.ParameterShapes, paramShapes...)
		model.TotalParameters += paramCount

		shapes[layer.Name] = outputShape
		currentShape = outputShape
		previous = layer.Name
	}

	for _, layer := range model.Layers {
		if !consumed[layer.Name] {
			model.Outputs = append(model.Outputs, layer.Name)
		}
	}
	model.OutputShape = shapes[model.Outputs[0]]
	model.Compiled = true

	return model, nil
}

func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case BatchNorm:
		return computeBatchNormInfo(layer, inputShape)
	case GlobalAvgPool:
		if len(inputShape) != 4 {
			return nil, nil, 0, errors.New("global average pooling requires 4D input")
		}
		return []int{inputShape[0], inputShape[1]}, nil, 0, nil
	case ReLU:
		return append([]int(nil), inputShape...), nil, 0, nil
	default:
		return nil, nil, 0, errors.Errorf("unsupported layer type: %s", layer.Type)
	}
}

func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 2 {
		return nil, nil, 0, errors.New("dense layer requires 2D input")
	}
	outputSize, ok := layer.Parameters["output_size"].(int)
	if !ok {
		return nil, nil, 0, errors.New("missing output_size parameter")
	}
	useBias, _ := layer.Parameters["use_bias"].(bool)

	inputSize := inputShape[1]
	layer.Parameters["input_size"] = inputSize

	// Weight matrix: [inputSize, outputSize]
	paramShapes := [][]int{{inputSize, outputSize}}
	paramCount := int64(inputSize * outputSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}
	return []int{inputShape[0], outputSize}, paramShapes, paramCount, nil
}

func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, errors.New("Conv2D layer requires 4D input [batch, channels, height, width]")
	}
	outputChannels, ok := layer.Parameters["output_channels"].(int)
	if !ok {
		return nil, nil, 0, errors.New("missing output_channels parameter")
	}
	kernelSize, ok := layer.Parameters["kernel_size"].(int)
	if !ok {
		return nil, nil, 0, errors.New("missing kernel_size parameter")
	}
	useBias, _ := layer.Parameters["use_bias"].(bool)

	inputChannels := inputShape[1]
	layer.Parameters["input_channels"] = inputChannels

	// Same padding, stride 1
	outputShape := []int{inputShape[0], outputChannels, inputShape[2], inputShape[3]}

	paramShapes := [][]int{{outputChannels, inputChannels, kernelSize, kernelSize}}
	paramCount := int64(outputChannels * inputChannels * kernelSize * kernelSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}
	return outputShape, paramShapes, paramCount, nil
}

func computeBatchNormInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, errors.New("batch norm layer requires at least 2D input")
	}
	numFeatures, ok := layer.Parameters["num_features"].(int)
	if !ok {
		return nil, nil, 0, errors.New("missing num_features parameter")
	}
	if numFeatures != inputShape[1] {
		return nil, nil, 0, errors.Errorf("num_features (%d) doesn't match input feature dimension (%d)", numFeatures, inputShape[1])
	}

	// gamma and beta
	paramShapes := [][]int{{numFeatures}, {numFeatures}}
	return append([]int(nil), inputShape...), paramShapes, int64(2 * numFeatures), nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var b strings.Builder
	b.WriteString("Model Summary:\n")
	fmt.Fprintf(&b, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&b, "Outputs: %s %v\n", strings.Join(ms.Outputs, ", "), ms.OutputShape)
	fmt.Fprintf(&b, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&b, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&b, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type)
		if layer.Input != "" {
			fmt.Fprintf(&b, "  From:   %s\n", layer.Input)
		}
		fmt.Fprintf(&b, "  Input:  %v\n", layer.InputShape)
		fmt.Fprintf(&b, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&b, "  Params: %d\n\n", layer.ParameterCount)
	}
	return b.String()
}

// Compatible reports whether weights trained for other can be loaded into
// ms: same layers, same types, same parameter shapes.
func (ms *ModelSpec) Compatible(other *ModelSpec) error {
	if ms == nil || other == nil {
		return errors.Wrap(ErrIncompatibleSpec, "missing model spec")
	}
	if len(ms.Layers) != len(other.Layers) {
		return errors.Wrapf(ErrIncompatibleSpec, "%d layers vs %d", len(ms.Layers), len(other.Layers))
	}
	for i, a := range ms.Layers {
		b := other.Layers[i]
		if a.Name != b.Name || a.Type != b.Type {
			return errors.Wrapf(ErrIncompatibleSpec, "layer %d is %s (%s) vs %s (%s)", i, a.Name, a.Type, b.Name, b.Type)
		}
		if len(a.ParameterShapes) != len(b.ParameterShapes) {
			return errors.Wrapf(ErrIncompatibleSpec, "layer %s parameter count differs", a.Name)
		}
		for j := range a.ParameterShapes {
			if !equalShape(a.ParameterShapes[j], b.ParameterShapes[j]) {
				return errors.Wrapf(ErrIncompatibleSpec, "layer %s parameter %d: %v vs %v", a.Name, j, a.ParameterShapes[j], b.ParameterShapes[j])
			}
		}
	}
	return nil
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
