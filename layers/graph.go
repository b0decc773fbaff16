package layers

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
	"github.com/pkg/errors"
)

// InputVertex names the model input in rendered graphs
const InputVertex = "input"

var layerColors = map[LayerType]string{
	Conv2D:        "lightblue",
	Dense:         "lightblue",
	BatchNorm:     "lightyellow",
	ReLU:          "lightgrey",
	GlobalAvgPool: "lightgrey",
}

// Graph builds the directed layer graph of a compiled spec. Vertices are
// layer names plus InputVertex; edges carry the tensor shape flowing
// along them.
func (ms *ModelSpec) Graph() (graph.Graph[string, string], error) {
	if !ms.Compiled {
		return nil, errors.New("model not compiled")
	}

	g := graph.New(graph.StringHash, graph.Directed(), graph.Acyclic())
	err := g.AddVertex(InputVertex,
		graph.VertexAttribute("shape", "box"),
		graph.VertexAttribute("xlabel", fmt.Sprint(ms.InputShape)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "unable to add input vertex")
	}

	previous := InputVertex
	for _, layer := range ms.Layers {
		label := fmt.Sprintf("%s\\n%s", layer.Name, layer.Type)
		if layer.ParameterCount > 0 {
			label += fmt.Sprintf("\\n%d params", layer.ParameterCount)
		}
		err := g.AddVertex(layer.Name,
			graph.VertexAttribute("label", label),
			graph.VertexAttribute("shape", "box"),
			graph.VertexAttribute("style", "filled"),
			graph.VertexAttribute("fillcolor", layerColors[layer.Type]),
		)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to add vertex %s", layer.Name)
		}

		source := previous
		if layer.Input != "" {
			source = layer.Input
		}
		if err := g.AddEdge(source, layer.Name, graph.EdgeAttribute("label", fmt.Sprint(layer.InputShape))); err != nil {
			return nil, errors.Wrapf(err, "unable to add edge from %s to %s", source, layer.Name)
		}
		previous = layer.Name
	}

	return g, nil
}

// WriteDOT renders the layer graph in DOT language
func (ms *ModelSpec) WriteDOT(w io.Writer) error {
	g, err := ms.Graph()
	if err != nil {
		return err
	}
	if err := draw.DOT(g, w, draw.GraphAttribute("rankdir", "TB")); err != nil {
		return errors.Wrap(err, "unable to render model graph")
	}
	return nil
}

// SaveDOT writes the layer graph to path, creating parent directories
func (ms *ModelSpec) SaveDOT(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "unable to create %s", filepath.Dir(path))
	}
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "unable to create file %s", path)
	}
	if err := ms.WriteDOT(file); err != nil {
		file.Close()
		return err
	}
	return errors.Wrapf(file.Close(), "unable to close %s", path)
}
