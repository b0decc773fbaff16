package training

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-midline/tensor"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
	LossComponents       PlotType = "loss_components"
)

// PlotData represents the universal JSON format for the sidecar plotting service
type PlotData struct {
	// Metadata
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`

	Config PlotConfig `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line", "scatter"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X     interface{} `json:"x"`
	Y     interface{} `json:"y"`
	Label string      `json:"label,omitempty"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel  string `json:"x_axis_label"`
	YAxisLabel  string `json:"y_axis_label"`
	XAxisScale  string `json:"x_axis_scale"` // "linear", "log"
	YAxisScale  string `json:"y_axis_scale"` // "linear", "log"
	ShowLegend  bool   `json:"show_legend"`
	ShowGrid    bool   `json:"show_grid"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Interactive bool   `json:"interactive"`
}

type point struct {
	step  int
	value float64
}

// VisualizationCollector keeps every scalar written during a run so the
// training curves can be exported. It satisfies Writer and ignores images.
type VisualizationCollector struct {
	modelName string

	mu     sync.Mutex
	series map[string][]point
}

// NewVisualizationCollector creates a new visualization collector
func NewVisualizationCollector(modelName string) *VisualizationCollector {
	return &VisualizationCollector{
		modelName: modelName,
		series:    make(map[string][]point),
	}
}

func (vc *VisualizationCollector) AddScalar(tag string, value float64, step int) error {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.series[tag] = append(vc.series[tag], point{step: step, value: value})
	return nil
}

func (vc *VisualizationCollector) AddImage(string, image.Image, int) error { return nil }

func (vc *VisualizationCollector) PlotMask(string, *tensor.Tensor, *tensor.Tensor, bool, int) error {
	return nil
}

func (vc *VisualizationCollector) Close() error { return nil }

// Values returns the recorded values of tag in write order
func (vc *VisualizationCollector) Values(tag string) []float64 {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	values := make([]float64, len(vc.series[tag]))
	for i, p := range vc.series[tag] {
		values[i] = p.value
	}
	return values
}

// Tags returns the recorded tags, sorted
func (vc *VisualizationCollector) Tags() []string {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	tags := make([]string, 0, len(vc.series))
	for tag := range vc.series {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func (vc *VisualizationCollector) line(tag, color string, dashed bool) (SeriesData, bool) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	points := vc.series[tag]
	if len(points) == 0 {
		return SeriesData{}, false
	}
	s := SeriesData{
		Name:  tag,
		Type:  "line",
		Data:  make([]DataPoint, len(points)),
		Style: map[string]interface{}{"color": color, "line_width": 2},
	}
	if dashed {
		s.Style["line_style"] = "dashed"
	}
	for i, p := range points {
		s.Data[i] = DataPoint{X: p.step, Y: p.value}
	}
	return s, true
}

func (vc *VisualizationCollector) plot(plotType PlotType, title, yLabel, yScale string, lines ...SeriesData) PlotData {
	return PlotData{
		PlotType:  plotType,
		Title:     fmt.Sprintf("%s - %s", title, vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    lines,
		Config: PlotConfig{
			XAxisLabel:  "Epoch",
			YAxisLabel:  yLabel,
			XAxisScale:  "linear",
			YAxisScale:  yScale,
			ShowLegend:  true,
			ShowGrid:    true,
			Width:       800,
			Height:      600,
			Interactive: true,
		},
	}
}

// GenerateTrainingCurvesPlot generates training curves plot data
func (vc *VisualizationCollector) GenerateTrainingCurvesPlot() PlotData {
	var lines []SeriesData
	if s, ok := vc.line(TagTrainLoss, "#FF6B6B", false); ok {
		lines = append(lines, s)
	}
	if s, ok := vc.line(TagValLoss, "#FF9F43", true); ok {
		lines = append(lines, s)
	}
	return vc.plot(TrainingCurves, "Training Curves", "Loss", "linear", lines...)
}

// GenerateLossComponentsPlot plots the validation loss terms and dice
func (vc *VisualizationCollector) GenerateLossComponentsPlot() PlotData {
	var lines []SeriesData
	for _, c := range []struct{ tag, color string }{
		{TagCE, "#4ECDC4"},
		{TagBCE, "#5F27CD"},
		{TagDSC, "#10AC84"},
	} {
		if s, ok := vc.line(c.tag, c.color, false); ok {
			lines = append(lines, s)
		}
	}
	return vc.plot(LossComponents, "Validation Loss Components", "Value", "linear", lines...)
}

// GenerateLearningRateSchedulePlot generates learning rate schedule plot data
func (vc *VisualizationCollector) GenerateLearningRateSchedulePlot() PlotData {
	var lines []SeriesData
	if s, ok := vc.line(TagLearningRate, "#6C5CE7", false); ok {
		lines = append(lines, s)
	}
	p := vc.plot(LearningRateSchedule, "Learning Rate Schedule", "Learning Rate", "log", lines...)
	p.Config.Height = 400
	return p
}

// Generate builds the plot of the given type
func (vc *VisualizationCollector) Generate(plotType PlotType) (PlotData, error) {
	switch plotType {
	case TrainingCurves:
		return vc.GenerateTrainingCurvesPlot(), nil
	case LossComponents:
		return vc.GenerateLossComponentsPlot(), nil
	case LearningRateSchedule:
		return vc.GenerateLearningRateSchedulePlot(), nil
	}
	return PlotData{}, errors.Errorf("unsupported plot type: %s", plotType)
}

// SavePlots writes every non-empty plot as <dir>/<plot_type>.json
func (vc *VisualizationCollector) SavePlots(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "unable to create %s", dir)
	}
	for _, plotType := range []PlotType{TrainingCurves, LossComponents, LearningRateSchedule} {
		pd, err := vc.Generate(plotType)
		if err != nil {
			return err
		}
		if len(pd.Series) == 0 {
			continue
		}
		data, err := pd.ToJSON()
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, string(plotType)+".json"), []byte(data), 0644); err != nil {
			return errors.Wrapf(err, "unable to write %s plot", plotType)
		}
	}
	return nil
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	jsonData, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal plot data to JSON")
	}
	return string(jsonData), nil
}

// Clear resets all collected data
func (vc *VisualizationCollector) Clear() {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.series = make(map[string][]point)
}
