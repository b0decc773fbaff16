package training

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-midline/layers"
)

// ProgressBar renders a tqdm-style progress line
type ProgressBar struct {
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
	out         io.Writer
}

// NewProgressBar creates a new progress bar writing to stdout
func NewProgressBar(description string, total int) *ProgressBar {
	return &ProgressBar{
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
		out:         os.Stdout,
	}
}

// SetOutput redirects rendering, nil silences the bar
func (pb *ProgressBar) SetOutput(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	pb.out = w
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

// String returns the current progress line without the carriage return
func (pb *ProgressBar) String() string {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %3.0f%%|%s| %d/%d", pb.description, percentage*100, bar, pb.current, pb.total)

	if pb.showETA && eta > 0 {
		fmt.Fprintf(&b, " [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		fmt.Fprintf(&b, " [%s<00:00", formatDuration(elapsed))
	}
	if pb.showRate && rate > 0 {
		fmt.Fprintf(&b, ", %.2fit/s", rate)
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, ", %s=%.4f", k, pb.metrics[k])
	}
	b.WriteString("]")
	return b.String()
}

// render draws the bar, overwriting the previous line
func (pb *ProgressBar) render() {
	fmt.Fprint(pb.out, "\r"+pb.String())
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ModelArchitecturePrinter prints PyTorch-style model architecture
type ModelArchitecturePrinter struct {
	modelName string
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{modelName: modelName}
}

// Format returns the architecture listing of modelSpec
func (p *ModelArchitecturePrinter) Format(modelSpec *layers.ModelSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s(\n", p.modelName)
	for _, layer := range modelSpec.Layers {
		fmt.Fprintf(&b, "  %s\n", p.formatLayer(layer))
	}
	b.WriteString(")\n")
	fmt.Fprintf(&b, "Total parameters: %s\n", formatParameterCount(modelSpec.TotalParameters))
	fmt.Fprintf(&b, "Params size (MB): %.3f\n", float64(modelSpec.TotalParameters*4)/1024/1024)
	return b.String()
}

// PrintArchitecture prints the model architecture to w
func (p *ModelArchitecturePrinter) PrintArchitecture(w io.Writer, modelSpec *layers.ModelSpec) {
	fmt.Fprint(w, p.Format(modelSpec))
}

// intParam reads an integer layer parameter; specs decoded from JSON hold
// float64 values
func intParam(layer layers.LayerSpec, key string) int {
	switch v := layer.Parameters[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func (p *ModelArchitecturePrinter) formatLayer(layer layers.LayerSpec) string {
	prefix := layer.Name
	if layer.Input != "" {
		prefix = layer.Input + " -> " + layer.Name
	}
	switch layer.Type {
	case layers.Conv2D:
		k := intParam(layer, "kernel_size")
		return fmt.Sprintf("(%s): Conv2d(%d, %d, kernel_size=(%d, %d))",
			prefix, intParam(layer, "input_channels"), intParam(layer, "output_channels"), k, k)
	case layers.Dense:
		return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d)",
			prefix, intParam(layer, "input_size"), intParam(layer, "output_size"))
	case layers.BatchNorm:
		return fmt.Sprintf("(%s): BatchNorm2d(%d)", prefix, intParam(layer, "num_features"))
	case layers.GlobalAvgPool:
		return fmt.Sprintf("(%s): AdaptiveAvgPool2d(output_size=1)", prefix)
	default:
		return fmt.Sprintf("(%s): %s()", prefix, layer.Type.String())
	}
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}
