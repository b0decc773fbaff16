package training

import (
	"encoding/json"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-midline/tensor"
)

func TestVisualizationCollector(t *testing.T) {
	vc := NewVisualizationCollector("midline")
	var w Writer = vc

	for epoch, loss := range []float64{0.9, 0.7, 0.6} {
		require.NoError(t, w.AddScalar(TagTrainLoss, loss, epoch))
		require.NoError(t, w.AddScalar(TagValLoss, loss+0.1, epoch))
	}
	require.NoError(t, w.AddScalar(TagCE, 0.5, 0))
	require.NoError(t, w.AddImage(TagGroundTruth, image.NewRGBA(image.Rect(0, 0, 1, 1)), 0))

	assert.Equal(t, []float64{0.9, 0.7, 0.6}, vc.Values(TagTrainLoss))
	assert.Equal(t, []string{TagCE, TagTrainLoss, TagValLoss}, vc.Tags())

	curves := vc.GenerateTrainingCurvesPlot()
	assert.Equal(t, TrainingCurves, curves.PlotType)
	require.Len(t, curves.Series, 2)
	assert.Equal(t, TagTrainLoss, curves.Series[0].Name)
	assert.Equal(t, "dashed", curves.Series[1].Style["line_style"])
	assert.Equal(t, 2, curves.Series[0].Data[2].X)

	components, err := vc.Generate(LossComponents)
	require.NoError(t, err)
	require.Len(t, components.Series, 1)

	_, err = vc.Generate(PlotType("histogram"))
	assert.Error(t, err)

	vc.Clear()
	assert.Empty(t, vc.Tags())
}

func TestVisualizationCollectorSavePlots(t *testing.T) {
	vc := NewVisualizationCollector("midline")
	require.NoError(t, vc.AddScalar(TagTrainLoss, 1, 0))
	require.NoError(t, vc.AddScalar(TagLearningRate, 0.001, 0))

	dir := filepath.Join(t.TempDir(), "plots")
	require.NoError(t, vc.SavePlots(dir))

	data, err := os.ReadFile(filepath.Join(dir, "training_curves.json"))
	require.NoError(t, err)
	var pd PlotData
	require.NoError(t, json.Unmarshal(data, &pd))
	assert.Equal(t, TrainingCurves, pd.PlotType)
	assert.Equal(t, "midline", pd.ModelName)

	assert.FileExists(t, filepath.Join(dir, "learning_rate_schedule.json"))
	assert.NoFileExists(t, filepath.Join(dir, "loss_components.json"))
}

type failingWriter struct {
	VisualizationCollector
	closed int
}

func (f *failingWriter) AddScalar(string, float64, int) error { return errors.New("disk full") }
func (f *failingWriter) Close() error {
	f.closed++
	return errors.New("close failed")
}

func TestMultiWriter(t *testing.T) {
	a := NewVisualizationCollector("a")
	b := NewVisualizationCollector("b")
	mw := MultiWriter{a, b}

	require.NoError(t, mw.AddScalar(TagDSC, 0.25, 3))
	assert.Equal(t, []float64{0.25}, a.Values(TagDSC))
	assert.Equal(t, []float64{0.25}, b.Values(TagDSC))

	images := tensor.MustZeros(2, 1, 4, 4)
	masks := tensor.MustZeros(2, 3, 4, 4)
	require.NoError(t, mw.PlotMask(TagPredictedMask, images, masks, true, 0))

	bad := &failingWriter{}
	mw = MultiWriter{a, bad}
	assert.Error(t, mw.AddScalar(TagDSC, 1, 4))
	assert.Error(t, mw.Close())
	assert.Equal(t, 1, bad.closed)

	// an empty writer discards everything
	assert.NoError(t, MultiWriter(nil).AddScalar(TagDSC, 1, 0))
	assert.NoError(t, MultiWriter(nil).Close())
}

func TestMaskGrid(t *testing.T) {
	images := tensor.MustZeros(3, 1, 4, 5)
	masks := tensor.MustZeros(3, 2, 4, 5)
	grid, err := MaskGrid(images, masks, true)
	require.NoError(t, err)
	assert.Equal(t, 15, grid.Bounds().Dx())
	assert.Equal(t, 4, grid.Bounds().Dy())

	_, err = MaskGrid(images, tensor.MustZeros(2, 2, 4, 5), true)
	assert.Error(t, err)
}
