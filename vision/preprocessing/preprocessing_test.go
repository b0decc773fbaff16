package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-midline/tensor"
)

// createMockPNG encodes a horizontal gray gradient
func createMockPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(x * 255 / (width - 1))})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecodeReplicatesGrayscale(t *testing.T) {
	p := NewImageProcessor()
	img, err := p.Decode(bytes.NewReader(createMockPNG(t, 4, 2)))
	require.NoError(t, err)

	assert.Equal(t, []int{3, 2, 4}, img.Shape)
	plane := 8
	for i := 0; i < plane; i++ {
		assert.Equal(t, img.Data[i], img.Data[plane+i])
		assert.Equal(t, img.Data[i], img.Data[2*plane+i])
	}
	assert.InDelta(t, 0, img.Data[0], 1e-6)
	assert.InDelta(t, 1, img.Data[3], 1e-6)
}

func TestResizeScalesKeypoints(t *testing.T) {
	target := &Target{
		Image:     tensor.MustZeros(3, 10, 20),
		Mask:      tensor.MustZeros(2, 10, 20),
		Keypoints: []Keypoint{{Y: 5, X: 10, Class: 1}},
	}
	require.NoError(t, Resize{Height: 20, Width: 10}.Apply(nil, target))

	assert.Equal(t, []int{3, 20, 10}, target.Image.Shape)
	assert.Equal(t, []int{2, 20, 10}, target.Mask.Shape)
	assert.InDelta(t, 10, target.Keypoints[0].Y, 1e-9)
	assert.InDelta(t, 5, target.Keypoints[0].X, 1e-9)
}

func TestResizeKeepsConstantImageConstant(t *testing.T) {
	img, _ := tensor.Full(0.25, 1, 7, 5)
	target := &Target{Image: img}
	require.NoError(t, Resize{Height: 16, Width: 16}.Apply(nil, target))
	for _, v := range target.Image.Data {
		assert.InDelta(t, 0.25, v, 1e-6)
	}
}

func TestHorizontalFlip(t *testing.T) {
	img, _ := tensor.New([]int{1, 1, 3}, []float32{1, 2, 3})
	target := &Target{Image: img, Keypoints: []Keypoint{{Y: 0, X: 0}}}

	require.NoError(t, HorizontalFlip{P: 1}.Apply(rand.New(rand.NewSource(1)), target))
	assert.Equal(t, []float32{3, 2, 1}, target.Image.Data)
	assert.Equal(t, 2.0, target.Keypoints[0].X)

	require.NoError(t, HorizontalFlip{P: 0}.Apply(rand.New(rand.NewSource(1)), target))
	assert.Equal(t, []float32{3, 2, 1}, target.Image.Data)
}

func TestNormalizeRejectsChannelMismatch(t *testing.T) {
	target := &Target{Image: tensor.MustZeros(1, 2, 2)}
	assert.Error(t, ImageNetNormalize().Apply(nil, target))

	target = &Target{Image: tensor.MustZeros(3, 2, 2)}
	require.NoError(t, ImageNetNormalize().Apply(nil, target))
	assert.InDelta(t, -0.485/0.229, target.Image.Data[0], 1e-5)
}

func TestHeatmapsPeakAtKeypoint(t *testing.T) {
	kps := []Keypoint{{Y: 4, X: 6, Class: 2}}
	mask, err := Heatmaps(kps, 3, 10, 10, 1.5)
	require.NoError(t, err)

	peak, _ := mask.At(2, 4, 6)
	assert.InDelta(t, 1, peak, 1e-6)
	near, _ := mask.At(2, 4, 7)
	assert.Less(t, near, peak)
	other, _ := mask.At(0, 4, 6)
	assert.Equal(t, float32(0), other)

	_, err = Heatmaps([]Keypoint{{Class: 3}}, 3, 10, 10, 1)
	assert.Error(t, err)

	labels, err := ClassPresence(kps, 3)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 1}, labels.Data)
}

func TestOverlayAndSave(t *testing.T) {
	img, _ := tensor.RandomNormal(rand.New(rand.NewSource(3)), 0, 1, 3, 8, 6)
	pred := tensor.MustZeros(2, 8, 6)
	pred.Data[5] = 10

	out, err := Overlay(img, pred, true, 0.5, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, out.Bounds().Dx())
	assert.Equal(t, 8, out.Bounds().Dy())

	_, err = Overlay(img, tensor.MustZeros(2, 4, 4), true, 0.5, nil)
	assert.Error(t, err)

	tiled := TileHorizontal([]*image.RGBA{out, out})
	assert.Equal(t, 12, tiled.Bounds().Dx())

	path := filepath.Join(t.TempDir(), "sanity", "case.png")
	require.NoError(t, SavePNG(path, tiled))
	loaded, err := NewImageProcessor().LoadImage(path)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 8, 12}, loaded.Shape)
}

func TestColormapEnds(t *testing.T) {
	cm := Viridis()
	assert.Equal(t, cm.stops[0], cm.At(-1))
	assert.Equal(t, cm.stops[len(cm.stops)-1], cm.At(2))

	_, err := NewColormap("#000000")
	assert.Error(t, err)
}

func TestOverlayBatch(t *testing.T) {
	images, _ := tensor.RandomNormal(rand.New(rand.NewSource(4)), 0, 1, 3, 3, 5, 5)
	preds := tensor.MustZeros(3, 2, 5, 5)

	out, err := OverlayBatch(images, preds, true, 0.5, nil)
	require.NoError(t, err)
	assert.Len(t, out, 3)

	_, err = OverlayBatch(images, tensor.MustZeros(2, 2, 5, 5), true, 0.5, nil)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}
