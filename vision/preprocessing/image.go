package preprocessing

import (
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-midline/tensor"
)

// ImageProcessor decodes scan slices into CHW float32 tensors in [0, 1].
// Grayscale slices are replicated across the three encoder channels.
type ImageProcessor struct {
	mu            sync.Mutex
	processBuffer []float32
}

// NewImageProcessor creates a new image processor
func NewImageProcessor() *ImageProcessor {
	return &ImageProcessor{}
}

// Decode decodes a PNG or JPEG stream into a [3, H, W] tensor
func (p *ImageProcessor) Decode(reader io.Reader) (*tensor.Tensor, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	plane := width * height

	p.mu.Lock()
	defer p.mu.Unlock()

	// Reuse data buffer
	requiredSize := 3 * plane
	if len(p.processBuffer) < requiredSize {
		p.processBuffer = make([]float32, requiredSize)
	}
	data := p.processBuffer[:requiredSize]

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			idx := y*width + x
			data[idx] = float32(r) / 65535.0
			data[plane+idx] = float32(g) / 65535.0
			data[2*plane+idx] = float32(b) / 65535.0
		}
	}

	// Copy out since the buffer is reused across calls
	result := make([]float32, requiredSize)
	copy(result, data)

	return tensor.New([]int{3, height, width}, result)
}

// LoadImage decodes the image at path
func (p *ImageProcessor) LoadImage(path string) (*tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open image %s", path)
	}
	defer f.Close()

	t, err := p.Decode(f)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return t, nil
}

// SavePNG encodes img to path, creating parent directories
func SavePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "unable to create directory for %s", path)
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "unable to create %s", path)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return errors.Wrapf(err, "unable to encode %s", path)
	}
	return errors.Wrapf(f.Close(), "unable to close %s", path)
}
