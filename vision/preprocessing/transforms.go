package preprocessing

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-midline/tensor"
)

// Keypoint is a (y, x) landmark in pixel coordinates tagged with its class
type Keypoint struct {
	Y     float64 `json:"y"`
	X     float64 `json:"x"`
	Class int     `json:"class"`
}

// Target bundles everything a geometric transform must move together.
// Mask and Keypoints are optional.
type Target struct {
	Image     *tensor.Tensor
	Mask      *tensor.Tensor
	Keypoints []Keypoint
}

// Transform mutates a target. Random transforms draw from rng.
type Transform interface {
	Apply(rng *rand.Rand, t *Target) error
}

// Compose applies transforms in order
type Compose []Transform

func (c Compose) Apply(rng *rand.Rand, t *Target) error {
	for _, tr := range c {
		if err := tr.Apply(rng, t); err != nil {
			return err
		}
	}
	return nil
}

// Resize rescales image and mask bilinearly to Height x Width
type Resize struct {
	Height int
	Width  int
}

func (r Resize) Apply(_ *rand.Rand, t *Target) error {
	if r.Height <= 0 || r.Width <= 0 {
		return errors.Errorf("invalid resize target %dx%d", r.Height, r.Width)
	}

	srcH, srcW := t.Image.Shape[1], t.Image.Shape[2]
	img, err := resizeCHW(t.Image, r.Height, r.Width)
	if err != nil {
		return errors.Wrap(err, "resize image")
	}
	t.Image = img

	if t.Mask != nil {
		mask, err := resizeCHW(t.Mask, r.Height, r.Width)
		if err != nil {
			return errors.Wrap(err, "resize mask")
		}
		t.Mask = mask
	}

	sy := float64(r.Height) / float64(srcH)
	sx := float64(r.Width) / float64(srcW)
	for i := range t.Keypoints {
		t.Keypoints[i].Y *= sy
		t.Keypoints[i].X *= sx
	}
	return nil
}

func resizeCHW(src *tensor.Tensor, height, width int) (*tensor.Tensor, error) {
	if src.Dim() != 3 {
		return nil, errors.Errorf("expected CHW tensor, got shape %v", src.Shape)
	}
	c, h, w := src.Shape[0], src.Shape[1], src.Shape[2]
	if h == height && w == width {
		return src, nil
	}

	dst, err := tensor.Zeros(c, height, width)
	if err != nil {
		return nil, err
	}

	// Align-corners=false sampling, as most imaging libraries do
	scaleY := float64(h) / float64(height)
	scaleX := float64(w) / float64(width)
	for ch := 0; ch < c; ch++ {
		in := src.Data[ch*h*w : (ch+1)*h*w]
		out := dst.Data[ch*height*width : (ch+1)*height*width]
		for y := 0; y < height; y++ {
			fy := math.Max((float64(y)+0.5)*scaleY-0.5, 0)
			y0 := int(fy)
			if y0 > h-1 {
				y0 = h - 1
			}
			y1 := y0 + 1
			if y1 > h-1 {
				y1 = h - 1
			}
			dy := float32(fy - float64(y0))
			for x := 0; x < width; x++ {
				fx := math.Max((float64(x)+0.5)*scaleX-0.5, 0)
				x0 := int(fx)
				if x0 > w-1 {
					x0 = w - 1
				}
				x1 := x0 + 1
				if x1 > w-1 {
					x1 = w - 1
				}
				dx := float32(fx - float64(x0))

				top := in[y0*w+x0]*(1-dx) + in[y0*w+x1]*dx
				bottom := in[y1*w+x0]*(1-dx) + in[y1*w+x1]*dx
				out[y*width+x] = top*(1-dy) + bottom*dy
			}
		}
	}
	return dst, nil
}

// HorizontalFlip mirrors the target left-right with probability P
type HorizontalFlip struct {
	P float64
}

func (f HorizontalFlip) Apply(rng *rand.Rand, t *Target) error {
	if rng == nil || rng.Float64() >= f.P {
		return nil
	}

	t.Image = flipCHW(t.Image)
	if t.Mask != nil {
		t.Mask = flipCHW(t.Mask)
	}
	w := float64(t.Image.Shape[2])
	for i := range t.Keypoints {
		t.Keypoints[i].X = w - 1 - t.Keypoints[i].X
	}
	return nil
}

func flipCHW(src *tensor.Tensor) *tensor.Tensor {
	out := src.Clone()
	c, h, w := src.Shape[0], src.Shape[1], src.Shape[2]
	for ch := 0; ch < c; ch++ {
		for y := 0; y < h; y++ {
			row := (ch*h + y) * w
			for x := 0; x < w; x++ {
				out.Data[row+x] = src.Data[row+w-1-x]
			}
		}
	}
	return out
}

// Normalize applies per-channel (x - mean) / std to the image only
type Normalize struct {
	Mean []float32
	Std  []float32
}

// ImageNetNormalize matches the statistics pretrained encoders expect
func ImageNetNormalize() Normalize {
	return Normalize{
		Mean: []float32{0.485, 0.456, 0.406},
		Std:  []float32{0.229, 0.224, 0.225},
	}
}

func (n Normalize) Apply(_ *rand.Rand, t *Target) error {
	c := t.Image.Shape[0]
	if len(n.Mean) != c || len(n.Std) != c {
		return errors.Errorf("normalize has %d/%d stats for %d channels", len(n.Mean), len(n.Std), c)
	}
	plane := t.Image.NumElems / c
	for ch := 0; ch < c; ch++ {
		if n.Std[ch] == 0 {
			return errors.Errorf("zero std for channel %d", ch)
		}
		data := t.Image.Data[ch*plane : (ch+1)*plane]
		for i, v := range data {
			data[i] = (v - n.Mean[ch]) / n.Std[ch]
		}
	}
	return nil
}

// TrainTransforms is the default training pipeline: flip, resize, normalize
func TrainTransforms(height, width int) Compose {
	return Compose{
		HorizontalFlip{P: 0.5},
		Resize{Height: height, Width: width},
		ImageNetNormalize(),
	}
}

// EvalTransforms is the deterministic validation/testing pipeline
func EvalTransforms(height, width int) Compose {
	return Compose{
		Resize{Height: height, Width: width},
		ImageNetNormalize(),
	}
}
