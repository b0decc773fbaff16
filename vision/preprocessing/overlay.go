package preprocessing

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/pkg/errors"
	"gopkg.in/go-playground/colors.v1" //nolint

	"github.com/tsawler/go-midline/tensor"
)

// Colormap maps [0, 1] onto a piecewise-linear colour ramp
type Colormap struct {
	stops []color.RGBA
}

// viridisStops are evenly spaced samples of matplotlib's default map
var viridisStops = []string{"#440154", "#3b528b", "#21918c", "#5ec962", "#fde725"}

// NewColormap builds a ramp from at least two hex colour stops
func NewColormap(hexStops ...string) (*Colormap, error) {
	if len(hexStops) < 2 {
		return nil, errors.New("colormap needs at least two stops")
	}
	cm := &Colormap{}
	for _, s := range hexStops {
		hex, err := colors.ParseHEX(s)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to parse colour %s", s)
		}
		rgb := hex.ToRGB()
		cm.stops = append(cm.stops, color.RGBA{R: rgb.R, G: rgb.G, B: rgb.B, A: 255})
	}
	return cm, nil
}

// Viridis returns the default heatmap ramp
func Viridis() *Colormap {
	cm, err := NewColormap(viridisStops...)
	if err != nil {
		panic(err)
	}
	return cm
}

// At returns the colour for v, clamped to [0, 1]
func (c *Colormap) At(v float32) color.RGBA {
	if v <= 0 || v != v {
		return c.stops[0]
	}
	if v >= 1 {
		return c.stops[len(c.stops)-1]
	}
	pos := v * float32(len(c.stops)-1)
	i := int(pos)
	frac := pos - float32(i)
	a, b := c.stops[i], c.stops[i+1]
	lerp := func(x, y uint8) uint8 {
		return uint8(float32(x)*(1-frac) + float32(y)*frac + 0.5)
	}
	return color.RGBA{R: lerp(a.R, b.R), G: lerp(a.G, b.G), B: lerp(a.B, b.B), A: 255}
}

// CollapseClasses reduces a [K, H, W] map to [H, W] by taking the
// per-pixel maximum over classes. A [H, W] input is returned unchanged.
func CollapseClasses(pred *tensor.Tensor) (*tensor.Tensor, error) {
	switch pred.Dim() {
	case 2:
		return pred, nil
	case 3:
	default:
		return nil, errors.Errorf("expected [K,H,W] or [H,W] prediction, got %v", pred.Shape)
	}

	k, h, w := pred.Shape[0], pred.Shape[1], pred.Shape[2]
	out, err := tensor.Zeros(h, w)
	if err != nil {
		return nil, err
	}
	plane := h * w
	copy(out.Data, pred.Data[:plane])
	for c := 1; c < k; c++ {
		for i, v := range pred.Data[c*plane : (c+1)*plane] {
			if v > out.Data[i] {
				out.Data[i] = v
			}
		}
	}
	return out, nil
}

// Overlay blends the min-max normalized image with a heatmap of pred.
// With applySigmoid the prediction is treated as logits.
func Overlay(img, pred *tensor.Tensor, applySigmoid bool, alpha float32, cmap *Colormap) (*image.RGBA, error) {
	if img.Dim() != 3 {
		return nil, errors.Errorf("expected CHW image, got %v", img.Shape)
	}
	if cmap == nil {
		cmap = Viridis()
	}

	heat := pred
	if applySigmoid {
		heat = tensor.Sigmoid(pred)
	}
	heat, err := CollapseClasses(heat)
	if err != nil {
		return nil, err
	}

	c, h, w := img.Shape[0], img.Shape[1], img.Shape[2]
	if heat.Shape[0] != h || heat.Shape[1] != w {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "image %dx%d vs prediction %v", h, w, heat.Shape)
	}

	norm := img.Clone()
	norm.Normalize()
	plane := h * w

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			var r, g, b float32
			if c >= 3 {
				r, g, b = norm.Data[idx], norm.Data[plane+idx], norm.Data[2*plane+idx]
			} else {
				r = norm.Data[idx]
				g, b = r, r
			}
			hc := cmap.At(heat.Data[idx])
			blend := func(base float32, over uint8) uint8 {
				v := base*255*(1-alpha) + float32(over)*alpha
				if v > 255 {
					v = 255
				}
				return uint8(v + 0.5)
			}
			out.SetRGBA(x, y, color.RGBA{R: blend(r, hc.R), G: blend(g, hc.G), B: blend(b, hc.B), A: 255})
		}
	}
	return out, nil
}

// TileHorizontal places images side by side on one canvas
func TileHorizontal(images []*image.RGBA) *image.RGBA {
	width, height := 0, 0
	for _, im := range images {
		width += im.Bounds().Dx()
		if im.Bounds().Dy() > height {
			height = im.Bounds().Dy()
		}
	}

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	x := 0
	for _, im := range images {
		r := image.Rect(x, 0, x+im.Bounds().Dx(), im.Bounds().Dy())
		draw.Draw(canvas, r, im, im.Bounds().Min, draw.Src)
		x += im.Bounds().Dx()
	}
	return canvas
}

// OverlayBatch renders one overlay per sample of images [B, C, H, W] and
// preds [B, K, H, W]
func OverlayBatch(images, preds *tensor.Tensor, applySigmoid bool, alpha float32, cmap *Colormap) ([]*image.RGBA, error) {
	if images.Dim() != 4 || preds.Dim() != 4 || images.Shape[0] != preds.Shape[0] {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "images %v vs predictions %v", images.Shape, preds.Shape)
	}
	if cmap == nil {
		cmap = Viridis()
	}
	out := make([]*image.RGBA, images.Shape[0])
	for i := range out {
		img, err := images.Index(i)
		if err != nil {
			return nil, err
		}
		pred, err := preds.Index(i)
		if err != nil {
			return nil, err
		}
		if out[i], err = Overlay(img, pred, applySigmoid, alpha, cmap); err != nil {
			return nil, errors.Wrapf(err, "sample %d", i)
		}
	}
	return out, nil
}
