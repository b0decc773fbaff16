package preprocessing

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-midline/tensor"
)

// DefaultSigma is the Gaussian spread, in pixels, of a rendered landmark
const DefaultSigma = 2.0

// Heatmaps renders one Gaussian per keypoint into a [classes, H, W] mask.
// Overlapping keypoints of the same class keep the per-pixel maximum.
// Keypoints outside the image still contribute their visible tail.
func Heatmaps(keypoints []Keypoint, classes, height, width int, sigma float64) (*tensor.Tensor, error) {
	if sigma <= 0 {
		sigma = DefaultSigma
	}
	mask, err := tensor.Zeros(classes, height, width)
	if err != nil {
		return nil, err
	}

	radius := int(math.Ceil(3 * sigma))
	denom := 2 * sigma * sigma
	plane := height * width

	for _, kp := range keypoints {
		if kp.Class < 0 || kp.Class >= classes {
			return nil, errors.Errorf("keypoint class %d outside [0, %d)", kp.Class, classes)
		}
		cy, cx := int(math.Round(kp.Y)), int(math.Round(kp.X))
		channel := mask.Data[kp.Class*plane : (kp.Class+1)*plane]

		for y := cy - radius; y <= cy+radius; y++ {
			if y < 0 || y >= height {
				continue
			}
			for x := cx - radius; x <= cx+radius; x++ {
				if x < 0 || x >= width {
					continue
				}
				d := (float64(y)-kp.Y)*(float64(y)-kp.Y) + (float64(x)-kp.X)*(float64(x)-kp.X)
				v := float32(math.Exp(-d / denom))
				if v > channel[y*width+x] {
					channel[y*width+x] = v
				}
			}
		}
	}
	return mask, nil
}

// ClassPresence returns a [classes] vector with 1 for every class that has
// at least one keypoint. Used as classification labels in detect mode.
func ClassPresence(keypoints []Keypoint, classes int) (*tensor.Tensor, error) {
	labels, err := tensor.Zeros(classes)
	if err != nil {
		return nil, err
	}
	for _, kp := range keypoints {
		if kp.Class < 0 || kp.Class >= classes {
			return nil, errors.Errorf("keypoint class %d outside [0, %d)", kp.Class, classes)
		}
		labels.Data[kp.Class] = 1
	}
	return labels, nil
}
