package dataset

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tsawler/go-midline/npz"
	"github.com/tsawler/go-midline/vision/preprocessing"
)

// TargetKind selects how GenerateSynthetic stores targets
type TargetKind int

const (
	TargetAnnotations TargetKind = iota
	TargetMasks
	TargetNone
)

// SyntheticConfig describes a generated split
type SyntheticConfig struct {
	Samples    int
	NumClasses int
	Height     int
	Width      int
	Targets    TargetKind
	Seed       int64
}

// GenerateSynthetic writes a split of fake sagittal slices: a bright
// vertical column with one blob per vertebra level, plus keypoint
// annotations or rendered masks. Useful for smoke runs and tests.
func GenerateSynthetic(root string, config SyntheticConfig) error {
	if config.Samples <= 0 || config.NumClasses <= 0 || config.Height <= 0 || config.Width <= 0 {
		return errors.Errorf("invalid synthetic config %+v", config)
	}

	dirs := []string{filepath.Join(root, ImagesDir)}
	switch config.Targets {
	case TargetAnnotations:
		dirs = append(dirs, filepath.Join(root, AnnotationsDir))
	case TargetMasks:
		dirs = append(dirs, filepath.Join(root, MasksDir))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "unable to create %s", dir)
		}
	}

	rng := rand.New(rand.NewSource(config.Seed))
	for i := 0; i < config.Samples; i++ {
		id := fmt.Sprintf("case_%03d", i)
		img, kps := syntheticSlice(rng, config)

		if err := preprocessing.SavePNG(filepath.Join(root, ImagesDir, id+".png"), img); err != nil {
			return err
		}

		switch config.Targets {
		case TargetAnnotations:
			data, err := json.Marshal(Annotation{Keypoints: kps})
			if err != nil {
				return errors.Wrap(err, "unable to encode annotation")
			}
			if err := os.WriteFile(filepath.Join(root, AnnotationsDir, id+".json"), data, 0644); err != nil {
				return errors.Wrapf(err, "unable to write annotation of %s", id)
			}
		case TargetMasks:
			mask, err := preprocessing.Heatmaps(kps, config.NumClasses, config.Height, config.Width, preprocessing.DefaultSigma)
			if err != nil {
				return err
			}
			labels, err := preprocessing.ClassPresence(kps, config.NumClasses)
			if err != nil {
				return err
			}
			if err := npz.Save(filepath.Join(root, MasksDir, id+".npz"), map[string]*npz.Array{
				"mask":   npz.FromTensor(mask),
				"labels": npz.FromTensor(labels),
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func syntheticSlice(rng *rand.Rand, config SyntheticConfig) (*image.Gray, []preprocessing.Keypoint) {
	h, w := config.Height, config.Width
	img := image.NewGray(image.Rect(0, 0, w, h))

	column := float64(w)/4 + rng.Float64()*float64(w)/2
	spacing := float64(h) / float64(config.NumClasses+1)

	var kps []preprocessing.Keypoint
	for c := 0; c < config.NumClasses; c++ {
		// Drop the occasional level so presence labels vary
		if rng.Float64() < 0.15 {
			continue
		}
		kps = append(kps, preprocessing.Keypoint{
			Y:     spacing * float64(c+1),
			X:     column + rng.NormFloat64(),
			Class: c,
		})
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := 20 + 10*rng.Float64()
			v += 60 * math.Exp(-math.Pow(float64(x)-column, 2)/8)
			for _, kp := range kps {
				d := math.Pow(float64(y)-kp.Y, 2) + math.Pow(float64(x)-kp.X, 2)
				v += 150 * math.Exp(-d/6)
			}
			if v > 255 {
				v = 255
			}
			img.SetGray(x, y, color.Gray{Y: uint8(v)})
		}
	}
	return img, kps
}
