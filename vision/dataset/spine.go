package dataset

import (
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-midline/npz"
	"github.com/tsawler/go-midline/tensor"
	"github.com/tsawler/go-midline/vision/preprocessing"
)

// Directory layout of a split
const (
	ImagesDir      = "images"
	MasksDir       = "masks"
	AnnotationsDir = "annotations"
)

// ErrNoTarget is returned when a sample has neither a mask nor an annotation
// and the split requires one.
var ErrNoTarget = errors.New("sample has no mask or annotation")

// Sample is one sagittal slice with its target. Labels is nil unless the
// dataset was configured for classification.
type Sample struct {
	Image  *tensor.Tensor // [C, H, W]
	Mask   *tensor.Tensor // [K, H, W], nil for image-only splits
	ID     string
	Labels *tensor.Tensor // [K]
}

// Annotation is the JSON landmark file of a slice
type Annotation struct {
	Keypoints []preprocessing.Keypoint `json:"keypoints"`
	Labels    []float32                `json:"labels,omitempty"`
}

// Config configures a SpineDataset
type Config struct {
	Root         string
	NumClasses   int
	Transforms   preprocessing.Transform
	RequireMasks bool    // training and validation splits
	Classifier   bool    // also yield per-class presence labels
	Sigma        float64 // heatmap spread for annotation targets
	Seed         int64
	Extensions   []string
}

// SpineDataset serves the samples of one split directory:
//
//	<root>/images/<id>.png
//	<root>/masks/<id>.npz         (key "mask", optional "labels")
//	<root>/annotations/<id>.json  (keypoints rendered to heatmaps)
type SpineDataset struct {
	config     Config
	ids        []string
	imagePaths map[string]string
	processor  *preprocessing.ImageProcessor

	mu     sync.Mutex
	passes []int64 // GetItem calls so far, per index
}

// NewSpineDataset indexes a split directory
func NewSpineDataset(config Config) (*SpineDataset, error) {
	if config.NumClasses <= 0 {
		return nil, errors.Errorf("number of classes must be positive, got %d", config.NumClasses)
	}
	if len(config.Extensions) == 0 {
		config.Extensions = []string{".png", ".jpg", ".jpeg"}
	}

	d := &SpineDataset{
		config:     config,
		imagePaths: make(map[string]string),
		processor:  preprocessing.NewImageProcessor(),
	}

	for _, ext := range config.Extensions {
		files, err := filepath.Glob(filepath.Join(config.Root, ImagesDir, "*"+ext))
		if err != nil {
			return nil, errors.Wrap(err, "failed to list images")
		}
		for _, file := range files {
			id := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
			if _, dup := d.imagePaths[id]; dup {
				return nil, errors.Errorf("duplicate sample id %q in %s", id, config.Root)
			}
			d.imagePaths[id] = file
			d.ids = append(d.ids, id)
		}
	}

	if len(d.ids) == 0 {
		return nil, errors.Errorf("no images found in %s", filepath.Join(config.Root, ImagesDir))
	}
	sort.Strings(d.ids)
	d.passes = make([]int64, len(d.ids))

	if config.RequireMasks {
		for _, id := range d.ids {
			if d.maskPath(id) == "" && d.annotationPath(id) == "" {
				return nil, errors.Wrapf(ErrNoTarget, "%s in %s", id, config.Root)
			}
		}
	}

	return d, nil
}

// Len returns the number of items in the dataset
func (d *SpineDataset) Len() int {
	return len(d.ids)
}

// IDs returns sample identifiers in iteration order
func (d *SpineDataset) IDs() []string {
	return append([]string(nil), d.ids...)
}

// NumClasses returns the number of output classes
func (d *SpineDataset) NumClasses() int {
	return d.config.NumClasses
}

// Key identifies item index for caching
func (d *SpineDataset) Key(index int) string {
	if index < 0 || index >= len(d.ids) {
		return ""
	}
	return d.config.Root + "/" + d.ids[index]
}

// GetItem loads, transforms and returns the sample at index.
// It is safe for concurrent use.
func (d *SpineDataset) GetItem(index int) (*Sample, error) {
	if index < 0 || index >= len(d.ids) {
		return nil, errors.Errorf("index %d out of range [0, %d)", index, len(d.ids))
	}
	id := d.ids[index]

	img, err := d.processor.LoadImage(d.imagePaths[id])
	if err != nil {
		return nil, err
	}

	target := &preprocessing.Target{Image: img}
	var labels *tensor.Tensor
	var keypoints bool

	switch {
	case d.maskPath(id) != "":
		mask, l, err := d.loadMask(id)
		if err != nil {
			return nil, err
		}
		target.Mask = mask
		labels = l
	case d.annotationPath(id) != "":
		ann, err := d.loadAnnotation(id)
		if err != nil {
			return nil, err
		}
		target.Keypoints = ann.Keypoints
		keypoints = true
		if len(ann.Labels) > 0 {
			if labels, err = tensor.New([]int{len(ann.Labels)}, ann.Labels); err != nil {
				return nil, errors.Wrapf(err, "labels of %s", id)
			}
		}
	case d.config.RequireMasks:
		return nil, errors.Wrap(ErrNoTarget, id)
	}

	if d.config.Transforms != nil {
		if err := d.config.Transforms.Apply(d.itemRand(index), target); err != nil {
			return nil, errors.Wrapf(err, "transform %s", id)
		}
	}

	if keypoints {
		h, w := target.Image.Shape[1], target.Image.Shape[2]
		if target.Mask, err = preprocessing.Heatmaps(target.Keypoints, d.config.NumClasses, h, w, d.config.Sigma); err != nil {
			return nil, errors.Wrapf(err, "heatmaps of %s", id)
		}
		if labels == nil {
			if labels, err = preprocessing.ClassPresence(target.Keypoints, d.config.NumClasses); err != nil {
				return nil, errors.Wrapf(err, "labels of %s", id)
			}
		}
	}

	sample := &Sample{Image: target.Image, Mask: target.Mask, ID: id}
	if d.config.Classifier {
		if labels == nil {
			return nil, errors.Errorf("sample %s has no classification labels", id)
		}
		if labels.NumElems != d.config.NumClasses {
			return nil, errors.Wrapf(tensor.ErrShapeMismatch, "sample %s has %d labels, want %d", id, labels.NumElems, d.config.NumClasses)
		}
		sample.Labels = labels
	}
	return sample, nil
}

// itemRand returns the augmentation generator for the next load of index.
// Its seed depends only on the dataset seed, the index and how many times
// the index was loaded before, not on which worker gets there first.
func (d *SpineDataset) itemRand(index int) *rand.Rand {
	d.mu.Lock()
	pass := d.passes[index]
	d.passes[index]++
	d.mu.Unlock()
	return rand.New(rand.NewSource(itemSeed(d.config.Seed, index, pass)))
}

// itemSeed mixes its inputs with splitmix64 finalisers
func itemSeed(seed int64, index int, pass int64) int64 {
	x := uint64(seed)
	for _, v := range []uint64{uint64(index), uint64(pass)} {
		x += 0x9e3779b97f4a7c15 + v
		x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
		x = (x ^ (x >> 27)) * 0x94d049bb133111eb
		x ^= x >> 31
	}
	return int64(x)
}

func (d *SpineDataset) maskPath(id string) string {
	p := filepath.Join(d.config.Root, MasksDir, id+".npz")
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

func (d *SpineDataset) annotationPath(id string) string {
	p := filepath.Join(d.config.Root, AnnotationsDir, id+".json")
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

func (d *SpineDataset) loadMask(id string) (*tensor.Tensor, *tensor.Tensor, error) {
	arrays, err := npz.Load(d.maskPath(id))
	if err != nil {
		return nil, nil, err
	}

	a, ok := arrays["mask"]
	if !ok {
		return nil, nil, errors.Errorf("mask archive of %s has no \"mask\" key", id)
	}
	mask, err := a.Tensor()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "mask of %s", id)
	}
	if mask.Dim() != 3 || mask.Shape[0] != d.config.NumClasses {
		return nil, nil, errors.Wrapf(tensor.ErrShapeMismatch, "mask of %s has shape %v, want [%d,H,W]", id, mask.Shape, d.config.NumClasses)
	}

	var labels *tensor.Tensor
	if l, ok := arrays["labels"]; ok {
		if labels, err = l.Tensor(); err != nil {
			return nil, nil, errors.Wrapf(err, "labels of %s", id)
		}
	}
	return mask, labels, nil
}

func (d *SpineDataset) loadAnnotation(id string) (*Annotation, error) {
	data, err := os.ReadFile(d.annotationPath(id))
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read annotation of %s", id)
	}
	var ann Annotation
	if err := json.Unmarshal(data, &ann); err != nil {
		return nil, errors.Wrapf(err, "unable to decode annotation of %s", id)
	}
	return &ann, nil
}
