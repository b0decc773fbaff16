package layers

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-midline/tensor"
)

// Parameter is a named learnable tensor with its accumulated gradient.
// Buffers reuse the type with a nil Grad.
type Parameter struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

// Output holds the results of a forward pass. Logits is nil when the
// classification head is disabled.
type Output struct {
	Mask   *tensor.Tensor // [B, K, H, W]
	Logits *tensor.Tensor // [B, K]
}

// SegmenterConfig configures the segmentation network
type SegmenterConfig struct {
	InChannels int
	Hidden     int
	NumClasses int
	Classifier bool
	Momentum   float32 // batch-norm running stat momentum; 0 means cumulative average
	Eps        float32
	Height     int // nominal input size, used for the model summary only
	Width      int
	Seed       int64
}

// DefaultSegmenterConfig matches the find-midline defaults
func DefaultSegmenterConfig(numClasses int) SegmenterConfig {
	return SegmenterConfig{
		InChannels: 3,
		Hidden:     16,
		NumClasses: numClasses,
		Momentum:   0.1,
		Eps:        1e-5,
		Height:     512,
		Width:      512,
	}
}

// Segmenter is a per-pixel segmentation network: input batch norm, a 1x1
// convolution with ReLU, and a 1x1 convolution to one logit map per class.
// With Classifier set, a global-average-pooled dense head predicts one
// presence logit per class from the hidden features.
type Segmenter struct {
	config SegmenterConfig
	spec   *ModelSpec

	bnWeight, bnBias     *Parameter
	conv1Weight, conv1B  *Parameter
	headWeight, headBias *Parameter
	clsWeight, clsBias   *Parameter // nil without classifier

	runningMean, runningVar, batchesTracked *Parameter

	cache *forwardCache
}

// activations kept from the last training forward pass
type forwardCache struct {
	batch, pixels int
	xhat          []float32 // [B, C, P]
	y             []float32 // [B, C, P]
	hPre          []float32 // [B, Hd, P]
	h             []float32 // [B, Hd, P]
	pooled        []float32 // [B, Hd]
}

// NewSegmenter creates a network with He-initialised convolutions
func NewSegmenter(config SegmenterConfig) (*Segmenter, error) {
	if config.InChannels <= 0 || config.Hidden <= 0 || config.NumClasses <= 0 {
		return nil, errors.Errorf("invalid segmenter config %+v", config)
	}
	if config.Eps == 0 {
		config.Eps = 1e-5
	}
	if config.Height <= 0 || config.Width <= 0 {
		config.Height, config.Width = 512, 512
	}

	spec, err := segmenterSpec(config)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(config.Seed))
	c, hd, k := config.InChannels, config.Hidden, config.NumClasses

	s := &Segmenter{config: config, spec: spec}
	s.bnWeight = newParameter("bn.weight", 1, c)
	s.bnBias = newParameter("bn.bias", 0, c)
	s.conv1Weight = heParameter(rng, "conv1.weight", c, hd, c, 1, 1)
	s.conv1B = newParameter("conv1.bias", 0, hd)
	s.headWeight = heParameter(rng, "head.weight", hd, k, hd, 1, 1)
	s.headBias = newParameter("head.bias", 0, k)
	if config.Classifier {
		s.clsWeight = heParameter(rng, "classifier.weight", hd, hd, k)
		s.clsBias = newParameter("classifier.bias", 0, k)
	}

	s.runningMean = newBuffer("bn.running_mean", 0, c)
	s.runningVar = newBuffer("bn.running_var", 1, c)
	s.batchesTracked = newBuffer("bn.num_batches_tracked", 0, 1)

	return s, nil
}

func segmenterSpec(config SegmenterConfig) (*ModelSpec, error) {
	b := NewModelBuilder([]int{1, config.InChannels, config.Height, config.Width}).
		AddBatchNorm(config.InChannels, config.Eps, config.Momentum, "bn").
		AddConv2D(config.Hidden, 1, true, "conv1").
		AddReLU("relu1").
		AddConv2D(config.NumClasses, 1, true, "head")
	if config.Classifier {
		b.From("relu1").
			AddGlobalAvgPool("pool").
			AddDense(config.NumClasses, true, "classifier")
	}
	return b.Compile()
}

func newParameter(name string, fill float32, shape ...int) *Parameter {
	v, _ := tensor.Full(fill, shape...)
	return &Parameter{Name: name, Value: v, Grad: tensor.MustZeros(shape...)}
}

func newBuffer(name string, fill float32, shape ...int) *Parameter {
	v, _ := tensor.Full(fill, shape...)
	return &Parameter{Name: name, Value: v}
}

func heParameter(rng *rand.Rand, name string, fanIn int, shape ...int) *Parameter {
	std := math.Sqrt(2 / float64(fanIn))
	v, _ := tensor.RandomNormal(rng, 0, float32(std), shape...)
	return &Parameter{Name: name, Value: v, Grad: tensor.MustZeros(shape...)}
}

// Config returns the network configuration
func (s *Segmenter) Config() SegmenterConfig {
	return s.config
}

// Spec returns the compiled layer description
func (s *Segmenter) Spec() *ModelSpec {
	return s.spec
}

// Parameters returns the learnable tensors in a stable order
func (s *Segmenter) Parameters() []*Parameter {
	params := []*Parameter{s.bnWeight, s.bnBias, s.conv1Weight, s.conv1B, s.headWeight, s.headBias}
	if s.clsWeight != nil {
		params = append(params, s.clsWeight, s.clsBias)
	}
	return params
}

// Buffers returns the batch-norm running statistics
func (s *Segmenter) Buffers() []*Parameter {
	return []*Parameter{s.runningMean, s.runningVar, s.batchesTracked}
}

// ZeroGrad clears accumulated gradients
func (s *Segmenter) ZeroGrad() {
	for _, p := range s.Parameters() {
		p.Grad.Fill(0)
	}
}

// SetMomentum changes the batch-norm momentum; 0 switches to a cumulative
// moving average
func (s *Segmenter) SetMomentum(m float32) {
	s.config.Momentum = m
}

// ResetRunningStats restores the batch-norm buffers to their initial values
func (s *Segmenter) ResetRunningStats() {
	s.runningMean.Value.Fill(0)
	s.runningVar.Value.Fill(1)
	s.batchesTracked.Value.Fill(0)
}

// Clone returns a deep copy with fresh gradients
func (s *Segmenter) Clone() *Segmenter {
	c := &Segmenter{config: s.config, spec: s.spec}
	clone := func(p *Parameter) *Parameter {
		if p == nil {
			return nil
		}
		out := &Parameter{Name: p.Name, Value: p.Value.Clone()}
		if p.Grad != nil {
			out.Grad = tensor.MustZeros(p.Grad.Shape...)
		}
		return out
	}
	c.bnWeight, c.bnBias = clone(s.bnWeight), clone(s.bnBias)
	c.conv1Weight, c.conv1B = clone(s.conv1Weight), clone(s.conv1B)
	c.headWeight, c.headBias = clone(s.headWeight), clone(s.headBias)
	c.clsWeight, c.clsBias = clone(s.clsWeight), clone(s.clsBias)
	c.runningMean, c.runningVar, c.batchesTracked = clone(s.runningMean), clone(s.runningVar), clone(s.batchesTracked)
	return c
}

// StateDict returns copies of every parameter and buffer keyed by name
func (s *Segmenter) StateDict() map[string]*tensor.Tensor {
	state := make(map[string]*tensor.Tensor)
	for _, p := range append(s.Parameters(), s.Buffers()...) {
		state[p.Name] = p.Value.Clone()
	}
	return state
}

// LoadStateDict copies tensors into the network. Every parameter and
// buffer must be present with a matching shape.
func (s *Segmenter) LoadStateDict(state map[string]*tensor.Tensor) error {
	targets := append(s.Parameters(), s.Buffers()...)
	for _, p := range targets {
		v, ok := state[p.Name]
		if !ok {
			return errors.Wrapf(ErrIncompatibleSpec, "state dict is missing %s", p.Name)
		}
		if !tensor.SameShape(v, p.Value) {
			return errors.Wrapf(ErrIncompatibleSpec, "%s has shape %v, want %v", p.Name, v.Shape, p.Value.Shape)
		}
	}
	if len(state) != len(targets) {
		return errors.Wrapf(ErrIncompatibleSpec, "state dict has %d entries, want %d", len(state), len(targets))
	}
	for _, p := range targets {
		if err := p.Value.CopyFrom(state[p.Name]); err != nil {
			return err
		}
	}
	return nil
}

// Forward runs the network on x [B, C, H, W]. In training mode batch
// statistics are used and folded into the running buffers, and the
// activations needed by Backward are kept.
func (s *Segmenter) Forward(x *tensor.Tensor, train bool) (*Output, error) {
	if x.Dim() != 4 || x.Shape[1] != s.config.InChannels {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "input shape %v, want [B,%d,H,W]", x.Shape, s.config.InChannels)
	}
	batch, c, height, width := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	pixels := height * width
	hd, k := s.config.Hidden, s.config.NumClasses

	mean, variance := s.normStats(x, train)

	xhat := make([]float32, batch*c*pixels)
	y := make([]float32, len(xhat))
	for b := 0; b < batch; b++ {
		for ch := 0; ch < c; ch++ {
			inv := float32(1 / math.Sqrt(float64(variance[ch])+float64(s.config.Eps)))
			g, beta := s.bnWeight.Value.Data[ch], s.bnBias.Value.Data[ch]
			off := (b*c + ch) * pixels
			for p := 0; p < pixels; p++ {
				v := (x.Data[off+p] - mean[ch]) * inv
				xhat[off+p] = v
				y[off+p] = g*v + beta
			}
		}
	}

	hPre := conv1x1(y, s.conv1Weight.Value.Data, s.conv1B.Value.Data, batch, c, hd, pixels)
	h := make([]float32, len(hPre))
	for i, v := range hPre {
		if v > 0 {
			h[i] = v
		}
	}

	out := &Output{}
	mask := conv1x1(h, s.headWeight.Value.Data, s.headBias.Value.Data, batch, hd, k, pixels)
	var err error
	if out.Mask, err = tensor.New([]int{batch, k, height, width}, mask); err != nil {
		return nil, err
	}

	var pooled []float32
	if s.clsWeight != nil {
		pooled = make([]float32, batch*hd)
		for b := 0; b < batch; b++ {
			for j := 0; j < hd; j++ {
				var sum float64
				for _, v := range h[(b*hd+j)*pixels : (b*hd+j+1)*pixels] {
					sum += float64(v)
				}
				pooled[b*hd+j] = float32(sum / float64(pixels))
			}
		}
		logits := make([]float32, batch*k)
		w, bias := s.clsWeight.Value.Data, s.clsBias.Value.Data
		for b := 0; b < batch; b++ {
			for o := 0; o < k; o++ {
				v := bias[o]
				for j := 0; j < hd; j++ {
					v += pooled[b*hd+j] * w[j*k+o]
				}
				logits[b*k+o] = v
			}
		}
		if out.Logits, err = tensor.New([]int{batch, k}, logits); err != nil {
			return nil, err
		}
	}

	s.cache = nil
	if train {
		s.cache = &forwardCache{batch: batch, pixels: pixels, xhat: xhat, y: y, hPre: hPre, h: h, pooled: pooled}
	}
	return out, nil
}

// normStats returns the per-channel statistics used to normalise x. In
// training mode the running buffers are updated with the batch values
// (unbiased variance).
func (s *Segmenter) normStats(x *tensor.Tensor, train bool) ([]float32, []float32) {
	c := x.Shape[1]
	if !train {
		return s.runningMean.Value.Data, s.runningVar.Value.Data
	}

	batch, pixels := x.Shape[0], x.Shape[2]*x.Shape[3]
	n := float64(batch * pixels)
	mean := make([]float32, c)
	variance := make([]float32, c)
	for ch := 0; ch < c; ch++ {
		var sum, sq float64
		for b := 0; b < batch; b++ {
			for _, v := range x.Data[(b*c+ch)*pixels : (b*c+ch+1)*pixels] {
				sum += float64(v)
				sq += float64(v) * float64(v)
			}
		}
		m := sum / n
		v := sq/n - m*m
		if v < 0 {
			v = 0
		}
		mean[ch], variance[ch] = float32(m), float32(v)

		unbiased := v
		if n > 1 {
			unbiased = v * n / (n - 1)
		}
		s.updateRunning(ch, m, unbiased)
	}
	s.batchesTracked.Value.Data[0]++
	return mean, variance
}

func (s *Segmenter) updateRunning(ch int, mean, variance float64) {
	factor := float64(s.config.Momentum)
	if factor == 0 {
		factor = 1 / float64(s.batchesTracked.Value.Data[0]+1)
	}
	rm, rv := s.runningMean.Value.Data, s.runningVar.Value.Data
	rm[ch] = float32((1-factor)*float64(rm[ch]) + factor*mean)
	rv[ch] = float32((1-factor)*float64(rv[ch]) + factor*variance)
}

// Backward accumulates parameter gradients from the gradients of the
// outputs of the last training Forward. gradLogits may be nil.
func (s *Segmenter) Backward(gradMask, gradLogits *tensor.Tensor) error {
	fc := s.cache
	if fc == nil {
		return errors.New("backward called without a training forward pass")
	}
	batch, pixels := fc.batch, fc.pixels
	c, hd, k := s.config.InChannels, s.config.Hidden, s.config.NumClasses
	if gradMask == nil || gradMask.NumElems != batch*k*pixels {
		return errors.Wrap(tensor.ErrShapeMismatch, "mask gradient does not match the last forward pass")
	}

	// head: mask = W2 h + b2
	dh := make([]float32, batch*hd*pixels)
	w2, dw2, db2 := s.headWeight.Value.Data, s.headWeight.Grad.Data, s.headBias.Grad.Data
	for b := 0; b < batch; b++ {
		for o := 0; o < k; o++ {
			gm := gradMask.Data[(b*k+o)*pixels : (b*k+o+1)*pixels]
			for _, g := range gm {
				db2[o] += g
			}
			for j := 0; j < hd; j++ {
				hv := fc.h[(b*hd+j)*pixels : (b*hd+j+1)*pixels]
				dhv := dh[(b*hd+j)*pixels : (b*hd+j+1)*pixels]
				w := w2[o*hd+j]
				var acc float32
				for p, g := range gm {
					acc += g * hv[p]
					dhv[p] += w * g
				}
				dw2[o*hd+j] += acc
			}
		}
	}

	// classifier: logits = W3^T mean(h) + b3
	if s.clsWeight != nil && gradLogits != nil {
		if gradLogits.NumElems != batch*k {
			return errors.Wrap(tensor.ErrShapeMismatch, "logit gradient does not match the last forward pass")
		}
		w3, dw3, db3 := s.clsWeight.Value.Data, s.clsWeight.Grad.Data, s.clsBias.Grad.Data
		for b := 0; b < batch; b++ {
			for o := 0; o < k; o++ {
				g := gradLogits.Data[b*k+o]
				db3[o] += g
				for j := 0; j < hd; j++ {
					dw3[j*k+o] += g * fc.pooled[b*hd+j]
				}
			}
			for j := 0; j < hd; j++ {
				var dg float32
				for o := 0; o < k; o++ {
					dg += w3[j*k+o] * gradLogits.Data[b*k+o]
				}
				dg /= float32(pixels)
				for p := range dh[(b*hd+j)*pixels : (b*hd+j+1)*pixels] {
					dh[(b*hd+j)*pixels+p] += dg
				}
			}
		}
	}

	// relu
	for i, v := range fc.hPre {
		if v <= 0 {
			dh[i] = 0
		}
	}

	// conv1: hPre = W1 y + b1
	dy := make([]float32, batch*c*pixels)
	w1, dw1, db1 := s.conv1Weight.Value.Data, s.conv1Weight.Grad.Data, s.conv1B.Grad.Data
	for b := 0; b < batch; b++ {
		for j := 0; j < hd; j++ {
			g := dh[(b*hd+j)*pixels : (b*hd+j+1)*pixels]
			for _, v := range g {
				db1[j] += v
			}
			for ch := 0; ch < c; ch++ {
				yv := fc.y[(b*c+ch)*pixels : (b*c+ch+1)*pixels]
				dyv := dy[(b*c+ch)*pixels : (b*c+ch+1)*pixels]
				w := w1[j*c+ch]
				var acc float32
				for p, gv := range g {
					acc += gv * yv[p]
					dyv[p] += w * gv
				}
				dw1[j*c+ch] += acc
			}
		}
	}

	// batch-norm affine
	dgamma, dbeta := s.bnWeight.Grad.Data, s.bnBias.Grad.Data
	for b := 0; b < batch; b++ {
		for ch := 0; ch < c; ch++ {
			off := (b*c + ch) * pixels
			for p := 0; p < pixels; p++ {
				dgamma[ch] += dy[off+p] * fc.xhat[off+p]
				dbeta[ch] += dy[off+p]
			}
		}
	}

	return nil
}

// conv1x1 computes out[b,o,p] = bias[o] + sum_i w[o,i] in[b,i,p]
func conv1x1(in, w, bias []float32, batch, inC, outC, pixels int) []float32 {
	out := make([]float32, batch*outC*pixels)
	for b := 0; b < batch; b++ {
		for o := 0; o < outC; o++ {
			dst := out[(b*outC+o)*pixels : (b*outC+o+1)*pixels]
			for p := range dst {
				dst[p] = bias[o]
			}
			for i := 0; i < inC; i++ {
				wv := w[o*inC+i]
				if wv == 0 {
					continue
				}
				src := in[(b*inC+i)*pixels : (b*inC+i+1)*pixels]
				for p, v := range src {
					dst[p] += wv * v
				}
			}
		}
	}
	return out
}
