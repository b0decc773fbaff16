package training

import (
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-midline/checkpoints"
	"github.com/tsawler/go-midline/layers"
	"github.com/tsawler/go-midline/npz"
	"github.com/tsawler/go-midline/optimizer"
	"github.com/tsawler/go-midline/tensor"
	"github.com/tsawler/go-midline/vision/dataloader"
	"github.com/tsawler/go-midline/vision/preprocessing"
)

// ErrNoBatches is returned when a pass over a loader yields nothing
var ErrNoBatches = errors.New("data loader produced no batches")

// Model is the network being trained
type Model interface {
	Snapshotter
	Restorable
	Forward(x *tensor.Tensor, train bool) (*layers.Output, error)
	Backward(gradMask, gradLogits *tensor.Tensor) error
	ZeroGrad()
}

// BatchLoader walks a split one batch at a time
type BatchLoader interface {
	ForEach(ctx context.Context, fn func(idx int, batch *dataloader.Batch) error) error
	Len() int
}

// WeightAverager is the shadow model of stochastic weight averaging
type WeightAverager interface {
	Snapshotter
	UpdateParameters(model optimizer.Averageable) error
	UpdateBN(ctx context.Context, loader optimizer.BatchIterator) error
	NumAveraged() int
}

var (
	_ Model          = (*layers.Segmenter)(nil)
	_ BatchLoader    = (*dataloader.DataLoader)(nil)
	_ BatchLoader    = (*dataloader.Prefetcher)(nil)
	_ WeightAverager = (*optimizer.AveragedModel)(nil)
)

// Config holds the orchestration settings of a run
type Config struct {
	OutputPath string                       // checkpoints, predictions and sanity images
	ModelPath  string                       // where Inference reads checkpoints; empty means OutputPath
	Format     checkpoints.CheckpointFormat // checkpoint encoding

	SWA             bool
	SWAStart        int     // SWA updates run for epochs strictly after this one
	SWALR           float64 // learning rate SWALR anneals to
	SWAAnnealEpochs int

	Patience        int // early-stopping patience in epochs
	PlateauFactor   float64
	PlateauPatience int

	TrainWriterInterval int // ground-truth overlays every N epochs
	ValWriterInterval   int // prediction overlays every N epochs

	ShowProgress bool
}

// DefaultConfig returns the settings of the reference training script
func DefaultConfig() Config {
	return Config{
		OutputPath:          "./outputs/",
		Format:              checkpoints.FormatProto,
		SWAStart:            100,
		SWALR:               0.05,
		SWAAnnealEpochs:     10,
		Patience:            75,
		PlateauFactor:       0.1,
		PlateauPatience:     10,
		TrainWriterInterval: 20,
		ValWriterInterval:   1,
		ShowProgress:        true,
	}
}

// Components are the collaborators of a Segmenter. Test and Validation may
// be nil when the corresponding operations are not used.
type Components struct {
	Model      Model
	Optimizer  optimizer.Optimizer
	Task       Task
	Train      BatchLoader
	Validation BatchLoader
	Test       BatchLoader
	Writer     Writer
	SWAModel   WeightAverager // built from Model when nil and SWA is on
}

// TrainingState is the bookkeeping carried across epochs
type TrainingState struct {
	Epoch            int
	Step             int
	BestLoss         float64
	BestEpoch        int
	EarlyStopCounter int
}

// RunSummary describes how Run ended
type RunSummary struct {
	Epochs         int // epochs completed
	BestLoss       float64
	BestEpoch      int
	EarlyStopped   bool
	CheckpointPath string
	SWAPath        string
}

// Segmenter orchestrates training, validation and inference of a
// segmentation model
type Segmenter struct {
	config Config

	model     Model
	optimizer optimizer.Optimizer
	task      Task
	train     BatchLoader
	val       BatchLoader
	test      BatchLoader
	writer    Writer

	checkpoints   *CheckpointManager
	plateau       *ReduceLROnPlateauScheduler
	swaModel      WeightAverager
	swaScheduler  *SWALRScheduler
	earlyStopping *EarlyStopping
	dice          *MultiClassDice
	presence      *ConfusionMatrix

	losses   *EpochLosses
	state    TrainingState
	lastSave string
	progress io.Writer
}

// NewSegmenter wires an orchestrator from its collaborators
func NewSegmenter(config Config, c Components) (*Segmenter, error) {
	if c.Model == nil || c.Optimizer == nil || c.Task == nil {
		return nil, errors.New("model, optimizer and task are required")
	}
	if config.OutputPath == "" {
		return nil, errors.New("output path is required")
	}
	if config.Patience <= 0 {
		return nil, errors.Errorf("early-stopping patience must be positive, got %d", config.Patience)
	}
	if config.TrainWriterInterval <= 0 {
		config.TrainWriterInterval = 1
	}
	if config.ValWriterInterval <= 0 {
		config.ValWriterInterval = 1
	}

	writer := c.Writer
	if writer == nil {
		writer = MultiWriter(nil)
	}

	s := &Segmenter{
		config:    config,
		model:     c.Model,
		optimizer: c.Optimizer,
		task:      c.Task,
		train:     c.Train,
		val:       c.Validation,
		test:      c.Test,
		writer:    writer,
		checkpoints: NewCheckpointManager(CheckpointConfig{
			SaveDirectory:    config.OutputPath,
			Format:           config.Format,
			IncludeOptimizer: true,
		}),
		plateau:       NewReduceLROnPlateauScheduler(config.PlateauFactor, config.PlateauPatience, 1e-4, "min"),
		earlyStopping: NewEarlyStopping(config.Patience, 0),
		dice:          NewMultiClassDice(),
		losses:        NewEpochLosses(),
		state:         TrainingState{BestLoss: math.Inf(1), BestEpoch: -1},
		progress:      io.Discard,
	}
	if config.ShowProgress {
		s.progress = os.Stdout
	}

	if config.SWA {
		s.swaModel = c.SWAModel
		if s.swaModel == nil {
			net, ok := c.Model.(*layers.Segmenter)
			if !ok {
				return nil, errors.New("SWA needs an averaged model for this network")
			}
			s.swaModel = optimizer.NewAveragedModel(net)
		}
		s.swaScheduler = NewSWALRScheduler(config.SWALR, config.SWAAnnealEpochs)
	}
	return s, nil
}

// State returns the current bookkeeping
func (s *Segmenter) State() TrainingState {
	return s.state
}

// Losses returns the accumulator of the current epoch
func (s *Segmenter) Losses() *EpochLosses {
	return s.losses
}

// SetProgressOutput redirects progress bars, nil silences them
func (s *Segmenter) SetProgressOutput(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	s.progress = w
}

func (s *Segmenter) newProgressBar(description string, total int) *ProgressBar {
	pb := NewProgressBar(description, total)
	pb.SetOutput(s.progress)
	return pb
}

type runState int

const (
	stateTrain runState = iota
	stateValidate
	stateCheckpoint
	stateAdvance
	stateDone
)

// Run trains for epochs 0..maxEpochs inclusive. Each epoch trains,
// validates and then checks the best model and early stopping; an early
// stop ends the loop without error. With SWA enabled the averaged model is
// finalized afterwards.
func (s *Segmenter) Run(ctx context.Context, maxEpochs int, modelName string) (*RunSummary, error) {
	if s.train == nil || s.val == nil {
		return nil, errors.New("training and validation loaders are required")
	}
	if maxEpochs < 0 {
		return nil, errors.Errorf("epoch budget cannot be negative: %d", maxEpochs)
	}

	summary := &RunSummary{}
	epoch := 0
	for state := stateTrain; state != stateDone; {
		switch state {
		case stateTrain:
			klog.Infof("Epoch: %d/%d", epoch, maxEpochs)
			if err := s.Train(ctx, epoch); err != nil {
				return nil, errors.Wrapf(err, "epoch %d training", epoch)
			}
			state = stateValidate

		case stateValidate:
			if err := s.Validate(ctx, epoch); err != nil {
				return nil, errors.Wrapf(err, "epoch %d validation", epoch)
			}
			state = stateCheckpoint

		case stateCheckpoint:
			stop, err := s.SaveBestModel(modelName)
			if err != nil {
				return nil, errors.Wrapf(err, "epoch %d checkpoint", epoch)
			}
			summary.Epochs = epoch + 1
			state = stateAdvance
			if stop {
				klog.Infof("Early stopping at epoch %d, no improvement for %d epochs", epoch, s.state.EarlyStopCounter)
				summary.EarlyStopped = true
				state = stateDone
			}

		case stateAdvance:
			state = stateDone
			if epoch < maxEpochs {
				epoch++
				state = stateTrain
			}
		}
	}

	summary.BestLoss = s.state.BestLoss
	summary.BestEpoch = s.state.BestEpoch
	summary.CheckpointPath = s.lastSave

	if s.config.SWA {
		path, err := s.FinalizeSWA(ctx, modelName)
		if err != nil {
			return nil, err
		}
		summary.SWAPath = path
	}
	return summary, nil
}

// Train runs one optimisation pass over the training loader. The epoch's
// loss lists are cleared first.
func (s *Segmenter) Train(ctx context.Context, epoch int) error {
	s.losses.Reset()
	s.state.Epoch = epoch

	pb := s.newProgressBar("Training", s.train.Len())
	err := s.train.ForEach(ctx, func(idx int, batch *dataloader.Batch) error {
		s.optimizer.ZeroGrad()

		out, err := s.model.Forward(batch.Images, true)
		if err != nil {
			return errors.Wrapf(err, "batch %d forward", idx)
		}
		loss, err := s.task.Loss(out, batch, true)
		if err != nil {
			return errors.Wrapf(err, "batch %d loss", idx)
		}
		s.losses.Train = append(s.losses.Train, loss.Total)

		if err := s.model.Backward(loss.GradMask, loss.GradLogits); err != nil {
			return errors.Wrapf(err, "batch %d backward", idx)
		}
		if err := s.optimizer.Step(); err != nil {
			return errors.Wrapf(err, "batch %d optimizer step", idx)
		}
		s.state.Step++

		if epoch%s.config.TrainWriterInterval == 0 && idx == 0 {
			if err := s.writer.PlotMask(TagGroundTruth, batch.Images, batch.Masks, false, epoch); err != nil {
				return err
			}
		}
		klog.V(2).Infof("epoch %d batch %d loss %.6f", epoch, idx, loss.Total)
		pb.Update(idx+1, map[string]float64{"loss": loss.Total})
		return nil
	})
	pb.Finish()
	if err != nil {
		return err
	}
	if len(s.losses.Train) == 0 {
		return errors.Wrap(ErrNoBatches, "training")
	}

	trainLoss := s.losses.MeanTrain()
	klog.Infof("Train Loss: %.6f", trainLoss)
	return s.writer.AddScalar(TagTrainLoss, trainLoss, epoch)
}

// Validate scores the validation loader without updating parameters, then
// adapts the learning rate: SWA updates after SWAStart when SWA is
// enabled, the plateau scheduler otherwise.
func (s *Segmenter) Validate(ctx context.Context, epoch int) error {
	if s.presence != nil {
		s.presence.Reset()
	}
	pb := s.newProgressBar("Validation", s.val.Len())
	err := s.val.ForEach(ctx, func(idx int, batch *dataloader.Batch) error {
		out, err := s.model.Forward(batch.Images, false)
		if err != nil {
			return errors.Wrapf(err, "batch %d forward", idx)
		}
		loss, err := s.task.Loss(out, batch, false)
		if err != nil {
			return errors.Wrapf(err, "batch %d loss", idx)
		}
		dsc, err := s.dice.Forward(out.Mask, batch.Masks)
		if err != nil {
			return errors.Wrapf(err, "batch %d dice", idx)
		}

		if s.task.Classifier() {
			s.losses.BCE = append(s.losses.BCE, loss.BCE)
			if err := s.updatePresence(out.Logits, batch.Labels); err != nil {
				return errors.Wrapf(err, "batch %d presence metrics", idx)
			}
		}
		s.losses.CE = append(s.losses.CE, loss.CE)
		s.losses.DSC = append(s.losses.DSC, dsc)
		s.losses.Val = append(s.losses.Val, loss.Total)

		if epoch%s.config.ValWriterInterval == 0 && idx == 0 {
			if err := s.writer.PlotMask(TagPredictedMask, batch.Images, out.Mask, true, epoch); err != nil {
				return err
			}
		}
		pb.Update(idx+1, map[string]float64{"loss": loss.Total})
		return nil
	})
	pb.Finish()
	if err != nil {
		return err
	}
	if len(s.losses.Val) == 0 {
		return errors.Wrap(ErrNoBatches, "validation")
	}

	valLoss := s.losses.MeanVal()
	klog.Infof("Validation Loss: %.6f", valLoss)
	if st, ok := s.val.(interface{ Stats() string }); ok {
		klog.V(1).Infof("Validation %s", st.Stats())
	}

	if err := s.adaptLearningRate(epoch, valLoss); err != nil {
		return err
	}

	type scalar struct {
		tag   string
		value float64
	}
	scalars := []scalar{
		{TagValLoss, valLoss},
		{TagDSC, mean(s.losses.DSC)},
		{TagCE, mean(s.losses.CE)},
	}
	if s.task.Classifier() {
		scalars = append(scalars, scalar{TagBCE, mean(s.losses.BCE)})
		if s.presence != nil {
			f1, auc := s.presence.GetMetric(F1Score), s.presence.MacroAUC()
			klog.V(1).Infof("Presence F1: %.4f, AUC: %.4f", f1, auc)
			scalars = append(scalars, scalar{TagPresenceF1, f1}, scalar{TagPresenceAUC, auc})
		}
	}
	scalars = append(scalars, scalar{TagLearningRate, float64(s.optimizer.LearningRate())})

	for _, sc := range scalars {
		if err := s.writer.AddScalar(sc.tag, sc.value, epoch); err != nil {
			return err
		}
	}
	return nil
}

func (s *Segmenter) updatePresence(logits, labels *tensor.Tensor) error {
	if logits == nil || labels == nil {
		return nil
	}
	if s.presence == nil {
		s.presence = NewConfusionMatrix(logits.Shape[1])
	}
	return s.presence.Update(logits, labels)
}

func (s *Segmenter) adaptLearningRate(epoch int, valLoss float64) error {
	current := float64(s.optimizer.LearningRate())

	if s.config.SWA {
		if epoch <= s.config.SWAStart {
			return nil
		}
		if err := s.swaModel.UpdateParameters(s.model); err != nil {
			return errors.Wrap(err, "SWA update")
		}
		lr := s.swaScheduler.Step(current)
		s.optimizer.UpdateLearningRate(float32(lr))
		klog.V(1).Infof("SWA update %d, learning rate %.6g", s.swaModel.NumAveraged(), lr)
		return nil
	}

	lr := s.plateau.Step(valLoss, current)
	if lr != current {
		klog.Infof("Reducing learning rate to %.6g", lr)
		s.optimizer.UpdateLearningRate(float32(lr))
	}
	return nil
}

// SaveBestModel checks the mean validation loss of the epoch just
// validated. A strictly lower loss than any before overwrites the
// checkpoint called modelName. It returns true when training should stop.
func (s *Segmenter) SaveBestModel(modelName string) (bool, error) {
	loss := s.losses.MeanVal()
	stop := s.earlyStopping.Step(loss)
	s.state.EarlyStopCounter = s.earlyStopping.Counter()

	if loss < s.state.BestLoss {
		s.state.BestLoss = loss
		s.state.BestEpoch = s.state.Epoch
		klog.Info("Saving best model")
		path, err := s.checkpoints.Save(modelName, s.model, s.checkpointState(), s.optimizer, "best model")
		if err != nil {
			return false, err
		}
		s.lastSave = path
	}
	return stop, nil
}

func (s *Segmenter) checkpointState() checkpoints.TrainingState {
	return checkpoints.TrainingState{
		Epoch:            s.state.Epoch,
		Step:             s.state.Step,
		LearningRate:     s.optimizer.LearningRate(),
		BestLoss:         float32(s.state.BestLoss),
		EarlyStopCounter: s.state.EarlyStopCounter,
		TotalSteps:       s.state.Step,
	}
}

// FinalizeSWA recomputes the batch-norm statistics of the averaged model
// with a forward-only pass over the training loader and saves it as
// <name>_SWA.pt
func (s *Segmenter) FinalizeSWA(ctx context.Context, modelName string) (string, error) {
	if s.swaModel == nil {
		return "", errors.New("stochastic weight averaging is disabled")
	}
	if s.swaModel.NumAveraged() == 0 {
		klog.Warningf("SWA model was never updated (start epoch %d), saving its initial weights", s.config.SWAStart)
	}

	klog.Info("Updating batch norm stats")
	if err := s.swaModel.UpdateBN(ctx, s.train); err != nil {
		return "", errors.Wrap(err, "failed to update SWA batch norm statistics")
	}

	klog.Info("Saving SWA model")
	return s.checkpoints.Save(withSuffix(modelName, "_SWA.pt"), s.swaModel, s.checkpointState(), nil, "SWA model")
}

// withSuffix replaces everything from the first dot of name's base with
// suffix: "best_model.pt" -> "best_model_SWA.pt"
func withSuffix(name, suffix string) string {
	dir, base := filepath.Split(name)
	if i := strings.Index(base, "."); i >= 0 {
		base = base[:i]
	}
	return dir + base + suffix
}

// LoadWeights initialises the model (and optimizer, when stored) from a
// checkpoint before training
func (s *Segmenter) LoadWeights(path string) error {
	ckpt, err := s.checkpoints.Load(path, s.model)
	if err != nil {
		return err
	}
	klog.Infof("Loaded weights from %s (epoch %d)", path, ckpt.TrainingState.Epoch)
	return RestoreOptimizer(ckpt, s.optimizer)
}

// VizModel writes the model graph as Graphviz DOT. An empty path writes
// <output>/graph.dot.
func (s *Segmenter) VizModel(path string) (string, error) {
	if path == "" {
		path = filepath.Join(s.config.OutputPath, "graph.dot")
	}
	spec := s.model.Spec()
	klog.V(1).Infof("Model architecture:\n%s", NewModelArchitecturePrinter("Segmenter").Format(spec))
	if err := spec.SaveDOT(path); err != nil {
		return "", err
	}
	return path, nil
}

// InferenceOptions selects what Inference produces
type InferenceOptions struct {
	ModelName  string // checkpoint to load; empty keeps the in-memory weights
	PlotOutput bool   // write <output>/sanity/<id>.png overlays
	SavePreds  bool   // write <stem>_preds.npz instead of only returning
}

// Predictions are the concatenated outputs of an inference pass. Masks are
// raw per-class scores; Labels is nil without a classification head.
type Predictions struct {
	IDs    []string
	Masks  *tensor.Tensor
	Labels *tensor.Tensor
	Path   string // npz file, when saved
}

// Inference runs the model in evaluation mode over the test loader
func (s *Segmenter) Inference(ctx context.Context, opts InferenceOptions) (*Predictions, error) {
	if s.test == nil {
		return nil, errors.New("test loader is required for inference")
	}

	if opts.ModelName != "" {
		dir := s.config.ModelPath
		if dir == "" {
			dir = s.config.OutputPath
		}
		path := opts.ModelName
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, opts.ModelName)
		}
		if _, err := s.checkpoints.Load(path, s.model); err != nil {
			return nil, err
		}
		klog.Infof("Loaded model from %s", path)
	}

	sanityDir := filepath.Join(s.config.OutputPath, "sanity")
	if opts.PlotOutput {
		if err := os.MkdirAll(sanityDir, 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create sanity directory")
		}
	}
	cmap := preprocessing.Viridis()

	preds := &Predictions{}
	var masks, labels []*tensor.Tensor

	pb := s.newProgressBar("Inference", s.test.Len())
	err := s.test.ForEach(ctx, func(idx int, batch *dataloader.Batch) error {
		out, err := s.model.Forward(batch.Images, false)
		if err != nil {
			return errors.Wrapf(err, "batch %d forward", idx)
		}
		preds.IDs = append(preds.IDs, batch.IDs...)
		masks = append(masks, out.Mask)
		if s.task.Classifier() && out.Logits != nil {
			labels = append(labels, out.Logits)
		}

		if opts.PlotOutput {
			overlays, err := preprocessing.OverlayBatch(batch.Images, out.Mask, true, 0.5, cmap)
			if err != nil {
				return err
			}
			for i, img := range overlays {
				if err := preprocessing.SavePNG(filepath.Join(sanityDir, batch.IDs[i]+".png"), img); err != nil {
					return err
				}
			}
		}
		pb.Update(idx+1, nil)
		return nil
	})
	pb.Finish()
	if err != nil {
		return nil, err
	}
	if len(masks) == 0 {
		return nil, errors.Wrap(ErrNoBatches, "inference")
	}

	if preds.Masks, err = tensor.Concat(masks); err != nil {
		return nil, errors.Wrap(err, "failed to concatenate masks")
	}
	if len(labels) > 0 {
		if preds.Labels, err = tensor.Concat(labels); err != nil {
			return nil, errors.Wrap(err, "failed to concatenate labels")
		}
	}

	if opts.SavePreds {
		stem := withSuffix(filepath.Base(opts.ModelName), "_preds.npz")
		if opts.ModelName == "" {
			stem = "model_preds.npz"
		}
		arrays := map[string]*npz.Array{
			"ids":   npz.FromStrings(preds.IDs),
			"masks": npz.FromTensor(preds.Masks),
		}
		if preds.Labels != nil {
			arrays["labels"] = npz.FromTensor(preds.Labels)
		}
		preds.Path = filepath.Join(s.config.OutputPath, stem)
		if err := npz.Save(preds.Path, arrays); err != nil {
			return nil, errors.Wrap(err, "failed to save predictions")
		}
		klog.Infof("Saved %d predictions to %s", len(preds.IDs), preds.Path)
	}
	return preds, nil
}
