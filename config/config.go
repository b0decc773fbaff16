// Package config holds the settings of a find-midline run. Values come from
// defaults, an optional YAML file and command-line flags, in that order.
package config

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-midline/checkpoints"
	"github.com/tsawler/go-midline/training"
)

// Config is the complete run configuration
type Config struct {
	Device string `yaml:"device"`

	// Data
	TrainPath     string  `yaml:"train_path"`
	ValidPath     string  `yaml:"valid_path"`
	TestPath      string  `yaml:"test_path"`
	BatchSize     int     `yaml:"batch_size"`
	TestBatchSize int     `yaml:"test_batch_size"`
	Height        int     `yaml:"height"`
	Width         int     `yaml:"width"`
	Sigma         float64 `yaml:"sigma"` // heatmap spread for keypoint annotations
	Workers       int     `yaml:"workers"`
	CacheSize     int     `yaml:"cache_size"`
	PrefetchDepth int     `yaml:"prefetch_depth"`
	Seed          int64   `yaml:"seed"`

	// Model
	NumClasses    int     `yaml:"n_outputs"`
	InChannels    int     `yaml:"in_channels"`
	Hidden        int     `yaml:"hidden"`
	Classifier    bool    `yaml:"classifier"`
	AuxLossWeight float64 `yaml:"aux_loss_weight"`

	// Optimisation
	Pretrained      string  `yaml:"pretrained"` // checkpoint to start training from
	LearningRate    float64 `yaml:"learning_rate"`
	Epochs          int     `yaml:"num_epochs"`
	Patience        int     `yaml:"patience"`
	PlateauFactor   float64 `yaml:"plateau_factor"`
	PlateauPatience int     `yaml:"plateau_patience"`
	SWA             bool    `yaml:"swa"`
	SWAStart        int     `yaml:"swa_start"`
	SWALR           float64 `yaml:"swa_lr"`
	SWAAnnealEpochs int     `yaml:"swa_anneal_epochs"`

	// Outputs
	OutputPath          string `yaml:"output_path"`
	ModelPath           string `yaml:"model_path"`
	ModelName           string `yaml:"model_name"`
	CheckpointFormat    string `yaml:"checkpoint_format"`
	LogDir              string `yaml:"log_dir"`
	RunName             string `yaml:"dir_name"`
	TrainWriterInterval int    `yaml:"train_writer_interval"`
	ValWriterInterval   int    `yaml:"val_writer_interval"`
	PlotOutput          bool   `yaml:"plot_output"`
	SavePreds           bool   `yaml:"save_preds"`
	PlottingURL         string `yaml:"plotting_url"`
	ShowProgress        bool   `yaml:"show_progress"`
}

// Default returns the settings of the reference midline experiment
func Default() Config {
	return Config{
		Device:              "cpu",
		TrainPath:           "./midline_data/training/",
		ValidPath:           "./midline_data/validation/",
		TestPath:            "./midline_data/testing/",
		BatchSize:           4,
		TestBatchSize:       1,
		Height:              512,
		Width:               512,
		Sigma:               5,
		PrefetchDepth:       3,
		NumClasses:          13,
		InChannels:          3,
		Hidden:              16,
		AuxLossWeight:       training.DefaultAuxLossWeight,
		LearningRate:        3e-3,
		Epochs:              200,
		Patience:            75,
		PlateauFactor:       0.1,
		PlateauPatience:     10,
		SWAStart:            100,
		SWALR:               0.05,
		SWAAnnealEpochs:     10,
		OutputPath:          "./outputs/",
		ModelName:           "best_model.pt",
		CheckpointFormat:    "proto",
		LogDir:              "./runs",
		RunName:             "exp1",
		TrainWriterInterval: 20,
		ValWriterInterval:   1,
		ShowProgress:        true,
	}
}

// Load reads a YAML file over the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	c := Default()
	f, err := os.Open(path)
	if err != nil {
		return c, errors.Wrapf(err, "unable to open config %s", path)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return c, errors.Wrapf(err, "unable to parse config %s", path)
	}
	return c, nil
}

// Save writes c as YAML, e.g. next to the checkpoints of a run
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "unable to encode config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "unable to create %s", filepath.Dir(path))
	}
	return errors.Wrapf(os.WriteFile(path, data, 0644), "unable to write %s", path)
}

// RegisterFlags binds the fields of c to fs. Flags parsed afterwards
// override the values already in c.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Device, "device", c.Device, "compute device: cpu, cpu:N")

	fs.StringVar(&c.TrainPath, "train-path", c.TrainPath, "training split directory")
	fs.StringVar(&c.ValidPath, "valid-path", c.ValidPath, "validation split directory")
	fs.StringVar(&c.TestPath, "test-path", c.TestPath, "testing split directory")
	fs.IntVar(&c.BatchSize, "batch-size", c.BatchSize, "training and validation batch size")
	fs.IntVar(&c.TestBatchSize, "test-batch-size", c.TestBatchSize, "inference batch size")
	fs.IntVar(&c.Height, "height", c.Height, "input height after resizing")
	fs.IntVar(&c.Width, "width", c.Width, "input width after resizing")
	fs.Float64Var(&c.Sigma, "sigma", c.Sigma, "gaussian spread of keypoint heatmaps in pixels")
	fs.IntVar(&c.Workers, "workers", c.Workers, "sample decoders per batch, 0 uses the device default")
	fs.IntVar(&c.CacheSize, "cache-size", c.CacheSize, "decoded samples cached for validation and testing")
	fs.IntVar(&c.PrefetchDepth, "prefetch", c.PrefetchDepth, "batches loaded ahead during training, 0 disables prefetching")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "random seed")

	fs.IntVar(&c.NumClasses, "n-outputs", c.NumClasses, "number of output classes")
	fs.IntVar(&c.InChannels, "in-channels", c.InChannels, "input channels")
	fs.IntVar(&c.Hidden, "hidden", c.Hidden, "hidden feature channels")
	fs.BoolVar(&c.Classifier, "classifier", c.Classifier, "train the per-class presence head")
	fs.Float64Var(&c.AuxLossWeight, "aux-loss-weight", c.AuxLossWeight, "weight of the presence BCE")

	fs.StringVar(&c.Pretrained, "pretrained", c.Pretrained, "checkpoint to initialise weights from before training")
	fs.Float64Var(&c.LearningRate, "lr", c.LearningRate, "learning rate")
	fs.IntVar(&c.Epochs, "epochs", c.Epochs, "last epoch index; epochs 0..N are run")
	fs.IntVar(&c.Patience, "patience", c.Patience, "early-stopping patience")
	fs.Float64Var(&c.PlateauFactor, "plateau-factor", c.PlateauFactor, "learning rate reduction factor")
	fs.IntVar(&c.PlateauPatience, "plateau-patience", c.PlateauPatience, "epochs without improvement before reducing")
	fs.BoolVar(&c.SWA, "swa", c.SWA, "enable stochastic weight averaging")
	fs.IntVar(&c.SWAStart, "swa-start", c.SWAStart, "SWA updates run after this epoch")
	fs.Float64Var(&c.SWALR, "swa-lr", c.SWALR, "SWA learning rate")
	fs.IntVar(&c.SWAAnnealEpochs, "swa-anneal-epochs", c.SWAAnnealEpochs, "epochs to anneal towards the SWA learning rate")

	fs.StringVar(&c.OutputPath, "output-path", c.OutputPath, "checkpoint and prediction directory")
	fs.StringVar(&c.ModelPath, "model-path", c.ModelPath, "checkpoint directory for inference, defaults to output-path")
	fs.StringVar(&c.ModelName, "model-name", c.ModelName, "checkpoint file name")
	fs.StringVar(&c.CheckpointFormat, "checkpoint-format", c.CheckpointFormat, "checkpoint encoding: proto or json")
	fs.StringVar(&c.LogDir, "log-dir", c.LogDir, "tracking directory")
	fs.StringVar(&c.RunName, "dir-name", c.RunName, "run name inside the tracking directory")
	fs.IntVar(&c.TrainWriterInterval, "train-writer-interval", c.TrainWriterInterval, "epochs between ground-truth overlays")
	fs.IntVar(&c.ValWriterInterval, "val-writer-interval", c.ValWriterInterval, "epochs between prediction overlays")
	fs.BoolVar(&c.PlotOutput, "plot-output", c.PlotOutput, "write inference overlays under output-path/sanity")
	fs.BoolVar(&c.SavePreds, "save-preds", c.SavePreds, "write predictions to <model>_preds.npz")
	fs.StringVar(&c.PlottingURL, "plotting-url", c.PlottingURL, "plotting sidecar URL, empty disables it")
	fs.BoolVar(&c.ShowProgress, "progress", c.ShowProgress, "show progress bars")
}

// Validate checks ranges and enumerations
func (c Config) Validate() error {
	switch {
	case c.BatchSize <= 0 || c.TestBatchSize <= 0:
		return errors.Errorf("batch sizes must be positive, got %d and %d", c.BatchSize, c.TestBatchSize)
	case c.Height <= 0 || c.Width <= 0:
		return errors.Errorf("image size must be positive, got %dx%d", c.Height, c.Width)
	case c.NumClasses <= 0 || c.InChannels <= 0 || c.Hidden <= 0:
		return errors.New("n_outputs, in_channels and hidden must be positive")
	case c.LearningRate <= 0:
		return errors.Errorf("learning rate must be positive, got %g", c.LearningRate)
	case c.Epochs < 0:
		return errors.Errorf("epochs cannot be negative, got %d", c.Epochs)
	case c.Patience <= 0:
		return errors.Errorf("patience must be positive, got %d", c.Patience)
	case c.AuxLossWeight < 0:
		return errors.Errorf("aux loss weight cannot be negative, got %g", c.AuxLossWeight)
	case c.SWA && (c.SWALR <= 0 || c.SWAStart < 0):
		return errors.New("SWA needs a positive swa_lr and a non-negative swa_start")
	case c.OutputPath == "":
		return errors.New("output path is required")
	case c.ModelName == "":
		return errors.New("model name is required")
	}
	if _, err := checkpoints.ParseFormat(c.CheckpointFormat); err != nil {
		return err
	}
	return nil
}

// Training returns the orchestrator settings
func (c Config) Training() (training.Config, error) {
	format, err := checkpoints.ParseFormat(c.CheckpointFormat)
	if err != nil {
		return training.Config{}, err
	}
	return training.Config{
		OutputPath:          c.OutputPath,
		ModelPath:           c.ModelPath,
		Format:              format,
		SWA:                 c.SWA,
		SWAStart:            c.SWAStart,
		SWALR:               c.SWALR,
		SWAAnnealEpochs:     c.SWAAnnealEpochs,
		Patience:            c.Patience,
		PlateauFactor:       c.PlateauFactor,
		PlateauPatience:     c.PlateauPatience,
		TrainWriterInterval: c.TrainWriterInterval,
		ValWriterInterval:   c.ValWriterInterval,
		ShowProgress:        c.ShowProgress,
	}, nil
}
