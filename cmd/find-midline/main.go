// Command find-midline trains, evaluates and runs the midline segmentation
// model.
//
//	find-midline train [-config run.yaml] [flags]
//	find-midline infer [-config run.yaml] [flags]
//	find-midline viz   [-config run.yaml] [-out graph.dot]
//	find-midline synth [-config run.yaml] [-samples N]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-midline/config"
	"github.com/tsawler/go-midline/device"
	"github.com/tsawler/go-midline/layers"
	"github.com/tsawler/go-midline/optimizer"
	"github.com/tsawler/go-midline/tracking"
	"github.com/tsawler/go-midline/training"
	"github.com/tsawler/go-midline/vision/dataloader"
	"github.com/tsawler/go-midline/vision/dataset"
	"github.com/tsawler/go-midline/vision/preprocessing"
)

const usage = `usage: find-midline <command> [flags]

commands:
  train   train on the training split, validating every epoch
  infer   predict the testing split with a saved checkpoint
  viz     write the model graph as DOT
  synth   generate synthetic training, validation and testing splits
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "train":
		err = runTrain(ctx, args)
	case "infer":
		err = runInfer(ctx, args)
	case "viz":
		err = runViz(args)
	case "synth":
		err = runSynth(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	klog.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "find-midline %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

// parseConfig builds the run configuration: defaults, then the -config file,
// then any flag given explicitly on the command line. extra registers
// command-specific flags.
func parseConfig(name string, args []string, extra func(*flag.FlagSet)) (config.Config, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	klog.InitFlags(fs)
	path := fs.String("config", "", "YAML run configuration")
	c := config.Default()
	c.RegisterFlags(fs)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return c, err
	}

	if *path != "" {
		loaded, err := config.Load(*path)
		if err != nil {
			return c, err
		}
		overrides := flag.NewFlagSet(name, flag.ContinueOnError)
		loaded.RegisterFlags(overrides)
		var setErr error
		fs.Visit(func(f *flag.Flag) {
			if overrides.Lookup(f.Name) == nil || setErr != nil {
				return
			}
			setErr = overrides.Set(f.Name, f.Value.String())
		})
		if setErr != nil {
			return c, setErr
		}
		c = loaded
	}
	return c, c.Validate()
}

func newModel(c config.Config) (*layers.Segmenter, error) {
	mc := layers.DefaultSegmenterConfig(c.NumClasses)
	mc.InChannels = c.InChannels
	mc.Hidden = c.Hidden
	mc.Classifier = c.Classifier
	mc.Height = c.Height
	mc.Width = c.Width
	mc.Seed = c.Seed
	return layers.NewSegmenter(mc)
}

func newOptimizer(c config.Config, model *layers.Segmenter) (optimizer.Optimizer, error) {
	ac := optimizer.DefaultAdamConfig()
	ac.LearningRate = float32(c.LearningRate)
	return optimizer.NewAdamOptimizer(ac, model.Parameters())
}

type split struct {
	root         string
	batchSize    int
	train        bool // random augmentation and shuffling
	requireMasks bool
}

func newLoader(c config.Config, s split, workers int) (*dataloader.DataLoader, error) {
	transforms := preprocessing.EvalTransforms(c.Height, c.Width)
	cache := c.CacheSize
	if s.train {
		transforms = preprocessing.TrainTransforms(c.Height, c.Width)
		cache = 0
	}
	ds, err := dataset.NewSpineDataset(dataset.Config{
		Root:         s.root,
		NumClasses:   c.NumClasses,
		Transforms:   transforms,
		RequireMasks: s.requireMasks,
		Classifier:   c.Classifier && s.requireMasks,
		Sigma:        c.Sigma,
		Seed:         c.Seed,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "dataset %s", s.root)
	}
	return dataloader.NewDataLoader(ds, dataloader.Config{
		BatchSize:    s.batchSize,
		Shuffle:      s.train,
		Workers:      workers,
		MaxCacheSize: cache,
		Seed:         c.Seed,
	})
}

func resolveWorkers(c config.Config) (int, error) {
	d, err := device.Resolve(c.Device)
	if err != nil {
		return 0, err
	}
	klog.Infof("Device: %s", d.Describe())
	if c.Workers > 0 {
		return c.Workers, nil
	}
	return d.Workers(), nil
}

func runTrain(ctx context.Context, args []string) error {
	c, err := parseConfig("train", args, nil)
	if err != nil {
		return err
	}
	workers, err := resolveWorkers(c)
	if err != nil {
		return err
	}

	train, err := newLoader(c, split{root: c.TrainPath, batchSize: c.BatchSize, train: true, requireMasks: true}, workers)
	if err != nil {
		return err
	}
	val, err := newLoader(c, split{root: c.ValidPath, batchSize: c.BatchSize, requireMasks: true}, workers)
	if err != nil {
		return err
	}
	klog.Infof("Training on %d slices, validating on %d", train.NumSamples(), val.NumSamples())

	model, err := newModel(c)
	if err != nil {
		return err
	}
	opt, err := newOptimizer(c, model)
	if err != nil {
		return err
	}

	store, err := tracking.Open(c.LogDir, c.RunName)
	if err != nil {
		return err
	}
	collector := training.NewVisualizationCollector(c.RunName)
	writer := training.MultiWriter{store, collector}
	defer writer.Close()

	tc, err := c.Training()
	if err != nil {
		return err
	}
	components := training.Components{
		Model:      model,
		Optimizer:  opt,
		Task:       training.NewTask(c.Classifier, c.AuxLossWeight),
		Train:      train,
		Validation: val,
		Writer:     writer,
	}
	if c.PrefetchDepth > 0 {
		components.Train = dataloader.NewPrefetcher(train, c.PrefetchDepth)
		components.Validation = dataloader.NewPrefetcher(val, c.PrefetchDepth)
	}
	seg, err := training.NewSegmenter(tc, components)
	if err != nil {
		return err
	}
	if c.Pretrained != "" {
		if err := seg.LoadWeights(c.Pretrained); err != nil {
			return err
		}
	}
	if err := c.Save(filepath.Join(c.OutputPath, "config.yaml")); err != nil {
		return err
	}

	summary, err := seg.Run(ctx, c.Epochs, c.ModelName)
	if err != nil {
		return err
	}
	klog.Infof("Finished after %d epochs, best loss %.4f at epoch %d", summary.Epochs, summary.BestLoss, summary.BestEpoch)
	if summary.SWAPath != "" {
		klog.Infof("SWA model saved to %s", summary.SWAPath)
	}

	if err := collector.SavePlots(filepath.Join(store.LogDir(), c.RunName, "plots")); err != nil {
		return err
	}
	if c.PlottingURL != "" {
		sendPlots(ctx, c.PlottingURL, collector)
	}
	return nil
}

func sendPlots(ctx context.Context, url string, collector *training.VisualizationCollector) {
	pc := training.DefaultPlottingServiceConfig()
	pc.BaseURL = url
	ps := training.NewPlottingService(pc)
	ps.Enable()
	if err := ps.CheckHealth(ctx); err != nil {
		klog.Warningf("Plotting service unavailable: %v", err)
		return
	}
	for plotType, resp := range ps.GenerateAndSendAllPlots(ctx, collector) {
		if resp.Success {
			klog.Infof("Sent %s plot: %s", plotType, resp.ViewURL)
		}
	}
}

func runInfer(ctx context.Context, args []string) error {
	c, err := parseConfig("infer", args, nil)
	if err != nil {
		return err
	}
	workers, err := resolveWorkers(c)
	if err != nil {
		return err
	}
	test, err := newLoader(c, split{root: c.TestPath, batchSize: c.TestBatchSize}, workers)
	if err != nil {
		return err
	}

	model, err := newModel(c)
	if err != nil {
		return err
	}
	opt, err := newOptimizer(c, model)
	if err != nil {
		return err
	}
	tc, err := c.Training()
	if err != nil {
		return err
	}
	seg, err := training.NewSegmenter(tc, training.Components{
		Model:     model,
		Optimizer: opt,
		Task:      training.NewTask(c.Classifier, c.AuxLossWeight),
		Test:      test,
	})
	if err != nil {
		return err
	}

	preds, err := seg.Inference(ctx, training.InferenceOptions{
		ModelName:  c.ModelName,
		PlotOutput: c.PlotOutput,
		SavePreds:  c.SavePreds,
	})
	if err != nil {
		return err
	}
	klog.Infof("Predicted %d slices", len(preds.IDs))
	if preds.Path != "" {
		klog.Infof("Predictions saved to %s", preds.Path)
	}
	return nil
}

func runViz(args []string) error {
	var out string
	c, err := parseConfig("viz", args, func(fs *flag.FlagSet) {
		fs.StringVar(&out, "out", "", "DOT output path, defaults to <output-path>/graph.dot")
	})
	if err != nil {
		return err
	}
	model, err := newModel(c)
	if err != nil {
		return err
	}
	opt, err := newOptimizer(c, model)
	if err != nil {
		return err
	}
	tc, err := c.Training()
	if err != nil {
		return err
	}
	seg, err := training.NewSegmenter(tc, training.Components{
		Model:     model,
		Optimizer: opt,
		Task:      training.NewTask(c.Classifier, c.AuxLossWeight),
	})
	if err != nil {
		return err
	}
	path, err := seg.VizModel(out)
	if err != nil {
		return err
	}
	klog.Infof("Model graph written to %s", path)
	return nil
}

func runSynth(args []string) error {
	var samples int
	var masks bool
	c, err := parseConfig("synth", args, func(fs *flag.FlagSet) {
		fs.IntVar(&samples, "samples", 16, "slices per training split; validation and testing get a quarter")
		fs.BoolVar(&masks, "masks", false, "write npz masks instead of keypoint annotations")
	})
	if err != nil {
		return err
	}

	targets := dataset.TargetAnnotations
	if masks {
		targets = dataset.TargetMasks
	}
	small := max(samples/4, 1)
	for i, s := range []struct {
		root    string
		samples int
		targets dataset.TargetKind
	}{
		{c.TrainPath, samples, targets},
		{c.ValidPath, small, targets},
		{c.TestPath, small, dataset.TargetNone},
	} {
		err := dataset.GenerateSynthetic(s.root, dataset.SyntheticConfig{
			Samples:    s.samples,
			NumClasses: c.NumClasses,
			Height:     c.Height,
			Width:      c.Width,
			Targets:    s.targets,
			Seed:       c.Seed + int64(i),
		})
		if err != nil {
			return err
		}
		klog.Infof("Wrote %d slices to %s", s.samples, s.root)
	}
	return nil
}
