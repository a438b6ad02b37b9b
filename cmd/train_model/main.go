// Command train_model bootstraps the first model artifact from a directory of
// labelled images laid out as <data>/<label>/<image>.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/cheggaaa/pb/v3"
	"go.uber.org/zap"

	"cassava/config"
	"cassava/logger"
	"cassava/ml"
)

type args struct {
	Data         string   `arg:"--data,required" help:"directory with one sub-directory of images per label"`
	Output       string   `arg:"--output" help:"artifact output path (default: model.path from the config)"`
	Config       string   `arg:"--config" default:"config.yaml" help:"service config used for labels and logging"`
	Labels       []string `arg:"--labels" help:"label set, in class index order (default: model.labels from the config)"`
	Version      string   `arg:"--version" default:"v1" help:"version recorded in the artifact"`
	Height       int      `arg:"--height" default:"64" help:"input height in pixels"`
	Width        int      `arg:"--width" default:"64" help:"input width in pixels"`
	Epochs       int      `arg:"--epochs" default:"20"`
	BatchSize    int      `arg:"--batch-size" default:"32"`
	LearningRate float64  `arg:"--learning-rate" default:"0.01"`
	Validation   float64  `arg:"--validation-split" default:"0.2"`
	Patience     int      `arg:"--patience" default:"3"`
	Seed         int64    `arg:"--seed" default:"42"`
}

func (args) Description() string {
	return "Train the initial cassava leaf classifier artifact."
}

var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true}

func main() {
	var a args
	arg.MustParse(&a)

	cfg, err := config.Load(a.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(a, cfg, log); err != nil {
		log.Fatal("training failed", zap.Error(err))
	}
}

func run(a args, cfg *config.Config, log *zap.Logger) error {
	labels, fullNames := cfg.Model.Labels, cfg.Model.FullNames
	if len(a.Labels) > 0 {
		labels, fullNames = a.Labels, nil
	}
	output := a.Output
	if output == "" {
		output = cfg.Model.Path
	}

	base, err := ml.NewArtifact(a.Version, labels, fullNames, a.Height, a.Width)
	if err != nil {
		return err
	}

	samples, err := loadSamples(a.Data, base, log)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return fmt.Errorf("no usable images under %s", a.Data)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bar := pb.StartNew(a.Epochs)
	tuned, err := ml.FineTune(ctx, base, samples, ml.TrainParams{
		Epochs:          a.Epochs,
		BatchSize:       a.BatchSize,
		LearningRate:    a.LearningRate,
		ValidationSplit: a.Validation,
		Patience:        a.Patience,
		Seed:            a.Seed,
		OnEpoch: func(s ml.EpochStats) {
			bar.Increment()
			log.Debug("epoch finished",
				zap.Int("epoch", s.Epoch),
				zap.Float64("loss", s.Loss),
				zap.Float64("accuracy", s.Accuracy),
				zap.Float64("val_loss", s.ValLoss),
				zap.Float64("val_accuracy", s.ValAccuracy))
		},
	})
	bar.Finish()
	if err != nil {
		return err
	}
	tuned.Version = a.Version

	if err := tuned.Save(output); err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}

	fields := []zap.Field{
		zap.String("path", output),
		zap.String("version", tuned.Version),
		zap.Int("epochs", tuned.Metrics.EpochsTrained),
		zap.Float64("accuracy", tuned.Metrics.Accuracy),
		zap.Float64("loss", tuned.Metrics.Loss),
	}
	if tuned.Metrics.ValAccuracy != nil {
		fields = append(fields, zap.Float64("val_accuracy", *tuned.Metrics.ValAccuracy))
	}
	log.Info("model saved", fields...)
	return nil
}

// loadSamples decodes every image under <dir>/<label>/ for the labels of
// base. Unreadable images are skipped and logged.
func loadSamples(dir string, base *ml.Artifact, log *zap.Logger) ([]ml.Sample, error) {
	type file struct {
		path  string
		label int
	}
	var files []file
	for i, label := range base.Labels {
		entries, err := os.ReadDir(filepath.Join(dir, label))
		if os.IsNotExist(err) {
			log.Warn("no images for label", zap.String("label", label))
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
				continue
			}
			files = append(files, file{path: filepath.Join(dir, label, entry.Name()), label: i})
		}
	}

	pre := base.Preprocessor()
	samples := make([]ml.Sample, 0, len(files))
	bar := pb.StartNew(len(files))
	defer bar.Finish()
	for _, f := range files {
		bar.Increment()
		raw, err := os.ReadFile(f.path)
		if err != nil {
			return nil, err
		}
		input, err := pre.Transform(raw)
		if err != nil {
			log.Warn("skipping image", zap.String("path", f.path), zap.Error(err))
			continue
		}
		samples = append(samples, ml.Sample{Input: input, Label: f.label})
	}
	log.Info("training images loaded", zap.Int("images", len(samples)), zap.Int("skipped", len(files)-len(samples)))
	return samples, nil
}
