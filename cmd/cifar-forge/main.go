package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"cifar-forge/internal/config"
	"cifar-forge/internal/dataset"
	"cifar-forge/internal/trainer"
)

func main() {
	cfgPath := flag.String("config", "configs/default.yaml", "Path to YAML config")
	dataDir := flag.String("data-dir", "", "Override the extracted cifar-10-batches-bin directory")
	archive := flag.String("archive", "", "Override the cifar-10-binary.tar.gz path")
	downloadURL := flag.String("download-url", "", "Fetch the archive from this URL when data is missing")
	schedule := flag.String("schedule", "", "Learning rate schedule (one_cycle or constant)")
	epochs := flag.Int("epochs", 0, "Number of training epochs")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	maxLR := flag.Float64("max-lr", 0, "Peak learning rate of the one-cycle schedule")
	numWorkers := flag.Int("num-workers", 0, "Number of convolution workers")
	seed := flag.Int64("seed", 0, "PRNG seed (overrides the config when given, zero included)")
	logEvery := flag.Int("log-every", 0, "Log every N steps")

	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	overrides := config.Overrides{
		DataDir:     *dataDir,
		Archive:     *archive,
		DownloadURL: *downloadURL,
		Schedule:    *schedule,
		Epochs:      *epochs,
		BatchSize:   *batchSize,
		MaxLR:       *maxLR,
		NumWorkers:  *numWorkers,
		LogEvery:    *logEvery,
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "seed" {
			overrides.Seed = seed
		}
	})
	cfg.ApplyOverrides(overrides)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	train, test, err := dataset.Open(ctx, dataset.Source{
		Dir:     cfg.DataDir,
		Archive: cfg.Archive,
		URL:     cfg.DownloadURL,
	})
	if err != nil {
		log.Fatalf("load dataset: %v", err)
	}
	log.Printf("split=%s samples=%d class_counts=%v", train.Name, train.Len(), train.ClassCounts())
	log.Printf("split=%s samples=%d class_counts=%v", test.Name, test.Len(), test.ClassCounts())

	runCfg := trainer.RunConfig{
		Train:           train,
		Test:            test,
		Epochs:          cfg.Epochs,
		BatchSize:       cfg.BatchSize,
		Schedule:        cfg.Schedule,
		MaxLR:           cfg.MaxLR,
		BaseLR:          cfg.BaseLR,
		PctStart:        cfg.PctStart,
		DivFactor:       cfg.DivFactor,
		FinalDivFactor:  cfg.FinalDivFactor,
		Momentum:        cfg.Momentum,
		WeightDecay:     cfg.WeightDecay,
		GradClip:        cfg.GradClip,
		ResidualDropout: cfg.ResidualDropout,
		HeadDropout:     cfg.HeadDropout,
		NumWorkers:      cfg.NumWorkers,
		Prefetch:        cfg.Prefetch,
		Seed:            cfg.Seed,
		LogEvery:        cfg.LogEvery,
	}

	if _, err := trainer.Run(ctx, runCfg); err != nil {
		log.Fatalf("training failed: %v", err)
	}
}
