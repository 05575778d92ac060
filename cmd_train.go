package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// trainFlags mirror the knobs the training config also carries. A flag set
// explicitly on the command line wins over the config file; otherwise the
// config value (or its default) applies.
type trainFlags struct {
	configPath  string
	logdir      string
	seed        int64
	batchSize   int
	numWorkers  int
	devices     int
	maxEpochs   int
	useVolume   bool
	saveCkpt    bool
	resumeFrom  string
	metricsAddr string
}

func newTrainCmd(root *rootOptions) *cobra.Command {
	flags := &trainFlags{}

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model from a training config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(cmd, root, flags)
		},
	}
	cmd.Flags().StringVar(&flags.configPath, "config", "", "training config file (required)")
	cmd.Flags().StringVar(&flags.logdir, "logdir", "logs", "logging directory")
	cmd.Flags().Int64Var(&flags.seed, "seed", 23, "random seed")
	cmd.Flags().IntVar(&flags.batchSize, "batch-size", 32, "training batch size")
	cmd.Flags().IntVar(&flags.numWorkers, "num-workers", 4, "parallel sample-loading workers")
	cmd.Flags().IntVar(&flags.devices, "devices", 1, "data-parallel gradient workers")
	cmd.Flags().IntVar(&flags.maxEpochs, "max-epochs", 200, "training epoch bound")
	cmd.Flags().BoolVar(&flags.useVolume, "use-volume", false, "include the volume feature")
	cmd.Flags().BoolVar(&flags.saveCkpt, "save-checkpoints", false, "persist best/last checkpoints")
	cmd.Flags().StringVar(&flags.resumeFrom, "resume-from", "", "checkpoint to resume from")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func runTrain(cmd *cobra.Command, root *rootOptions, flags *trainFlags) error {
	log := newLogger(root.logLevel)

	cfg, err := LoadTrainConfig(flags.configPath)
	if err != nil {
		return err
	}

	// Explicit flags override the config file.
	set := cmd.Flags().Changed
	if set("logdir") {
		cfg.Logdir = flags.logdir
	}
	if set("batch-size") {
		cfg.BatchSize = flags.batchSize
	}
	if set("num-workers") {
		cfg.NumWorkers = flags.numWorkers
	}
	if set("devices") {
		cfg.Devices = flags.devices
	}
	if set("max-epochs") {
		cfg.MaxEpochs = flags.maxEpochs
	}
	if set("use-volume") {
		cfg.UseVolume = flags.useVolume
	}
	if set("save-checkpoints") {
		cfg.SaveCheckpoints = flags.saveCkpt
	}
	if set("resume-from") {
		cfg.ResumeFromCheckpoint = flags.resumeFrom
	}

	dc, err := LoadDataConfig(root.configsDir, cfg.DataConfig)
	if err != nil {
		return err
	}
	mc, err := LoadModelConfig(root.configsDir, cfg)
	if err != nil {
		return err
	}

	transform := &Transform{
		UseVolume: cfg.UseVolume,
		TaskType:  cfg.TaskType,
		Threshold: cfg.Threshold,
	}
	if mc.Params.NumFeatures != transform.NumFeatures() {
		return fmt.Errorf("model expects %d features but use_volume=%v yields %d",
			mc.Params.NumFeatures, cfg.UseVolume, transform.NumFeatures())
	}

	runID := uuid.NewString()
	log = runLogger(log, runID)
	runDir := filepath.Join(cfg.Logdir, cfg.Name, runID[:8])
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	log.Info().
		Str("config", flags.configPath).
		Str("model", cfg.Model).
		Str("task_type", cfg.TaskType).
		Int("max_epochs", cfg.MaxEpochs).
		Int("batch_size", cfg.BatchSize).
		Int("devices", cfg.Devices).
		Int("num_workers", cfg.NumWorkers).
		Int64("seed", flags.seed).
		Str("run_dir", runDir).
		Msg("starting training run")

	registry, err := OpenRunRegistry(filepath.Join(cfg.Logdir, "runs.db"))
	if err != nil {
		return err
	}
	defer registry.Close()

	cfgYAML, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("snapshot config: %w", err)
	}
	if err := registry.CreateRun(RunRecord{
		ID:         runID,
		Name:       cfg.Name,
		Model:      cfg.Model,
		TaskType:   cfg.TaskType,
		ConfigYAML: string(cfgYAML),
		Started:    time.Now(),
	}); err != nil {
		return err
	}

	// Separate rng streams so cached vs rebuilt splits cannot shift the
	// model initialization.
	splitRng := rand.New(rand.NewSource(flags.seed))
	modelRng := rand.New(rand.NewSource(flags.seed))

	splits, err := PrepareSplits(dc, splitRng, log)
	if err != nil {
		return registryFail(registry, runID, err)
	}

	if mc.Normalize {
		transform.Factors = NormalizationFactors(splits.Train)
	}
	trainDS := NewDataset(splits.Train, mc.Params.WindowSize, transform)
	valDS := NewDataset(splits.Val, mc.Params.WindowSize, transform)
	testDS := NewDataset(splits.Test, mc.Params.WindowSize, transform)
	log.Info().
		Int("train", trainDS.Len()).
		Int("val", valDS.Len()).
		Int("test", testDS.Len()).
		Bool("normalize", mc.Normalize).
		Msg("datasets ready")

	model := NewCMamba(mc.Params, modelRng)
	log.Info().
		Ints("hidden_dims", mc.Params.HiddenDims).
		Int("parameters", countParameters(model.Parameters())).
		Msg("model initialized")

	if err := writeHparamsSnapshot(runDir, cfg, mc, flags.seed); err != nil {
		return registryFail(registry, runID, err)
	}

	var tele *Telemetry
	if flags.metricsAddr != "" {
		tele = NewTelemetry()
		tele.Serve(flags.metricsAddr, log)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			tele.Shutdown(ctx)
		}()
	}

	trainer, err := NewTrainer(cfg, model, transform.Factors, runID, runDir, flags.seed, modelRng, log, tele)
	if err != nil {
		return registryFail(registry, runID, err)
	}

	if cfg.ResumeFromCheckpoint != "" {
		ck, err := LoadCheckpoint(cfg.ResumeFromCheckpoint)
		if err != nil {
			return registryFail(registry, runID, err)
		}
		if err := trainer.Resume(ck); err != nil {
			return registryFail(registry, runID, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := trainer.Fit(ctx, trainDS, valDS)
	if err != nil {
		status := "failed"
		if res != nil && res.StopReason == "canceled" {
			status = "canceled"
		}
		epochs, best, ckpt := 0, 0.0, ""
		if res != nil {
			epochs, best, ckpt = res.Epochs, res.BestMetric, res.BestCheckpoint
		}
		_ = registry.FinishRun(runID, status, epochs, best, ckpt)
		return err
	}

	// Final verdict on the held-out split, using the best weights.
	if cfg.SaveCheckpoints && res.BestCheckpoint != "" && testDS.Len() > 0 {
		ck, err := LoadCheckpoint(res.BestCheckpoint)
		if err != nil {
			return err
		}
		best, err := ck.NewModel()
		if err != nil {
			return err
		}
		testMetrics := evaluateModel(best, testDS, cfg, transform.Factors)
		res.TestMetrics = &testMetrics
		reportMetrics(log, cfg.TaskType, "test", &testMetrics)
	}

	status := "finished"
	if res.StopReason == "early_stop" {
		status = "early_stop"
	}
	if err := registry.FinishRun(runID, status, res.Epochs, res.BestMetric, res.BestCheckpoint); err != nil {
		return err
	}

	log.Info().
		Int("epochs", res.Epochs).
		Int("steps", res.Steps).
		Float64("best_metric", res.BestMetric).
		Str("stop_reason", res.StopReason).
		Msg("training complete")
	return nil
}

func registryFail(registry *RunRegistry, runID string, err error) error {
	_ = registry.FinishRun(runID, "failed", 0, 0, "")
	return err
}

func countParameters(params []*Tensor) int {
	total := 0
	for _, p := range params {
		total += p.Size()
	}
	return total
}
