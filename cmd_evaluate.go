package main

import (
	"fmt"
	"math/rand"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newEvaluateCmd(root *rootOptions) *cobra.Command {
	var (
		configPath string
		ckptPath   string
		split      string
		seed       int64
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a checkpoint on a data split",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(root.logLevel)

			cfg, err := LoadTrainConfig(configPath)
			if err != nil {
				return err
			}
			dc, err := LoadDataConfig(root.configsDir, cfg.DataConfig)
			if err != nil {
				return err
			}
			ck, err := LoadCheckpoint(ckptPath)
			if err != nil {
				return err
			}
			if ck.Header.TaskType != cfg.TaskType {
				return fmt.Errorf("checkpoint was trained for %s, config says %s",
					ck.Header.TaskType, cfg.TaskType)
			}
			model, err := ck.NewModel()
			if err != nil {
				return err
			}

			splits, err := PrepareSplits(dc, rand.New(rand.NewSource(seed)), log)
			if err != nil {
				return err
			}
			var candles []Candle
			switch split {
			case "train":
				candles = splits.Train
			case "val":
				candles = splits.Val
			case "test":
				candles = splits.Test
			default:
				return fmt.Errorf("unknown split %q (want train, val or test)", split)
			}

			// The checkpoint carries the transform settings it was
			// trained with, normalization factors included.
			transform := &Transform{
				UseVolume: ck.Header.UseVolume,
				TaskType:  ck.Header.TaskType,
				Threshold: ck.Header.Threshold,
				Factors:   ck.Header.Factors,
			}
			ds := NewDataset(candles, model.WindowSize(), transform)
			if ds.Len() == 0 {
				return fmt.Errorf("split %q has no samples", split)
			}

			m := evaluateModel(model, ds, cfg, ck.Header.Factors)
			reportMetrics(log, cfg.TaskType, split, &m)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "training config file (required)")
	cmd.Flags().StringVar(&ckptPath, "checkpoint", "", "checkpoint to evaluate (required)")
	cmd.Flags().StringVar(&split, "split", "test", "split to evaluate (train, val, test)")
	cmd.Flags().Int64Var(&seed, "seed", 23, "random seed (ratio-based splits)")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("checkpoint")
	return cmd
}

// reportMetrics logs an evaluation pass and, for classification, prints
// the confusion matrix to stdout.
func reportMetrics(log zerolog.Logger, taskType, split string, m *Metrics) {
	if taskType == "classification" {
		dist := m.Confusion.Distribution()
		log.Info().
			Str("split", split).
			Int("samples", m.Samples).
			Float64("loss", m.Loss).
			Float64("accuracy", m.Accuracy).
			Float64("precision", m.Precision).
			Float64("recall", m.Recall).
			Float64("f1", m.F1).
			Float64("down_accuracy", m.Confusion.ClassAccuracy(ClassDown)).
			Float64("flat_accuracy", m.Confusion.ClassAccuracy(ClassFlat)).
			Float64("up_accuracy", m.Confusion.ClassAccuracy(ClassUp)).
			Floats64("class_distribution", dist).
			Msg("evaluation")
		fmt.Println(m.Confusion.String())
		return
	}
	log.Info().
		Str("split", split).
		Int("samples", m.Samples).
		Float64("loss", m.Loss).
		Float64("rmse", m.RMSE).
		Float64("mae", m.MAE).
		Float64("mape", m.MAPE).
		Msg("evaluation")
}
