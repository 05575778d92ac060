package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCmd(root *rootOptions) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a training config and everything it references",
		Long: "Loads a training config strictly (unknown and duplicate keys are errors),\n" +
			"resolves its data and model configs, applies the hyperparams overlay and\n" +
			"checks every cross-field rule. Exits non-zero on the first violation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadTrainConfig(configPath)
			if err != nil {
				return err
			}
			if _, err := LoadDataConfig(root.configsDir, cfg.DataConfig); err != nil {
				return err
			}
			mc, err := LoadModelConfig(root.configsDir, cfg)
			if err != nil {
				return err
			}
			transform := &Transform{UseVolume: cfg.UseVolume}
			if mc.Params.NumFeatures != transform.NumFeatures() {
				return fmt.Errorf("model expects %d features but use_volume=%v yields %d",
					mc.Params.NumFeatures, cfg.UseVolume, transform.NumFeatures())
			}
			fmt.Printf("%s: configuration OK (model %s, task %s, window %d, dims %v)\n",
				configPath, cfg.Model, cfg.TaskType, mc.Params.WindowSize, mc.Params.HiddenDims)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "training config file (required)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}
