package main

import (
	"fmt"
	"math/rand"

	"github.com/spf13/cobra"
)

func newConvertCmd(root *rootOptions) *cobra.Command {
	var (
		dataName string
		seed     int64
	)

	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Resample a raw candle CSV into cached train/val/test splits",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(root.logLevel)

			dc, err := LoadDataConfig(root.configsDir, dataName)
			if err != nil {
				return err
			}
			splits, err := PrepareSplits(dc, rand.New(rand.NewSource(seed)), log)
			if err != nil {
				return err
			}
			fmt.Printf("%s: train=%d val=%d test=%d candles under %s\n",
				dataName, len(splits.Train), len(splits.Val), len(splits.Test), cacheDir(dc))
			return nil
		},
	}
	cmd.Flags().StringVar(&dataName, "data", "", "data config name (required)")
	cmd.Flags().Int64Var(&seed, "seed", 23, "random seed (ratio-based splits)")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}
