package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var classNames = [NumDirectionClasses]string{"down", "flat", "up"}

// prediction is the JSON document the predict command emits on stdout.
type prediction struct {
	Timestamp     int64     `json:"timestamp"`
	Time          time.Time `json:"time"`
	Class         *int      `json:"class,omitempty"`
	Label         string    `json:"label,omitempty"`
	Probabilities []float64 `json:"probabilities,omitempty"`
	Price         float64   `json:"price,omitempty"`
}

func newPredictCmd(root *rootOptions) *cobra.Command {
	var (
		ckptPath string
		dataPath string
	)

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Predict the next bar's direction from the latest window",
		Long: "Loads a checkpoint, applies its own transform settings to the most recent\n" +
			"window of the given candle CSV, and prints the prediction as JSON.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ck, err := LoadCheckpoint(ckptPath)
			if err != nil {
				return err
			}
			model, err := ck.NewModel()
			if err != nil {
				return err
			}

			candles, err := LoadCandlesCSV(dataPath)
			if err != nil {
				return err
			}
			need := model.WindowSize() + 1
			if len(candles) < need {
				return fmt.Errorf("%s: need at least %d candles, got %d", dataPath, need, len(candles))
			}

			transform := &Transform{
				UseVolume: ck.Header.UseVolume,
				TaskType:  ck.Header.TaskType,
				Threshold: ck.Header.Threshold,
				Factors:   ck.Header.Factors,
			}
			s := transform.Apply(candles[len(candles)-need:])

			out := prediction{
				Timestamp: s.Timestamp,
				Time:      time.Unix(s.Timestamp, 0).UTC(),
			}
			if ck.Header.TaskType == "classification" {
				class, probs := model.PredictDirection(s.Features)
				out.Class = &class
				out.Label = classNames[class]
				out.Probabilities = probs
			} else {
				raw := model.Forward(s.Features).data[0]
				if model.Config().Mode == "diff" {
					raw += s.CloseOld
				}
				scale, shift := 1.0, 0.0
				if ck.Header.Factors != nil {
					scale, shift = ck.Header.Factors.Scale("Close")
				}
				out.Price = raw*scale + shift
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&ckptPath, "checkpoint", "", "checkpoint to load (required)")
	cmd.Flags().StringVar(&dataPath, "data", "", "candle CSV to predict from (required)")
	_ = cmd.MarkFlagRequired("checkpoint")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}
