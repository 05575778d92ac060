package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// ===========================================================================
// CONFIGURATION
// ===========================================================================
//
// Three layers of YAML, resolved in this order:
//
//   1. Training config (configs/training/<name>.yaml): run settings and the
//      hyperparams block. This is the file an experiment is named after.
//   2. Data config (configs/data/<data_config>.yaml), selected by the
//      training config's data_config key: where the raw candles live and
//      how to resample and split them.
//   3. Model config (configs/models/<file>.yaml), selected by looking the
//      training config's model key up in configs/models/archs.yaml. The
//      hyperparams block is overlaid onto the model's params.
//
// All files are decoded strictly: unknown keys and duplicate keys are
// errors, and every field is validated before a run starts. A config typo
// should fail in seconds, not after an epoch.
//
// ===========================================================================

var validate = validator.New(validator.WithRequiredStructEnabled())

// Hyperparams is the nested optimizer/loss/network-shape block of the
// training config.
type Hyperparams struct {
	Optimizer   string  `yaml:"optimizer" json:"optimizer" validate:"omitempty,oneof=adam sgd"`
	LR          float64 `yaml:"lr" json:"lr" validate:"gt=0"`
	LRStepSize  int     `yaml:"lr_step_size" json:"lr_step_size" validate:"gte=1"`
	LRGamma     float64 `yaml:"lr_gamma" json:"lr_gamma" validate:"gt=0,lte=1"`
	WeightDecay float64 `yaml:"weight_decay" json:"weight_decay" validate:"gte=0"`
	Loss        string  `yaml:"loss" json:"loss" validate:"omitempty,oneof=cross_entropy mse rmse mae mape"`
	HiddenDims  []int   `yaml:"hidden_dims" json:"hidden_dims" validate:"omitempty,min=2,dive,gte=1"`
	Cls         *bool   `yaml:"cls" json:"cls"`
}

// TrainConfig is the top-level training configuration document.
type TrainConfig struct {
	Name                 string      `yaml:"name" json:"name"`
	DataConfig           string      `yaml:"data_config" json:"data_config" validate:"required"`
	Model                string      `yaml:"model" json:"model" validate:"required"`
	MaxEpochs            int         `yaml:"max_epochs" json:"max_epochs" validate:"gte=1"`
	UseVolume            bool        `yaml:"use_volume" json:"use_volume"`
	Devices              int         `yaml:"devices" json:"devices" validate:"gte=1"`
	SaveCheckpoints      bool        `yaml:"save_checkpoints" json:"save_checkpoints"`
	NumWorkers           int         `yaml:"num_workers" json:"num_workers" validate:"gte=0"`
	Logdir               string      `yaml:"logdir" json:"logdir"`
	BatchSize            int         `yaml:"batch_size" json:"batch_size" validate:"gte=1"`
	ResumeFromCheckpoint string      `yaml:"resume_from_checkpoint" json:"resume_from_checkpoint"`
	TaskType             string      `yaml:"task_type" json:"task_type" validate:"oneof=regression classification"`
	Threshold            float64     `yaml:"threshold" json:"threshold" validate:"gte=0"`
	NumClasses           int         `yaml:"num_classes" json:"num_classes" validate:"gte=1"`
	Hyperparams          Hyperparams `yaml:"hyperparams" json:"hyperparams"`
}

// DataConfig describes a raw candle source and how to derive the
// train/val/test splits from it. Either the ratio pair or the three
// interval pairs must be set.
type DataConfig struct {
	Name      string `yaml:"name" json:"name"`
	Root      string `yaml:"root" json:"root" validate:"required"`
	DataPath  string `yaml:"data_path" json:"data_path" validate:"required"`
	Jumps     int    `yaml:"jumps" json:"jumps" validate:"gte=1"` // bar size in minutes
	StartDate string `yaml:"start_date" json:"start_date"`
	EndDate   string `yaml:"end_date" json:"end_date"`

	TrainRatio float64 `yaml:"train_ratio" json:"train_ratio" validate:"gte=0,lte=1"`
	TestRatio  float64 `yaml:"test_ratio" json:"test_ratio" validate:"gte=0,lte=1"`

	TrainInterval []string `yaml:"train_interval" json:"train_interval" validate:"omitempty,len=2"`
	ValInterval   []string `yaml:"val_interval" json:"val_interval" validate:"omitempty,len=2"`
	TestInterval  []string `yaml:"test_interval" json:"test_interval" validate:"omitempty,len=2"`
}

// ModelConfig is one entry of the model registry: an architecture target
// plus its shape parameters.
type ModelConfig struct {
	Target    string       `yaml:"target" json:"target" validate:"required"`
	Normalize bool         `yaml:"normalize" json:"normalize"`
	Params    CMambaConfig `yaml:"params" json:"params"`
}

// DefaultTrainConfig returns the documented defaults; a config file only
// needs to state what it changes.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		MaxEpochs:  200,
		Devices:    1,
		NumWorkers: 4,
		Logdir:     "logs",
		BatchSize:  32,
		TaskType:   "regression",
		Threshold:  1e-4,
		NumClasses: 3,
		Hyperparams: Hyperparams{
			Optimizer:  "adam",
			LR:         2e-4,
			LRStepSize: 50,
			LRGamma:    0.1,
		},
	}
}

// LoadTrainConfig reads, defaults and validates a training config file.
func LoadTrainConfig(path string) (*TrainConfig, error) {
	cfg := DefaultTrainConfig()
	if err := decodeStrictYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if cfg.Hyperparams.Loss == "" {
		if cfg.TaskType == "classification" {
			cfg.Hyperparams.Loss = "cross_entropy"
		} else {
			cfg.Hyperparams.Loss = "rmse"
		}
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.check(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// check covers the cross-field rules validator tags cannot express.
func (c *TrainConfig) check() error {
	if c.TaskType == "classification" {
		if c.Threshold <= 0 {
			return errors.New("classification requires threshold > 0")
		}
		// The labeler bins returns into down/flat/up; no other class
		// count has a defined labeling.
		if c.NumClasses != 3 {
			return fmt.Errorf("classification supports num_classes=3, got %d", c.NumClasses)
		}
		if c.Hyperparams.Loss != "cross_entropy" {
			return fmt.Errorf("classification requires loss=cross_entropy, got %q", c.Hyperparams.Loss)
		}
	} else if c.Hyperparams.Loss == "cross_entropy" {
		return errors.New("cross_entropy loss requires task_type=classification")
	}
	return nil
}

// LoadDataConfig resolves the training config's data_config key against the
// configs directory.
func LoadDataConfig(configsDir, name string) (*DataConfig, error) {
	path := filepath.Join(configsDir, "data", name+".yaml")
	var dc DataConfig
	if err := decodeStrictYAML(path, &dc); err != nil {
		return nil, err
	}
	if err := validate.Struct(&dc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	byRatio := dc.TrainRatio > 0
	byInterval := len(dc.TrainInterval) == 2 && len(dc.ValInterval) == 2 && len(dc.TestInterval) == 2
	if byRatio == byInterval {
		return nil, fmt.Errorf("%s: exactly one of train_ratio/test_ratio or the three interval pairs must be set", path)
	}
	if byRatio && dc.TestRatio <= 0 {
		return nil, fmt.Errorf("%s: test_ratio must be set alongside train_ratio", path)
	}
	if byRatio && dc.TrainRatio+dc.TestRatio >= 1 {
		return nil, fmt.Errorf("%s: train_ratio + test_ratio must leave room for the validation split", path)
	}
	return &dc, nil
}

// LoadModelConfig looks the model name up in the archs.yaml registry, loads
// the referenced model file and overlays the training config's hyperparams
// block onto its params, the way an experiment overrides an architecture.
func LoadModelConfig(configsDir string, tc *TrainConfig) (*ModelConfig, error) {
	archsPath := filepath.Join(configsDir, "models", "archs.yaml")
	archs := map[string]string{}
	if err := decodeStrictYAML(archsPath, &archs); err != nil {
		return nil, err
	}
	file, ok := archs[tc.Model]
	if !ok {
		return nil, fmt.Errorf("%s: unknown model %q", archsPath, tc.Model)
	}

	path := filepath.Join(configsDir, "models", file)
	var mc ModelConfig
	if err := decodeStrictYAML(path, &mc); err != nil {
		return nil, err
	}
	if err := validate.Struct(&mc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	overlayHyperparams(&mc, tc)

	if err := mc.Params.check(tc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &mc, nil
}

// overlayHyperparams applies the hyperparams block and the classification
// overrides to the model params. For classification the head must emit one
// logit per class, so a mismatched final hidden dim is rewritten.
func overlayHyperparams(mc *ModelConfig, tc *TrainConfig) {
	hp := tc.Hyperparams
	if len(hp.HiddenDims) > 0 {
		mc.Params.HiddenDims = append([]int(nil), hp.HiddenDims...)
	}
	if hp.Cls != nil {
		mc.Params.Cls = *hp.Cls
	}
	if tc.TaskType == "classification" {
		mc.Params.Cls = true
		if n := len(mc.Params.HiddenDims); n > 0 && mc.Params.HiddenDims[n-1] != tc.NumClasses {
			mc.Params.HiddenDims = append([]int(nil), mc.Params.HiddenDims...)
			mc.Params.HiddenDims[n-1] = tc.NumClasses
		}
	}
}

// decodeStrictYAML decodes a YAML file rejecting unknown keys and duplicate
// keys anywhere in the document.
func decodeStrictYAML(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := checkDuplicateKeys(&root); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// checkDuplicateKeys walks the YAML document and rejects mappings that name
// the same key twice. yaml.v3 silently keeps the last occurrence, which
// would make a duplicated hyperparameter a silent override.
func checkDuplicateKeys(n *yaml.Node) error {
	switch n.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, c := range n.Content {
			if err := checkDuplicateKeys(c); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		seen := make(map[string]int, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i], n.Content[i+1]
			if prev, ok := seen[key.Value]; ok {
				return fmt.Errorf("duplicate key %q at line %d (first defined at line %d)", key.Value, key.Line, prev)
			}
			seen[key.Value] = key.Line
			if err := checkDuplicateKeys(val); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeHparamsSnapshot records the fully-resolved run settings in the run
// directory. Every invocation gets a fresh run directory, so the snapshot
// is written exactly once per run.
func writeHparamsSnapshot(runDir string, cfg *TrainConfig, mc *ModelConfig, seed int64) error {
	path := filepath.Join(runDir, "hparams.yaml")

	snapshot := struct {
		Seed   int64        `yaml:"seed"`
		Config *TrainConfig `yaml:"config"`
		Model  *ModelConfig `yaml:"model"`
	}{Seed: seed, Config: cfg, Model: mc}

	out, err := yaml.Marshal(&snapshot)
	if err != nil {
		return fmt.Errorf("marshal hparams: %w", err)
	}
	if err := renameio.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write hparams snapshot: %w", err)
	}
	return nil
}
