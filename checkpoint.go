package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/google/renameio/v2"
)

// ===========================================================================
// CHECKPOINTS
// ===========================================================================
//
// Format: a uint32 length-prefixed JSON header followed by raw little-endian
// float64 tensor data. Tensor shapes are not stored; the header's model
// config rebuilds the architecture and tensors are read back in
// Parameters() order. When the header records an Adam step, the first and
// second moment buffers follow the weights in the same order, so a resumed
// run continues with warm optimizer state.
//
// Writes go through renameio: a half-written best.ckpt must never replace
// a good one.
//
// ===========================================================================

type checkpointHeader struct {
	RunID      string       `json:"run_id"`
	SavedAt    time.Time    `json:"saved_at"`
	Model      CMambaConfig `json:"model"`
	TaskType   string       `json:"task_type"`
	Threshold  float64      `json:"threshold"`
	UseVolume  bool         `json:"use_volume"`
	Factors    Factors      `json:"factors,omitempty"`
	Optimizer  string       `json:"optimizer"`
	Epoch      int          `json:"epoch"`
	Step       int          `json:"step"`
	BestMetric float64      `json:"best_metric"`
	Seed       int64        `json:"seed"`
	NumParams  int          `json:"num_params"`
	AdamStep   int          `json:"adam_step,omitempty"`
}

// Checkpoint is a saved training state: weights plus optional optimizer
// moments.
type Checkpoint struct {
	Header checkpointHeader

	params []*Tensor
	adamM  []*Tensor
	adamV  []*Tensor
}

// NewCheckpoint snapshots the current training state. The tensors are
// referenced, not copied; save before the next optimizer step mutates
// them.
func NewCheckpoint(runID string, model *CMamba, opt Optimizer, cfg *TrainConfig, factors Factors, epoch, step int, bestMetric float64, seed int64) *Checkpoint {
	ck := &Checkpoint{
		Header: checkpointHeader{
			RunID:      runID,
			SavedAt:    time.Now().UTC(),
			Model:      model.Config(),
			TaskType:   cfg.TaskType,
			Threshold:  cfg.Threshold,
			UseVolume:  cfg.UseVolume,
			Factors:    factors,
			Optimizer:  cfg.Hyperparams.Optimizer,
			Epoch:      epoch,
			Step:       step,
			BestMetric: bestMetric,
			Seed:       seed,
			NumParams:  len(model.Parameters()),
		},
		params: model.Parameters(),
	}
	if adam, ok := opt.(*AdamOptimizer); ok {
		m, v, t := adam.Moments()
		ck.adamM, ck.adamV = m, v
		ck.Header.AdamStep = t
	}
	return ck
}

// SaveCheckpoint writes the checkpoint atomically.
func SaveCheckpoint(path string, ck *Checkpoint) error {
	var buf bytes.Buffer

	headerJSON, err := json.Marshal(ck.Header)
	if err != nil {
		return fmt.Errorf("marshal checkpoint header: %w", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(headerJSON))); err != nil {
		return err
	}
	buf.Write(headerJSON)

	writeTensors := func(ts []*Tensor) error {
		for _, t := range ts {
			if err := binary.Write(&buf, binary.LittleEndian, t.data); err != nil {
				return err
			}
		}
		return nil
	}
	if err := writeTensors(ck.params); err != nil {
		return fmt.Errorf("write weights: %w", err)
	}
	if ck.Header.AdamStep > 0 {
		if err := writeTensors(ck.adamM); err != nil {
			return fmt.Errorf("write first moments: %w", err)
		}
		if err := writeTensors(ck.adamV); err != nil {
			return fmt.Errorf("write second moments: %w", err)
		}
	}

	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint from disk.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	var headerLen uint32
	if err := binary.Read(f, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("%s: read header length: %w", path, err)
	}
	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerJSON); err != nil {
		return nil, fmt.Errorf("%s: read header: %w", path, err)
	}

	ck := &Checkpoint{}
	if err := json.Unmarshal(headerJSON, &ck.Header); err != nil {
		return nil, fmt.Errorf("%s: parse header: %w", path, err)
	}

	// Rebuild the architecture to recover tensor shapes; the seed is
	// irrelevant, every value is overwritten below.
	scaffold := NewCMamba(ck.Header.Model, rand.New(rand.NewSource(0)))
	ck.params = scaffold.Parameters()
	if len(ck.params) != ck.Header.NumParams {
		return nil, fmt.Errorf("%s: header claims %d tensors, model has %d", path, ck.Header.NumParams, len(ck.params))
	}

	readTensors := func(ts []*Tensor) error {
		for _, t := range ts {
			if err := binary.Read(f, binary.LittleEndian, t.data); err != nil {
				return err
			}
		}
		return nil
	}
	if err := readTensors(ck.params); err != nil {
		return nil, fmt.Errorf("%s: read weights: %w", path, err)
	}
	if ck.Header.AdamStep > 0 {
		ck.adamM = make([]*Tensor, len(ck.params))
		ck.adamV = make([]*Tensor, len(ck.params))
		for i, p := range ck.params {
			ck.adamM[i] = NewTensor(p.shape...)
			ck.adamV[i] = NewTensor(p.shape...)
		}
		if err := readTensors(ck.adamM); err != nil {
			return nil, fmt.Errorf("%s: read first moments: %w", path, err)
		}
		if err := readTensors(ck.adamV); err != nil {
			return nil, fmt.Errorf("%s: read second moments: %w", path, err)
		}
	}
	return ck, nil
}

// Restore copies the checkpointed weights into model and, when both sides
// are Adam, the optimizer moments.
func (ck *Checkpoint) Restore(model *CMamba, opt Optimizer) error {
	dst := model.Parameters()
	if len(dst) != len(ck.params) {
		return fmt.Errorf("checkpoint has %d tensors, model has %d", len(ck.params), len(dst))
	}
	for i := range dst {
		if dst[i].Size() != ck.params[i].Size() {
			return fmt.Errorf("tensor %d: checkpoint shape %v, model shape %v", i, ck.params[i].shape, dst[i].shape)
		}
		dst[i].CopyDataFrom(ck.params[i])
	}

	if adam, ok := opt.(*AdamOptimizer); ok && ck.Header.AdamStep > 0 {
		return adam.RestoreMoments(ck.adamM, ck.adamV, ck.Header.AdamStep)
	}
	return nil
}

// NewModel builds a model holding the checkpointed weights.
func (ck *Checkpoint) NewModel() (*CMamba, error) {
	model := NewCMamba(ck.Header.Model, rand.New(rand.NewSource(0)))
	for i, p := range model.Parameters() {
		p.CopyDataFrom(ck.params[i])
	}
	return model, nil
}
