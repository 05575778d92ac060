package main

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func checkpointTestSetup(t *testing.T) (*TrainConfig, *CMamba, *AdamOptimizer) {
	t.Helper()
	cfg := classificationTestConfig()
	cmCfg := CMambaConfig{NumFeatures: 4, WindowSize: 6, HiddenDims: []int{6, 3}, Cls: true, Mode: "default"}
	model := NewCMamba(cmCfg, rand.New(rand.NewSource(23)))
	opt := NewAdamOptimizer(model.Parameters(), 0.9, 0.999, 1e-8, 0)
	return cfg, model, opt
}

func TestCheckpointRoundTrip(t *testing.T) {
	cfg, model, opt := checkpointTestSetup(t)

	// Take one optimizer step so the moment buffers are non-trivial.
	x := NewTensorRand(rand.New(rand.NewSource(1)), 1.0, 4, 6)
	out, cache := model.ForwardWithCache(x)
	model.Backward(CrossEntropyBackward(out, ClassUp), cache)
	opt.Step(model.Parameters(), 1e-3)

	factors := Factors{"Close": {Min: 100, Max: 200}}
	path := filepath.Join(t.TempDir(), "best.ckpt")
	ck := NewCheckpoint("run-1", model, opt, cfg, factors, 7, 123, 0.61, 23)
	require.NoError(t, SaveCheckpoint(path, ck))

	loaded, err := LoadCheckpoint(path)
	require.NoError(t, err)

	h := loaded.Header
	require.Equal(t, "run-1", h.RunID)
	require.Equal(t, model.Config(), h.Model)
	require.Equal(t, "classification", h.TaskType)
	require.Equal(t, cfg.Threshold, h.Threshold)
	require.Equal(t, factors, h.Factors)
	require.Equal(t, "adam", h.Optimizer)
	require.Equal(t, 7, h.Epoch)
	require.Equal(t, 123, h.Step)
	require.Equal(t, 0.61, h.BestMetric)
	require.Equal(t, int64(23), h.Seed)
	require.Equal(t, 1, h.AdamStep)

	// Weights survive bit-exact.
	for i, p := range model.Parameters() {
		require.Equal(t, p.data, loaded.params[i].data, "tensor %d", i)
	}
	m, v, _ := opt.Moments()
	for i := range m {
		require.Equal(t, m[i].data, loaded.adamM[i].data, "moment m %d", i)
		require.Equal(t, v[i].data, loaded.adamV[i].data, "moment v %d", i)
	}
}

func TestCheckpointRestoreResumesAdam(t *testing.T) {
	cfg, model, opt := checkpointTestSetup(t)

	x := NewTensorRand(rand.New(rand.NewSource(1)), 1.0, 4, 6)
	out, cache := model.ForwardWithCache(x)
	model.Backward(CrossEntropyBackward(out, ClassDown), cache)
	opt.Step(model.Parameters(), 1e-3)

	path := filepath.Join(t.TempDir(), "last.ckpt")
	require.NoError(t, SaveCheckpoint(path, NewCheckpoint("run-2", model, opt, cfg, nil, 0, 10, 0.5, 23)))

	loaded, err := LoadCheckpoint(path)
	require.NoError(t, err)

	fresh := NewCMamba(model.Config(), rand.New(rand.NewSource(99)))
	freshOpt := NewAdamOptimizer(fresh.Parameters(), 0.9, 0.999, 1e-8, 0)
	require.NoError(t, loaded.Restore(fresh, freshOpt))

	for i, p := range model.Parameters() {
		require.Equal(t, p.data, fresh.Parameters()[i].data, "tensor %d", i)
	}
	_, _, step := freshOpt.Moments()
	require.Equal(t, 1, step)
}

func TestCheckpointNewModel(t *testing.T) {
	cfg, model, opt := checkpointTestSetup(t)
	path := filepath.Join(t.TempDir(), "model.ckpt")
	require.NoError(t, SaveCheckpoint(path, NewCheckpoint("run-3", model, opt, cfg, nil, 0, 0, 0, 23)))

	loaded, err := LoadCheckpoint(path)
	require.NoError(t, err)
	restored, err := loaded.NewModel()
	require.NoError(t, err)

	x := NewTensorRand(rand.New(rand.NewSource(5)), 1.0, 4, 6)
	require.Equal(t, model.Forward(x).data, restored.Forward(x).data)
}

func TestCheckpointSGDOmitsMoments(t *testing.T) {
	cfg, model, _ := checkpointTestSetup(t)
	sgd := NewSGDOptimizer(0)

	withAdam := filepath.Join(t.TempDir(), "adam.ckpt")
	withSGD := filepath.Join(t.TempDir(), "sgd.ckpt")
	adam := NewAdamOptimizer(model.Parameters(), 0.9, 0.999, 1e-8, 0)
	adam.Step(model.Parameters(), 0) // t=1 so moments are recorded

	require.NoError(t, SaveCheckpoint(withAdam, NewCheckpoint("a", model, adam, cfg, nil, 0, 0, 0, 1)))
	require.NoError(t, SaveCheckpoint(withSGD, NewCheckpoint("s", model, sgd, cfg, nil, 0, 0, 0, 1)))

	adamInfo, err := os.Stat(withAdam)
	require.NoError(t, err)
	sgdInfo, err := os.Stat(withSGD)
	require.NoError(t, err)
	require.Greater(t, adamInfo.Size(), sgdInfo.Size())

	loaded, err := LoadCheckpoint(withSGD)
	require.NoError(t, err)
	require.Zero(t, loaded.Header.AdamStep)
	require.Nil(t, loaded.adamM)
}

func TestLoadCheckpointMissingFile(t *testing.T) {
	_, err := LoadCheckpoint(filepath.Join(t.TempDir(), "nope.ckpt"))
	require.Error(t, err)
}

func TestCheckpointRestoreShapeMismatch(t *testing.T) {
	cfg, model, opt := checkpointTestSetup(t)
	path := filepath.Join(t.TempDir(), "shape.ckpt")
	require.NoError(t, SaveCheckpoint(path, NewCheckpoint("m", model, opt, cfg, nil, 0, 0, 0, 1)))

	loaded, err := LoadCheckpoint(path)
	require.NoError(t, err)

	other := NewCMamba(CMambaConfig{NumFeatures: 4, WindowSize: 8, HiddenDims: []int{8, 3}, Cls: true},
		rand.New(rand.NewSource(1)))
	require.Error(t, loaded.Restore(other, NewSGDOptimizer(0)))
}
