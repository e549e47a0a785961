package checkpoint

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/kilnml/kiln/internal/adapter"
	"github.com/kilnml/kiln/internal/logger"
	"github.com/kilnml/kiln/internal/model"
	"github.com/kilnml/kiln/internal/ppo"
	"github.com/kilnml/kiln/internal/safetensors"
	"github.com/kilnml/kiln/internal/tensor"
)

func testLogger() logger.Logger {
	return logger.New(slog.NewTextHandler(io.Discard, nil))
}

func testSwitcher(t *testing.T, multi bool) *adapter.Switcher {
	t.Helper()
	base := model.NewTinyLM(10, 4, 1)
	proj := tensor.NewMat(4, 10)
	tensor.FillRand(&proj, 2)
	policy := adapter.NewAdapter("default", 4, 2, 4, 3)
	var critic *adapter.Adapter
	if multi {
		critic = adapter.NewAdapter("critic", 4, 2, 4, 4)
	}
	criticHead := adapter.NewValueHead("v_head", 4)
	criticHead.Weight[0] = 0.5
	criticHead.SetBias(-0.1)
	rewardHead := adapter.NewFrozenValueHead("reward_head", make([]float32, 4), 0)

	s, err := adapter.NewSwitcher(base, proj, make([]float32, 10), policy, critic, criticHead, rewardHead)
	if err != nil {
		t.Fatalf("NewSwitcher: %v", err)
	}
	return s
}

func testConfig(dir string) ppo.Config {
	cfg := ppo.DefaultConfig()
	cfg.SFTModelPath = "sft"
	cfg.RewardHeadPath = "reward"
	cfg.OutputDir = dir
	return cfg
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sw := testSwitcher(t, false)
	sw.PolicyAdapter().Up.Set(0, 1, 0.75)

	m := NewManager(testConfig(dir), sw, testLogger())
	if err := m.Save(40); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ckptDir := filepath.Join(dir, "checkpoint-40")
	for _, name := range []string{AdapterModelFile, AdapterConfigFile, TrainingArgsFile} {
		if _, err := os.Stat(filepath.Join(ckptDir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}

	restored := adapter.NewAdapter("default", 4, 2, 4, 99)
	head := adapter.NewValueHead("v_head", 4)
	if err := LoadAdapterModel(ckptDir, restored, head); err != nil {
		t.Fatalf("LoadAdapterModel: %v", err)
	}
	if restored.Up.At(0, 1) != 0.75 {
		t.Fatalf("lora_up not restored: %v", restored.Up.At(0, 1))
	}
	for i, v := range sw.PolicyAdapter().Down.Data {
		if restored.Down.Data[i] != v {
			t.Fatalf("lora_down element %d differs", i)
		}
	}
	if head.Weight[0] != 0.5 || head.Bias() != -0.1 {
		t.Fatalf("head not restored: weight %v bias %v", head.Weight[0], head.Bias())
	}
}

func TestSaveMultiAdapterWritesCriticDir(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(filepath.Join(dir, "policy"))
	cfg.UseMultiAdapters = true
	cfg.CriticOutputDir = filepath.Join(dir, "critic")
	sw := testSwitcher(t, true)

	if err := NewManager(cfg, sw, testLogger()).Save(5); err != nil {
		t.Fatalf("Save: %v", err)
	}

	f, err := safetensors.Open(filepath.Join(cfg.CriticOutputDir, "checkpoint-5", AdapterModelFile))
	if err != nil {
		t.Fatalf("open critic checkpoint: %v", err)
	}
	if _, ok := f.Tensor("critic.lora_down"); !ok {
		t.Fatalf("critic checkpoint holds %v", f.Names())
	}
	if _, ok := f.Tensor("v_head.summary.weight"); !ok {
		t.Fatal("critic checkpoint missing value head")
	}
}

func TestSaveCopiesTokenizerArtifact(t *testing.T) {
	dir := t.TempDir()
	tok := filepath.Join(dir, "tokenizer.json")
	if err := os.WriteFile(tok, []byte(`{"vocab":{}}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg := testConfig(filepath.Join(dir, "out"))
	cfg.TokenizerPath = tok

	if err := NewManager(cfg, testSwitcher(t, false), testLogger()).Save(1); err != nil {
		t.Fatalf("Save: %v", err)
	}
	copied, err := os.ReadFile(filepath.Join(cfg.OutputDir, "checkpoint-1", "tokenizer.json"))
	if err != nil {
		t.Fatalf("tokenizer not copied: %v", err)
	}
	if string(copied) != `{"vocab":{}}` {
		t.Fatalf("tokenizer content %q", copied)
	}
}

func TestSaveLeavesNoStagingDirBehind(t *testing.T) {
	dir := t.TempDir()
	if err := NewManager(testConfig(dir), testSwitcher(t, false), testLogger()).Save(7); err != nil {
		t.Fatalf("Save: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "checkpoint-7" {
			t.Fatalf("unexpected entry %q", e.Name())
		}
	}
}

func TestLoadValueHead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reward.safetensors")
	w := safetensors.NewWriter()
	if err := w.AddF32("reward_head.summary.weight", []int{3}, []float32{0.1, 0.2, 0.3}); err != nil {
		t.Fatalf("AddF32: %v", err)
	}
	if err := w.AddF32("reward_head.summary.bias", []int{1}, []float32{0.5}); err != nil {
		t.Fatalf("AddF32: %v", err)
	}
	if err := w.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	weight, bias, err := LoadValueHead(path, "reward_head")
	if err != nil {
		t.Fatalf("LoadValueHead: %v", err)
	}
	if len(weight) != 3 || weight[2] != 0.3 || bias != 0.5 {
		t.Fatalf("weight %v bias %v", weight, bias)
	}
}
