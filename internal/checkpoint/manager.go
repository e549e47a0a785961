// Package checkpoint persists and restores the trainable state: adapter
// weights and value heads as safetensors containers, plus the run
// configuration next to them.  The frozen backbone is never written.
package checkpoint

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/kilnml/kiln/internal/adapter"
	"github.com/kilnml/kiln/internal/logger"
	"github.com/kilnml/kiln/internal/ppo"
	"github.com/kilnml/kiln/internal/safetensors"
)

const (
	// AdapterModelFile holds the adapter and head weights of one role.
	AdapterModelFile = "adapter_model.safetensors"
	// AdapterConfigFile describes the adapter layout.
	AdapterConfigFile = "adapter_config.json"
	// TrainingArgsFile preserves the configuration the run trained under.
	TrainingArgsFile = "training_args.yaml"
)

// adapterConfig mirrors the PEFT adapter descriptor, so checkpoints read
// back into the Python tooling that produced the base models.
type adapterConfig struct {
	PeftType      string   `json:"peft_type"`
	R             int      `json:"r"`
	LoraAlpha     float32  `json:"lora_alpha"`
	TargetModules []string `json:"target_modules"`
	TaskType      string   `json:"task_type"`
}

// Manager writes step checkpoints for one switcher.  Only the coordinating
// process holds a Manager with a writable output directory.
type Manager struct {
	cfg ppo.Config
	sw  *adapter.Switcher
	log logger.Logger
}

// NewManager builds a manager over the switcher's trainable state.
func NewManager(cfg ppo.Config, sw *adapter.Switcher, log logger.Logger) *Manager {
	return &Manager{cfg: cfg, sw: sw, log: log}
}

// Save writes checkpoint-<step> under the output directory: the policy
// adapter merged with the critic value head, the adapter descriptor, the
// training configuration, and the tokenizer artifact when one is
// configured.  In multi-adapter mode the critic adapter lands in its own
// checkpoint under the critic output directory.  Each directory is staged
// and renamed, so readers never observe a half-written checkpoint.
func (m *Manager) Save(step int) error {
	if err := m.saveRole(m.cfg.OutputDir, step, m.sw.PolicyAdapter()); err != nil {
		return fmt.Errorf("save policy checkpoint: %w", err)
	}
	if m.sw.MultiAdapter() {
		dir := m.cfg.CriticOutputDir
		if dir == "" {
			dir = filepath.Join(m.cfg.OutputDir, "critic")
		}
		if err := m.saveRole(dir, step, m.sw.CriticAdapter()); err != nil {
			return fmt.Errorf("save critic checkpoint: %w", err)
		}
	}
	return nil
}

func (m *Manager) saveRole(outDir string, step int, ad *adapter.Adapter) error {
	if outDir == "" {
		return fmt.Errorf("empty output directory")
	}
	final := filepath.Join(outDir, fmt.Sprintf("checkpoint-%d", step))
	staging := filepath.Join(outDir, fmt.Sprintf(".tmp-checkpoint-%d", step))
	if err := os.RemoveAll(staging); err != nil {
		return err
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(staging) }()

	if err := m.writeAdapterModel(filepath.Join(staging, AdapterModelFile), ad); err != nil {
		return err
	}
	if err := m.writeAdapterConfig(filepath.Join(staging, AdapterConfigFile), ad); err != nil {
		return err
	}
	if err := m.writeTrainingArgs(filepath.Join(staging, TrainingArgsFile)); err != nil {
		return err
	}
	if m.cfg.TokenizerPath != "" {
		dst := filepath.Join(staging, filepath.Base(m.cfg.TokenizerPath))
		if err := copyFile(dst, m.cfg.TokenizerPath); err != nil {
			return fmt.Errorf("copy tokenizer artifact: %w", err)
		}
	}

	if err := os.RemoveAll(final); err != nil {
		return err
	}
	if err := os.Rename(staging, final); err != nil {
		return err
	}
	m.log.Debug("wrote checkpoint", "dir", final, "adapter", ad.Name)
	return nil
}

// writeAdapterModel serializes the adapter factors together with the critic
// head, matching the merged key layout the training heads load from.
func (m *Manager) writeAdapterModel(path string, ad *adapter.Adapter) error {
	down, up := ad.Snapshot()
	head := m.sw.CriticHead()

	w := safetensors.NewWriter()
	w.SetMetadata(map[string]string{"format": "pt"})
	if err := w.AddF32(ad.Name+".lora_down", []int{down.R, down.C}, down.Data); err != nil {
		return err
	}
	if err := w.AddF32(ad.Name+".lora_up", []int{up.R, up.C}, up.Data); err != nil {
		return err
	}
	if err := w.AddF32(head.Name+".summary.weight", []int{len(head.Weight)}, append([]float32(nil), head.Weight...)); err != nil {
		return err
	}
	if err := w.AddF32(head.Name+".summary.bias", []int{1}, []float32{head.Bias()}); err != nil {
		return err
	}
	return w.Save(path)
}

func (m *Manager) writeAdapterConfig(path string, ad *adapter.Adapter) error {
	cfg := adapterConfig{
		PeftType:      "LORA",
		R:             ad.Rank,
		LoraAlpha:     ad.Alpha,
		TargetModules: m.cfg.LoraTargetNames,
		TaskType:      "CAUSAL_LM",
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (m *Manager) writeTrainingArgs(path string) error {
	data, err := yaml.Marshal(m.cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadAdapterModel restores adapter factors and head weights from a
// checkpoint directory written by Save.  The adapter and head shapes must
// already match; this is a weight restore, not a re-shape.
func LoadAdapterModel(dir string, ad *adapter.Adapter, head *adapter.ValueHead) error {
	f, err := safetensors.Open(filepath.Join(dir, AdapterModelFile))
	if err != nil {
		return err
	}

	down, _, err := f.ReadTensorF32(ad.Name + ".lora_down")
	if err != nil {
		return err
	}
	up, _, err := f.ReadTensorF32(ad.Name + ".lora_up")
	if err != nil {
		return err
	}
	if len(down) != len(ad.Down.Data) || len(up) != len(ad.Up.Data) {
		return fmt.Errorf("adapter %s: checkpoint shapes do not match", ad.Name)
	}
	copy(ad.Down.Data, down)
	copy(ad.Up.Data, up)

	if head != nil {
		weight, _, err := f.ReadTensorF32(head.Name + ".summary.weight")
		if err != nil {
			return err
		}
		bias, _, err := f.ReadTensorF32(head.Name + ".summary.bias")
		if err != nil {
			return err
		}
		if len(weight) != len(head.Weight) || len(bias) != 1 {
			return fmt.Errorf("head %s: checkpoint shapes do not match", head.Name)
		}
		copy(head.Weight, weight)
		head.SetBias(bias[0])
	}
	return nil
}

// LoadValueHead reads pretrained head weights from a standalone safetensors
// artifact, used to bring up the frozen reward head.
func LoadValueHead(path, name string) (weight []float32, bias float32, err error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, 0, err
	}
	weight, _, err = f.ReadTensorF32(name + ".summary.weight")
	if err != nil {
		return nil, 0, err
	}
	b, _, err := f.ReadTensorF32(name + ".summary.bias")
	if err != nil {
		return nil, 0, err
	}
	if len(b) != 1 {
		return nil, 0, fmt.Errorf("head %s: bias has %d elements", name, len(b))
	}
	return weight, b[0], nil
}

func copyFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
