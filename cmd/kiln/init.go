package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/kilnml/kiln/internal/model"
	"github.com/kilnml/kiln/internal/ppo"
	"github.com/kilnml/kiln/internal/safetensors"
	"github.com/kilnml/kiln/internal/tensor"
)

func initCmd() *cli.Command {
	var (
		dir    string
		vocab  int64
		hidden int64
		seed   int64
	)

	return &cli.Command{
		Name:  "init",
		Usage: "Scaffold a self-contained demo workspace: SFT model, reward head, corpora and config",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "dir",
				Aliases:     []string{"d"},
				Usage:       "workspace directory to populate",
				Value:       "kiln-demo",
				Destination: &dir,
			},
			&cli.Int64Flag{
				Name:        "vocab",
				Usage:       "vocabulary size of the demo backbone",
				Value:       256,
				Destination: &vocab,
			},
			&cli.Int64Flag{
				Name:        "hidden",
				Usage:       "hidden size of the demo backbone",
				Value:       32,
				Destination: &hidden,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "seed for the demo weights and corpora",
				Value:       1,
				Destination: &seed,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return scaffold(dir, int(vocab), int(hidden), seed)
		},
	}
}

func scaffold(dir string, vocab, hidden int, seed int64) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	sftPath := filepath.Join(dir, "sft_model.safetensors")
	base := model.NewTinyLM(vocab, hidden, seed)
	proj := tensor.NewMat(hidden, vocab)
	tensor.FillRand(&proj, seed+1)
	bias := make([]float32, vocab)
	if err := model.SaveTinyLM(sftPath, base, &proj, bias); err != nil {
		return fmt.Errorf("write SFT model: %w", err)
	}

	rewardPath := filepath.Join(dir, "reward_head.safetensors")
	if err := writeRewardHead(rewardPath, hidden, seed+2); err != nil {
		return fmt.Errorf("write reward head: %w", err)
	}

	promptsPath := filepath.Join(dir, "prompts.json")
	if err := writeTokenCorpus(promptsPath, 128, 4, 16, vocab, seed+3); err != nil {
		return fmt.Errorf("write prompts: %w", err)
	}
	extraPath := filepath.Join(dir, "extra.json")
	if err := writeTokenCorpus(extraPath, 64, 8, 24, vocab, seed+4); err != nil {
		return fmt.Errorf("write auxiliary corpus: %w", err)
	}

	cfg := ppo.DefaultConfig()
	cfg.SFTModelPath = sftPath
	cfg.RewardHeadPath = rewardPath
	cfg.PromptDataPath = promptsPath
	cfg.ExtraDataPath = extraPath
	cfg.OutputDir = filepath.Join(dir, "output")
	cfg.MaxSteps = 20
	cfg.MaxResponseLength = 16
	cfg.SaveSteps = 10
	cfg.LoggingSteps = 1
	cfg.ExtraLossWeight = 0.1
	cfg.Seed = seed
	cfgData, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	cfgPath := filepath.Join(dir, "train.yaml")
	if err := os.WriteFile(cfgPath, cfgData, 0o644); err != nil {
		return err
	}

	fmt.Printf("workspace ready: %s\n", dir)
	fmt.Printf("run: kiln train --config %s\n", cfgPath)
	return nil
}

func writeRewardHead(path string, hidden int, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	weight := make([]float32, hidden)
	for i := range weight {
		weight[i] = (rng.Float32() - 0.5) * 0.2
	}
	w := safetensors.NewWriter()
	w.SetMetadata(map[string]string{"format": "pt"})
	if err := w.AddF32("reward_head.summary.weight", []int{hidden}, weight); err != nil {
		return err
	}
	if err := w.AddF32("reward_head.summary.bias", []int{1}, []float32{0}); err != nil {
		return err
	}
	return w.Save(path)
}

func writeTokenCorpus(path string, sequences, minLen, maxLen, vocab int, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	seqs := make([][]int, sequences)
	for i := range seqs {
		n := minLen + rng.Intn(maxLen-minLen+1)
		seq := make([]int, n)
		for j := range seq {
			seq[j] = 1 + rng.Intn(vocab-1)
		}
		seqs[i] = seq
	}
	data, err := json.MarshalIndent(seqs, "", " ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
