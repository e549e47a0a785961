package ppo

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/kilnml/kiln/internal/adapter"
	"github.com/kilnml/kiln/internal/dist"
	"github.com/kilnml/kiln/internal/logger"
	"github.com/kilnml/kiln/internal/model"
	"github.com/kilnml/kiln/internal/tensor"
)

// fixedGenerator returns canned responses, decoupling collection tests from
// the sampling path.
type fixedGenerator struct {
	responses [][]int
}

func (g fixedGenerator) Generate(_ context.Context, _ [][]int) ([][]int, error) {
	return g.responses, nil
}

func testLogger() logger.Logger {
	return logger.New(slog.NewTextHandler(io.Discard, nil))
}

func testSwitcher(t *testing.T, multi bool) *adapter.Switcher {
	t.Helper()
	base := model.NewTinyLM(12, 6, 1)
	proj := tensor.NewMat(6, 12)
	tensor.FillRand(&proj, 2)
	bias := make([]float32, 12)
	policy := adapter.NewAdapter("default", 6, 2, 4, 3)
	var critic *adapter.Adapter
	if multi {
		critic = adapter.NewAdapter("critic", 6, 2, 4, 4)
	}
	criticHead := adapter.NewValueHead("v_head", 6)
	rewardWeight := make([]float32, 6)
	for i := range rewardWeight {
		rewardWeight[i] = 0.1 * float32(i+1)
	}
	rewardHead := adapter.NewFrozenValueHead("reward_head", rewardWeight, 0.05)

	s, err := adapter.NewSwitcher(base, proj, bias, policy, critic, criticHead, rewardHead)
	if err != nil {
		t.Fatalf("NewSwitcher: %v", err)
	}
	return s
}

func testCollector(t *testing.T, cfg Config, responses [][]int) *Collector {
	t.Helper()
	return NewCollector(cfg, testSwitcher(t, cfg.UseMultiAdapters),
		fixedGenerator{responses: responses}, dist.NewSingleProcess(), testLogger())
}

func collectCfg() Config {
	cfg := DefaultConfig()
	cfg.PadID = 0
	cfg.EOSID = 11
	return cfg
}

// Prompt lengths 3 and 5, response lengths 4 and 2, the canonical mixed
// batch: every per-token tensor must be exactly zero off the response mask
// and finite on it.
func TestCollectMaskInvariant(t *testing.T) {
	cfg := collectCfg()
	c := testCollector(t, cfg, [][]int{{7, 8, 9, 10}, {4, 5, 0, 0}})

	exp, err := c.Collect(context.Background(), [][]int{{0, 0, 1, 2, 3}, {1, 2, 3, 4, 5}})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if exp.Batch.SeqLen() != 7 {
		t.Fatalf("packed width %d, want 7", exp.Batch.SeqLen())
	}
	wantCols := exp.Batch.SeqLen() - 1
	for name, m := range map[string]*tensor.Mat{
		"rewards":    &exp.Rewards,
		"values":     &exp.Values,
		"advantages": &exp.Advantages,
		"returns":    &exp.Returns,
	} {
		if m.R != 2 || m.C != wantCols {
			t.Fatalf("%s is %dx%d, want 2x%d", name, m.R, m.C, wantCols)
		}
		for i := 0; i < m.R; i++ {
			for t2 := 0; t2 < m.C; t2++ {
				v := m.At(i, t2)
				if exp.Mask.At(i, t2) == 0 && v != 0 {
					t.Fatalf("%s[%d][%d] = %v outside the response mask", name, i, t2, v)
				}
				if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
					t.Fatalf("%s[%d][%d] = %v", name, i, t2, v)
				}
			}
		}
	}
}

// A fresh adapter is a no-op delta, so the policy and reference are the same
// distribution and the KL penalty vanishes: rewards reduce to the terminal
// score at the last response position.
func TestCollectRewardPlacement(t *testing.T) {
	cfg := collectCfg()
	c := testCollector(t, cfg, [][]int{{7, 8, 9, 10}, {4, 5, 0, 0}})

	exp, err := c.Collect(context.Background(), [][]int{{0, 0, 1, 2, 3}, {1, 2, 3, 4, 5}})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if math.Abs(float64(exp.KLMean)) > 1e-5 {
		t.Fatalf("fresh adapter produced KL %v", exp.KLMean)
	}
	for i := 0; i < 2; i++ {
		last := -1
		for t2 := exp.Rewards.C - 1; t2 >= 0; t2-- {
			if exp.Mask.At(i, t2) != 0 {
				last = t2
				break
			}
		}
		for t2 := 0; t2 < exp.Rewards.C; t2++ {
			r := exp.Rewards.At(i, t2)
			if t2 == last {
				if diff := math.Abs(float64(r - exp.RewardScore[i])); diff > 1e-5 {
					t.Fatalf("example %d: terminal reward %v, score %v", i, r, exp.RewardScore[i])
				}
			} else if math.Abs(float64(r)) > 1e-5 {
				t.Fatalf("example %d: reward %v at non-terminal position %d", i, r, t2)
			}
		}
	}
}

func TestCollectClipsRewardScore(t *testing.T) {
	cfg := collectCfg()
	clip := float32(1e-4)
	cfg.RewardScoreClip = &clip
	c := testCollector(t, cfg, [][]int{{7, 8, 9, 10}})

	exp, err := c.Collect(context.Background(), [][]int{{1, 2, 3}})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for i, s := range exp.RewardScore {
		if s < -clip || s > clip {
			t.Fatalf("example %d: score %v outside clip %v", i, s, clip)
		}
	}
}

func TestCollectAdvantageNormZeroesMean(t *testing.T) {
	cfg := collectCfg()
	cfg.UseAdvantageNorm = true
	c := testCollector(t, cfg, [][]int{{7, 8, 9, 10}, {4, 5, 6, 0}})

	exp, err := c.Collect(context.Background(), [][]int{{1, 2, 3}, {4, 5, 6}})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	mean := tensor.MaskedMean(&exp.Advantages, &exp.Mask)
	if math.Abs(float64(mean)) > 1e-4 {
		t.Fatalf("whitened advantage mean %v", mean)
	}
}

func TestCollectRejectsEmptyResponse(t *testing.T) {
	cfg := collectCfg()
	c := testCollector(t, cfg, [][]int{{0, 0, 0, 0}})

	_, err := c.Collect(context.Background(), [][]int{{1, 2, 3}})
	if !errors.Is(err, ErrDegenerateSequence) {
		t.Fatalf("got %v, want ErrDegenerateSequence", err)
	}
}

func TestCollectMultiAdapterUsesCriticValues(t *testing.T) {
	cfg := collectCfg()
	cfg.UseMultiAdapters = true
	c := testCollector(t, cfg, [][]int{{7, 8, 9, 10}})

	exp, err := c.Collect(context.Background(), [][]int{{1, 2, 3}})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	// A fresh critic head is all zeros, so values are zero regardless of
	// adapter; shapes and masking are still exercised end to end.
	for t2 := 0; t2 < exp.Values.C; t2++ {
		if exp.Mask.At(0, t2) == 0 && exp.Values.At(0, t2) != 0 {
			t.Fatalf("value leaked outside mask at %d", t2)
		}
	}
	if len(exp.RewardScore) != 1 {
		t.Fatalf("got %d reward scores", len(exp.RewardScore))
	}
}

func TestExperienceStatsKeys(t *testing.T) {
	cfg := collectCfg()
	c := testCollector(t, cfg, [][]int{{7, 8, 9, 10}})

	exp, err := c.Collect(context.Background(), [][]int{{1, 2, 3}})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	stats := exp.Stats()
	for _, key := range []string{
		"exp_data/reward_score_mean", "exp_data/reward_score_var",
		"exp_data/kl", "exp_data/kl_penalty_mean", "exp_data/kl_penalty_var",
		"exp_data/rewards_with_kl_penalty_mean", "exp_data/rewards_with_kl_penalty_var",
		"exp_data/actor_perplexity", "exp_data/ref_perplexity",
		"actor/advantages_mean", "actor/advantages_var",
		"critic/returns_mean", "critic/returns_var",
		"critic/values_mean", "critic/values_var",
		"length/prompts_length_mean", "length/prompts_length_var",
		"length/responses_length_mean", "length/responses_length_var",
	} {
		v, ok := stats[key]
		if !ok {
			t.Fatalf("missing stat %q", key)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("stat %q = %v", key, v)
		}
	}
	if stats["length/prompts_length_mean"] != 3 || stats["length/responses_length_mean"] != 4 {
		t.Fatalf("lengths %v / %v, want 3 / 4",
			stats["length/prompts_length_mean"], stats["length/responses_length_mean"])
	}
	// A single example has zero spread.
	if stats["length/prompts_length_var"] != 0 || stats["exp_data/reward_score_var"] != 0 {
		t.Fatal("single-example variance is not zero")
	}
	// A fresh adapter replays the reference exactly, so the shaped rewards
	// carry no penalty mass beyond the terminal score.
	if v := stats["exp_data/kl_penalty_mean"]; v != 0 {
		t.Fatalf("kl penalty mean %v with an untrained policy, want 0", v)
	}
}

// One prompt, one response, a zero-initialized critic head and a fresh
// policy adapter: values are exactly zero, the only reward is the terminal
// score, and the discounted advantage recursion collapses to a closed form
// the whole collection pipeline must reproduce tensor for tensor.
func TestCollectAdvantagesMatchClosedForm(t *testing.T) {
	cfg := collectCfg()
	cfg.Gamma = 0.99
	cfg.Lam = 0.95
	cfg.UseAdvantageNorm = false
	c := testCollector(t, cfg, [][]int{{7, 8, 9, 10}})

	exp, err := c.Collect(context.Background(), [][]int{{1, 2, 3}})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	last := -1
	for t2 := exp.Mask.C - 1; t2 >= 0; t2-- {
		if exp.Mask.At(0, t2) != 0 {
			last = t2
			break
		}
	}
	if last < 0 {
		t.Fatal("response mask is empty")
	}
	score := exp.RewardScore[0]
	if score == 0 {
		t.Fatal("terminal score is zero, the scenario needs a nonzero reward")
	}

	for t2 := 0; t2 < exp.Values.C; t2++ {
		if v := exp.Values.At(0, t2); v != 0 {
			t.Fatalf("value at %d is %v, want 0 from a zero-initialized head", t2, v)
		}
	}
	for t2 := 0; t2 < exp.Rewards.C; t2++ {
		want := float32(0)
		if t2 == last {
			want = score
		}
		if r := exp.Rewards.At(0, t2); r != want {
			t.Fatalf("reward at %d is %v, want %v", t2, r, want)
		}
	}

	// adv_t = (gamma*lam)^(last-t) * score on masked positions, zero off.
	factor := cfg.Gamma * cfg.Lam
	want := make([]float32, exp.Advantages.C)
	carry := score
	for t2 := last; t2 >= 0; t2-- {
		if exp.Mask.At(0, t2) != 0 {
			want[t2] = carry
		}
		carry *= factor
	}
	for t2 := 0; t2 < exp.Advantages.C; t2++ {
		adv := exp.Advantages.At(0, t2)
		if math.Abs(float64(adv-want[t2])) > 1e-5 {
			t.Fatalf("advantage at %d is %v, want %v", t2, adv, want[t2])
		}
		// Zero values make returns coincide with advantages exactly.
		if ret := exp.Returns.At(0, t2); ret != adv {
			t.Fatalf("return at %d is %v, want %v", t2, ret, adv)
		}
	}
}
