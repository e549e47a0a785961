package rollout

import (
	"context"
	"testing"

	"github.com/kilnml/kiln/internal/adapter"
	"github.com/kilnml/kiln/internal/model"
	"github.com/kilnml/kiln/internal/tensor"
)

func testGenSwitcher(t *testing.T) *adapter.Switcher {
	t.Helper()
	base := model.NewTinyLM(12, 6, 1)
	proj := tensor.NewMat(6, 12)
	tensor.FillRand(&proj, 2)
	bias := make([]float32, 12)
	policy := adapter.NewAdapter("default", 6, 2, 4, 3)
	criticHead := adapter.NewValueHead("v_head", 6)
	rewardHead := adapter.NewFrozenValueHead("reward_head", make([]float32, 6), 0)

	s, err := adapter.NewSwitcher(base, proj, bias, policy, nil, criticHead, rewardHead)
	if err != nil {
		t.Fatalf("NewSwitcher: %v", err)
	}
	return s
}

func TestGenerateRespectsTokenBudget(t *testing.T) {
	g, err := NewPolicyGenerator(testGenSwitcher(t), GenConfig{
		MinNewTokens: 2,
		MaxNewTokens: 5,
		PadID:        0,
		EOSID:        1,
	})
	if err != nil {
		t.Fatalf("NewPolicyGenerator: %v", err)
	}

	prompts := [][]int{{0, 0, 3, 4}, {5, 6, 7}}
	responses, err := g.Generate(context.Background(), prompts)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(responses) != 2 {
		t.Fatalf("got %d responses", len(responses))
	}
	width := len(responses[0])
	for i, r := range responses {
		if len(r) != width {
			t.Fatalf("response %d not padded to batch width", i)
		}
		real := 0
		for _, id := range r {
			if id != 0 {
				real++
			}
		}
		if real > 5 {
			t.Fatalf("response %d has %d tokens, budget is 5", i, real)
		}
	}
}

func TestGenerateRejectsBadBudget(t *testing.T) {
	if _, err := NewPolicyGenerator(testGenSwitcher(t), GenConfig{MaxNewTokens: 0}); err == nil {
		t.Fatal("zero max new tokens accepted")
	}
	if _, err := NewPolicyGenerator(testGenSwitcher(t), GenConfig{MinNewTokens: 9, MaxNewTokens: 4}); err == nil {
		t.Fatal("min > max accepted")
	}
}

func TestGenerateHonoursCancellation(t *testing.T) {
	g, err := NewPolicyGenerator(testGenSwitcher(t), GenConfig{MaxNewTokens: 1000, PadID: 0, EOSID: -1})
	if err != nil {
		t.Fatalf("NewPolicyGenerator: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.Generate(ctx, [][]int{{1, 2}}); err == nil {
		t.Fatal("cancelled context did not stop generation")
	}
}
