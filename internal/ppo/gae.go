package ppo

import "github.com/kilnml/kiln/internal/tensor"

// GAE computes generalized advantage estimates and returns for one batch of
// masked token-level rewards and value predictions, all [B x T] with the
// same mask.  The recursion runs backward over time:
//
//	delta_t = r_t + gamma*v_{t+1} - v_t
//	gae_t   = delta_t + gamma*lam*gae_{t+1}
//
// v_{T} is taken as zero.  Inputs are expected pre-masked, so padded
// positions contribute zero through the recursion.  Returns are advantages
// plus values; both outputs are re-masked before returning.
func GAE(rewards, values, mask *tensor.Mat, gamma, lam float32) (adv, returns tensor.Mat) {
	b, n := rewards.R, rewards.C
	adv = tensor.NewMat(b, n)
	returns = tensor.NewMat(b, n)

	for i := 0; i < b; i++ {
		rr, vr := rewards.Row(i), values.Row(i)
		ar, gr := adv.Row(i), returns.Row(i)
		var gae float32
		for t := n - 1; t >= 0; t-- {
			var next float32
			if t < n-1 {
				next = vr[t+1]
			}
			delta := rr[t] + gamma*next - vr[t]
			gae = delta + gamma*lam*gae
			ar[t] = gae
			gr[t] = gae + vr[t]
		}
		mr := mask.Row(i)
		for t := range ar {
			ar[t] *= mr[t]
			gr[t] *= mr[t]
		}
	}
	return adv, returns
}
