package adapter

// Role selects which logical model a forward pass runs as.  All four roles
// share one frozen backbone; they differ only in which adapter delta is
// active and which value head is attached.
type Role int

const (
	// RolePolicy is the trainable actor: policy adapter active, critic head.
	RolePolicy Role = iota
	// RoleReference is the frozen SFT policy: adapter disabled, no gradient.
	RoleReference
	// RoleCritic is the trainable value estimator: critic adapter (or the
	// policy adapter when roles share one) and the trainable critic head.
	RoleCritic
	// RoleReward is the frozen reward model: adapter disabled, frozen
	// reward head.  Only its value output is meaningful.
	RoleReward
)

func (r Role) String() string {
	switch r {
	case RolePolicy:
		return "policy"
	case RoleReference:
		return "reference"
	case RoleCritic:
		return "critic"
	case RoleReward:
		return "reward"
	default:
		return "unknown"
	}
}

// Trainable reports whether gradients may accumulate under this role.
func (r Role) Trainable() bool {
	return r == RolePolicy || r == RoleCritic
}
