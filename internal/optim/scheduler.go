package optim

// LinearWarmup ramps every group's learning rate from zero to its base value
// over warmupSteps, then decays it linearly to zero at totalSteps.  Each
// group keeps its own base rate; the scheduler applies a shared multiplier.
type LinearWarmup struct {
	groups      []*Group
	base        []float64
	warmupSteps int
	totalSteps  int
	step        int
}

func NewLinearWarmup(groups []*Group, warmupSteps, totalSteps int) *LinearWarmup {
	s := &LinearWarmup{
		groups:      groups,
		warmupSteps: warmupSteps,
		totalSteps:  totalSteps,
	}
	for _, g := range groups {
		s.base = append(s.base, g.LR)
	}
	s.apply()
	return s
}

func (s *LinearWarmup) multiplier() float64 {
	switch {
	case s.totalSteps <= 0:
		return 1
	case s.step < s.warmupSteps:
		return float64(s.step) / float64(max(s.warmupSteps, 1))
	case s.step >= s.totalSteps:
		return 0
	default:
		return float64(s.totalSteps-s.step) / float64(max(s.totalSteps-s.warmupSteps, 1))
	}
}

func (s *LinearWarmup) apply() {
	mult := s.multiplier()
	for i, g := range s.groups {
		g.LR = s.base[i] * mult
	}
}

// Step advances the schedule by one optimizer step.
func (s *LinearWarmup) Step() {
	s.step++
	s.apply()
}

// LR reports the current rate of the first group, for logging.
func (s *LinearWarmup) LR() float64 {
	if len(s.groups) == 0 {
		return 0
	}
	return s.groups[0].LR
}
