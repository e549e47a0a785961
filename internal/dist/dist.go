// Package dist is the boundary to the distributed communication layer.  The
// trainer only sees the Communicator interface; process-group bring-up and
// the actual collectives live behind it.  Business logic never holds a
// wrapped model or a process group — this interface is the single ownership
// boundary.
package dist

import "context"

// Communicator exposes the collectives the training loop needs.  All calls
// are collective: every process in the group must make the same call in the
// same order or the job deadlocks.
type Communicator interface {
	// WorldSize returns the number of data-parallel processes.
	WorldSize() int
	// Rank returns this process's index in [0, WorldSize).
	Rank() int
	// IsMain reports whether this is the coordinating process.  Only the
	// coordinator writes checkpoints and metric records.
	IsMain() bool
	// Barrier blocks until every process reaches it.
	Barrier(ctx context.Context) error
	// AllReduceMean averages vals element-wise across all processes,
	// in place.
	AllReduceMean(ctx context.Context, vals []float64) error
	// AllReduceMaxInt returns the maximum of v across all processes.  Used
	// to agree on a common padded sequence length before collective
	// forward passes.
	AllReduceMaxInt(ctx context.Context, v int) (int, error)
	// Abort tears the whole job down after a fatal error.  A process that
	// cannot continue must abort rather than leave its peers hanging at
	// the next barrier.
	Abort(err error)
}

// SingleProcess is the degenerate one-process communicator.  Every
// collective is a no-op and Abort records the error for the caller.
type SingleProcess struct {
	abortErr error
}

// NewSingleProcess returns a communicator for non-distributed runs.
func NewSingleProcess() *SingleProcess { return &SingleProcess{} }

func (s *SingleProcess) WorldSize() int { return 1 }
func (s *SingleProcess) Rank() int      { return 0 }
func (s *SingleProcess) IsMain() bool   { return true }

func (s *SingleProcess) Barrier(ctx context.Context) error { return ctx.Err() }

func (s *SingleProcess) AllReduceMean(ctx context.Context, _ []float64) error {
	return ctx.Err()
}

func (s *SingleProcess) AllReduceMaxInt(ctx context.Context, v int) (int, error) {
	return v, ctx.Err()
}

func (s *SingleProcess) Abort(err error) { s.abortErr = err }

// AbortErr returns the error passed to Abort, if any.
func (s *SingleProcess) AbortErr() error { return s.abortErr }
