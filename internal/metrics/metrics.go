// Package metrics accumulates per-step training statistics and emits
// windowed means.  Values are averaged across data-parallel processes
// before emission; only the coordinator logs and forwards to sinks.
package metrics

import (
	"context"
	"sort"

	"github.com/kilnml/kiln/internal/dist"
	"github.com/kilnml/kiln/internal/logger"
)

// Sink receives emitted metric snapshots on the coordinator.
type Sink interface {
	Emit(step int, fields map[string]float64)
}

// Recorder windows observations between emissions.  Not safe for concurrent
// use; the training loop is single-threaded per process.
type Recorder struct {
	comm  dist.Communicator
	log   logger.Logger
	sinks []Sink

	sums   map[string]float64
	counts map[string]float64
}

// NewRecorder builds a recorder.  Sinks may be empty.
func NewRecorder(comm dist.Communicator, log logger.Logger, sinks ...Sink) *Recorder {
	return &Recorder{
		comm:   comm,
		log:    log,
		sinks:  sinks,
		sums:   map[string]float64{},
		counts: map[string]float64{},
	}
}

// Observe folds one step's statistics into the current window.
func (r *Recorder) Observe(fields map[string]float64) {
	for k, v := range fields {
		r.sums[k] += v
		r.counts[k]++
	}
}

// Emit averages the window across steps and processes, logs it on the
// coordinator, forwards it to every sink, and clears the window.  Every
// process must call Emit at the same step: the cross-process reduction is
// collective.
func (r *Recorder) Emit(ctx context.Context, step int) error {
	if len(r.sums) == 0 {
		return nil
	}
	// Reduce in key order so every process lines up the same elements.
	keys := make([]string, 0, len(r.sums))
	for k := range r.sums {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	vals := make([]float64, len(keys))
	for i, k := range keys {
		vals[i] = r.sums[k] / r.counts[k]
	}
	if err := r.comm.AllReduceMean(ctx, vals); err != nil {
		return err
	}

	fields := make(map[string]float64, len(keys))
	for i, k := range keys {
		fields[k] = vals[i]
	}
	clear(r.sums)
	clear(r.counts)

	if !r.comm.IsMain() {
		return nil
	}
	args := make([]any, 0, 2*len(keys)+2)
	args = append(args, "step", step)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	r.log.Info("train", args...)
	for _, s := range r.sinks {
		s.Emit(step, fields)
	}
	return nil
}
