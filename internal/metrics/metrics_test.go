package metrics

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/kilnml/kiln/internal/dist"
	"github.com/kilnml/kiln/internal/logger"
)

type recordingSink struct {
	steps  []int
	fields []map[string]float64
}

func (r *recordingSink) Emit(step int, fields map[string]float64) {
	r.steps = append(r.steps, step)
	r.fields = append(r.fields, fields)
}

func discard() logger.Logger {
	return logger.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecorderAveragesWindow(t *testing.T) {
	sink := &recordingSink{}
	r := NewRecorder(dist.NewSingleProcess(), discard(), sink)

	r.Observe(map[string]float64{"loss/actor": 1, "lr": 0.5})
	r.Observe(map[string]float64{"loss/actor": 3})

	if err := r.Emit(context.Background(), 10); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(sink.fields) != 1 {
		t.Fatalf("got %d emissions, want 1", len(sink.fields))
	}
	got := sink.fields[0]
	if math.Abs(got["loss/actor"]-2) > 1e-12 {
		t.Fatalf("loss/actor = %v, want mean 2", got["loss/actor"])
	}
	// lr was observed once; its mean divides by its own count, not the
	// window length.
	if math.Abs(got["lr"]-0.5) > 1e-12 {
		t.Fatalf("lr = %v, want 0.5", got["lr"])
	}
	if sink.steps[0] != 10 {
		t.Fatalf("emitted at step %d, want 10", sink.steps[0])
	}
}

func TestRecorderClearsWindowAfterEmit(t *testing.T) {
	sink := &recordingSink{}
	r := NewRecorder(dist.NewSingleProcess(), discard(), sink)

	r.Observe(map[string]float64{"loss/actor": 1})
	if err := r.Emit(context.Background(), 1); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	// An empty window emits nothing.
	if err := r.Emit(context.Background(), 2); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(sink.fields) != 1 {
		t.Fatalf("empty window emitted: %d emissions", len(sink.fields))
	}
}
