package ppo

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/kilnml/kiln/internal/adapter"
	"github.com/kilnml/kiln/internal/dist"
	"github.com/kilnml/kiln/internal/logger"
	"github.com/kilnml/kiln/internal/metrics"
	"github.com/kilnml/kiln/internal/rollout"
)

// PromptSource feeds padded prompt batches to the trainer.  Next returns
// io.EOF when the current epoch is exhausted; Reset rewinds for the next
// epoch.  Len is the number of batches per epoch, used to size the learning
// rate schedule.
type PromptSource interface {
	Next(ctx context.Context) ([][]int, error)
	Reset()
	Len() int
}

// AuxSource cycles auxiliary supervised batches.  It never exhausts.
type AuxSource interface {
	Next(ctx context.Context) (*AuxBatch, error)
}

// Checkpointer persists the trainable state at a step boundary.  Only the
// coordinator calls Save.
type Checkpointer interface {
	Save(step int) error
}

// Trainer drives the alternating collect/update loop.  Every process runs
// the same loop in lockstep; collectives inside collection, metric emission
// and the post-save barrier keep them aligned.
type Trainer struct {
	cfg       Config
	sw        *adapter.Switcher
	collector *Collector
	buffer    *ReplayBuffer
	updater   *Updater
	comm      dist.Communicator
	rec       *metrics.Recorder
	ckpt      Checkpointer
	log       logger.Logger
	prompts   PromptSource
	aux       AuxSource

	totalSteps int
	lastSaved  int
}

// NewTrainer assembles the full engine over an already-built switcher.  aux
// and ckpt may be nil.
func NewTrainer(cfg Config, sw *adapter.Switcher, gen rollout.Generator, prompts PromptSource, aux AuxSource, comm dist.Communicator, rec *metrics.Recorder, ckpt Checkpointer, log logger.Logger) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.UseMultiAdapters != sw.MultiAdapter() {
		return nil, &ConfigError{Field: "use_multi_adapters", Reason: "switcher adapter layout disagrees with the configuration"}
	}

	total := cfg.MaxSteps
	if total <= 0 {
		perEpoch := prompts.Len() / cfg.MiniDataBufferNums
		total = cfg.NumTrainEpochs * perEpoch
	}
	if total <= 0 {
		return nil, &ConfigError{Field: "max_steps", Reason: "schedule resolves to zero steps"}
	}

	return &Trainer{
		cfg:        cfg,
		sw:         sw,
		collector:  NewCollector(cfg, sw, gen, comm, log),
		buffer:     NewReplayBuffer(cfg),
		updater:    NewUpdater(cfg, sw, log, total),
		comm:       comm,
		rec:        rec,
		ckpt:       ckpt,
		log:        log,
		prompts:    prompts,
		aux:        aux,
		totalSteps: total,
	}, nil
}

// TotalSteps returns the resolved schedule length.
func (t *Trainer) TotalSteps() int { return t.totalSteps }

// Run executes the training loop to completion.  Any fatal error aborts the
// distributed job before returning, so peers are never left waiting at a
// collective.
func (t *Trainer) Run(ctx context.Context) error {
	if err := t.run(ctx); err != nil {
		t.comm.Abort(err)
		return err
	}
	return nil
}

func (t *Trainer) run(ctx context.Context) error {
	t.log.Info("starting training",
		"world_size", t.comm.WorldSize(),
		"rank", t.comm.Rank(),
		"total_steps", t.totalSteps,
		"buffer_depth", t.cfg.MiniDataBufferNums,
		"ppo_epochs", t.cfg.PPOEpochs,
		"multi_adapters", t.cfg.UseMultiAdapters,
	)

	step := 0
	for epoch := 0; t.keepGoing(epoch, step); epoch++ {
		t.prompts.Reset()
		for {
			prompts, err := t.prompts.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return fmt.Errorf("epoch %d: next prompt batch: %w", epoch, err)
			}

			exp, err := t.collector.Collect(ctx, prompts)
			if err != nil {
				return fmt.Errorf("epoch %d step %d: collect: %w", epoch, step, err)
			}
			// Collection runs collectives; realign before diverging into
			// the local update phase.
			if err := t.comm.Barrier(ctx); err != nil {
				return err
			}

			var aux *AuxBatch
			if t.aux != nil {
				if aux, err = t.aux.Next(ctx); err != nil {
					return fmt.Errorf("next auxiliary batch: %w", err)
				}
			}
			t.buffer.Push(exp, aux)
			t.rec.Observe(exp.Stats())
			if !t.buffer.IsFull() {
				continue
			}

			stats, err := t.updater.Update(ctx, t.buffer.Drain(), step)
			if err != nil {
				return fmt.Errorf("epoch %d step %d: update: %w", epoch, step, err)
			}
			t.updater.Flush()
			step++
			t.rec.Observe(stats)

			if step%t.cfg.LoggingSteps == 0 {
				if err := t.rec.Emit(ctx, step); err != nil {
					return fmt.Errorf("emit metrics: %w", err)
				}
			}
			if step%t.cfg.SaveSteps == 0 {
				if err := t.save(ctx, step); err != nil {
					return err
				}
			}
			if t.cfg.MaxSteps > 0 && step >= t.cfg.MaxSteps {
				break
			}
		}
		if t.cfg.MaxSteps > 0 && step >= t.cfg.MaxSteps {
			break
		}
	}

	if err := t.rec.Emit(ctx, step); err != nil {
		return fmt.Errorf("emit final metrics: %w", err)
	}
	if err := t.save(ctx, step); err != nil {
		return err
	}
	t.log.Info("training complete", "steps", step)
	return nil
}

func (t *Trainer) keepGoing(epoch, step int) bool {
	if t.cfg.MaxSteps > 0 {
		return step < t.cfg.MaxSteps
	}
	return epoch < t.cfg.NumTrainEpochs
}

// save writes a checkpoint on the coordinator and holds every process at a
// barrier until it lands, so no peer trains ahead against half-written
// state.
func (t *Trainer) save(ctx context.Context, step int) error {
	if t.ckpt == nil || step == t.lastSaved {
		return nil
	}
	t.lastSaved = step
	if t.comm.IsMain() {
		if err := t.ckpt.Save(step); err != nil {
			return fmt.Errorf("save checkpoint at step %d: %w", step, err)
		}
		t.log.Info("saved checkpoint", "step", step)
	}
	return t.comm.Barrier(ctx)
}
