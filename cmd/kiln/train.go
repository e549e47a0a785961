package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/kilnml/kiln/internal/adapter"
	"github.com/kilnml/kiln/internal/checkpoint"
	"github.com/kilnml/kiln/internal/dataset"
	"github.com/kilnml/kiln/internal/dist"
	"github.com/kilnml/kiln/internal/logger"
	"github.com/kilnml/kiln/internal/metrics"
	"github.com/kilnml/kiln/internal/model"
	"github.com/kilnml/kiln/internal/monitor"
	"github.com/kilnml/kiln/internal/ppo"
	"github.com/kilnml/kiln/internal/rollout"
)

func trainCmd() *cli.Command {
	var (
		configPath  string
		runName     string
		monitorAddr string
		logLevel    string
		logFormat   string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "path to the training configuration yaml",
			Destination: &configPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "name",
			Usage:       "run name reported by the monitor",
			Value:       "ppo",
			Destination: &runName,
		},
		&cli.StringFlag{
			Name:        "monitor",
			Usage:       "address for the run monitor HTTP server (empty disables it)",
			Destination: &monitorAddr,
		},
	}
	flags = append(flags, logFlags(&logLevel, &logFormat)...)

	return &cli.Command{
		Name:  "train",
		Usage: "Run PPO fine-tuning over a frozen backbone with adapters",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyUserConfig(cmd, loadUserConfig(), &logLevel, &logFormat, &monitorAddr)
			log := buildLogger(logLevel, logFormat)

			cfg, err := loadTrainingConfig(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runTraining(ctx, cfg, runName, monitorAddr, log)
		},
	}
}

func runTraining(ctx context.Context, cfg ppo.Config, runName, monitorAddr string, log logger.Logger) error {
	comm := dist.NewSingleProcess()

	sw, err := buildSwitcher(cfg, log)
	if err != nil {
		return err
	}

	gen, err := rollout.NewPolicyGenerator(sw, rollout.GenConfig{
		MinNewTokens: cfg.MinResponseLength,
		MaxNewTokens: cfg.MaxResponseLength,
		PadID:        cfg.PadID,
		EOSID:        cfg.EOSID,
		Sampler: rollout.SamplerConfig{
			Seed:        cfg.Seed,
			Temperature: cfg.Temperature,
			TopK:        cfg.TopK,
			TopP:        cfg.TopP,
		},
	})
	if err != nil {
		return err
	}

	prompts, aux, err := buildSources(cfg, sw, comm, log)
	if err != nil {
		return err
	}

	var sinks []metrics.Sink
	var mon *monitor.Server
	if monitorAddr != "" && comm.IsMain() {
		mon = monitor.NewServer(runName, 0, log)
		sinks = append(sinks, mon)
	}
	rec := metrics.NewRecorder(comm, log, sinks...)

	var ckpt ppo.Checkpointer
	if comm.IsMain() {
		ckpt = checkpoint.NewManager(cfg, sw, log)
	}

	trainer, err := ppo.NewTrainer(cfg, sw, gen, prompts, aux, comm, rec, ckpt, log)
	if err != nil {
		return err
	}

	if mon != nil {
		mon.SetTotalSteps(trainer.TotalSteps())
		e := echo.New()
		e.Use(middleware.Recover())
		mon.Register(e)

		monCtx, stopMonitor := context.WithCancel(ctx)
		defer stopMonitor()
		go func() {
			sc := echo.StartConfig{Address: monitorAddr}
			if err := sc.Start(monCtx, e); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("monitor server stopped", "error", err)
			}
		}()
		log.Info("monitor listening", "addr", monitorAddr)
	}

	return trainer.Run(ctx)
}

// buildSwitcher loads the frozen artifacts and assembles the four-role
// switcher around them.
func buildSwitcher(cfg ppo.Config, log logger.Logger) (*adapter.Switcher, error) {
	base, proj, bias, err := model.LoadTinyLM(cfg.SFTModelPath)
	if err != nil {
		return nil, fmt.Errorf("load SFT model: %w", err)
	}
	log.Info("loaded SFT backbone",
		"path", cfg.SFTModelPath,
		"vocab", base.VocabSize(),
		"hidden", base.HiddenSize(),
	)

	rewardWeight, rewardBias, err := checkpoint.LoadValueHead(cfg.RewardHeadPath, "reward_head")
	if err != nil {
		return nil, fmt.Errorf("load reward head: %w", err)
	}
	if len(rewardWeight) != base.HiddenSize() {
		return nil, fmt.Errorf("reward head has %d weights, backbone hidden size is %d", len(rewardWeight), base.HiddenSize())
	}

	policy := adapter.NewAdapter("default", base.HiddenSize(), cfg.AdapterRank, cfg.AdapterAlpha, cfg.Seed)
	var critic *adapter.Adapter
	if cfg.UseMultiAdapters {
		critic = adapter.NewAdapter("critic", base.HiddenSize(), cfg.AdapterRank, cfg.AdapterAlpha, cfg.Seed+1)
	}
	criticHead := adapter.NewValueHead("v_head", base.HiddenSize())
	rewardHead := adapter.NewFrozenValueHead("reward_head", rewardWeight, rewardBias)

	return adapter.NewSwitcher(base, proj, bias, policy, critic, criticHead, rewardHead)
}

// buildSources resolves the prompt and auxiliary data sources.  Without a
// prompt corpus the run falls back to a synthetic one sized off the batch
// configuration, which keeps smoke runs self-contained.
func buildSources(cfg ppo.Config, sw *adapter.Switcher, comm dist.Communicator, log logger.Logger) (ppo.PromptSource, ppo.AuxSource, error) {
	var prompts ppo.PromptSource
	if cfg.PromptDataPath != "" {
		p, err := dataset.LoadPrompts(cfg.PromptDataPath, cfg.PerDeviceTrainBatchSize, cfg.PadID, comm.Rank(), comm.WorldSize())
		if err != nil {
			return nil, nil, err
		}
		prompts = p
		log.Info("loaded prompt corpus", "path", cfg.PromptDataPath, "batches", p.Len())
	} else {
		const syntheticBatches = 16
		prompts = dataset.SyntheticPrompts(
			syntheticBatches, cfg.PerDeviceTrainBatchSize,
			4, 16, sw.VocabSize(), cfg.PadID, cfg.Seed,
		)
		log.Warn("no prompt corpus configured, using synthetic prompts", "batches", syntheticBatches)
	}

	var aux ppo.AuxSource
	if cfg.ExtraDataPath != "" {
		a, err := dataset.LoadAux(cfg.ExtraDataPath, cfg.PerDeviceMiniTrainBatchSize, cfg.PadID)
		if err != nil {
			return nil, nil, err
		}
		aux = a
		log.Info("loaded auxiliary corpus", "path", cfg.ExtraDataPath)
	}
	return prompts, aux, nil
}
