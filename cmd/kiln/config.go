package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/kilnml/kiln/internal/logger"
	"github.com/kilnml/kiln/internal/ppo"
)

// UserConfig is the optional per-user configuration file
// (~/.config/kiln/config.yaml).  Training hyperparameters never live here;
// they belong to the run configuration passed to train.
type UserConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	MonitorAddress string `yaml:"monitor_address"`
}

func userConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "kiln", "config.yaml")
}

// loadUserConfig reads the user config file.  A missing or unreadable file
// yields a zero config.
func loadUserConfig() UserConfig {
	path := userConfigPath()
	if path == "" {
		return UserConfig{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return UserConfig{}
	}
	var cfg UserConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return UserConfig{}
	}
	return cfg
}

// applyUserConfig fills flag variables the user did not set explicitly.
func applyUserConfig(c *cli.Command, cfg UserConfig, logLevel, logFormat, monitorAddr *string) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		*logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		*logFormat = cfg.LogFormat
	}
	if cfg.MonitorAddress != "" && !c.IsSet("monitor") {
		*monitorAddr = cfg.MonitorAddress
	}
}

// loadTrainingConfig reads a run configuration over the engine defaults.
func loadTrainingConfig(path string) (ppo.Config, error) {
	cfg := ppo.DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read training config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse training config %s: %w", path, err)
	}
	return cfg, nil
}

func buildLogger(level, format string) logger.Logger {
	lv := logger.ParseLevel(level)
	switch format {
	case "json":
		return logger.JSON(os.Stderr, lv)
	case "text":
		return logger.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
	default:
		return logger.Pretty(os.Stderr, lv)
	}
}

func logFlags(logLevel, logFormat *string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, text, json)",
			Value:       "pretty",
			Destination: logFormat,
		},
	}
}
