package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/kilnml/kiln/internal/checkpoint"
	"github.com/kilnml/kiln/internal/safetensors"
)

func inspectCmd() *cli.Command {
	var (
		path       string
		showConfig bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect a checkpoint directory or safetensors artifact",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "path",
				Aliases:     []string{"p"},
				Usage:       "checkpoint directory or .safetensors file",
				Destination: &path,
				Required:    true,
			},
			&cli.BoolFlag{
				Name:        "config",
				Usage:       "print the adapter and training configuration files",
				Destination: &showConfig,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return inspect(path, showConfig)
		},
	}
}

func inspect(path string, showConfig bool) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	artifact := path
	if info.IsDir() {
		artifact = filepath.Join(path, checkpoint.AdapterModelFile)
	}
	f, err := safetensors.Open(artifact)
	if err != nil {
		return err
	}

	fmt.Printf("artifact: %s\n", artifact)
	if len(f.Metadata) > 0 {
		fmt.Printf("metadata: %v\n", f.Metadata)
	}
	fmt.Printf("tensors:  %d\n", len(f.Tensors))
	for _, name := range f.Names() {
		t, _ := f.Tensor(name)
		dims := make([]string, len(t.Shape))
		for i, d := range t.Shape {
			dims[i] = fmt.Sprint(d)
		}
		fmt.Printf("  %-40s %s [%s]  %d bytes\n", name, t.DType, strings.Join(dims, "x"), t.End-t.Start)
	}

	if showConfig && info.IsDir() {
		for _, name := range []string{checkpoint.AdapterConfigFile, checkpoint.TrainingArgsFile} {
			data, err := os.ReadFile(filepath.Join(path, name))
			if err != nil {
				continue
			}
			fmt.Printf("\n--- %s ---\n%s", name, data)
		}
	}
	return nil
}
