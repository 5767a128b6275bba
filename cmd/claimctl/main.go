package main

import (
	"context"
	"fmt"
	"os"

	"claim-orchestrator/internal/app"
	"claim-orchestrator/internal/cli"
	"claim-orchestrator/internal/config"
)

func main() {
	cmd := cli.NewRootCommand(openBackend)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}

func openBackend(ctx context.Context) (cli.Backend, func() error, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	cfg.Log.Service = "claimctl"
	cfg.Log.Output = "stderr"

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return a.Engine, func() error { return a.Close(context.Background()) }, nil
}
