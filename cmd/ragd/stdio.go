package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/config"
)

// runStdio serves the MCP protocol on stdio for a local client.
//
// The same service core backs both transports; this mode skips the HTTP
// server and keeps stdout clear for protocol frames, so all logging
// moves to stderr. A client that also needs the REST surface should run
// the daemon and connect to /v1/mcp instead.
func runStdio(ctx context.Context, configPath string) error {
	// The bootstrap logger writes to stderr, which stdio mode requires.
	bootLog, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create bootstrap logger: %w", err)
	}
	cfg, err := config.Load(configPath, bootLog)
	_ = bootLog.Sync()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	core, err := newCore(ctx, cfg, true)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer core.Close()

	core.logger.Info(ctx, "starting ragd in MCP stdio mode",
		zap.String("version", version))

	if err := core.mcp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
