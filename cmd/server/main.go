// Command signgate serves the signing gate API: policy checks, preflight,
// approvals and signing for agent transaction intents.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/mbd888/signgate/internal/config"
	"github.com/mbd888/signgate/internal/logging"
	"github.com/mbd888/signgate/internal/server"
)

// Set via -ldflags "-X main.Version=..."
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "version" || os.Args[1] == "--version") {
		fmt.Printf("signgate %s (commit %s, built %s, %s)\n", Version, Commit, BuildTime, runtime.Version())
		return
	}
	if err := run(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("invalid configuration", "error", err)
		return err
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("service", "signgate")
	logger.Info("signgate starting",
		"version", Version,
		"commit", Commit,
		"env", cfg.Env,
		"chainId", cfg.ChainID,
		"approvalMode", cfg.ApprovalMode,
		"policyFile", cfg.PolicyFile,
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("startup failed", "error", err)
		return err
	}
	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped with error", "error", err)
		return err
	}
	return nil
}
