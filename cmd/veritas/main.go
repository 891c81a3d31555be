// Command veritas runs the decision server and its maintenance subcommands.
//
// Usage:
//
//	veritas [serve]      start the HTTP server (default)
//	veritas verify       re-verify the trust log hash chain and exit
//	veritas init-policy  write a default FUJI policy file and exit
//
// Exit codes: 0 success, 1 configuration error, 2 policy load error,
// 3 trust chain break, 4 fatal runtime error.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/veritas-os/veritas"
	"github.com/veritas-os/veritas/internal/config"
	"github.com/veritas-os/veritas/internal/fsx"
	"github.com/veritas-os/veritas/internal/model"
	"github.com/veritas-os/veritas/internal/trustlog"
)

// version is set at build time via -ldflags.
var version = "dev"

const (
	exitOK      = 0
	exitConfig  = 1
	exitPolicy  = 2
	exitChain   = 3
	exitRuntime = 4
)

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "verify":
		os.Exit(runVerify())
	case "init-policy":
		os.Exit(runInitPolicy())
	case "version":
		fmt.Println(version)
		os.Exit(exitOK)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want serve, verify, init-policy, or version)\n", cmd)
		os.Exit(exitConfig)
	}
}

func runServe() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := veritas.New(veritas.WithVersion(version))
	if err != nil {
		slog.Error("startup failed", "error", err)
		if model.KindOf(err) == model.KindPolicyError {
			return exitPolicy
		}
		return exitConfig
	}

	if err := app.Run(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		return exitRuntime
	}
	return exitOK
}

// runVerify opens the trust log read-only and re-hashes the full chain.
// It never appends or rotates, so a static policy view is sufficient.
func runVerify() int {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfig
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	log, err := trustlog.New(filepath.Join(cfg.DataDir, "trust"), trustlog.StaticPolicy{MaxSize: 1 << 40}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trust log: %v\n", err)
		return exitConfig
	}

	res, err := log.VerifyChain()
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify: %v\n", err)
		return exitRuntime
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)

	if !res.OK {
		return exitChain
	}
	return exitOK
}

// runInitPolicy writes a default policy file at the configured path.
// Refuses to overwrite an existing policy.
func runInitPolicy() int {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfig
	}

	if _, err := os.Stat(cfg.PolicyPath); err == nil {
		fmt.Fprintf(os.Stderr, "policy already exists at %s, refusing to overwrite\n", cfg.PolicyPath)
		return exitPolicy
	}

	if err := os.MkdirAll(filepath.Dir(cfg.PolicyPath), 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "policy dir: %v\n", err)
		return exitRuntime
	}
	if err := fsx.WriteJSON(cfg.PolicyPath, model.DefaultPolicy("init")); err != nil {
		fmt.Fprintf(os.Stderr, "write policy: %v\n", err)
		return exitRuntime
	}

	fmt.Printf("wrote default policy to %s\n", cfg.PolicyPath)
	return exitOK
}
