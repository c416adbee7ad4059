package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/telemux/telemux/internal/hub/breaker"
	"github.com/telemux/telemux/internal/hub/config"
	"github.com/telemux/telemux/internal/hub/recovery"
	"github.com/telemux/telemux/internal/hub/retry"
	"github.com/telemux/telemux/internal/hub/serverreg"
	"github.com/telemux/telemux/internal/hub/sessionreg"
	"github.com/telemux/telemux/internal/hub/sshexec"
)

// runRecover runs session recovery from the command line, against the
// same data directory and servers a hub would use. Useful after a hub
// outage, before restarting it.
func runRecover(args []string) error {
	fs := flag.NewFlagSet("recover", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (default: "+config.DefaultPath()+")")
	op := fs.String("op", "full", "operation: full, expired, orphans or health")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sessions, err := sessionreg.Open(cfg.SessionsDBPath())
	if err != nil {
		return fmt.Errorf("open session registry: %w", err)
	}
	defer sessions.Close()

	servers := serverreg.New(cfg)
	pool := sshexec.NewPool(cfg.SSH)
	executor := sshexec.NewExecutor(cfg.SSH, servers, pool, retry.New(), breaker.NewGroup(breaker.DefaultConfig()))
	defer executor.Close()
	mgr := recovery.New(sessions, servers, executor, cfg.Recovery)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var result any
	switch *op {
	case "full":
		expired, orphans, err := mgr.PerformFullRecovery(ctx)
		if err != nil {
			return err
		}
		result = map[string]any{"expired": expired, "orphans": orphans}
	case "expired":
		res, err := mgr.RecoverExpired(ctx)
		if err != nil {
			return err
		}
		result = res
	case "orphans":
		res, err := mgr.CleanupOrphaned(ctx)
		if err != nil {
			return err
		}
		result = res
	case "health":
		health, err := mgr.CheckSessionHealth(ctx)
		if err != nil {
			return err
		}
		result = health
	default:
		return fmt.Errorf("unknown operation %q", *op)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}
