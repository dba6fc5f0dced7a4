package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fathomlabs/hookrelay/internal/api"
	"github.com/fathomlabs/hookrelay/internal/auth"
	"github.com/fathomlabs/hookrelay/internal/config"
	"github.com/fathomlabs/hookrelay/internal/dispatch"
	"github.com/fathomlabs/hookrelay/internal/ledger"
	"github.com/fathomlabs/hookrelay/internal/lock"
	"github.com/fathomlabs/hookrelay/internal/log"
	"github.com/fathomlabs/hookrelay/internal/metrics"
	"github.com/fathomlabs/hookrelay/internal/partner"
	"github.com/fathomlabs/hookrelay/internal/receiver"
	"github.com/fathomlabs/hookrelay/internal/scheduler"
	"github.com/fathomlabs/hookrelay/internal/storage"
	"github.com/fathomlabs/hookrelay/internal/tui"
)

const version = "0.1.0"

const defaultConfigPath = "./config.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "system":
		os.Exit(runSystemNoun(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "version":
		fmt.Printf("hookrelay version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`hookrelay - Signed webhook delivery pipeline

Usage:
  hookrelay <noun> <action> [flags]

System Commands:
  system start      Start the delivery service in foreground
  system watch      Live terminal view of the dispatch ledger

Config Commands:
  config lock       Authorize current config (write integrity checksum)
  config check      Verify config against its integrity checksum

General:
  version           Show version information
  help              Show this help message
`)
}

func runSystemNoun(args []string) int {
	if len(args) < 1 || args[0] == "help" {
		printUsage()
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	switch args[0] {
	case "start":
		return runStart(args[1:])
	case "watch":
		return runWatch(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", args[0])
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 || args[0] == "help" {
		printUsage()
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	switch args[0] {
	case "lock":
		return runConfigLock(args[1:])
	case "check":
		return runConfigCheck(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("hookrelay starting", "version", version, "config", *configPath)

	instanceLock, err := lock.Acquire(lock.ForDatabase(cfg.Storage.Path))
	if err != nil {
		logger.Error("failed to acquire instance lock (another instance may be running)", "error", err)
		return 1
	}
	defer instanceLock.Release()
	logger.Info("acquired instance lock", "path", instanceLock.Path())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.Storage.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.Storage.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.Storage.Path)

	m := metrics.New()
	directory := partner.NewDirectory(db, partner.WithUniqueDestination(cfg.Partners.UniqueDestination))
	led := ledger.New(db)
	disp := dispatch.New(directory, led, dispatch.Config{
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		BaseDelay:   cfg.Dispatch.BaseDelay,
		MaxDelay:    cfg.Dispatch.MaxDelay,
		HTTPTimeout: cfg.Dispatch.HTTPTimeout,
		Workers:     cfg.Dispatch.Workers,
		StaleLease:  cfg.Dispatch.StaleLease,
		SweepBatch:  cfg.Dispatch.SweepBatch,
	}, m)

	// Inbound events with no registered handler are verified, stored, and
	// acked; downstream consumers read them from the inbound_events table.
	recv := receiver.New(directory,
		receiver.WithEventStore(receiver.NewSQLiteEventStore(db)),
		receiver.WithMetrics(m),
		receiver.WithReplayWindow(cfg.Receiver.ReplayWindow),
	)

	sched := scheduler.New(disp, cfg.Dispatch.SweepInterval, log.Get())
	sched.Start(ctx)
	defer sched.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
		}
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
			Tokens: tokens,
		}, directory, led, recv, disp, m.Handler(), log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("hookrelay running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		disp.Wait()
		return 1
	}

	disp.Wait()
	logger.Info("hookrelay stopped")
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	db, err := storage.OpenSQLite(context.Background(), cfg.Storage.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	if err := tui.Run(ledger.New(db)); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	hash, err := config.Lock(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}
	fmt.Printf("Locked %s (blake3 %s)\n", *configPath, hash)
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if err := config.Check(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Check failed: %v\n", err)
		return 1
	}
	if _, err := config.Load(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Check failed: %v\n", err)
		return 1
	}
	fmt.Println("Configuration check PASSED.")
	return 0
}
