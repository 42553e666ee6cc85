package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/robfig/cron/v3"

	"calsync/internal/config"
	"calsync/internal/engine"
	"calsync/internal/feed"
	appLog "calsync/internal/log"
	"calsync/internal/vault"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	once       bool
	force      bool
	verbose    bool
}

func main() {
	appLog.Info("calsync starting", "version", "0.1.0-dev")

	flags := parseFlags()
	if flags.verbose {
		appLog.SetLevel(appLog.LevelDebug)
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	appLog.Info("effective config",
		"vault_path", conf.VaultPath,
		"refresh", conf.RefreshCron,
		"sources", len(conf.Sources),
		"loss_preventing", conf.IsLossPreventing(),
		"delete_policy", conf.DeletePolicy,
		"grace_cycles", conf.GraceCycles,
		"tombstone_ttl", conf.TombstoneTTL,
		"once", flags.once,
	)

	store := vault.NewStore(osfs.New(conf.VaultPath), conf.ExcludeGlobs, vault.DefaultRetryPolicy())
	fetcher := feed.NewFetcher(conf.FetchTimeout, conf.FetchTTL)
	state := engine.NewOrphanState(conf.TombstoneTTL)
	eng := engine.New(conf, fetcher, store, state)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if flags.once {
		if _, err := eng.Reconcile(ctx, flags.force); err != nil {
			appLog.Error("reconcile failed", err)
			os.Exit(1)
		}
		appLog.Info("calsync exiting")
		return
	}

	runCycle := func() {
		if _, err := eng.Reconcile(ctx, flags.force); err != nil {
			if errors.Is(err, engine.ErrRunInProgress) {
				return
			}
			appLog.Error("reconcile failed", err)
		}
	}

	c := cron.New()
	if _, err := c.AddFunc(conf.RefreshCron, runCycle); err != nil {
		appLog.Error("invalid refresh schedule", err, "refresh", conf.RefreshCron)
		os.Exit(1)
	}
	c.Start()

	// One immediate cycle on startup; afterwards the schedule drives.
	runCycle()

	<-ctx.Done()
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
	}
	appLog.Info("calsync exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/calsync/config.yaml", "Path to config file")
	flag.BoolVar(&cfg.once, "once", false, "Run one reconcile cycle and exit")
	flag.BoolVar(&cfg.force, "force", false, "Bypass fetch cache and rewrite matched documents")
	flag.BoolVar(&cfg.verbose, "verbose", false, "Enable debug logging")

	flag.Parse()

	return cfg
}
