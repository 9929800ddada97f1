package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/archbuild/coordinator/pkg/bus"
	"github.com/archbuild/coordinator/pkg/config"
	"github.com/archbuild/coordinator/pkg/ingress"
	"github.com/archbuild/coordinator/pkg/log"
	"github.com/archbuild/coordinator/pkg/metrics"
	"github.com/archbuild/coordinator/pkg/orchestrator"
	"github.com/archbuild/coordinator/pkg/registry"
	"github.com/archbuild/coordinator/pkg/repository"
	"github.com/archbuild/coordinator/pkg/runtime"
	"github.com/archbuild/coordinator/pkg/scheduler"
	"github.com/archbuild/coordinator/pkg/signing"
	"github.com/archbuild/coordinator/pkg/state"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Coordinates scheduling, building, and signing AUR packages",
	Long: `coordinator tracks a set of AUR packages, schedules rebuilds when
upstream PKGBUILDs change, dispatches the actual builds to sandboxed
containerd containers, serves the resulting pacman repository, and hands
out its signing key to the workers it trusts so they can sign packages.

It takes no flags; everything is configured through the environment.`,
	Version:      Version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("coordinator version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"coordinator version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.AddCommand(versionCmd)
}

// baseCacheRefreshInterval is how often the base-devel package set is
// re-derived from pacman.
const baseCacheRefreshInterval = time.Hour

// run wires and starts every subsystem, blocking until SIGINT/SIGTERM or
// a subsystem fails.
func run(ctx context.Context) error {
	if err := requireDocker(); err != nil {
		return err
	}

	cfg := config.Load()
	log.Init(log.Config{Level: cfg.LogLevel, JSONOutput: true})
	metrics.SetVersion(Version)

	store, err := state.Load(state.DefaultPath)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	keys := signing.New(signing.DefaultDir)
	if err := keys.Ensure(); err != nil {
		return fmt.Errorf("ensure signing key: %w", err)
	}

	rt, err := runtime.Connect("")
	if err != nil {
		return fmt.Errorf("connect to containerd: %w", err)
	}
	defer rt.Close()

	regClient := registry.NewClient()

	startupCtx, cancelStartup := context.WithTimeout(ctx, 30*time.Second)
	err = regClient.RefreshBaseCache(startupCtx)
	cancelStartup()
	if err != nil {
		log.Logger.Warn().Err(err).Msg("failed to refresh base package cache at startup, continuing anyway")
	}

	b := bus.New()

	sched := scheduler.New(b, store, regClient, cfg)
	orch := orchestrator.New(b, store, rt, cfg)
	repo := repository.New(b, store, cfg)
	srv := ingress.New(b, store, regClient, keys, repository.Dir)

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go refreshBaseCacheHourly(runCtx, regClient)

	errCh := make(chan error, 2)

	go func() {
		sched.Run(runCtx)
	}()
	metrics.RegisterComponent("scheduler", true, "running")

	go func() {
		repo.Run(runCtx)
	}()
	metrics.RegisterComponent("repository", true, "running")

	go func() {
		if err := orch.Run(runCtx); err != nil {
			errCh <- fmt.Errorf("orchestrator: %w", err)
			cancel()
			return
		}
		errCh <- nil
	}()
	metrics.RegisterComponent("orchestrator", true, "running")

	go func() {
		if err := srv.Run(runCtx, cfg.Port); err != nil {
			errCh <- fmt.Errorf("ingress: %w", err)
			cancel()
			return
		}
		errCh <- nil
	}()
	metrics.RegisterComponent("ingress", true, "running")

	log.Logger.Info().Int("port", cfg.Port).Msg("coordinator started")

	<-runCtx.Done()

	var firstErr error
	for i := 0; i < cap(errCh); i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// refreshBaseCacheHourly keeps the base-devel membership cache fresh for
// the lifetime of the process.
func refreshBaseCacheHourly(ctx context.Context, r *registry.Client) {
	ticker := time.NewTicker(baseCacheRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RefreshBaseCache(ctx); err != nil {
				log.Logger.Warn().Err(err).Msg("failed to refresh base package cache")
			}
		}
	}
}

// requireDocker enforces the coordinator's Docker-only precondition: it
// refuses to start outside a container, since it assumes a disposable,
// root-owned filesystem for /config and /output.
func requireDocker() error {
	if _, err := os.Stat("/.dockerenv"); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errors.New("coordinator must run inside a docker container")
		}
		return fmt.Errorf("check docker precondition: %w", err)
	}
	return nil
}
