package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/workerfarm/internal/config"
	"github.com/seantiz/workerfarm/internal/engine"
	"github.com/seantiz/workerfarm/internal/memlimit"
	"github.com/seantiz/workerfarm/internal/store"
	"github.com/seantiz/workerfarm/internal/transport"
)

const version = "0.1.0"

// globalFlags are shared by every subcommand and override the loaded
// configuration when set.
type globalFlags struct {
	configFile      string
	logLevel        string
	module          string
	workers         int
	maxRetries      int
	backend         string
	idleMemoryLimit string
	killDelay       string
	childBinary     string
	exposedMethods  []string
}

func newRootCmd() *cobra.Command {
	var g globalFlags

	root := &cobra.Command{
		Use:           "farm",
		Short:         "Run a module's methods on a pool of worker processes",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVar(&g.configFile, "config", "", "YAML configuration file (default $FARM_CONFIG)")
	pf.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.StringVarP(&g.module, "module", "m", "", "module to load in every worker")
	pf.IntVarP(&g.workers, "workers", "w", 0, "number of workers (default: CPUs - 1)")
	pf.IntVar(&g.maxRetries, "max-retries", 0, "respawns allowed per call before failing it")
	pf.StringVar(&g.backend, "backend", "", "worker backend: process or inprocess")
	pf.StringVar(&g.idleMemoryLimit, "idle-memory-limit", "", "recycle idle workers above this usage (bytes, 512MiB, 0.5 or 50%)")
	pf.StringVar(&g.killDelay, "kill-delay", "", "grace period between SIGTERM and SIGKILL")
	pf.StringVar(&g.childBinary, "child-binary", "", "worker executable for the process backend")
	pf.StringSliceVar(&g.exposedMethods, "expose", nil, "restrict callable methods")

	root.AddCommand(newServeCmd(&g), newCallCmd(&g))
	return root
}

// load builds the effective configuration for cmd.
func (g *globalFlags) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(g.configFile)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = parseLevel(g.logLevel)
	}
	if flags.Changed("module") {
		cfg.Module = g.module
	}
	if flags.Changed("workers") {
		cfg.Workers = g.workers
	}
	if flags.Changed("max-retries") {
		cfg.MaxRetries = g.maxRetries
	}
	if flags.Changed("backend") {
		cfg.Backend = g.backend
	}
	if flags.Changed("child-binary") {
		cfg.ChildBinary = g.childBinary
	}
	if flags.Changed("expose") {
		cfg.ExposedMethods = g.exposedMethods
	}
	if flags.Changed("idle-memory-limit") {
		l, err := memlimit.Parse(g.idleMemoryLimit)
		if err != nil {
			return cfg, err
		}
		cfg.IdleMemoryLimit = l
	}
	if flags.Changed("kill-delay") {
		d, err := time.ParseDuration(g.killDelay)
		if err != nil {
			return cfg, fmt.Errorf("--kill-delay: %w", err)
		}
		cfg.KillDelay = d
	}

	if cfg.Module == "" {
		return cfg, fmt.Errorf("no module configured: pass --module or set FARM_MODULE")
	}
	return cfg, cfg.Validate()
}

// newEngine starts the worker pool described by cfg. s may be nil.
func newEngine(cfg config.Config, s store.Store, logger *slog.Logger) (*engine.Engine, *transport.Registry, error) {
	reg := transport.NewDefaultRegistry(transport.ProcessConfig{
		Path:     cfg.ChildBinary,
		LogLevel: cfg.LogLevel.String(),
	}, logger)

	workers := cfg.Workers
	if workers == 0 {
		workers = engine.DefaultNumWorkers()
	}

	eng, err := engine.New(cfg.Module, engine.Options{
		NumWorkers:      workers,
		MaxRetries:      cfg.MaxRetries,
		SetupArgs:       cfg.SetupArgs,
		IdleMemoryLimit: cfg.IdleMemoryLimit,
		Backend:         cfg.Backend,
		Registry:        reg,
		KillDelay:       cfg.KillDelay,
		ExposedMethods:  cfg.ExposedMethods,
		Store:           s,
		Logger:          logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return eng, reg, nil
}

// forward copies the merged worker output until the pool has ended.
func forward(dst io.Writer, src io.Reader) {
	go func() {
		_, _ = io.Copy(dst, src)
	}()
}
