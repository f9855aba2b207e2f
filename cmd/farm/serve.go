package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/workerfarm/internal/api"
	"github.com/seantiz/workerfarm/internal/config"
	"github.com/seantiz/workerfarm/internal/store"
)

const endTimeout = 10 * time.Second

func newServeCmd(g *globalFlags) *cobra.Command {
	var (
		listen    string
		dbPath    string
		noJournal bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the worker pool over HTTP",
		Example: `  farm serve --module farm:arith --workers 4
  FARM_MODULE=./handlers.js farm serve --listen :9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = listen
			}
			if cmd.Flags().Changed("db") {
				cfg.DBPath = dbPath
			}
			if cmd.Flags().Changed("no-journal") {
				cfg.NoJournal = noJournal
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (default :8080)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite call journal path (default farm.db)")
	cmd.Flags().BoolVar(&noJournal, "no-journal", false, "do not journal calls")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("farm: starting",
		"listen_addr", cfg.ListenAddr,
		"module", cfg.Module,
		"backend", cfg.Backend,
		"journal", !cfg.NoJournal,
		"db_path", cfg.DBPath,
	)

	var s store.Store
	if !cfg.NoJournal {
		db, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open call journal: %w", err)
		}
		defer db.Close()
		s = db
	}

	eng, reg, err := newEngine(cfg, s, logger)
	if err != nil {
		return err
	}
	forward(os.Stdout, eng.Stdout())
	forward(os.Stderr, eng.Stderr())

	go func() {
		for err := range eng.Fatal() {
			logger.Error("worker failure", "error", err)
		}
	}()

	srv := api.NewServer(cfg.ListenAddr, eng, reg, logger)
	runErr := srv.Run(ctx)

	endCtx, cancel := context.WithTimeout(context.Background(), endTimeout)
	defer cancel()
	res, err := eng.End(endCtx, false)
	if err != nil {
		logger.Error("end worker pool", "error", err)
	} else {
		logger.Info("farm: stopped", "force_exited", res.ForceExited)
	}
	return runErr
}
