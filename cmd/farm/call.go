package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/workerfarm/internal/config"
	"github.com/seantiz/workerfarm/internal/engine"
	"github.com/seantiz/workerfarm/internal/protocol"
	"github.com/seantiz/workerfarm/internal/worker"
)

func newCallCmd(g *globalFlags) *cobra.Command {
	var (
		timeout  time.Duration
		messages bool
	)

	cmd := &cobra.Command{
		Use:   "call <method> [json-args...]",
		Short: "Call one method on a fresh pool and print its result",
		Long: `Start a pool, call one method and print the JSON result on stdout.

Each argument is parsed as JSON; arguments that are not valid JSON are passed
as strings. Worker output goes to stderr.`,
		Example: `  farm call --module farm:arith add 2 3
  farm call --module farm:greeter greet bob
  farm call --module ./handlers.js default '{"id": 7}'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("workers") && cfg.Workers == 0 {
				cfg.Workers = 1
			}
			return runCall(cmd.Context(), cfg, args[0], args[1:], callSettings{
				timeout:  timeout,
				messages: messages,
				stdout:   cmd.OutOrStdout(),
				stderr:   cmd.ErrOrStderr(),
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "fail the call after this long")
	cmd.Flags().BoolVar(&messages, "messages", false, "print custom messages to stderr as they arrive")
	return cmd
}

type callSettings struct {
	timeout  time.Duration
	messages bool
	stdout   io.Writer
	stderr   io.Writer
}

func runCall(ctx context.Context, cfg config.Config, method string, rawArgs []string, s callSettings) error {
	// Worker output and logs share stderr.
	s.stderr = &syncWriter{w: s.stderr}
	logger := config.NewLogger(s.stderr, cfg.LogLevel)

	eng, _, err := newEngine(cfg, nil, logger)
	if err != nil {
		return err
	}
	forward(s.stderr, eng.Stdout())
	forward(s.stderr, eng.Stderr())
	defer func() {
		endCtx, cancel := context.WithTimeout(context.Background(), endTimeout)
		defer cancel()
		if _, err := eng.End(endCtx, false); err != nil {
			logger.Error("end worker pool", "error", err)
		}
	}()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	c := protocol.Call{Method: method}
	for _, a := range rawArgs {
		c.Args = append(c.Args, parseArg(a))
	}

	var opts engine.CallOptions
	if s.messages {
		opts.OnCustomMessage = func(payload json.RawMessage) {
			fmt.Fprintf(s.stderr, "message: %s\n", payload)
		}
	}

	result, err := eng.CallWith(ctx, c, opts)
	if err != nil {
		var ce *worker.CallError
		if errors.As(err, &ce) && ce.Stack != "" {
			fmt.Fprintln(s.stderr, ce.Stack)
		}
		return fmt.Errorf("call %s: %w", method, err)
	}

	_, err = fmt.Fprintf(s.stdout, "%s\n", result)
	return err
}
