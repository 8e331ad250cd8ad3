// Command gearman-worker-demo registers one or more echo-style functions
// with a Gearman server and serves jobs until interrupted, following the
// cobra + zap wiring style of arkeep's cmd/agent entry point.
package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/bzikarsky/gearman-go"
	"github.com/bzikarsky/gearman-go/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type flags struct {
	address   string
	logLevel  string
	functions []string
	workerID  string
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	cfg := config.Default()
	if loaded, _, err := config.Load("."); err == nil {
		cfg = loaded
	}

	root := &cobra.Command{
		Use:   "gearman-worker-demo",
		Short: "Register demo functions and serve Gearman jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	functions := cfg.Functions
	if len(functions) == 0 {
		functions = []string{"reverse", "uppercase"}
	}

	root.Flags().StringVar(&f.address, "address", cfg.Address, "Gearman server address (host:port)")
	root.Flags().StringVar(&f.logLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	root.Flags().StringSliceVar(&f.functions, "function", functions, "Function names to register (reverse, uppercase)")
	root.Flags().StringVar(&f.workerID, "worker-id", "", "Optional worker id to report to the server")

	return root
}

func buildLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// demoHandlers maps the two functions this demo worker knows how to run to
// their implementations. Both operate on the workload unchanged, to keep
// the demo self-contained and side-effect free.
var demoHandlers = map[string]func([]byte) []byte{
	"reverse": func(in []byte) []byte {
		out := make([]byte, len(in))
		for i, b := range in {
			out[len(in)-1-i] = b
		}
		return out
	},
	"uppercase": func(in []byte) []byte {
		return bytes.ToUpper(in)
	},
}

func run(ctx context.Context, f *flags) error {
	logger, err := buildLogger(f.logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	worker, err := gearman.NewWorker(ctx, f.address, logger)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer worker.Disconnect()

	if f.workerID != "" {
		if err := worker.SetWorkerID(f.workerID); err != nil {
			return fmt.Errorf("set worker id: %w", err)
		}
	}

	for _, name := range f.functions {
		impl, ok := demoHandlers[strings.TrimSpace(name)]
		if !ok {
			return fmt.Errorf("no demo handler for function %q (known: reverse, uppercase)", name)
		}
		function := name
		transform := impl
		err := worker.Register(function, func(job *gearman.Job) {
			logger.Info("running job", zap.String("function", function), zap.String("handle", job.Handle))
			job.Complete(transform(job.Workload))
		})
		if err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
		logger.Info("registered function", zap.String("function", name))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Serve(gctx) })

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	return nil
}
