// Command gearman-client-demo submits one job to a Gearman server and
// prints its events as they arrive, following the cobra + zap wiring style
// of arkeep's cmd/agent and cmd/server entry points.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

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
	address    string
	logLevel   string
	function   string
	uniqueID   string
	priority   string
	background bool
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	cfg := config.Default()
	if loaded, _, err := config.Load("."); err == nil {
		cfg = loaded
	}

	root := &cobra.Command{
		Use:   "gearman-client-demo WORKLOAD",
		Short: "Submit a job to a Gearman server and print its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f, args[0])
		},
	}

	root.Flags().StringVar(&f.address, "address", cfg.Address, "Gearman server address (host:port)")
	root.Flags().StringVar(&f.logLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	root.Flags().StringVar(&f.function, "function", "reverse", "Function name to submit")
	root.Flags().StringVar(&f.uniqueID, "unique-id", "", "Unique id for deduplication (random UUID if empty)")
	root.Flags().StringVar(&f.priority, "priority", "normal", "Priority: low, normal, or high")
	root.Flags().BoolVar(&f.background, "background", false, "Submit as a background (fire-and-forget) job")
	root.Flags().DurationVar(&f.timeout, "wait-timeout", 30*time.Second, "How long to wait for the job to finish")

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

func priorityFromFlag(s string) (gearman.Priority, error) {
	switch s {
	case "low":
		return gearman.PriorityLow, nil
	case "high":
		return gearman.PriorityHigh, nil
	case "normal", "":
		return gearman.PriorityNormal, nil
	default:
		return 0, fmt.Errorf("invalid priority %q", s)
	}
}

func run(ctx context.Context, f *flags, workload string) error {
	logger, err := buildLogger(f.logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	priority, err := priorityFromFlag(f.priority)
	if err != nil {
		return err
	}

	client, err := gearman.NewClient(ctx, f.address, logger)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Disconnect()

	logger.Info("connected", zap.String("address", f.address))

	done := make(chan struct{})

	if f.background {
		task, err := client.SubmitBackground(f.function, []byte(workload), priority, f.uniqueID)
		if err != nil {
			return fmt.Errorf("submit background: %w", err)
		}
		logger.Info("submitted background job", zap.String("handle", task.Handle))
		return nil
	}

	task, err := client.Submit(f.function, []byte(workload), priority, f.uniqueID)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	logger.Info("submitted job", zap.String("handle", task.Handle))

	task.OnData(func(data []byte) { fmt.Printf("data: %s\n", data) })
	task.OnWarning(func(data []byte) { fmt.Printf("warning: %s\n", data) })
	task.OnStatus(func(ev gearman.StatusEvent) { fmt.Printf("status: %d/%d\n", ev.Numerator, ev.Denominator) })
	task.OnComplete(func(data []byte) {
		fmt.Printf("complete: %s\n", data)
		close(done)
	})
	task.OnFailure(func() {
		fmt.Println("failed")
		close(done)
	})
	task.OnException(func(data []byte) {
		fmt.Printf("exception: %s\n", data)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(f.timeout):
		return fmt.Errorf("timed out waiting for job %s", task.Handle)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
