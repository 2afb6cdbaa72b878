// Command dispatchd runs the HTTP/1.0 command dispatch core: a static
// registry of commands, a per-command worker pool with admission control,
// and a persisted job registry for long-lived work. A single cobra root
// command with its flags bound into viper.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/p01/dispatchd/internal/config"
	"github.com/p01/dispatchd/internal/dispatch"
	"github.com/p01/dispatchd/internal/handlers"
	"github.com/p01/dispatchd/internal/jobs"
	"github.com/p01/dispatchd/internal/logging"
	"github.com/p01/dispatchd/internal/metrics"
	"github.com/p01/dispatchd/internal/registry"
	"github.com/p01/dispatchd/internal/server"
	"github.com/p01/dispatchd/internal/tracing"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a returned error to the process exit code convention this package
// mandates, falling back to 1 for anything serve() didn't itself classify.
func exitCodeFor(err error) int {
	if ec, ok := err.(exitError); ok {
		return int(ec)
	}
	return 1
}

type exitError config.ExitCode

func (e exitError) Error() string { return fmt.Sprintf("exit %d", int(e)) }

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:           "dispatchd",
		Short:         "HTTP/1.0 command dispatch core",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, v)
		},
	}
	config.BindFlags(root.Flags(), v)
	return root
}

func serve(cmd *cobra.Command, v *viper.Viper) error {
	cfg, err := config.Resolve(v)
	if err != nil {
		code, msg := config.Exit(err)
		fmt.Fprintln(os.Stderr, msg)
		return exitError(code)
	}

	logger := logging.New(cfg.Verbose)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, shutdownTracer, err := tracing.Init(ctx, "dispatchd", cfg.OTELEndpoint)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tracing init failed:", err)
		return exitError(config.ExitBadConfig)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx)
	}()

	reg := registry.New()
	for _, h := range allHandlers() {
		reg.Register(h)
	}

	sink := metrics.NewSink()
	dm := dispatch.NewManager()
	for _, h := range reg.All() {
		dm.Register(h.Name, dispatch.NewPool(dispatch.PoolConfig{
			Command:     h,
			Workers:     cfg.WorkersPerCmd,
			MaxInFlight: cfg.MaxInFlight,
			DataDir:     cfg.DataDir,
			Metrics:     sink,
			Tracer:      tracer,
		}))
	}
	defer dm.Close()

	journal := jobs.NewJournal(cfg.DataDir)
	jobsMgr := jobs.NewManager(reg, dm, journal, time.Duration(cfg.TaskTimeoutMS)*time.Millisecond, logger)
	if err := jobsMgr.Load(); err != nil {
		logger.Error("failed to load job journal", "error", err)
		return exitError(config.ExitBadConfig)
	}

	srv := server.New(reg, dm, jobsMgr, sink, tracer, logger, cfg)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(cfg.BindAddr) }()

	select {
	case err := <-errCh:
		logger.Error("listener stopped", "error", err)
		return exitError(config.ExitBindFailure)
	case <-ctx.Done():
		logger.Info("shutting down", "signal", ctx.Err())
		_ = srv.Close()
		<-errCh
		return nil
	}
}

// allHandlers assembles the full command catalogue from every handler
// family the registry exposes.
func allHandlers() []*registry.Handler {
	var out []*registry.Handler
	out = append(out, handlers.Basic()...)
	out = append(out, handlers.CPU()...)
	out = append(out, handlers.Files()...)
	out = append(out, handlers.Heavy()...)
	out = append(out, handlers.IO()...)
	return out
}
