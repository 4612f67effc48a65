package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/ioccore/internal/config"
	"github.com/roach88/ioccore/internal/engine"
	"github.com/roach88/ioccore/internal/link/natsch"
	"github.com/roach88/ioccore/internal/metrics"
	"github.com/roach88/ioccore/internal/store"
)

// RunOptions holds flags for the run command. Unset flags fall back to
// the IOC_* settings.
type RunOptions struct {
	*RootOptions
	EventDB     string
	MetricsAddr string
	NATSURL     string
	NATSPrefix  string
	Workers     int
	Strict      bool

	// RunIDs overrides the run id generator (for testing).
	RunIDs engine.RunIDGenerator
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <db-dir>",
		Short: "Load a record database and process it until interrupted",
		Long: `Load a record database and run it: PINI records are processed, periodic
scans start and links are tracked until SIGINT or SIGTERM.

With --db every monitor post and forward link is written to a SQLite
event log that "ioccore trace" reads. With --metrics-addr Prometheus
metrics are served on /metrics. With --nats-url names that are not
local records are searched for over NATS, and local records are
served to other IOCs on the same prefix.

Examples:
  ioccore run ./db
  ioccore run --db ./events.db --metrics-addr :9100 ./db
  ioccore run --nats-url nats://localhost:4222 --nats-prefix lab ./db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIOC(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.EventDB, "db", "", "path to the SQLite event log (IOC_EVENT_DB)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "address to serve /metrics on (IOC_METRICS_ADDR)")
	cmd.Flags().StringVar(&opts.NATSURL, "nats-url", "", "NATS server for external channels (IOC_NATS_URL)")
	cmd.Flags().StringVar(&opts.NATSPrefix, "nats-prefix", "", "subject prefix shared by cooperating IOCs (IOC_NATS_PREFIX)")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "callback worker count (IOC_WORKERS)")
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "fail on configuration errors and panic on logic errors (IOC_STRICT)")

	return cmd
}

// effective merges the flags set on cmd over s.
func (o *RunOptions) effective(cmd *cobra.Command, s *config.Settings) config.Settings {
	out := *s
	flags := cmd.Flags()
	if flags.Changed("db") {
		out.EventDB = o.EventDB
	}
	if flags.Changed("metrics-addr") {
		out.MetricsAddr = o.MetricsAddr
	}
	if flags.Changed("nats-url") {
		out.NATSURL = o.NATSURL
	}
	if flags.Changed("nats-prefix") {
		out.NATSPrefix = o.NATSPrefix
	}
	if flags.Changed("workers") {
		out.Workers = o.Workers
	}
	if flags.Changed("strict") {
		out.Strict = o.Strict
	}
	return out
}

func runIOC(opts *RunOptions, dbDir string, cmd *cobra.Command) error {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	base, err := opts.settings(parentCtx)
	if err != nil {
		return err
	}
	s := opts.effective(cmd, base)
	if err := s.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid settings", err)
	}

	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)
	slog.SetDefault(logger)

	logger.Info("loading database", "dir", dbDir)
	loadResult, loadErrors := config.Load(dbDir, config.LoadModeFailFast)
	if len(loadErrors) > 0 {
		return WrapExitError(ExitCommandError, "failed to load database", loadErrors[0])
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithWorkers(s.Workers),
		engine.WithCheckInterval(s.CheckInterval),
		engine.WithDelayLimit(s.DelayLimit),
		engine.WithLenient(!s.Strict),
		engine.WithSource(dbDir),
		engine.WithRecorder(metrics.NewRecorder(reg)),
	}
	if opts.RunIDs != nil {
		engOpts = append(engOpts, engine.WithRunIDGenerator(opts.RunIDs))
	}

	if s.EventDB != "" {
		logger.Info("opening event log", "path", s.EventDB)
		st, err := store.Open(s.EventDB)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open event log", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing event log", "error", closeErr)
			}
		}()
		engOpts = append(engOpts, engine.WithStore(st))
	}

	var nc *nats.Conn
	if s.NATSURL != "" {
		nc, err = natsch.Connect(s.NATSURL)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to connect to NATS", err)
		}
		defer nc.Close()
		provider := natsch.NewProvider(nc, natsch.WithPrefix(s.NATSPrefix), natsch.WithLogger(logger))
		defer provider.Close()
		engOpts = append(engOpts, engine.WithRemote(provider))
	}

	eng := engine.New(loadResult.Defs, engOpts...)
	defer eng.Close()

	dbErrs := eng.Database().Errors()
	for _, e := range dbErrs {
		logger.Warn("record configuration error", "err", e)
	}
	if s.Strict && len(dbErrs) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d configuration error(s) in strict mode", len(dbErrs)))
	}

	if nc != nil {
		srv := natsch.NewServer(nc, eng.Database(), natsch.WithPrefix(s.NATSPrefix), natsch.WithLogger(logger))
		if err := srv.Start(); err != nil {
			return WrapExitError(ExitCommandError, "failed to serve records over NATS", err)
		}
		defer srv.Stop()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	if s.MetricsAddr != "" {
		g.Go(func() error { return metrics.Serve(gctx, s.MetricsAddr, reg, logger) })
	}

	fmt.Fprintf(cmd.OutOrStdout(), "IOC running: %d record(s), run %s\n", len(eng.Database().Names()), eng.RunID())
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}
	logger.Info("IOC stopped")
	return nil
}
