package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/roach88/unlockd/internal/metrics"
	"github.com/roach88/unlockd/internal/server"
	"github.com/roach88/unlockd/internal/service"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the unlockd HTTP API",
		Long: `Serve the unlockd HTTP API backed by a SQLite database.

The database is created if it doesn't exist, and a record table plus an
entitlement view is created for every vertical in the registry.

Example:
  unlockd serve --db ./unlockd.db --addr :8080
  UNLOCKD_ADMIN_TOKEN=secret unlockd serve --registry ./verticals.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "listen address")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	logger := opts.logger(cmd.ErrOrStderr())

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, st, err := opts.openLocal(ctx, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()
	logger.Info("database ready", "path", opts.Database, "verticals", reg.Len())

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	svc := service.New(reg, st,
		service.WithUnitCost(opts.UnitCost),
		service.WithLogger(logger),
		service.WithMetrics(m),
	)

	if !opts.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	if opts.AdminToken == "" {
		logger.Warn("no admin token configured; admin routes are disabled")
	}
	srv := server.New(svc,
		server.WithLogger(logger),
		server.WithMetrics(m, promReg),
		server.WithAdminToken(opts.AdminToken),
	)

	if err := srv.ListenAndServe(ctx, opts.Addr); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}
