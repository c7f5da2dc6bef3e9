package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/session-scheduler/internal/config"
	httptransport "github.com/example/session-scheduler/internal/http"
	"github.com/example/session-scheduler/internal/jobs"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the periodic audit",
		Long: `Run the HTTP API. When SCHEDULER_AUDIT_INTERVAL is set, every active
schedule is also reconciled once at startup and then on that interval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts, cmd)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions, cmd *cobra.Command) error {
	a, err := newApp(ctx, opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Error().Err(err).Msg("failed to close resources")
		}
	}()

	router := httptransport.NewRouter(httptransport.RouterConfig{
		Schedules:      httptransport.NewScheduleHandler(a.recurrence, a.auditor, a.engine, time.Now, a.logger),
		Admin:          httptransport.NewAdminHandler(a.auditor, a.logger),
		Logger:         a.logger,
		RequestTimeout: config.ServerRequestTimeout,
		Health:         a.health,
	})

	if a.cfg.AuditEnabled() {
		auditJob := jobs.NewAuditJob(a.auditor, a.cfg.AuditInterval, a.cfg.AuditRunTimeout, a.logger)
		auditJob.Start()
		defer auditJob.Stop()
	}

	server := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       config.ServerReadTimeout,
		WriteTimeout:      0,
		IdleTimeout:       config.ServerIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", server.Addr).Str("store", a.cfg.Store).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			a.logger.Error().Err(err).Msg("server error")
			return err
		}
		return nil
	case <-ctx.Done():
	}
	a.logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error().Err(err).Msg("server forced to shutdown")
		return err
	}

	a.logger.Info().Msg("server stopped")
	return nil
}
