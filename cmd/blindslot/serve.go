package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/blindslot/internal/adapters/calendar"
	"github.com/okian/blindslot/internal/adapters/http/api"
	"github.com/okian/blindslot/internal/adapters/http/swagger"
	"github.com/okian/blindslot/internal/adapters/repository"
	app "github.com/okian/blindslot/internal/app"
	"github.com/okian/blindslot/internal/config"
	"github.com/okian/blindslot/internal/seed"
	"github.com/okian/blindslot/pkg/logger"
	"github.com/okian/blindslot/pkg/metrics"
)

// HTTP server timeout constants.
const (
	readTimeout               = 10 * time.Second
	writeTimeout              = 10 * time.Second
	idleTimeout               = 60 * time.Second
	readHeaderTimeout         = 5 * time.Second
	shutdownTimeout           = 30 * time.Second
	systemMetricsInterval     = 10 * time.Second
	serviceMetricsInterval    = 5 * time.Second
	nanosecondsPerMillisecond = 1e6
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		addr     string
		withSeed bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduling HTTP API",
		Long: `Run the scheduling HTTP API.

With --seed the in-memory calendars and decision history are filled with the
demo workspace (alice, bob and carol, tomorrow), which is handy for trying
the API by hand.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}

			var opts []app.Option
			if withSeed {
				opts, err = seededOptions(cmd.Context(), cfg, time.Now())
				if err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, opts...)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides addr)")
	cmd.Flags().BoolVar(&withSeed, "seed", false, "load the demo profiles, calendars and history")
	return cmd
}

// seededOptions swaps in the demo workspace for the memory backends. The
// demo day is the day after now, in UTC.
func seededOptions(ctx context.Context, cfg *config.Config, now time.Time) ([]app.Option, error) {
	if len(cfg.Participants) == 0 {
		cfg.Participants = seed.Profiles()
	}
	day := now.UTC().Truncate(24*time.Hour).AddDate(0, 0, 1)

	cal := calendar.NewMemoryStore()
	seed.Calendar(cal, day)
	history := repository.NewMemoryDecisionStore()
	if err := seed.History(ctx, history, now); err != nil {
		return nil, err
	}
	return []app.Option{
		app.WithCalendar(cal, cal),
		app.WithDecisionStore(history),
	}, nil
}

// newHandler builds the HTTP routes for svc.
func newHandler(svc *app.Service) http.Handler {
	mux := http.NewServeMux()
	swagger.Register(mux)
	api.NewServer(svc, svc).Register(mux)
	return mux
}

// serve runs the service and HTTP server until ctx is done.
func serve(ctx context.Context, cfg *config.Config, opts ...app.Option) error {
	log := logger.Named("serve")

	svc := app.New(cfg, append([]app.Option{app.WithLogger(logger.Named("service"))}, opts...)...)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		svc.Stop(stopCtx)
	}()

	go startSystemMetricsUpdater(ctx)
	go startServiceMetricsUpdater(ctx, svc)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newHandler(svc),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}
	log.Info(ctx, "shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown failed", logger.Error(err))
	}
	log.Info(ctx, "server stopped")
	return nil
}

// startSystemMetricsUpdater starts a background goroutine that updates system metrics.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

// startServiceMetricsUpdater refreshes the queue and worker gauges.
func startServiceMetricsUpdater(ctx context.Context, svc *app.Service) {
	ticker := time.NewTicker(serviceMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// GetStats updates the gauges as a side effect.
			_ = svc.GetStats()
		}
	}
}

// updateSystemMetrics updates system-level metrics.
func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())

	if m.NumGC > 0 {
		avgPauseMs := float64(m.PauseTotalNs) / float64(m.NumGC) / nanosecondsPerMillisecond
		metrics.RecordSystemGCPauseTime(avgPauseMs)
	}
}
