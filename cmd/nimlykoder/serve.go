package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	httphandler "github.com/FredrikElliot/ha-nimly-manager/internal/adapter/driving/http"
	"github.com/FredrikElliot/ha-nimly-manager/internal/application"
	"github.com/FredrikElliot/ha-nimly-manager/internal/config"
)

func runServe(parent context.Context, cfgFile string) error {
	// 1. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Wire configuration, storage, lock and services.
	a, err := newApp(ctx, cfgFile)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger

	// 3. Hot-swap expiry settings when the config file changes.
	err = a.loader.Watch(func(cfg *config.Config) {
		a.settings.Replace(cfg.ExpirySettings())
	})
	switch {
	case errors.Is(err, config.ErrNoConfigFile):
		logger.Info("no config file, settings reload disabled")
	case err != nil:
		return err
	}

	// 4. Create HTTP handlers and register routes.
	apiHandler := httphandler.NewHandler(a.requests, logger)
	wsHandler := httphandler.NewWebSocket(a.requests, logger)
	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           httphandler.NewServeMux(apiHandler, wsHandler, a.metrics, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Lock commands with retries can take a while; leave headroom.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// 5. Run the expiry scheduler until shutdown.
	g.Go(func() error {
		a.scheduler.Run(gctx)
		return nil
	})

	// 6. Serve HTTP.
	g.Go(func() error {
		logger.Info("http server starting", "addr", a.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// 7. Graceful shutdown with 10s timeout for in-flight requests.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
		return nil
	})

	logger.Info("nimlykoder started",
		"listen_addr", a.cfg.ListenAddr,
		"cleanup_time", a.settings.Get().CleanupTime.String(),
		"auto_expire", a.settings.Get().AutoExpire,
	)

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// runSweep revokes every expired code once and prints what happened.
func runSweep(parent context.Context, cfgFile string, out io.Writer) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfgFile)
	if err != nil {
		return err
	}
	defer a.close()

	if res := a.credentials.Reconcile(ctx); len(res.Remaining) > 0 {
		a.logger.Warn("divergent slots remain", "slots", res.Remaining)
	}
	res := a.scheduler.SweepNow(ctx)

	fmt.Fprintf(out, "removed %d expired code(s)", len(res.Removed))
	if len(res.Removed) > 0 {
		fmt.Fprintf(out, ": slots %s", joinInts(res.Removed))
	}
	fmt.Fprintln(out)
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d expired code(s) could not be removed: slots %s", len(res.Failed), joinInts(res.Failed))
	}
	return nil
}

// runList prints the stored codes as a table.
func runList(parent context.Context, cfgFile string, out io.Writer) error {
	a, err := newApp(parent, cfgFile)
	if err != nil {
		return err
	}
	defer a.close()

	resp, err := a.requests.Handle(parent, application.ListRequest{})
	if err != nil {
		return err
	}
	return printCodes(out, resp.(application.ListResponse).Codes)
}

func printCodes(out io.Writer, codes []application.CodeView) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SLOT\tNAME\tTYPE\tEXPIRY\tSTATUS")
	for _, c := range codes {
		expiry := "-"
		if c.Expiry != nil {
			expiry = *c.Expiry
		}
		status := string(c.Status)
		if c.Inconsistent {
			status += " (inconsistent)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", c.Slot, c.Name, c.Type, expiry, status)
	}
	return tw.Flush()
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ", ")
}
