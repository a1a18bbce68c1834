package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"hostguard/pkg/config"
	"hostguard/pkg/enforce"
	"hostguard/pkg/hostsfile"
	"hostguard/pkg/server"
)

const shutdownTimeout = 5 * time.Second

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the enforcement service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return c.serve(ctx)
		},
	}
}

// serve runs until ctx ends or SIGINT/SIGTERM arrives. SIGHUP starts a sync.
func (c *cli) serve(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	log := c.log
	a, err := newApp(ctx, c.cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("failed to close store", "error", err)
		}
	}()

	states, unsubscribe := a.ctrl.Subscribe()
	defer unsubscribe()
	go logTransitions(states, log)

	cfg := a.config()
	var web *hostsfile.WebServer
	switch {
	case cfg.Enforcement.Method == enforce.MethodVPN && cfg.Enforcement.VPNOnBoot:
		if err := a.ctrl.Apply(ctx); err != nil {
			log.Error("failed to start tunnel on boot", "error", err)
		}
	case cfg.Enforcement.Method == enforce.MethodRoot && cfg.Enforcement.WebserverEnabled:
		web = hostsfile.NewWebServer(cfg.Enforcement.WebserverListen, log)
		if _, err := web.Start(); err != nil {
			log.Warn("blank web server unavailable", "error", err)
			web = nil
		}
	}

	var admin *server.Server
	if cfg.Admin.Listen != "" {
		admin = server.New(server.Options{
			Listen:      cfg.Admin.Listen,
			Token:       cfg.Admin.Token,
			Sources:     a.model,
			Enforcement: a.ctrl,
			Actions:     a.actions,
			Commands:    a.cmds,
			Metrics:     a.metrics,
			Logger:      log,
		})
		if err := admin.Start(); err != nil {
			return err
		}
	}

	go a.actions.Run(ctx, cfg.Sync.Interval)
	c.loader.Watch(func(next *config.Config, err error) {
		a.reload(ctx, next, err)
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-ctx.Done():
			return a.shutdown(admin, web)
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				log.Info("received SIGHUP signal, syncing sources")
				go a.syncNow(ctx)
			case syscall.SIGINT, syscall.SIGTERM:
				log.Info("received shutdown signal", "signal", sig)
				cancel()
				return a.shutdown(admin, web)
			}
		}
	}
}

func (a *app) syncNow(ctx context.Context) {
	out, err := a.actions.Sync(ctx)
	switch {
	case err != nil:
		a.log.Error("sync failed", "error", err)
	case out.Skipped:
		a.log.Info("sync skipped, another action is running")
	default:
		a.log.Info("sync finished", "rules", out.Report.Rules, "failed", len(out.Report.Failed), "applied", out.Applied)
	}
}

// reload adopts an edited configuration. A method change swaps the strategy;
// other settings take effect the next time a strategy is built. When the
// switch fails the previous configuration stays current, so the configured
// method always matches the live strategy.
func (a *app) reload(ctx context.Context, next *config.Config, err error) {
	if err != nil {
		a.log.Error("ignoring invalid configuration change", "error", err)
		return
	}
	prev := a.config()
	a.setConfig(next)
	if next.Enforcement.Method == prev.Enforcement.Method {
		a.log.Info("configuration reloaded")
		return
	}
	if err := a.ctrl.SetMethod(ctx, next.Enforcement.Method); err != nil {
		a.setConfig(prev)
		if errors.Is(err, enforce.ErrBusy) {
			a.log.Warn("method change deferred, enforcement is busy", "method", next.Enforcement.Method)
			return
		}
		a.log.Error("failed to change enforcement method, keeping previous configuration", "error", err)
		return
	}
	a.log.Info("configuration reloaded", "method", next.Enforcement.Method)
}

// shutdown stops the HTTP servers. A running tunnel cannot outlive the
// process, so it is reverted; an installed hosts file stays in place.
func (a *app) shutdown(admin *server.Server, web *hostsfile.WebServer) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if a.ctrl.Method() == enforce.MethodVPN && a.ctrl.IsApplied() {
		if err := a.ctrl.Revert(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if admin != nil {
		if err := admin.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if web != nil {
		if err := web.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Error("shutdown failed", "error", err)
		return err
	}
	return nil
}

func logTransitions(states <-chan enforce.State, log *slog.Logger) {
	for st := range states {
		log.Info("enforcement state", "state", st.String())
	}
}
