package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"hostguard/pkg/command"
	"hostguard/pkg/config"
	"hostguard/pkg/dnscache"
	"hostguard/pkg/enforce"
	"hostguard/pkg/executor"
	"hostguard/pkg/fetch"
	"hostguard/pkg/forward"
	"hostguard/pkg/hostsfile"
	"hostguard/pkg/metrics"
	"hostguard/pkg/source"
	"hostguard/pkg/sources"
	"hostguard/pkg/store"
	"hostguard/pkg/tunnel"
)

const dbFile = "hostguard.db"

// app is the wired component graph shared by every subcommand.
type app struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	exec    *executor.Executors
	store   *store.Store
	model   *source.Model
	ctrl    *enforce.Controller
	actions *enforce.Actions
	cmds    *command.Dispatcher

	mu  sync.Mutex
	cfg *config.Config
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.Data.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(filepath.Join(cfg.Data.Dir, dbFile))
	if err != nil {
		return nil, err
	}

	seeds, err := sources.BuildSources(sources.Catalog, cfg.Sources)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if err := st.SeedSources(ctx, seeds); err != nil {
		_ = st.Close()
		return nil, err
	}

	a := &app{
		log:     log,
		metrics: metrics.New(),
		exec:    executor.New(cfg.Sync.Concurrency),
		store:   st,
		cfg:     cfg,
	}

	a.model, err = source.New(source.Options{
		Store: st,
		Fetcher: fetch.New(fetch.Options{
			Timeout:   cfg.Sync.Timeout,
			UserAgent: cfg.Sync.UserAgent,
			Logger:    log,
		}),
		Executors:   a.exec,
		Concurrency: cfg.Sync.Concurrency,
		ErrorLimit:  cfg.Logging.ParseErrorLimit,
		Logger:      log,
		Metrics:     a.metrics,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if err := a.model.Load(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	a.ctrl, err = enforce.NewController(enforce.ControllerOptions{
		Method:   cfg.Enforcement.Method,
		Factory:  a.strategy,
		Rules:    a.model.Rules(),
		Executor: a.exec.Disk,
		Logger:   log,
		Metrics:  a.metrics,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	a.actions = enforce.NewActions(a.model, a.ctrl, log)
	a.cmds = command.NewDispatcher(a.ctrl, log)
	return a, nil
}

func (a *app) config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

func (a *app) setConfig(cfg *config.Config) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

// strategy is the controller's factory. It reads the configuration current
// at the time of the call, so a method switch picks up edited settings.
func (a *app) strategy(method enforce.Method) (enforce.Strategy, error) {
	cfg := a.config()
	switch method {
	case enforce.MethodRoot:
		return hostsfile.New(hostsfile.Options{
			Path:          cfg.Hosts.Path,
			BackupPath:    cfg.Hosts.BackupPath,
			ReloadCommand: cfg.Hosts.ReloadCommand,
			Logger:        a.log,
		}), nil
	case enforce.MethodVPN:
		return tunnel.New(tunnel.Options{
			Device: tunnel.DeviceConfig{
				Name:       cfg.Tunnel.Name,
				Address:    cfg.Tunnel.Prefix,
				DNSAddress: cfg.Tunnel.Resolver,
				MTU:        cfg.Tunnel.MTU,
			},
			Forwarder: forward.New(cfg.Tunnel.Upstreams, cfg.Tunnel.UpstreamTimeout, a.log, a.metrics),
			Cache:     dnscache.New(cfg.Tunnel.CacheSize, a.log),
			Network:   a.exec.Network,
			Logger:    a.log,
			Metrics:   a.metrics,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported enforcement method %s", method)
	}
}

func (a *app) Close() error {
	return a.store.Close()
}
