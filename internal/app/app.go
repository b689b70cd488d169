// Package app wires the gateway services together with an explicit
// construction and shutdown order. Nothing in here is a global: every
// component receives its collaborators at build time.
package app

import (
	"context"
	"sync"
	"time"

	"chatgate/internal/alert"
	"chatgate/internal/automation"
	"chatgate/internal/config"
	"chatgate/internal/connection"
	"chatgate/internal/delivery"
	"chatgate/internal/eventbus"
	"chatgate/internal/health"
	"chatgate/internal/httpapi"
	"chatgate/internal/metrics"
	"chatgate/internal/ratelimit"
	"chatgate/internal/storage"
	logx "chatgate/pkg/logx"
)

type App struct {
	manager *config.Manager
	logSvc  *logx.Service
	log     logx.Logger

	bus      eventbus.Bus
	store    storage.Store
	limiter  *ratelimit.Limiter
	registry *connection.Registry
	queue    *delivery.Service
	monitor  *health.Monitor
	alerts   *alert.Dispatcher
	metrics  *metrics.Metrics
	api      *httpapi.Server

	cfgCh  chan *config.Config
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds the full service graph from the committed config. The config
// manager must have loaded already.
func New(manager *config.Manager, logSvc *logx.Service) (*App, error) {
	cfg := manager.Get()
	log := logSvc.Logger()

	storageCfg, err := cfg.BuildStorage()
	if err != nil {
		return nil, err
	}
	connCfg, err := cfg.BuildConnections()
	if err != nil {
		return nil, err
	}
	deliveryCfg, err := cfg.BuildDelivery()
	if err != nil {
		return nil, err
	}
	rlCfg, err := cfg.BuildRateLimit()
	if err != nil {
		return nil, err
	}
	healthCfg, err := cfg.BuildHealth()
	if err != nil {
		return nil, err
	}
	alertCfg, err := cfg.BuildAlerts()
	if err != nil {
		return nil, err
	}
	channels, err := cfg.BuildChannels()
	if err != nil {
		return nil, err
	}
	simCfg, err := cfg.BuildSim()
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	store, err := storage.Open(storageCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(rlCfg, bus, log.With(logx.String("comp", "ratelimit")))
	registry := connection.NewRegistry(connCfg, automation.SimFactory(simCfg), store, bus,
		log.With(logx.String("comp", "connections")))
	queue := delivery.New(deliveryCfg, store, registry, limiter, bus,
		log.With(logx.String("comp", "delivery")))
	monitor := health.New(healthCfg, store, queue, registry, bus,
		log.With(logx.String("comp", "health")))
	alerts := alert.New(alertCfg, store, bus, log.With(logx.String("comp", "alerts")), channels...)
	mx := metrics.New()
	api := httpapi.New(httpapi.Config{Addr: cfg.HTTP.Addr, HealthToken: cfg.HTTP.HealthToken},
		registry, queue, limiter, monitor, alerts, mx.Handler(),
		log.With(logx.String("comp", "http")))

	return &App{
		manager:  manager,
		logSvc:   logSvc,
		log:      log,
		bus:      bus,
		store:    store,
		limiter:  limiter,
		registry: registry,
		queue:    queue,
		monitor:  monitor,
		alerts:   alerts,
		metrics:  mx,
		api:      api,
	}, nil
}

// Start brings services up leaves-first: observers before producers, the
// HTTP surface last.
func (a *App) Start(ctx context.Context) error {
	a.stopCh = make(chan struct{})

	a.metrics.Start(ctx, a.bus)
	if err := a.alerts.Start(ctx); err != nil {
		return err
	}
	if err := a.registry.Start(ctx); err != nil {
		return err
	}
	a.queue.Start(ctx)
	if err := a.monitor.Start(ctx); err != nil {
		return err
	}
	if err := a.api.Start(); err != nil {
		return err
	}

	a.cfgCh = a.manager.Subscribe(1)
	a.wg.Add(1)
	go a.reloadLoop(ctx)

	a.log.Info("gateway started")
	return nil
}

// Stop tears down in reverse order, draining the queue best-effort inside
// the ctx deadline.
func (a *App) Stop(ctx context.Context) {
	if a.stopCh != nil {
		close(a.stopCh)
	}
	a.manager.Unsubscribe(a.cfgCh)
	a.wg.Wait()

	if err := a.api.Stop(ctx); err != nil {
		a.log.Warn("http shutdown failed", logx.Err(err))
	}
	a.monitor.Stop()
	a.queue.Stop(ctx)
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	a.registry.Stop(stopCtx)
	cancel()
	a.alerts.Stop()
	a.metrics.Stop()
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	a.log.Info("gateway stopped")
}

// reloadLoop applies the safe subset of a live config change: logging level
// and the rate-limit defaults. Structural changes (storage driver, worker
// count, listen address) need a restart.
func (a *App) reloadLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case cfg, ok := <-a.cfgCh:
			if !ok {
				return
			}
			a.logSvc.Apply(cfg.BuildLogging())
			if rl, err := cfg.BuildRateLimit(); err == nil {
				a.limiter.Apply(rl)
			}
			a.log.Info("config change applied; structural sections need a restart")
		}
	}
}

// Monitor exposes the health monitor for readiness probing at startup.
func (a *App) Monitor() *health.Monitor { return a.monitor }
