package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"chatgate/internal/app"
	"chatgate/internal/config"
	logx "chatgate/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (json or yaml)")
	flag.Parse()

	// .env is optional; it only seeds process env for configs that read it.
	_ = godotenv.Load()
	if p := os.Getenv("CHATGATE_CONFIG"); p != "" && cfgPath == "./config.yaml" {
		cfgPath = p
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	manager := config.NewManager(cfgPath)
	cfg, err := manager.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal: load config:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal: invalid config:", err)
		os.Exit(1)
	}

	logSvc, log := logx.New(cfg.BuildLogging())
	defer func() { _ = logSvc.Close() }()

	manager.SetLogger(log.With(logx.String("comp", "config")))
	manager.SetValidator(func(ctx context.Context, cfg *config.Config) error {
		return cfg.Validate(ctx)
	})
	go func() { _ = manager.Watch(ctx) }()

	gw, err := app.New(manager, logSvc)
	if err != nil {
		log.Error("build failed", logx.Err(err))
		os.Exit(1)
	}
	if err := gw.Start(ctx); err != nil {
		log.Error("start failed", logx.Err(err))
		os.Exit(1)
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	go watchdog(ctx)

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	gw.Stop(stopCtx)
	stopCancel()
}

// watchdog feeds systemd's watchdog at half the configured interval.
// No-op when WATCHDOG_USEC is unset.
func watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
