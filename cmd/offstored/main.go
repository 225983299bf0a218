// Command offstored hosts the storage mechanisms as a long running
// process. It serves health probes and Prometheus metrics on
// metrics.addr and follows log.level changes in its config file.
//
// Usage:
//
//	offstored [--config /etc/offstore/offstore.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/yndnr/offstore/internal/infra/buildinfo"
	"github.com/yndnr/offstore/internal/infra/confloader"
	"github.com/yndnr/offstore/internal/infra/shutdown"
	"github.com/yndnr/offstore/internal/server/config"
	"github.com/yndnr/offstore/internal/server/httpserver"
	"github.com/yndnr/offstore/internal/storage"
	_ "github.com/yndnr/offstore/internal/storage/mechanisms"
	"github.com/yndnr/offstore/internal/telemetry/logger"
	"github.com/yndnr/offstore/internal/telemetry/metric"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile  = flag.String("config", os.Getenv("OFFSTORE_CONFIG"), "path to configuration file")
		showVersion = flag.Bool("version", false, "show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("offstored", buildinfo.String())
		return nil
	}

	cfg, err := config.Load(*configFile, nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(log)

	info := buildinfo.Get()
	log.Info("starting offstored",
		"version", info.Version,
		"commit", info.Commit,
		"config", *configFile)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := metric.NewStorage(reg)

	env, err := cfg.Env(log, metrics)
	if err != nil {
		return err
	}
	ctx := logger.WithLogger(context.Background(), log)
	muxer := storage.NewMuxer(env, nil)
	if err := muxer.Init(ctx); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	log.Info("storage ready", "mechanisms", muxer.Mechanisms())

	// Hooks run in reverse order of registration.
	sh := shutdown.NewHandler(cfg.Storage.ShutdownTimeout, log)
	sh.OnShutdown("storage", muxer.Destroy)

	if addr := cfg.Metrics.Addr; addr != "" {
		srv := httpserver.New(addr, httpserver.NewRouter(httpserver.RouterConfig{
			Store:    muxer,
			Gatherer: reg,
			Logger:   log,
		}))
		go func() {
			log.Info("http listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server failed", "error", err)
				sh.Trigger()
			}
		}()
		sh.OnShutdown("http", srv.Shutdown)
	}

	if *configFile != "" {
		w, err := watchConfig(*configFile, log)
		if err != nil {
			log.Warn("config watch disabled", "error", err)
		} else {
			sh.OnShutdown("config watcher", func(context.Context) error { return w.Stop() })
		}
	}

	if err := sh.Wait(ctx); err != nil {
		log.Error("shutdown finished with errors", "error", err)
		return err
	}
	log.Info("offstored stopped")
	return nil
}

// watchConfig re-reads path on change and applies the settings that can
// change at runtime. Today that is log.level; everything else needs a
// restart.
func watchConfig(path string, log *slog.Logger) (*confloader.Watcher, error) {
	w, err := confloader.NewWatcher(confloader.WithWatcherLogger(log))
	if err != nil {
		return nil, err
	}
	if err := w.Watch(path); err != nil {
		w.Stop()
		return nil, err
	}
	w.OnChange(func(string) {
		cfg, err := config.Load(path, nil)
		if err != nil {
			log.Warn("config reload rejected", "error", err)
			return
		}
		if cfg.Log.Level == logger.Level() {
			return
		}
		if err := logger.SetLevel(cfg.Log.Level); err != nil {
			log.Warn("config reload rejected", "error", err)
			return
		}
		log.Info("log level changed", "level", cfg.Log.Level)
	})
	w.StartAsync()
	return w, nil
}
