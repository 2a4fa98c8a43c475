// Package main is the entry point for the breaker daemon. It loads
// configuration, builds the coordination store and the breaker factory,
// registers the configured service groups, serves metrics and status
// endpoints, and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dskow/circuitmesh/circuit"
	"github.com/dskow/circuitmesh/config"
	"github.com/dskow/circuitmesh/internal/logging"
	"github.com/dskow/circuitmesh/internal/metrics"
	"github.com/dskow/circuitmesh/internal/status"
	"github.com/dskow/circuitmesh/store"
	etcdstore "github.com/dskow/circuitmesh/store/etcd"
	memstore "github.com/dskow/circuitmesh/store/mem"
)

func main() {
	configPath := flag.String("config", "configs/breakerd.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	logger.Info("configuration loaded",
		"store_backend", cfg.Store.Backend,
		"groups", len(cfg.Groups),
		"port", cfg.Server.Port,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	st, err := buildStore(cfg.Store, logger)
	if err != nil {
		logger.Error("failed to build store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	factory := circuit.NewFactory(st, cfg.Defaults.Options(), logger)
	defer factory.Cleanup()

	for _, g := range cfg.Groups {
		gc := circuit.GroupConfig{Name: g.Name, ShardCount: g.ShardCount}
		if g.Overrides != nil {
			opts := g.Overrides.Options()
			gc.Options = &opts
		}
		if _, err := factory.CreateGroup(gc); err != nil {
			logger.Error("failed to create group", "service", g.Name, "error", err)
			os.Exit(1)
		}
		if err := factory.AddListeners(g.Name, observabilityListeners(logger)); err != nil {
			logger.Error("failed to attach listeners", "service", g.Name, "error", err)
			os.Exit(1)
		}
	}

	mux := http.NewServeMux()
	status.New(factory, logger).RegisterRoutes(mux)
	if cfg.Metrics.IsEnabled() {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", cfg.Metrics.Path)
	}

	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()

	sim := newSimulator(factory, logger)
	sim.Configure(cfg.Groups)
	reloader.OnReload(func(newCfg *config.Config) {
		sim.Configure(newCfg.Groups)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sim.Run(ctx)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}

// buildLogger constructs a JSON slog logger per the logging config, returning
// a close func for file-backed outputs.
func buildLogger(cfg config.LoggingConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer
	closeFn := func() {}
	switch cfg.Output {
	case "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		rw, err := logging.NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		if err != nil {
			return nil, nil, err
		}
		out = rw
		closeFn = func() { rw.Close() }
	}

	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})), closeFn, nil
}

func buildStore(cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	if cfg.Backend == config.BackendEtcd {
		return etcdstore.New(etcdstore.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
			Username:    cfg.Etcd.Username,
			Password:    cfg.Etcd.Password,
		}, logger)
	}
	return memstore.New(), nil
}

// observabilityListeners logs the transitions operators care about.
func observabilityListeners(logger *slog.Logger) []circuit.Subscription {
	return []circuit.Subscription{
		{
			Event: circuit.EventCircuitOpen,
			Listener: func(payload any) {
				if ev, ok := payload.(circuit.FailureEvent); ok {
					logger.Warn("circuit tripped open", "service", ev.Service, "error", ev.Err)
				}
			},
		},
		{
			Event: circuit.EventStateChange,
			Listener: func(payload any) {
				if ev, ok := payload.(circuit.StateChangeEvent); ok {
					logger.Info("breaker state changed",
						"service", ev.Service,
						"from", string(ev.From),
						"to", string(ev.To),
					)
				}
			},
		},
	}
}
