// Command modbus-server serves a MODBUS TCP data model, kept in memory or
// persisted in a memory-mapped file.
//
//	modbus-server -config config.yaml
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gridpoint/modbus"
)

func main() {
	configFile := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	cfg, err := LoadConfig(*configFile)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		slog.Error("invalid log level", "level", cfg.Log.Level)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	units := make([]byte, 0, len(cfg.Server.Units))
	for _, u := range cfg.Server.Units {
		if u < 0 || u > 0xFF {
			logger.Error("invalid unit id", "unit", u)
			os.Exit(1)
		}
		units = append(units, byte(u))
	}

	var handler modbus.RequestHandler
	switch cfg.Persistence.Type {
	case "memory":
		handler = modbus.NewDataModel(modbus.DataModelConfig{Units: units})
	case "mmap":
		store, err := modbus.OpenMmapStore(cfg.Persistence.Path, units)
		if err != nil {
			logger.Error("failed to open mmap store", "path", cfg.Persistence.Path, "err", err)
			os.Exit(1)
		}
		defer store.Close()
		handler = store.Model()
	default:
		logger.Error("unknown persistence type", "type", cfg.Persistence.Type)
		os.Exit(1)
	}

	overflow := modbus.RejectNew
	if cfg.Server.Overflow == "evict-oldest" {
		overflow = modbus.EvictOldest
	}
	server := modbus.NewServer(modbus.ServerConfig{
		Address:     cfg.Server.Address,
		MaxSessions: cfg.Server.MaxSessions,
		Overflow:    overflow,
		Logger:      logger,
	}, handler)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.Grace)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn("shutdown grace period expired", "err", err)
		}
	}
}
