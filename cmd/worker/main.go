package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/efebarandurmaz/coderag/internal/app"
	"github.com/efebarandurmaz/coderag/internal/config"
	"github.com/efebarandurmaz/coderag/internal/events"
	"github.com/efebarandurmaz/coderag/internal/ingest"
	"github.com/efebarandurmaz/coderag/internal/observability"
	"github.com/efebarandurmaz/coderag/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Config file path (YAML)")
	probeAddr := flag.String("probe-addr", ":8081", "Address for health and metrics endpoints (empty disables)")
	flag.Parse()

	if err := run(*configPath, *probeAddr); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, probeAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := observability.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	ctx := context.Background()
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}

	shutdown := server.NewShutdownHandler(&server.ShutdownConfig{
		Timeout: server.DefaultShutdownConfig().Timeout,
		Signals: server.DefaultShutdownConfig().Signals,
		Logger:  log,
	})
	for _, h := range a.ShutdownHooks() {
		shutdown.Add(h)
	}
	health := server.NewHealthServer(app.Version)
	a.RegisterChecks(health)

	c, err := app.DialTemporal(cfg.Temporal, log)
	if err != nil {
		a.Close(ctx)
		return err
	}
	shutdown.Add(server.ShutdownHook{
		Name:     "temporal-client",
		Priority: server.PriorityStore,
		Fn:       func(context.Context) error { c.Close(); return nil },
	})
	health.RegisterCheck("temporal", app.TemporalChecker(c))

	w, err := ingest.StartWorker(c, cfg.Temporal.TaskQueue, a.Activities())
	if err != nil {
		a.Close(ctx)
		c.Close()
		return fmt.Errorf("worker: %w", err)
	}
	shutdown.Add(server.TemporalWorkerHook(w.Stop))
	log.Info("worker started", "task_queue", cfg.Temporal.TaskQueue)

	if cfg.NATS.URL != "" {
		nc, err := app.ConnectNATS(cfg.NATS, log)
		if err != nil {
			w.Stop()
			c.Close()
			a.Close(ctx)
			return err
		}
		trigger := ingest.NewTrigger(c, cfg.Temporal.TaskQueue, cfg.Temporal.Settle, log)
		consumer, err := events.NewConsumer(nc, app.EventOptions(cfg.NATS), trigger, log.With("component", "events"))
		if err == nil {
			err = consumer.Start(ctx)
		}
		if err != nil {
			nc.Close()
			w.Stop()
			c.Close()
			a.Close(ctx)
			return err
		}
		shutdown.Add(server.ConsumerHook(consumer.Stop))
		shutdown.Add(server.StoreHook("nats", nc.Drain))
		health.RegisterCheck("nats", app.NATSChecker(nc))
	}

	if probeAddr != "" {
		mux := http.NewServeMux()
		health.Register(mux)
		mux.Handle("GET /metrics", a.Metrics.Handler())
		srv := server.NewHTTPServer(probeAddr, server.Chain(mux, server.Recover(log)))
		shutdown.Add(server.HTTPServerHook("probes", srv.Shutdown))
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("probe server", "error", err)
			}
		}()
	}

	server.MarkUnready(shutdown, health)
	shutdown.Start()
	health.SetReady(true)

	err = shutdown.Wait()
	log.Info("worker stopped")
	return err
}
