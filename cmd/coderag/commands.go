package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"go.temporal.io/sdk/client"

	"github.com/efebarandurmaz/coderag/internal/app"
	"github.com/efebarandurmaz/coderag/internal/config"
	"github.com/efebarandurmaz/coderag/internal/events"
	"github.com/efebarandurmaz/coderag/internal/index"
	"github.com/efebarandurmaz/coderag/internal/ingest"
	"github.com/efebarandurmaz/coderag/internal/observability"
	"github.com/efebarandurmaz/coderag/internal/server"
	"github.com/efebarandurmaz/coderag/internal/source"
)

func loadConfig(g globalFlags) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.store != "" {
		cfg.Vector.Backend = g.store
		if err := cfg.Check(); err != nil {
			return nil, nil, err
		}
	}
	log := observability.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)
	return cfg, log, nil
}

func sourceOptions(g globalFlags, repositoryID string) []source.LocalOption {
	if g.dir == "" || repositoryID == "" {
		return nil
	}
	return []source.LocalOption{source.WithDirectory(repositoryID, g.dir)}
}

func openApp(ctx context.Context, g globalFlags, repositoryID string) (*app.App, error) {
	cfg, log, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, log, sourceOptions(g, repositoryID)...)
}

func openTrigger(cfg *config.Config, log *slog.Logger) (*ingest.Trigger, client.Client, error) {
	tc, err := app.DialTemporal(cfg.Temporal, log)
	if err != nil {
		return nil, nil, err
	}
	return ingest.NewTrigger(tc, cfg.Temporal.TaskQueue, cfg.Temporal.Settle, log), tc, nil
}

type failureView struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

type reportView struct {
	RepositoryID string        `json:"repositoryId"`
	Files        int           `json:"files"`
	Succeeded    int           `json:"succeeded"`
	Failed       []failureView `json:"failed,omitempty"`
	Batches      int           `json:"batches"`
	Upserted     int           `json:"upserted"`
	Pruned       int           `json:"pruned"`
	Skipped      int           `json:"skipped,omitempty"`
	DurationMS   int64         `json:"durationMs"`
}

func runIndex(ctx context.Context, g globalFlags, repositoryID string, paths []string) error {
	a, err := openApp(ctx, g, repositoryID)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	snap, err := a.Source.Fetch(ctx, repositoryID, paths)
	if err != nil {
		return err
	}
	report, runErr := a.Pipeline.IndexRepository(ctx, repositoryID, snap.Files, index.RunOptions{
		Partial: len(paths) > 0,
		Removed: snap.Missing,
	})
	if report != nil {
		view := newReportView(report, snap.Skipped)
		if err := printReport(g.jsonOut, view); err != nil {
			return err
		}
	}
	return runErr
}

func newReportView(report *index.Report, skipped int) reportView {
	view := reportView{
		RepositoryID: report.RepositoryID,
		Files:        report.Files,
		Succeeded:    report.Succeeded,
		Batches:      report.Batches,
		Upserted:     report.Upserted,
		Pruned:       report.Pruned,
		Skipped:      skipped,
		DurationMS:   report.Duration.Milliseconds(),
	}
	for _, f := range report.Failed {
		view.Failed = append(view.Failed, failureView{Path: f.Path, Error: f.Err.Error()})
	}
	return view
}

func printReport(asJSON bool, r reportView) error {
	if asJSON {
		return printJSON(r)
	}
	fmt.Printf("Indexed %s: %d/%d files in %d batches (%d vectors, %d pruned) in %dms\n",
		r.RepositoryID, r.Succeeded, r.Files, r.Batches, r.Upserted, r.Pruned, r.DurationMS)
	for _, f := range r.Failed {
		fmt.Printf("  failed  %s: %s\n", f.Path, f.Error)
	}
	if r.Skipped > 0 {
		fmt.Printf("  skipped %d binary, oversized or unreadable files\n", r.Skipped)
	}
	return nil
}

func runSearch(ctx context.Context, g globalFlags, repositoryID, query string, topK int) error {
	a, err := openApp(ctx, g, repositoryID)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	results, err := a.Retrieval.Retrieve(ctx, query, repositoryID, topK)
	if err != nil {
		return err
	}
	if g.jsonOut {
		return printJSON(map[string]any{"repositoryId": repositoryID, "results": results})
	}
	if len(results) == 0 {
		fmt.Println("No results.")
		return nil
	}
	for i, r := range results {
		if i > 0 {
			fmt.Println(strings.Repeat("-", 72))
		}
		fmt.Println(r)
	}
	return nil
}

func runEnqueue(ctx context.Context, g globalFlags, repositoryID string, paths []string, viaNATS bool) error {
	cfg, log, err := loadConfig(g)
	if err != nil {
		return err
	}
	ev := ingest.ChangeEvent{RepositoryID: repositoryID, Paths: paths}

	if viaNATS {
		nc, err := app.ConnectNATS(cfg.NATS, log)
		if err != nil {
			return err
		}
		defer nc.Close()
		pub, err := events.NewPublisher(ctx, nc, app.EventOptions(cfg.NATS))
		if err != nil {
			return err
		}
		if err := pub.Publish(ctx, ev); err != nil {
			return err
		}
		fmt.Printf("Published change event for %s on %s\n", repositoryID, cfg.NATS.Subject)
		return nil
	}

	trigger, tc, err := openTrigger(cfg, log)
	if err != nil {
		return err
	}
	defer tc.Close()

	runID, err := trigger.Enqueue(ctx, ev)
	if err != nil {
		return err
	}
	if g.jsonOut {
		return printJSON(map[string]string{"repositoryId": repositoryID, "runId": runID})
	}
	fmt.Printf("Enqueued %s (workflow %s, run %s)\n", repositoryID, ingest.WorkflowID(repositoryID), runID)
	return nil
}

func runStatus(ctx context.Context, g globalFlags, repositoryID string) error {
	cfg, log, err := loadConfig(g)
	if err != nil {
		return err
	}
	trigger, tc, err := openTrigger(cfg, log)
	if err != nil {
		return err
	}
	defer tc.Close()

	st, err := trigger.Status(ctx, repositoryID)
	if err != nil {
		return err
	}
	if g.jsonOut {
		return printJSON(st)
	}
	fmt.Printf("%s: %s after %d runs", st.RepositoryID, st.State, st.Runs)
	if st.Pending {
		fmt.Print(" (changes pending)")
	}
	fmt.Println()
	if st.Last != nil {
		fmt.Printf("  last run: %d/%d files, %d batches, %d pruned, %d failed\n",
			st.Last.Succeeded, st.Last.Files, st.Last.Batches, st.Last.Pruned, len(st.Last.FailedPaths))
	}
	if st.LastError != "" {
		fmt.Printf("  last error: %s\n", st.LastError)
	}
	return nil
}

func runPurge(ctx context.Context, g globalFlags, repositoryID string, direct bool) error {
	if direct {
		a, err := openApp(ctx, g, repositoryID)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())
		if err := a.Pipeline.Purge(ctx, repositoryID); err != nil {
			return err
		}
		fmt.Printf("Purged %s\n", repositoryID)
		return nil
	}

	cfg, log, err := loadConfig(g)
	if err != nil {
		return err
	}
	trigger, tc, err := openTrigger(cfg, log)
	if err != nil {
		return err
	}
	defer tc.Close()
	if err := trigger.Purge(ctx, repositoryID); err != nil {
		return err
	}
	fmt.Printf("Purged %s\n", repositoryID)
	return nil
}

func runWatch(ctx context.Context, g globalFlags, repositoryID string, viaNATS bool) error {
	cfg, log, err := loadConfig(g)
	if err != nil {
		return err
	}
	dir, err := source.NewLocal(cfg.Source.Root, sourceOptions(g, repositoryID)...).Dir(repositoryID)
	if err != nil {
		return err
	}

	var enqueue func(context.Context, ingest.ChangeEvent) error
	if viaNATS {
		nc, err := app.ConnectNATS(cfg.NATS, log)
		if err != nil {
			return err
		}
		defer nc.Drain()
		pub, err := events.NewPublisher(ctx, nc, app.EventOptions(cfg.NATS))
		if err != nil {
			return err
		}
		enqueue = pub.Publish
	} else {
		trigger, tc, err := openTrigger(cfg, log)
		if err != nil {
			return err
		}
		defer tc.Close()
		enqueue = func(ctx context.Context, ev ingest.ChangeEvent) error {
			_, err := trigger.Enqueue(ctx, ev)
			return err
		}
	}

	w, err := source.NewWatcher(dir, cfg.Source.Debounce, log.With("component", "watcher"))
	if err != nil {
		return err
	}
	log.Info("watching repository", "repository", repositoryID, "dir", dir)

	err = w.Run(ctx, func(ctx context.Context, paths []string) {
		if err := enqueue(ctx, ingest.ChangeEvent{RepositoryID: repositoryID, Paths: paths}); err != nil {
			log.Error("enqueue changed files", "repository", repositoryID, "paths", len(paths), "error", err)
			return
		}
		log.Info("changed files enqueued", "repository", repositoryID, "paths", len(paths))
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runServe(g globalFlags, addr string, withWorker bool) error {
	ctx := context.Background()
	a, err := openApp(ctx, g, "")
	if err != nil {
		return err
	}
	cfg, log := a.Config, a.Log
	if addr == "" {
		addr = cfg.Server.Addr
	}

	shutdown := server.NewShutdownHandler(&server.ShutdownConfig{
		Timeout: server.DefaultShutdownConfig().Timeout,
		Signals: server.DefaultShutdownConfig().Signals,
		Logger:  log,
	})
	for _, h := range a.ShutdownHooks() {
		shutdown.Add(h)
	}

	trigger, tc, err := openTrigger(cfg, log)
	if err != nil {
		a.Close(ctx)
		return err
	}
	shutdown.Add(server.ShutdownHook{
		Name:     "temporal-client",
		Priority: server.PriorityStore,
		Fn:       func(context.Context) error { tc.Close(); return nil },
	})

	if withWorker {
		w, err := ingest.StartWorker(tc, cfg.Temporal.TaskQueue, a.Activities())
		if err != nil {
			a.Close(ctx)
			tc.Close()
			return err
		}
		shutdown.Add(server.TemporalWorkerHook(w.Stop))
	}

	health := server.NewHealthServer(app.Version)
	a.RegisterChecks(health)
	health.RegisterCheck("temporal", app.TemporalChecker(tc))
	server.MarkUnready(shutdown, health)

	handler := server.NewHandler(
		server.Config{Addr: addr, APIToken: cfg.Server.APIToken, Version: app.Version},
		server.NewAPI(trigger, a.Retrieval, log.With("component", "api")).WithAudit(a.Audit),
		health,
		a.Metrics.Handler(),
		log,
	)
	srv := server.NewHTTPServer(addr, handler)
	shutdown.Add(server.HTTPServerHook("http", srv.Shutdown))

	shutdown.Start()
	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", srv.Addr, "worker", withWorker)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			shutdown.Shutdown()
		}
	}()
	health.SetReady(true)

	waitErr := shutdown.Wait()
	select {
	case err := <-errCh:
		return err
	default:
	}
	return waitErr
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
