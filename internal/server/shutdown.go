package server

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"
)

// Hook priorities. Lower runs first.
const (
	PriorityHTTP     = 10
	PriorityConsumer = 15
	PriorityWorker   = 20
	PriorityWatcher  = 25
	PriorityTracing  = 80
	PriorityStore    = 90
)

// ShutdownHook is a named step of an orderly shutdown.
type ShutdownHook struct {
	Name     string
	Priority int
	Fn       func(ctx context.Context) error
}

// ShutdownConfig configures the shutdown handler.
type ShutdownConfig struct {
	// Timeout bounds the whole hook sequence (default: 30s).
	Timeout time.Duration
	// Signals to listen for (default: SIGTERM, SIGINT).
	Signals []os.Signal
	Logger  *slog.Logger
}

// DefaultShutdownConfig returns default configuration.
func DefaultShutdownConfig() *ShutdownConfig {
	return &ShutdownConfig{
		Timeout: 30 * time.Second,
		Signals: []os.Signal{syscall.SIGTERM, syscall.SIGINT},
	}
}

// ShutdownHandler runs registered hooks in priority order once a signal
// arrives or Shutdown is called.
type ShutdownHandler struct {
	mu      sync.Mutex
	hooks   []ShutdownHook
	timeout time.Duration
	signals []os.Signal
	log     *slog.Logger

	trigger     chan struct{}
	triggerOnce sync.Once
	stopping    chan struct{}
	done        chan struct{}
	started     bool
	errs        []error
}

// NewShutdownHandler creates a new shutdown handler.
func NewShutdownHandler(config *ShutdownConfig) *ShutdownHandler {
	if config == nil {
		config = DefaultShutdownConfig()
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	return &ShutdownHandler{
		timeout:  timeout,
		signals:  config.Signals,
		log:      log,
		trigger:  make(chan struct{}),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Add registers a hook.
func (s *ShutdownHandler) Add(h ShutdownHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
	sort.SliceStable(s.hooks, func(i, j int) bool { return s.hooks[i].Priority < s.hooks[j].Priority })
}

// RegisterHook adds a hook built from its parts.
func (s *ShutdownHandler) RegisterHook(name string, priority int, fn func(ctx context.Context) error) {
	s.Add(ShutdownHook{Name: name, Priority: priority, Fn: fn})
}

// Start begins listening for shutdown signals. Calling it twice is a no-op.
func (s *ShutdownHandler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	sigCh := make(chan os.Signal, 1)
	if len(s.signals) > 0 {
		signal.Notify(sigCh, s.signals...)
	}

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			s.log.Info("shutdown signal received", "signal", sig.String())
		case <-s.trigger:
			s.log.Info("shutdown requested")
		}
		s.run()
	}()
}

// Shutdown triggers a manual shutdown. It has no effect before Start.
func (s *ShutdownHandler) Shutdown() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}
	s.triggerOnce.Do(func() { close(s.trigger) })
}

// Stopping is closed when the hook sequence begins.
func (s *ShutdownHandler) Stopping() <-chan struct{} { return s.stopping }

// Done is closed when every hook has returned.
func (s *ShutdownHandler) Done() <-chan struct{} { return s.done }

// Wait blocks until shutdown completes and returns the joined hook errors.
func (s *ShutdownHandler) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.errs...)
}

// WaitWithTimeout blocks until shutdown completes or timeout elapses.
func (s *ShutdownHandler) WaitWithTimeout(timeout time.Duration) bool {
	select {
	case <-s.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *ShutdownHandler) run() {
	close(s.stopping)

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	s.mu.Lock()
	hooks := append([]ShutdownHook(nil), s.hooks...)
	s.mu.Unlock()

	var errs []error
	for _, hook := range hooks {
		start := time.Now()
		if err := hook.Fn(ctx); err != nil {
			s.log.Error("shutdown hook failed", "hook", hook.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		s.log.Debug("shutdown hook done", "hook", hook.Name, "elapsed", time.Since(start))
	}

	s.mu.Lock()
	s.errs = errs
	s.mu.Unlock()
	close(s.done)
}

// HTTPServerHook stops accepting connections and drains in-flight requests.
func HTTPServerHook(name string, shutdownFn func(ctx context.Context) error) ShutdownHook {
	return ShutdownHook{Name: name, Priority: PriorityHTTP, Fn: shutdownFn}
}

// ConsumerHook drains the event consumer.
func ConsumerHook(stopFn func() error) ShutdownHook {
	return ShutdownHook{
		Name:     "event-consumer",
		Priority: PriorityConsumer,
		Fn:       func(context.Context) error { return stopFn() },
	}
}

// TemporalWorkerHook stops the Temporal worker.
func TemporalWorkerHook(stopFn func()) ShutdownHook {
	return ShutdownHook{
		Name:     "temporal-worker",
		Priority: PriorityWorker,
		Fn: func(context.Context) error {
			stopFn()
			return nil
		},
	}
}

// TracingHook flushes and shuts down the tracer provider.
func TracingHook(shutdownFn func(ctx context.Context) error) ShutdownHook {
	return ShutdownHook{Name: "tracing", Priority: PriorityTracing, Fn: shutdownFn}
}

// StoreHook closes a storage client (vector store, ledger).
func StoreHook(name string, closeFn func() error) ShutdownHook {
	return ShutdownHook{
		Name:     name,
		Priority: PriorityStore,
		Fn:       func(context.Context) error { return closeFn() },
	}
}

// MarkUnready flips the health server to not-ready as soon as shutdown starts.
func MarkUnready(s *ShutdownHandler, h *HealthServer) {
	go func() {
		<-s.Stopping()
		h.SetReady(false)
	}()
}
