// Package agent contains the Cerberus pipeline orchestrator. It owns the
// typed channels connecting the ring-buffer reader, the optional container
// resolver, the rule-engine worker, the response executor, the rule-file
// watcher, and the sinks, and supervises their lifecycle under a single
// cancellation root.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CTFcrozone/Cerberus/internal/config"
)

// Worker is a long-lived pipeline task. Run blocks until ctx is cancelled,
// its inbound channel closes, or a fatal error occurs; a nil return is an
// orderly exit.
type Worker interface {
	Run(ctx context.Context) error
}

// namedWorker pairs a worker with its supervision name.
type namedWorker struct {
	name string
	w    Worker
}

// Agent supervises the worker graph: every worker observes the same root
// cancellation, the first failure cancels the rest, and Run joins them all,
// aggregating their errors.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	workers []namedWorker

	mu      sync.Mutex
	errs    []error
	started time.Time
	running bool
}

// New creates an Agent; register workers with Add before calling Run.
func New(cfg *config.Config, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{cfg: cfg, logger: logger}
}

// Add registers a worker under a supervision name. Add must not be called
// after Run.
func (a *Agent) Add(name string, w Worker) {
	a.workers = append(a.workers, namedWorker{name: name, w: w})
}

// Uptime reports how long the agent has been running.
func (a *Agent) Uptime() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started.IsZero() {
		return 0
	}
	return time.Since(a.started)
}

// Run starts every registered worker and blocks until all have exited. A
// worker error cancels the remaining workers; Run returns the joined errors
// of all failed workers. When cfg.RunTime is positive the whole pipeline is
// cancelled after that duration.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent: already running")
	}
	a.running = true
	a.started = time.Now()
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.cfg.RunTime > 0 {
		var cancelAfter context.CancelFunc
		ctx, cancelAfter = context.WithTimeout(ctx, a.cfg.RunTime.Std())
		defer cancelAfter()
	}

	a.logger.Info("starting cerberus pipeline",
		slog.String("mode", a.cfg.Mode),
		slog.String("rules_dir", a.cfg.RulesDir),
		slog.Int("workers", len(a.workers)),
	)

	var wg sync.WaitGroup
	for _, nw := range a.workers {
		wg.Add(1)
		go func(nw namedWorker) {
			defer wg.Done()
			if err := nw.w.Run(ctx); err != nil {
				a.logger.Error("worker failed",
					slog.String("worker", nw.name),
					slog.Any("error", err),
				)
				a.mu.Lock()
				a.errs = append(a.errs, fmt.Errorf("%s: %w", nw.name, err))
				a.mu.Unlock()
				cancel()
				return
			}
			a.logger.Debug("worker exited", slog.String("worker", nw.name))
		}(nw)
	}

	wg.Wait()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
	a.logger.Info("cerberus pipeline stopped")
	return errors.Join(a.errs...)
}

// WorkerFunc adapts a plain function to the Worker interface.
type WorkerFunc func(ctx context.Context) error

func (f WorkerFunc) Run(ctx context.Context) error { return f(ctx) }
