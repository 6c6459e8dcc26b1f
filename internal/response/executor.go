// Package response executes the actions matched rules request: signal
// delivery for kill_process and emit_signal, structured alert records for
// the actions whose actuation is deferred to the operator.
package response

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/CTFcrozone/Cerberus/internal/event"
)

// killFunc delivers a signal to a process; tests substitute it.
type killFunc func(pid int, sig unix.Signal) error

// Executor consumes response requests and performs their side effects.
// Delivery failures are recorded and never halt the executor.
type Executor struct {
	in     <-chan event.ResponseRequest
	logger *slog.Logger
	kill   killFunc

	executed atomic.Uint64
	failed   atomic.Uint64
}

// NewExecutor creates an Executor draining in. If logger is nil,
// slog.Default() is used.
func NewExecutor(in <-chan event.ResponseRequest, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{in: in, logger: logger, kill: unix.Kill}
}

// Executed reports how many requests were acted on.
func (x *Executor) Executed() uint64 { return x.executed.Load() }

// Failed reports how many requests failed.
func (x *Executor) Failed() uint64 { return x.failed.Load() }

// Run drains requests until ctx is cancelled or the inbound channel closes.
func (x *Executor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req, ok := <-x.in:
			if !ok {
				return nil
			}
			x.execute(req)
		}
	}
}

func (x *Executor) execute(req event.ResponseRequest) {
	var err error
	switch req.Response.Type {
	case event.ResponseKillProcess:
		err = x.signal(req, unix.SIGKILL)
	case event.ResponseEmitSignal:
		err = x.signal(req, unix.Signal(req.Response.Signal))
	case event.ResponseNotify, event.ResponseDenyExec,
		event.ResponseIsolateContainer, event.ResponseThrottleNetwork:
		// Actuation is the operator's; recording the intent is ours.
		x.logger.Warn("response requested",
			slog.String("action", req.Response.Type.String()),
			slog.String("rule", req.RuleID),
			slog.Int("pid", int(req.Meta.PID)),
			slog.String("comm", req.Meta.Comm),
			slog.String("message", req.Response.Message),
		)
	}

	if err != nil {
		x.failed.Add(1)
		x.logger.Warn("response failed",
			slog.String("action", req.Response.Type.String()),
			slog.String("rule", req.RuleID),
			slog.Int("pid", int(req.Meta.PID)),
			slog.Any("error", err),
		)
		return
	}
	x.executed.Add(1)
}

// signal delivers sig to the request's PID. PID 0 would address the whole
// process group and is refused.
func (x *Executor) signal(req event.ResponseRequest, sig unix.Signal) error {
	pid := int(req.Meta.PID)
	if pid <= 0 {
		return fmt.Errorf("refusing to signal pid %d", pid)
	}
	if err := x.kill(pid, sig); err != nil {
		return fmt.Errorf("kill(%d, %v): %w", pid, sig, err)
	}
	x.logger.Info("signal delivered",
		slog.String("rule", req.RuleID),
		slog.Int("pid", pid),
		slog.String("signal", unix.SignalName(sig)),
	)
	return nil
}
