package agent

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/CTFcrozone/Cerberus/internal/event"
	"github.com/CTFcrozone/Cerberus/internal/rules"
)

// EngineWorker runs every inbound event through the rule engine, splits the
// resulting engine events between the sink channel and the response channel,
// and forwards the raw event to the sink behind a token-bucket limiter.
//
// Evaluation always runs; only the raw pass-through is rate limited.
type EngineWorker struct {
	engine *rules.Engine
	in     <-chan event.CerberusEvent
	out    chan<- event.EngineEvent
	resp   chan<- event.ResponseRequest
	logger *slog.Logger

	limiter *rate.Limiter
	dropped atomic.Uint64
}

// NewEngineWorker wires the engine between its channels. eventsPerSec and
// burst parameterize the pass-through limiter.
func NewEngineWorker(
	engine *rules.Engine,
	in <-chan event.CerberusEvent,
	out chan<- event.EngineEvent,
	resp chan<- event.ResponseRequest,
	eventsPerSec float64,
	burst int,
	logger *slog.Logger,
) *EngineWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &EngineWorker{
		engine:  engine,
		in:      in,
		out:     out,
		resp:    resp,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(eventsPerSec), burst),
	}
}

// RateDropped reports how many raw events the pass-through limiter dropped.
func (w *EngineWorker) RateDropped() uint64 { return w.dropped.Load() }

// Run processes events until ctx is cancelled or the inbound channel
// closes.
func (w *EngineWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-w.in:
			if !ok {
				return nil
			}
			for _, out := range w.engine.ProcessEvent(evt) {
				if req, isResp := out.(event.ResponseRequest); isResp {
					select {
					case w.resp <- req:
					case <-ctx.Done():
						return nil
					}
					continue
				}
				select {
				case w.out <- out:
				case <-ctx.Done():
					return nil
				}
			}

			if !w.limiter.Allow() {
				w.dropped.Add(1)
				continue
			}
			select {
			case w.out <- event.Passthrough{Event: evt}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
