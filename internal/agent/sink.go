package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/CTFcrozone/Cerberus/internal/event"
)

// LogSink writes engine output as structured JSON lines: one record per
// match, correlation, or rate-limited raw event. It is the agent-mode sink.
type LogSink struct {
	in  <-chan event.EngineEvent
	log *slog.Logger

	closer io.Closer
}

// NewLogSink opens path for appending and attaches a JSON handler to it.
// An empty path falls back to stderr.
func NewLogSink(in <-chan event.EngineEvent, path string) (*LogSink, error) {
	var w io.Writer = os.Stderr
	var closer io.Closer
	if path != "" {
		// O_APPEND keeps each line a single atomic write.
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open alert log %s: %w", path, err)
		}
		w = f
		closer = f
	}
	return &LogSink{
		in:     in,
		log:    slog.New(slog.NewJSONHandler(w, nil)),
		closer: closer,
	}, nil
}

// Run drains engine events until ctx is cancelled or the channel closes.
func (s *LogSink) Run(ctx context.Context) error {
	defer func() {
		if s.closer != nil {
			s.closer.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case out, ok := <-s.in:
			if !ok {
				return nil
			}
			s.record(out)
		}
	}
}

func (s *LogSink) record(out event.EngineEvent) {
	switch e := out.(type) {
	case event.Evaluated:
		s.log.Warn("rule matched",
			slog.String("rule_id", e.RuleID),
			slog.String("rule_hash", e.RuleHash),
			slog.String("severity", e.Severity),
			slog.String("rule_type", e.RuleType),
			slog.Int("pid", int(e.Meta.PID)),
			slog.Int("uid", int(e.Meta.UID)),
			slog.String("comm", e.Meta.Comm),
		)
	case event.Correlated:
		s.log.Warn("sequence correlated",
			slog.String("base_rule_id", e.BaseRuleID),
			slog.String("seq_rule_id", e.SeqRuleID),
			slog.String("base_rule_hash", e.BaseRuleHash),
			slog.String("seq_rule_hash", e.SeqRuleHash),
			slog.Int("steps", e.Steps),
			slog.Int("pid", int(e.Meta.PID)),
			slog.Int("uid", int(e.Meta.UID)),
		)
	case event.Passthrough:
		s.recordEvent(e.Event)
	}
}

func (s *LogSink) recordEvent(evt event.CerberusEvent) {
	attrs := []any{slog.String("kind", evt.Kind().String())}
	if c := evt.Meta().Container; c != nil {
		attrs = append(attrs,
			slog.String("container_id", c.ContainerID),
			slog.String("runtime", c.Runtime.String()),
		)
	}

	switch e := evt.(type) {
	case *event.Generic:
		attrs = append(attrs,
			slog.String("name", e.Name),
			slog.String("comm", e.Comm),
			slog.Int("pid", int(e.PID)),
			slog.Int("uid", int(e.UID)),
			slog.Int("meta", int(e.MetaWord)),
		)
	case *event.InetSock:
		attrs = append(attrs,
			slog.String("old_state", e.OldState),
			slog.String("new_state", e.NewState),
			slog.String("protocol", e.Protocol),
			slog.String("saddr", event.IPv4String(e.SAddr)),
			slog.Int("sport", int(e.SPort)),
			slog.String("daddr", event.IPv4String(e.DAddr)),
			slog.Int("dport", int(e.DPort)),
		)
	case *event.Socket:
		attrs = append(attrs,
			slog.String("addr", event.IPv4String(e.Addr)),
			slog.Int("port", int(e.Port)),
			slog.Int("family", int(e.Family)),
		)
	case *event.Module:
		attrs = append(attrs,
			slog.String("module_name", e.ModuleName),
			slog.String("comm", e.Comm),
			slog.Int("pid", int(e.PID)),
		)
	case *event.Bprm:
		attrs = append(attrs,
			slog.String("filepath", e.Filepath),
			slog.String("comm", e.Comm),
			slog.Int("pid", int(e.PID)),
		)
	case *event.BpfProgLoad:
		attrs = append(attrs,
			slog.String("comm", e.Comm),
			slog.String("tag", e.Tag),
			slog.Int("prog_type", int(e.ProgType)),
		)
	}
	s.log.Info("event", attrs...)
}

// ConsoleSink renders engine output as human-readable lines on stdout. It
// stands in for the terminal dashboard in tui mode.
type ConsoleSink struct {
	in <-chan event.EngineEvent
	w  io.Writer
}

// NewConsoleSink creates a console sink writing to stdout.
func NewConsoleSink(in <-chan event.EngineEvent) *ConsoleSink {
	return &ConsoleSink{in: in, w: os.Stdout}
}

// Run drains engine events until ctx is cancelled or the channel closes.
func (s *ConsoleSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case out, ok := <-s.in:
			if !ok {
				return nil
			}
			s.render(out)
		}
	}
}

func (s *ConsoleSink) render(out event.EngineEvent) {
	switch e := out.(type) {
	case event.Evaluated:
		fmt.Fprintf(s.w, "[%s] %s (PID: %d, UID: %d)\n",
			e.RuleType, e.RuleID, e.Meta.PID, e.Meta.UID)
	case event.Correlated:
		fmt.Fprintf(s.w, "[%s -> %s] steps=%d (PID: %d, UID: %d)\n",
			e.BaseRuleID, e.SeqRuleID, e.Steps, e.Meta.PID, e.Meta.UID)
	case event.Passthrough:
		s.renderEvent(e.Event)
	}
}

func (s *ConsoleSink) renderEvent(evt event.CerberusEvent) {
	switch e := evt.(type) {
	case *event.Generic:
		fmt.Fprintf(s.w, "%s: %s (PID: %d, UID: %d)\n", e.Name, e.Comm, e.PID, e.UID)
	case *event.InetSock:
		fmt.Fprintf(s.w, "%s → %s (%s:%d → %s:%d)\n",
			e.OldState, e.NewState,
			event.IPv4String(e.SAddr), e.SPort,
			event.IPv4String(e.DAddr), e.DPort)
	case *event.Socket:
		fmt.Fprintf(s.w, "CONNECT %s:%d (family %d)\n",
			event.IPv4String(e.Addr), e.Port, e.Family)
	case *event.Module:
		fmt.Fprintf(s.w, "%s loaded by %s (PID: %d)\n", e.ModuleName, e.Comm, e.PID)
	case *event.Bprm:
		fmt.Fprintf(s.w, "%s executed %s (PID: %d)\n", e.Comm, e.Filepath, e.PID)
	case *event.BpfProgLoad:
		fmt.Fprintf(s.w, "BPF prog loaded by %s (tag %s)\n", e.Comm, e.Tag)
	}
}
