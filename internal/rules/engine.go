package rules

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/CTFcrozone/Cerberus/internal/event"
)

// snapshot pairs a rule set with the index built from it. The two are
// published together through one atomic pointer so no reader ever sees a mix
// of old index and new rules.
type snapshot struct {
	rules *RuleSet
	index *Index
}

// Config carries the engine's evaluation knobs.
type Config struct {
	// ConsumeCompleted makes the correlator consume a progress when its
	// sequence completes instead of retaining it for repeated firing.
	ConsumeCompleted bool
}

// Engine is the rule-engine facade: the only surface the pipeline uses. It
// snapshots the current rule set per event, filters candidates through the
// index, evaluates conditions, feeds the correlator, and aggregates the
// resulting engine events.
//
// Reload may be called from any goroutine (it only swaps the snapshot
// pointer); ProcessEvent must be called from a single goroutine, which owns
// the correlator state.
type Engine struct {
	snap   atomic.Pointer[snapshot]
	corr   *Correlator
	logger *slog.Logger

	// lastSnap tracks the snapshot last seen by ProcessEvent so correlator
	// state keyed by rules that vanished in a swap is dropped on the next
	// event. Only the ProcessEvent goroutine touches it.
	lastSnap *snapshot

	evals        atomic.Uint64
	matches      atomic.Uint64
	correlations atomic.Uint64
	reloads      atomic.Uint64

	// now is the clock; tests override it to drive sequence windows.
	now func() time.Time
}

// NewEngine loads the rule directory and builds the initial snapshot.
func NewEngine(dir string, cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rs, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	e := newEngine(rs, cfg, logger)
	logger.Info("rule set loaded", slog.String("dir", dir), slog.Int("rules", rs.Len()))
	return e, nil
}

// NewEngineFromRuleSet builds an engine over an in-memory rule set.
func NewEngineFromRuleSet(rs *RuleSet, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return newEngine(rs, cfg, logger)
}

func newEngine(rs *RuleSet, cfg Config, logger *slog.Logger) *Engine {
	e := &Engine{
		corr:   NewCorrelator(cfg.ConsumeCompleted),
		logger: logger,
		now:    time.Now,
	}
	s := &snapshot{rules: rs, index: BuildIndex(rs)}
	e.snap.Store(s)
	e.lastSnap = s
	return e
}

// ProcessEvent runs one event through the pipeline: snapshot → kind →
// candidate lookup → context build → evaluation → correlation → responses.
// Within one event, the Evaluated for a rule always precedes any Correlated
// completing on that rule.
func (e *Engine) ProcessEvent(evt event.CerberusEvent) []event.EngineEvent {
	snap := e.snap.Load()
	if snap != e.lastSnap {
		e.lastSnap = snap
		e.corr.Retain(func(root string) bool {
			_, ok := snap.rules.Get(root)
			return ok
		})
	}

	kind := evt.Kind()
	candidates := snap.index.CandidatesFor(kind)
	if len(candidates) == 0 {
		return nil
	}

	ctx := BuildContext(evt)
	meta := evt.ProcMeta()
	now := e.now()

	var out []event.EngineEvent
	for _, id := range candidates {
		rule, ok := snap.rules.Get(id)
		if !ok {
			continue
		}

		e.evals.Add(1)
		if !RuleMatches(rule, ctx) {
			continue
		}
		e.matches.Add(1)

		out = append(out, event.Evaluated{
			RuleID:   rule.ID,
			RuleHash: rule.HashHex(),
			Severity: severityOrUnknown(rule),
			RuleType: rule.Type,
			Meta:     meta,
		})

		if rule.Sequence != nil {
			e.corr.OnRootMatch(rule.ID, rule.Sequence, now)
		}

		for _, rootID := range snap.index.ListenersFor(rule.ID) {
			root, ok := snap.rules.Get(rootID)
			if !ok || root.Sequence == nil {
				continue
			}
			for _, m := range e.corr.OnRuleMatch(rule.ID, root.Sequence, rootID, now) {
				e.correlations.Add(1)
				out = append(out, event.Correlated{
					BaseRuleID:   m.RootRuleID,
					SeqRuleID:    rule.ID,
					BaseRuleHash: root.HashHex(),
					SeqRuleHash:  rule.HashHex(),
					Steps:        m.Steps,
					Meta:         meta,
				})
			}
		}

		if rule.Response != nil {
			out = append(out, event.ResponseRequest{
				RuleID:   rule.ID,
				Response: *rule.Response,
				Meta:     meta,
			})
		}
	}
	return out
}

// Reload loads a fresh rule set from dir, rebuilds the index, and publishes
// both atomically. On failure the live snapshot is retained and the error is
// returned for the caller to log.
func (e *Engine) Reload(dir string) error {
	rs, err := LoadDir(dir)
	if err != nil {
		return err
	}
	e.snap.Store(&snapshot{rules: rs, index: BuildIndex(rs)})
	e.reloads.Add(1)
	e.logger.Info("rule set reloaded", slog.String("dir", dir), slog.Int("rules", rs.Len()))
	return nil
}

// RuleCount reports the size of the current snapshot.
func (e *Engine) RuleCount() int { return e.snap.Load().rules.Len() }

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	Evaluations  uint64
	Matches      uint64
	Correlations uint64
	Reloads      uint64
	RuleCount    int
}

// EngineStats returns the engine's counters.
func (e *Engine) EngineStats() Stats {
	return Stats{
		Evaluations:  e.evals.Load(),
		Matches:      e.matches.Load(),
		Correlations: e.correlations.Load(),
		Reloads:      e.reloads.Load(),
		RuleCount:    e.RuleCount(),
	}
}

func severityOrUnknown(r *Rule) string {
	if r.Severity == "" {
		return "unknown"
	}
	return r.Severity
}

// BuildContext projects an event's fields into the flat map the evaluator
// consumes. The names here and the index's kindFields tables must agree;
// the tables are the source of truth.
func BuildContext(evt event.CerberusEvent) EvalContext {
	switch e := evt.(type) {
	case *event.Generic:
		return EvalContext{
			"name": e.Name,
			"uid":  int64(e.UID),
			"pid":  int64(e.PID),
			"tgid": int64(e.TGID),
			"comm": e.Comm,
			"meta": int64(e.MetaWord),
		}
	case *event.InetSock:
		return EvalContext{
			"old_state": e.OldState,
			"new_state": e.NewState,
			"sport":     int64(e.SPort),
			"dport":     int64(e.DPort),
			"protocol":  e.Protocol,
			"saddr":     int64(e.SAddr),
			"daddr":     int64(e.DAddr),
		}
	case *event.Socket:
		return EvalContext{
			"port":   int64(e.Port),
			"family": int64(e.Family),
			"op":     int64(e.Op),
		}
	case *event.Module:
		return EvalContext{
			"uid":         int64(e.UID),
			"pid":         int64(e.PID),
			"tgid":        int64(e.TGID),
			"comm":        e.Comm,
			"module_name": e.ModuleName,
		}
	case *event.Bprm:
		return EvalContext{
			"uid":      int64(e.UID),
			"pid":      int64(e.PID),
			"tgid":     int64(e.TGID),
			"comm":     e.Comm,
			"filepath": e.Filepath,
		}
	case *event.BpfProgLoad:
		return EvalContext{
			"uid":                  int64(e.UID),
			"pid":                  int64(e.PID),
			"tgid":                 int64(e.TGID),
			"comm":                 e.Comm,
			"bpf_prog.prog_type":   int64(e.ProgType),
			"bpf_prog.attach_type": int64(e.AttachType),
			"bpf_prog.flags":       int64(e.Flags),
			"bpf_prog.tag":         e.Tag,
		}
	default:
		return EvalContext{}
	}
}
