// Package rules implements the Cerberus rule engine: the TOML rule model and
// loader, the per-event-kind rule index, the predicate evaluator, the
// temporal correlator, and the engine facade that ties them together behind
// an atomically hot-swappable snapshot.
package rules

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/zeebo/blake3"

	"github.com/CTFcrozone/Cerberus/internal/event"
)

// Load-time validation errors. Rule files are user content: every one of
// these rejects the offending file and leaves the live rule set untouched.
var (
	ErrEmptyRuleID     = errors.New("rule id must not be empty")
	ErrUnknownOp       = errors.New("unknown condition operator")
	ErrUnknownField    = errors.New("unknown condition field")
	ErrUnknownSeqKind  = errors.New("unknown sequence kind")
	ErrUnknownResponse = errors.New("unknown response type")
	ErrDuplicateRuleID = errors.New("duplicate rule id")
	ErrNonPositiveStep = errors.New("sequence step window must be positive")
	ErrEmptyStepRuleID = errors.New("sequence step rule_id must not be empty")
)

// Duration wraps time.Duration with humantime TOML decoding ("10s", "1m",
// "1h30m").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML string values.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Condition is a single predicate (field, op, value) over an event's field
// map. Value holds whatever the TOML decoder produced: int64, float64,
// string, bool, or []any.
type Condition struct {
	Field string `toml:"field"`
	Op    string `toml:"op"`
	Value any    `toml:"value"`
}

// Sequence kinds. The engine does not distinguish them: in a sequence of
// either kind, each step names a rule whose match advances the sequence.
const (
	SequenceKindRule  = "rule"
	SequenceKindEvent = "event"
)

// Step is one element of a temporal sequence: the rule that must fire, and
// the window within which it must fire measured from the previous step's
// match.
type Step struct {
	RuleID string   `toml:"rule_id"`
	Within Duration `toml:"within"`
}

// Sequence declares an ordered temporal correlation rooted at the rule that
// carries it.
type Sequence struct {
	Kind  string `toml:"kind"`
	Steps []Step `toml:"steps"`
}

// ResponseSpec is the TOML-facing shape of a [rule.response] table.
type ResponseSpec struct {
	Type    string `toml:"type"`
	Signal  int32  `toml:"signal"`
	Message string `toml:"message"`
}

// Rule is a single loaded detection rule.
type Rule struct {
	ID          string        `toml:"id"`
	Description string        `toml:"description"`
	Type        string        `toml:"type"`
	Severity    string        `toml:"severity"`
	Category    string        `toml:"category"`
	Conditions  []Condition   `toml:"conditions"`
	Sequence    *Sequence     `toml:"sequence"`
	RawResponse *ResponseSpec `toml:"response"`

	// Response is the validated action derived from RawResponse, nil when
	// the rule declares none.
	Response *event.Response `toml:"-"`

	hash [32]byte
}

// ruleFile is the top-level [rule] table wrapper.
type ruleFile struct {
	Rule Rule `toml:"rule"`
}

// Hash returns the BLAKE3 digest of the rule's source text.
func (r *Rule) Hash() [32]byte { return r.hash }

// HashHex returns the rule's public hex-encoded content hash.
func (r *Rule) HashHex() string { return hex.EncodeToString(r.hash[:]) }

// ParseRule parses and validates a rule from its TOML source. The content
// hash is computed over the raw source text.
func ParseRule(src []byte) (*Rule, error) {
	var rf ruleFile
	if err := toml.Unmarshal(src, &rf); err != nil {
		return nil, fmt.Errorf("parse rule: %w", err)
	}

	r := rf.Rule
	r.hash = blake3.Sum256(src)

	if err := r.validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// LoadRule reads and parses a single rule file.
func LoadRule(path string) (*Rule, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule %s: %w", path, err)
	}
	r, err := ParseRule(src)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// knownOps is the fixed operator set of the rule language.
var knownOps = map[string]bool{
	"==": true, "equals": true,
	"!=": true, "not_equals": true,
	">": true, "gt": true,
	"<": true, "lt": true,
	">=": true, "gte": true,
	"<=": true, "lte": true,
	"in": true, "not_in": true,
	"starts_with": true,
	"contains":    true,
	"regex":       true, "matches_regex": true,
	"bit_and": true,
	"exists":  true,
}

func (r *Rule) validate() error {
	if r.ID == "" {
		return ErrEmptyRuleID
	}

	for i := range r.Conditions {
		c := &r.Conditions[i]
		if !knownOps[c.Op] {
			return fmt.Errorf("rule %q condition %d: %w: %q", r.ID, i, ErrUnknownOp, c.Op)
		}
		if !FieldKnown(c.Field) {
			return fmt.Errorf("rule %q condition %d: %w: %q", r.ID, i, ErrUnknownField, c.Field)
		}
	}

	if s := r.Sequence; s != nil {
		if s.Kind != SequenceKindRule && s.Kind != SequenceKindEvent {
			return fmt.Errorf("rule %q: %w: %q", r.ID, ErrUnknownSeqKind, s.Kind)
		}
		for i, step := range s.Steps {
			if step.RuleID == "" {
				return fmt.Errorf("rule %q step %d: %w", r.ID, i, ErrEmptyStepRuleID)
			}
			if step.Within.Std() <= 0 {
				return fmt.Errorf("rule %q step %d: %w", r.ID, i, ErrNonPositiveStep)
			}
		}
	}

	if r.RawResponse != nil {
		resp, err := r.RawResponse.action()
		if err != nil {
			return fmt.Errorf("rule %q: %w", r.ID, err)
		}
		r.Response = &resp
	}
	return nil
}

func (s *ResponseSpec) action() (event.Response, error) {
	switch s.Type {
	case "kill_process":
		return event.Response{Type: event.ResponseKillProcess}, nil
	case "deny_exec":
		return event.Response{Type: event.ResponseDenyExec}, nil
	case "isolate_container":
		return event.Response{Type: event.ResponseIsolateContainer}, nil
	case "throttle_network":
		return event.Response{Type: event.ResponseThrottleNetwork}, nil
	case "emit_signal":
		return event.Response{Type: event.ResponseEmitSignal, Signal: s.Signal}, nil
	case "notify":
		return event.Response{Type: event.ResponseNotify, Message: s.Message}, nil
	default:
		return event.Response{}, fmt.Errorf("%w: %q", ErrUnknownResponse, s.Type)
	}
}
