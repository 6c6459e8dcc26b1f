package rules

import "github.com/CTFcrozone/Cerberus/internal/event"

// kindFields is the single source of truth for which context fields exist
// per event kind. The index reads it directly; BuildContext in engine.go
// projects the same names from its own per-kind maps, kept in step by hand.
var kindFields = map[event.Kind]map[string]bool{
	event.KindGeneric: {
		"name": true, "uid": true, "pid": true, "tgid": true, "comm": true, "meta": true,
	},
	event.KindInetSock: {
		"old_state": true, "new_state": true, "sport": true, "dport": true,
		"protocol": true, "saddr": true, "daddr": true,
	},
	event.KindSocket: {
		"port": true, "family": true, "op": true,
	},
	event.KindModule: {
		"uid": true, "pid": true, "tgid": true, "comm": true, "module_name": true,
	},
	event.KindBprm: {
		"uid": true, "pid": true, "tgid": true, "comm": true, "filepath": true,
	},
	event.KindBpfProgLoad: {
		"uid": true, "pid": true, "tgid": true, "comm": true,
		"bpf_prog.prog_type": true, "bpf_prog.attach_type": true,
		"bpf_prog.flags": true, "bpf_prog.tag": true,
	},
}

// FieldKnown reports whether field exists for at least one event kind.
// Rules referencing fields outside every table are rejected at load.
func FieldKnown(field string) bool {
	for _, fields := range kindFields {
		if fields[field] {
			return true
		}
	}
	return false
}

// fieldDefined reports whether field exists for kind.
func fieldDefined(kind event.Kind, field string) bool {
	return kindFields[kind][field]
}

// Index precomputes, per event kind, the rules that can possibly match
// events of that kind, and the fan-in map from sequence step rules to the
// roots listening for them. An Index is immutable and published together
// with its RuleSet in one snapshot.
type Index struct {
	byKind       map[event.Kind][]string
	seqListeners map[string][]string
}

// BuildIndex computes the index for a rule set.
//
// A rule is listed under a kind iff every condition field it references is
// defined for that kind; a rule with no conditions is listed under every
// kind.
func BuildIndex(rs *RuleSet) *Index {
	idx := &Index{
		byKind:       make(map[event.Kind][]string),
		seqListeners: make(map[string][]string),
	}

	for _, r := range rs.Rules() {
		for _, kind := range event.Kinds {
			ok := true
			for i := range r.Conditions {
				if !fieldDefined(kind, r.Conditions[i].Field) {
					ok = false
					break
				}
			}
			if ok {
				idx.byKind[kind] = append(idx.byKind[kind], r.ID)
			}
		}

		if r.Sequence != nil {
			for _, step := range r.Sequence.Steps {
				idx.seqListeners[step.RuleID] = append(idx.seqListeners[step.RuleID], r.ID)
			}
		}
	}
	return idx
}

// CandidatesFor returns the ids of rules applicable to events of kind, in
// rule-set order. Callers must not mutate the slice.
func (idx *Index) CandidatesFor(kind event.Kind) []string {
	return idx.byKind[kind]
}

// ListenersFor returns the root rule ids whose sequences reference ruleID as
// a step.
func (idx *Index) ListenersFor(ruleID string) []string {
	return idx.seqListeners[ruleID]
}
