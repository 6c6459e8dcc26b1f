package rules

import (
	"slices"
	"testing"

	"github.com/CTFcrozone/Cerberus/internal/event"
)

// --------------------------------------------------------------------------
// Test helpers
// --------------------------------------------------------------------------

func mustRuleSet(t *testing.T, rules ...*Rule) *RuleSet {
	t.Helper()
	rs, err := NewRuleSet(rules)
	if err != nil {
		t.Fatal(err)
	}
	return rs
}

func mustParse(t *testing.T, src string) *Rule {
	t.Helper()
	r, err := ParseRule([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

// TestIndex_NoConditionsListedEverywhere: a rule with no conditions applies
// to every event kind.
func TestIndex_NoConditionsListedEverywhere(t *testing.T) {
	r := mustParse(t, `
[rule]
id = "match-all"
description = "d"
type = "exec"
conditions = []
`)
	idx := BuildIndex(mustRuleSet(t, r))

	for _, kind := range event.Kinds {
		if !slices.Contains(idx.CandidatesFor(kind), "match-all") {
			t.Errorf("match-all missing from kind %v", kind)
		}
	}
}

// TestIndex_KindFiltering: a rule referencing an InetSock-only field is
// listed under InetSock and nowhere else.
func TestIndex_KindFiltering(t *testing.T) {
	r := mustParse(t, `
[rule]
id = "tcp-only"
description = "d"
type = "network"
[[rule.conditions]]
field = "protocol"
op = "=="
value = "TCP"
`)
	idx := BuildIndex(mustRuleSet(t, r))

	if !slices.Contains(idx.CandidatesFor(event.KindInetSock), "tcp-only") {
		t.Error("tcp-only missing from InetSock")
	}
	for _, kind := range []event.Kind{event.KindGeneric, event.KindSocket, event.KindModule, event.KindBprm, event.KindBpfProgLoad} {
		if slices.Contains(idx.CandidatesFor(kind), "tcp-only") {
			t.Errorf("tcp-only wrongly listed under %v", kind)
		}
	}
}

// TestIndex_SharedFields: uid/pid/tgid/comm are defined for Generic,
// Module, Bprm, and BpfProgLoad, but not the socket kinds.
func TestIndex_SharedFields(t *testing.T) {
	r := mustParse(t, `
[rule]
id = "by-uid"
description = "d"
type = "exec"
[[rule.conditions]]
field = "uid"
op = "=="
value = 0
`)
	idx := BuildIndex(mustRuleSet(t, r))

	for _, kind := range []event.Kind{event.KindGeneric, event.KindModule, event.KindBprm, event.KindBpfProgLoad} {
		if !slices.Contains(idx.CandidatesFor(kind), "by-uid") {
			t.Errorf("by-uid missing from %v", kind)
		}
	}
	for _, kind := range []event.Kind{event.KindInetSock, event.KindSocket} {
		if slices.Contains(idx.CandidatesFor(kind), "by-uid") {
			t.Errorf("by-uid wrongly listed under %v", kind)
		}
	}
}

// TestIndex_MixedFieldsNowhere: a rule mixing fields of two kinds can match
// no kind at all.
func TestIndex_MixedFieldsNowhere(t *testing.T) {
	r := mustParse(t, `
[rule]
id = "impossible"
description = "d"
type = "x"
[[rule.conditions]]
field = "protocol"
op = "=="
value = "TCP"
[[rule.conditions]]
field = "comm"
op = "=="
value = "bash"
`)
	idx := BuildIndex(mustRuleSet(t, r))

	for _, kind := range event.Kinds {
		if slices.Contains(idx.CandidatesFor(kind), "impossible") {
			t.Errorf("impossible wrongly listed under %v", kind)
		}
	}
}

// TestIndex_SequenceListeners: each step rule id maps back to every root
// whose sequence references it.
func TestIndex_SequenceListeners(t *testing.T) {
	root1 := mustParse(t, `
[rule]
id = "root1"
description = "d"
type = "exec"
conditions = []
[rule.sequence]
kind = "rule"
[[rule.sequence.steps]]
rule_id = "step-a"
within = "10s"
[[rule.sequence.steps]]
rule_id = "step-b"
within = "10s"
`)
	root2 := mustParse(t, `
[rule]
id = "root2"
description = "d"
type = "exec"
conditions = []
[rule.sequence]
kind = "rule"
[[rule.sequence.steps]]
rule_id = "step-a"
within = "5s"
`)
	idx := BuildIndex(mustRuleSet(t, root1, root2))

	a := idx.ListenersFor("step-a")
	if !slices.Contains(a, "root1") || !slices.Contains(a, "root2") {
		t.Errorf("ListenersFor(step-a) = %v", a)
	}
	b := idx.ListenersFor("step-b")
	if !slices.Equal(b, []string{"root1"}) {
		t.Errorf("ListenersFor(step-b) = %v", b)
	}
	if got := idx.ListenersFor("unrelated"); got != nil {
		t.Errorf("ListenersFor(unrelated) = %v, want nil", got)
	}
}

// TestFieldKnown covers the load-time unknown-field gate.
func TestFieldKnown(t *testing.T) {
	for _, f := range []string{"name", "meta", "protocol", "module_name", "filepath", "bpf_prog.tag", "op"} {
		if !FieldKnown(f) {
			t.Errorf("FieldKnown(%q) = false", f)
		}
	}
	if FieldKnown("nonexistent") {
		t.Error("FieldKnown(nonexistent) = true")
	}
}
