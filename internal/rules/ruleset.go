package rules

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// RuleSet is an ordered, immutable collection of rules. It is published
// through the engine's atomic snapshot pointer and never mutated after
// construction.
type RuleSet struct {
	rules []*Rule
	byID  map[string]*Rule
}

// NewRuleSet builds a set from already-parsed rules, rejecting duplicate
// ids.
func NewRuleSet(rules []*Rule) (*RuleSet, error) {
	byID := make(map[string]*Rule, len(rules))
	for _, r := range rules {
		if _, dup := byID[r.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateRuleID, r.ID)
		}
		byID[r.ID] = r
	}
	return &RuleSet{rules: rules, byID: byID}, nil
}

// LoadDir loads every *.toml file under dir, recursively, in path order. Any
// parse or validation failure rejects the whole load and is surfaced with
// the offending path.
func LoadDir(dir string) (*RuleSet, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".toml") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan rule dir %s: %w", dir, err)
	}
	sort.Strings(paths)

	rules := make([]*Rule, 0, len(paths))
	for _, p := range paths {
		r, err := LoadRule(p)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return NewRuleSet(rules)
}

// Rules returns the rules in load order. Callers must not mutate the slice.
func (s *RuleSet) Rules() []*Rule { return s.rules }

// Get looks a rule up by id.
func (s *RuleSet) Get(id string) (*Rule, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// Len reports the number of rules in the set.
func (s *RuleSet) Len() int { return len(s.rules) }
