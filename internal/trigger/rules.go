package trigger

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var ErrNotFound = errors.New("notification rule not found")

// Rule is a standing notification rule. A zero MinResources means no
// resource-count filter; an empty Platforms set matches every platform.
type Rule struct {
	ID           string
	Name         string
	Active       bool
	Triggers     map[Kind]bool
	Platforms    []string
	Recipients   []string
	Subject      string
	Body         string
	MinResources int

	LastTriggered time.Time
	TotalSent     int
}

func (r Rule) clone() Rule {
	cp := r
	cp.Triggers = make(map[Kind]bool, len(r.Triggers))
	for k, v := range r.Triggers {
		cp.Triggers[k] = v
	}
	cp.Platforms = append([]string(nil), r.Platforms...)
	cp.Recipients = append([]string(nil), r.Recipients...)
	return cp
}

// matches reports whether the rule fires for the event.
func (r Rule) matches(e Event) bool {
	if !r.Active || !r.Triggers[e.Kind] {
		return false
	}
	if len(r.Platforms) > 0 {
		found := false
		for _, p := range r.Platforms {
			if strings.EqualFold(p, e.Platform) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.MinResources > 0 && e.ResourcesAdded < r.MinResources {
		return false
	}
	return true
}

// Rules is the registered rule set. Reads for evaluation are snapshots, so
// matching never holds the lock while dispatch work happens.
type Rules struct {
	mu    sync.RWMutex
	rules map[string]*Rule
	order []string
}

func NewRules() *Rules {
	return &Rules{rules: map[string]*Rule{}}
}

func (s *Rules) Add(r Rule) error {
	id := strings.TrimSpace(r.ID)
	if id == "" {
		return fmt.Errorf("rule id is required")
	}
	r.ID = id
	if r.Triggers == nil {
		r.Triggers = map[Kind]bool{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		s.order = append(s.order, id)
	}
	cp := r.clone()
	s.rules[id] = &cp
	return nil
}

// Update replaces mutable fields; stats (LastTriggered, TotalSent) are kept.
func (s *Rules) Update(r Rule) error {
	id := strings.TrimSpace(r.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.LastTriggered = prev.LastTriggered
	r.TotalSent = prev.TotalSent
	cp := r.clone()
	cp.ID = id
	s.rules[id] = &cp
	return nil
}

func (s *Rules) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.rules, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Rules) Get(id string) (Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.clone(), nil
}

// SetActive toggles a rule without touching its other fields.
func (s *Rules) SetActive(id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.Active = active
	return nil
}

// Snapshot returns rule copies in registration order.
func (s *Rules) Snapshot() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, 0, len(s.order))
	for _, id := range s.order {
		if r, ok := s.rules[id]; ok {
			out = append(out, r.clone())
		}
	}
	return out
}

// Matches evaluates the event against a snapshot of the rule set and returns
// matching rules in registration order. Every match dispatches independently;
// there is no dedup between rules, and non-matches produce no side effect.
func (s *Rules) Matches(e Event) []Rule {
	var out []Rule
	for _, r := range s.Snapshot() {
		if r.matches(e) {
			out = append(out, r)
		}
	}
	return out
}

// MarkTriggered records a successful dispatch: lastTriggered and the running
// total of recipients reached. Failed dispatches call nothing here.
func (s *Rules) MarkTriggered(id string, recipients int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return
	}
	r.LastTriggered = at
	r.TotalSent += recipients
}
