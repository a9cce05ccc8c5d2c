package campaign

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already registered")
)

// Registry is the in-memory store for templates, targets and schedules.
// Accounts live in the account pool; subscriptions in the quota ledger.
//
// All methods are safe for concurrent use. Getters return copies so callers
// can never mutate registry state behind the lock.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]MessageTemplate
	targets   map[string]TargetGroup
	schedules map[string]Schedule
}

func NewRegistry() *Registry {
	return &Registry{
		templates: map[string]MessageTemplate{},
		targets:   map[string]TargetGroup{},
		schedules: map[string]Schedule{},
	}
}

func (r *Registry) PutTemplate(t MessageTemplate) error {
	if t.ID == "" {
		return errors.New("template id required")
	}
	if t.Content == "" {
		return errors.New("template content required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if old, ok := r.templates[t.ID]; ok {
		t.CreatedAt = old.CreatedAt
	} else if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	r.templates[t.ID] = t
	return nil
}

func (r *Registry) Template(id string) (MessageTemplate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	return t, ok
}

func (r *Registry) PutTarget(g TargetGroup) error {
	if g.ID == "" {
		return errors.New("target id required")
	}
	if g.Status == "" {
		g.Status = TargetPending
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[g.ID] = g
	return nil
}

func (r *Registry) Target(id string) (TargetGroup, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.targets[id]
	return g, ok
}

// SetTargetStatus records a delivery outcome on the target.
// A sent target also gets its LastMessageAt bumped.
func (r *Registry) SetTargetStatus(id string, st TargetStatus, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.targets[id]
	if !ok {
		return fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	g.Status = st
	if st == TargetSent {
		g.LastMessageAt = at
	}
	r.targets[id] = g
	return nil
}

func (r *Registry) PutSchedule(s Schedule) error {
	if s.ID == "" {
		return errors.New("schedule id required")
	}
	if s.MinDelay <= 0 || s.MaxDelay <= 0 {
		return errors.New("schedule delays must be > 0")
	}
	if s.MinDelay > s.MaxDelay {
		return errors.New("schedule min_delay must be <= max_delay")
	}
	start := 0
	if s.StartTime != "" {
		var err error
		start, err = ParseClock(s.StartTime)
		if err != nil {
			return fmt.Errorf("schedule start_time: %w", err)
		}
	}
	if s.EndTime != "" {
		end, err := ParseClock(s.EndTime)
		if err != nil {
			return fmt.Errorf("schedule end_time: %w", err)
		}
		if end <= start {
			return errors.New("schedule end_time must be after start_time")
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedules[s.ID] = s
	return nil
}

func (r *Registry) Schedule(id string) (Schedule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schedules[id]
	return s, ok
}

func (r *Registry) Templates() []MessageTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MessageTemplate, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	return out
}

func (r *Registry) Targets() []TargetGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TargetGroup, 0, len(r.targets))
	for _, g := range r.targets {
		out = append(out, g)
	}
	return out
}

func (r *Registry) Schedules() []Schedule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Schedule, 0, len(r.schedules))
	for _, s := range r.schedules {
		out = append(out, s)
	}
	return out
}
