package definition

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pitabwire/stageflow/internal/condition"
	"github.com/pitabwire/stageflow/model"
)

// Snapshot is an immutable, versioned view of every stage and transition.
// A transition is evaluated against exactly one snapshot; configuration
// changes publish a new one instead of mutating this one.
type Snapshot struct {
	version     int64
	stages      map[string]map[string]model.Stage
	transitions map[string]map[string]model.Transition
	programs    map[string]*condition.Program
	checksum    string
}

// NewSnapshot indexes the given definitions. Definitions sharing a scope are
// merged; guard conditions are compiled once here.
func NewSnapshot(version int64, defs []model.ScopeDefinition) *Snapshot {
	s := &Snapshot{
		version:     version,
		stages:      make(map[string]map[string]model.Stage),
		transitions: make(map[string]map[string]model.Transition),
		programs:    make(map[string]*condition.Program),
	}

	for _, def := range defs {
		if s.stages[def.Scope] == nil {
			s.stages[def.Scope] = make(map[string]model.Stage)
			s.transitions[def.Scope] = make(map[string]model.Transition)
		}
		for _, st := range def.Stages {
			st.Scope = def.Scope
			st.Version = max(st.Version, 1)
			s.stages[def.Scope][st.ID] = st
		}
		for _, t := range def.Transitions {
			t.Scope = def.Scope
			t.Version = max(t.Version, 1)
			s.transitions[def.Scope][t.ID] = t
			s.programs[programKey(t.Scope, t.ID)] = condition.Compile(t.Condition)
		}
	}

	canonical, _ := json.Marshal(s.Definitions())
	s.checksum = fmt.Sprintf("%x", sha256.Sum256(canonical))
	return s
}

func programKey(scope, id string) string {
	return scope + "\x00" + id
}

// Version returns the snapshot version. Published versions strictly increase.
func (s *Snapshot) Version() int64 { return s.version }

// Checksum returns the SHA-256 of the canonical snapshot content.
func (s *Snapshot) Checksum() string { return s.checksum }

// Scopes returns every scope with definitions, global first.
func (s *Snapshot) Scopes() []string {
	scopes := make([]string, 0, len(s.stages))
	for scope := range s.stages {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes
}

// Stage returns the effective stage for scope. An active scoped stage wins
// over the global one; inactive stages are returned only when nothing active
// carries the id.
func (s *Snapshot) Stage(scope, id string) (model.Stage, bool) {
	if scope != model.GlobalScope {
		if st, ok := s.stages[scope][id]; ok && st.Active() {
			return st, true
		}
	}
	if st, ok := s.stages[model.GlobalScope][id]; ok && st.Active() {
		return st, true
	}
	if st, ok := s.stages[scope][id]; ok {
		return st, true
	}
	st, ok := s.stages[model.GlobalScope][id]
	return st, ok
}

// Stages returns the active stages visible in scope ordered by display
// order, then id. Scoped stages replace global stages with the same id.
func (s *Snapshot) Stages(scope string) []model.Stage {
	merged := make(map[string]model.Stage)
	for id, st := range s.stages[model.GlobalScope] {
		if st.Active() {
			merged[id] = st
		}
	}
	if scope != model.GlobalScope {
		for id, st := range s.stages[scope] {
			if st.Active() {
				merged[id] = st
			}
		}
	}
	out := make([]model.Stage, 0, len(merged))
	for _, st := range merged {
		out = append(out, st)
	}
	sortStages(out)
	return out
}

// Transitions returns the active transitions visible in scope. Scoped edges
// replace global edges with the same source and destination.
func (s *Snapshot) Transitions(scope string) []model.Transition {
	return s.mergeTransitions(scope, func(model.Transition) bool { return true })
}

// Outgoing returns the active transitions leaving stageID in scope, ordered
// by destination display order.
func (s *Snapshot) Outgoing(stageID, scope string) []model.Transition {
	return s.mergeTransitions(scope, func(t model.Transition) bool { return t.From == stageID })
}

// Edge returns the active transition between two stages in scope.
func (s *Snapshot) Edge(from, to, scope string) (model.Transition, bool) {
	for _, t := range s.Outgoing(from, scope) {
		if t.To == to {
			return t, true
		}
	}
	return model.Transition{}, false
}

// Transition looks a transition up by id, scope first.
func (s *Snapshot) Transition(scope, id string) (model.Transition, bool) {
	if t, ok := s.transitions[scope][id]; ok {
		return t, true
	}
	t, ok := s.transitions[model.GlobalScope][id]
	return t, ok
}

// Program returns the compiled guard condition of t.
func (s *Snapshot) Program(t model.Transition) *condition.Program {
	if p, ok := s.programs[programKey(t.Scope, t.ID)]; ok && p.Source == t.Condition {
		return p
	}
	return condition.Compile(t.Condition)
}

// Definitions returns a copy of the raw definitions, including deactivated
// entries, grouped by scope in a stable order.
func (s *Snapshot) Definitions() []model.ScopeDefinition {
	defs := make([]model.ScopeDefinition, 0, len(s.stages))
	for _, scope := range s.Scopes() {
		def := model.ScopeDefinition{Scope: scope}
		for _, st := range s.stages[scope] {
			def.Stages = append(def.Stages, st)
		}
		for _, t := range s.transitions[scope] {
			def.Transitions = append(def.Transitions, t)
		}
		sortStages(def.Stages)
		sort.Slice(def.Transitions, func(i, j int) bool { return def.Transitions[i].ID < def.Transitions[j].ID })
		defs = append(defs, def)
	}
	return defs
}

// rawStages returns the stages declared directly in scope.
func (s *Snapshot) rawStages(scope string) map[string]model.Stage {
	return s.stages[scope]
}

// rawTransitions returns the transitions declared directly in scope.
func (s *Snapshot) rawTransitions(scope string) map[string]model.Transition {
	return s.transitions[scope]
}

func (s *Snapshot) mergeTransitions(scope string, keep func(model.Transition) bool) []model.Transition {
	merged := make(map[string]model.Transition)
	for _, t := range s.transitions[model.GlobalScope] {
		if t.Active() && keep(t) {
			merged[t.Key()] = t
		}
	}
	if scope != model.GlobalScope {
		for _, t := range s.transitions[scope] {
			if t.Active() && keep(t) {
				merged[t.Key()] = t
			}
		}
	}
	out := make([]model.Transition, 0, len(merged))
	for _, t := range merged {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return s.order(scope, out[i].From) < s.order(scope, out[j].From)
		}
		oi, oj := s.order(scope, out[i].To), s.order(scope, out[j].To)
		if oi != oj {
			return oi < oj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Snapshot) order(scope, stageID string) int {
	st, _ := s.Stage(scope, stageID)
	return st.DisplayOrder
}

func sortStages(stages []model.Stage) {
	sort.Slice(stages, func(i, j int) bool {
		if stages[i].DisplayOrder != stages[j].DisplayOrder {
			return stages[i].DisplayOrder < stages[j].DisplayOrder
		}
		return stages[i].ID < stages[j].ID
	})
}

// Registry is a read-optimized, thread-safe holder of the current snapshot.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
}

// NewRegistry creates a Registry whose first snapshot is built from defs.
func NewRegistry(defs []model.ScopeDefinition) *Registry {
	r := &Registry{}
	r.snap.Store(NewSnapshot(1, defs))
	return r
}

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Replace builds a snapshot from defs with the next version and publishes it.
func (r *Registry) Replace(defs []model.ScopeDefinition) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := NewSnapshot(r.snap.Load().Version()+1, defs)
	r.snap.Store(s)
	return s
}

// Publish swaps in s if it is newer than the current snapshot.
func (r *Registry) Publish(s *Snapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur := r.snap.Load(); cur != nil && s.Version() <= cur.Version() {
		return false
	}
	r.snap.Store(s)
	return true
}

// Checksum returns the checksum of the current snapshot.
func (r *Registry) Checksum() string {
	return r.Snapshot().Checksum()
}
