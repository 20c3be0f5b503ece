package definition

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/stageflow/model"
)

// ChangeLog is the append-only log configuration changes are recorded in.
// It is satisfied by eventstore.Store.
type ChangeLog interface {
	Append(ctx context.Context, aggregateID string, expectedVersion int64, events ...model.WorkflowEvent) (int64, error)
	ReadStream(ctx context.Context, aggregateID string, fromVersion int64) ([]model.WorkflowEvent, error)
	Aggregates(ctx context.Context, aggregateType string) ([]string, error)
}

// UsageChecker reports how many non-terminal work items currently sit in
// each stage. An empty scope counts items of every scope.
type UsageChecker interface {
	StagesInUse(ctx context.Context, scope string) (map[string]int, error)
}

// ConfigAggregateID returns the event stream id holding scope's changes.
func ConfigAggregateID(scope string) string {
	if scope == model.GlobalScope {
		return model.AggregateConfiguration + ":@global"
	}
	return model.AggregateConfiguration + ":" + scope
}

// Store applies administrative changes to stages and transitions. Every
// change is version-stamped, validated, recorded as a ConfigurationChanged
// event and then published as a new snapshot.
type Store struct {
	registry  *Registry
	validator *Validator
	log       ChangeLog
	usage     UsageChecker
	logger    *zap.Logger
	now       func() time.Time

	mu sync.Mutex
}

// NewStore creates a configuration Store.
func NewStore(registry *Registry, validator *Validator, log ChangeLog, usage UsageChecker, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		registry:  registry,
		validator: validator,
		log:       log,
		usage:     usage,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Validate checks the configuration visible in scope against the current
// snapshot.
func (s *Store) Validate(scope string) []VError {
	return s.validator.Validate(s.registry.Snapshot(), scope)
}

// CreateStage adds a stage to its scope.
func (s *Store) CreateStage(ctx context.Context, actor model.Actor, st model.Stage) (model.Stage, error) {
	if st.ID == "" {
		return model.Stage{}, model.NewBadRequestError("stage id is required")
	}
	var out model.Stage
	err := s.apply(ctx, actor, st.Scope, func(snap *Snapshot) (model.ConfigurationChangedPayload, error) {
		if _, exists := snap.rawStages(st.Scope)[st.ID]; exists {
			return model.ConfigurationChangedPayload{}, model.NewConfigurationInvalidError(
				fmt.Sprintf("stage %q already exists", st.ID),
				[]model.FieldError{{Field: "id", Code: "DUPLICATE_ID", Message: "stage id is taken"}})
		}
		out = st
		out.Version = 1
		out.Deactivated = false
		out.UpdatedAt = s.now().UTC()
		return model.ConfigurationChangedPayload{Operation: model.ConfigOpCreate, Scope: st.Scope, Stage: &out}, nil
	})
	return out, err
}

// UpdateStage replaces a stage declared in its scope. A non-zero Version is
// checked against the stored version.
func (s *Store) UpdateStage(ctx context.Context, actor model.Actor, st model.Stage) (model.Stage, error) {
	var out model.Stage
	err := s.apply(ctx, actor, st.Scope, func(snap *Snapshot) (model.ConfigurationChangedPayload, error) {
		cur, ok := snap.rawStages(st.Scope)[st.ID]
		if !ok {
			return model.ConfigurationChangedPayload{}, model.NewNotFoundError(fmt.Sprintf("stage %q not found", st.ID))
		}
		if st.Version != 0 && st.Version != cur.Version {
			return model.ConfigurationChangedPayload{}, model.NewConcurrentModificationError(
				fmt.Sprintf("stage %q is at version %d, not %d", st.ID, cur.Version, st.Version))
		}
		if st.Deactivated && !cur.Deactivated {
			if err := s.checkStagesUnused(ctx, st.Scope, st.ID); err != nil {
				return model.ConfigurationChangedPayload{}, err
			}
		}
		out = st
		out.Version = cur.Version + 1
		out.UpdatedAt = s.now().UTC()
		return model.ConfigurationChangedPayload{
			Operation:       model.ConfigOpUpdate,
			Scope:           st.Scope,
			Stage:           &out,
			PreviousVersion: cur.Version,
		}, nil
	})
	return out, err
}

// DeleteStage soft-deactivates a stage. It fails with CONFIGURATION_IN_USE
// while any non-terminal work item sits in the stage.
func (s *Store) DeleteStage(ctx context.Context, actor model.Actor, scope, id string) error {
	return s.apply(ctx, actor, scope, func(snap *Snapshot) (model.ConfigurationChangedPayload, error) {
		cur, ok := snap.rawStages(scope)[id]
		if !ok || cur.Deactivated {
			return model.ConfigurationChangedPayload{}, model.NewNotFoundError(fmt.Sprintf("stage %q not found", id))
		}
		if err := s.checkStagesUnused(ctx, scope, id); err != nil {
			return model.ConfigurationChangedPayload{}, err
		}
		next := cur
		next.Deactivated = true
		next.Version = cur.Version + 1
		next.UpdatedAt = s.now().UTC()
		return model.ConfigurationChangedPayload{
			Operation:       model.ConfigOpDeactivate,
			Scope:           scope,
			Stage:           &next,
			PreviousVersion: cur.Version,
		}, nil
	})
}

// CreateTransition adds a transition to its scope.
func (s *Store) CreateTransition(ctx context.Context, actor model.Actor, t model.Transition) (model.Transition, error) {
	if t.ID == "" {
		return model.Transition{}, model.NewBadRequestError("transition id is required")
	}
	var out model.Transition
	err := s.apply(ctx, actor, t.Scope, func(snap *Snapshot) (model.ConfigurationChangedPayload, error) {
		if _, exists := snap.rawTransitions(t.Scope)[t.ID]; exists {
			return model.ConfigurationChangedPayload{}, model.NewConfigurationInvalidError(
				fmt.Sprintf("transition %q already exists", t.ID),
				[]model.FieldError{{Field: "id", Code: "DUPLICATE_ID", Message: "transition id is taken"}})
		}
		out = t
		out.Version = 1
		out.Deactivated = false
		out.UpdatedAt = s.now().UTC()
		return model.ConfigurationChangedPayload{Operation: model.ConfigOpCreate, Scope: t.Scope, Transition: &out}, nil
	})
	return out, err
}

// UpdateTransition replaces a transition declared in its scope.
func (s *Store) UpdateTransition(ctx context.Context, actor model.Actor, t model.Transition) (model.Transition, error) {
	var out model.Transition
	err := s.apply(ctx, actor, t.Scope, func(snap *Snapshot) (model.ConfigurationChangedPayload, error) {
		cur, ok := snap.rawTransitions(t.Scope)[t.ID]
		if !ok {
			return model.ConfigurationChangedPayload{}, model.NewNotFoundError(fmt.Sprintf("transition %q not found", t.ID))
		}
		if t.Version != 0 && t.Version != cur.Version {
			return model.ConfigurationChangedPayload{}, model.NewConcurrentModificationError(
				fmt.Sprintf("transition %q is at version %d, not %d", t.ID, cur.Version, t.Version))
		}
		if t.Deactivated && !cur.Deactivated {
			if err := s.checkStagesUnused(ctx, t.Scope, cur.From, cur.To); err != nil {
				return model.ConfigurationChangedPayload{}, err
			}
		}
		out = t
		out.Version = cur.Version + 1
		out.UpdatedAt = s.now().UTC()
		return model.ConfigurationChangedPayload{
			Operation:       model.ConfigOpUpdate,
			Scope:           t.Scope,
			Transition:      &out,
			PreviousVersion: cur.Version,
		}, nil
	})
	return out, err
}

// DeleteTransition soft-deactivates a transition. It fails with
// CONFIGURATION_IN_USE while a non-terminal work item sits in its source or
// destination stage.
func (s *Store) DeleteTransition(ctx context.Context, actor model.Actor, scope, id string) error {
	return s.apply(ctx, actor, scope, func(snap *Snapshot) (model.ConfigurationChangedPayload, error) {
		cur, ok := snap.rawTransitions(scope)[id]
		if !ok || cur.Deactivated {
			return model.ConfigurationChangedPayload{}, model.NewNotFoundError(fmt.Sprintf("transition %q not found", id))
		}
		if err := s.checkStagesUnused(ctx, scope, cur.From, cur.To); err != nil {
			return model.ConfigurationChangedPayload{}, err
		}
		next := cur
		next.Deactivated = true
		next.Version = cur.Version + 1
		next.UpdatedAt = s.now().UTC()
		return model.ConfigurationChangedPayload{
			Operation:       model.ConfigOpDeactivate,
			Scope:           scope,
			Transition:      &next,
			PreviousVersion: cur.Version,
		}, nil
	})
}

// History returns the configuration changes recorded for scope in order.
func (s *Store) History(ctx context.Context, scope string) ([]model.WorkflowEvent, error) {
	return s.log.ReadStream(ctx, ConfigAggregateID(scope), 0)
}

// Restore replays every recorded configuration change over the current
// snapshot, normally the YAML baseline, and publishes the result.
func (s *Store) Restore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.log.Aggregates(ctx, model.AggregateConfiguration)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)

	defs := s.registry.Snapshot().Definitions()
	applied := 0
	for _, id := range ids {
		events, err := s.log.ReadStream(ctx, id, 0)
		if err != nil {
			return err
		}
		for _, ev := range events {
			var change model.ConfigurationChangedPayload
			if err := ev.Decode(&change); err != nil {
				return model.NewPersistenceError("decode configuration change", err)
			}
			defs = applyChange(defs, change)
			applied++
		}
	}

	snap := NewSnapshot(s.registry.Snapshot().Version()+1, defs)
	if errs := s.validator.ValidateAll(snap); len(errs) > 0 {
		return model.NewConfigurationInvalidError("restored configuration is invalid", FieldErrors(errs))
	}
	s.registry.Publish(snap)
	s.logger.Info("configuration restored",
		zap.Int("changes", applied),
		zap.Int64("snapshot_version", snap.Version()),
	)
	return nil
}

type mutation func(snap *Snapshot) (model.ConfigurationChangedPayload, error)

func (s *Store) apply(ctx context.Context, actor model.Actor, scope string, mutate mutation) error {
	if actor.ID == "" {
		return model.NewUnauthorizedError("configuration changes require an actor")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.registry.Snapshot()
	change, err := mutate(cur)
	if err != nil {
		return err
	}

	candidate := NewSnapshot(cur.Version()+1, applyChange(cur.Definitions(), change))
	if errs := s.validator.Validate(candidate, scope); len(errs) > 0 {
		return model.NewConfigurationInvalidError("configuration change would leave the workflow invalid", FieldErrors(errs))
	}
	if scope == model.GlobalScope {
		// Global edits are visible in every scope.
		if errs := s.validator.ValidateAll(candidate); len(errs) > 0 {
			return model.NewConfigurationInvalidError("configuration change would leave a scope invalid", FieldErrors(errs))
		}
	}

	if err := s.record(ctx, actor, change); err != nil {
		return err
	}
	s.registry.Publish(candidate)

	s.logger.Info("configuration changed",
		zap.String("scope", scope),
		zap.String("operation", change.Operation),
		zap.String("actor_id", actor.ID),
		zap.String("correlation_id", model.CorrelationIDFrom(ctx)),
		zap.Int64("snapshot_version", candidate.Version()),
	)
	return nil
}

func (s *Store) record(ctx context.Context, actor model.Actor, change model.ConfigurationChangedPayload) error {
	aggregateID := ConfigAggregateID(change.Scope)
	existing, err := s.log.ReadStream(ctx, aggregateID, 0)
	if err != nil {
		return err
	}
	var head int64
	if n := len(existing); n > 0 {
		head = existing[n-1].Version
	}

	payload, err := json.Marshal(change)
	if err != nil {
		return model.NewPersistenceError("encode configuration change", err)
	}
	ev := model.WorkflowEvent{
		ID:            uuid.NewString(),
		AggregateID:   aggregateID,
		AggregateType: model.AggregateConfiguration,
		Version:       head + 1,
		Type:          model.EventConfigurationChanged,
		Payload:       payload,
		ActorID:       actor.ID,
		CorrelationID: model.CorrelationIDFrom(ctx),
		Timestamp:     s.now().UTC(),
	}
	if _, err := s.log.Append(ctx, aggregateID, head, ev); err != nil {
		if model.IsCode(err, model.ErrVersionConflict) {
			return model.NewConcurrentModificationError("configuration was changed concurrently")
		}
		return err
	}
	return nil
}

func (s *Store) checkStagesUnused(ctx context.Context, scope string, stageIDs ...string) error {
	if s.usage == nil {
		return nil
	}
	inUse, err := s.usage.StagesInUse(ctx, scope)
	if err != nil {
		return err
	}
	for _, id := range stageIDs {
		if n := inUse[id]; n > 0 {
			return model.NewConfigurationInUseError(
				fmt.Sprintf("stage %q is the current stage of %d active work item(s)", id, n))
		}
	}
	return nil
}

// applyChange returns defs with the change's entity upserted into its scope.
func applyChange(defs []model.ScopeDefinition, change model.ConfigurationChangedPayload) []model.ScopeDefinition {
	idx := -1
	for i := range defs {
		if defs[i].Scope == change.Scope {
			idx = i
			break
		}
	}
	if idx < 0 {
		defs = append(defs, model.ScopeDefinition{Scope: change.Scope})
		idx = len(defs) - 1
	}
	def := &defs[idx]

	if change.Stage != nil {
		st := *change.Stage
		st.Scope = change.Scope
		replaced := false
		stages := make([]model.Stage, 0, len(def.Stages)+1)
		for _, cur := range def.Stages {
			if cur.ID == st.ID {
				cur = st
				replaced = true
			}
			stages = append(stages, cur)
		}
		if !replaced {
			stages = append(stages, st)
		}
		def.Stages = stages
	}
	if change.Transition != nil {
		t := *change.Transition
		t.Scope = change.Scope
		replaced := false
		transitions := make([]model.Transition, 0, len(def.Transitions)+1)
		for _, cur := range def.Transitions {
			if cur.ID == t.ID {
				cur = t
				replaced = true
			}
			transitions = append(transitions, cur)
		}
		if !replaced {
			transitions = append(transitions, t)
		}
		def.Transitions = transitions
	}
	return defs
}
