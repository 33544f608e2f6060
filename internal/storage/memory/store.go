// Package memory provides an in-memory implementation of the engine's
// storage interfaces. The compare-and-swap on assignments happens under the
// store mutex, so it is safe for concurrent use within one process.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/freeflowhq/stageflow/internal/domain"
	"github.com/freeflowhq/stageflow/internal/storage"
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu          sync.RWMutex
	pipelines   map[string]*domain.Pipeline
	stages      map[string]*domain.Stage
	transitions map[string][]domain.Transition // pipelineID -> edges
	assignments map[assignmentKey]*domain.Assignment
	history     map[assignmentKey][]*domain.HistoryRecord
	bindings    map[bindingKey]*domain.AutomationBinding
}

type assignmentKey struct {
	entityType string
	entityID   string
	pipelineID string
}

type bindingKey struct {
	stageID string
	trigger domain.AutomationTrigger
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		pipelines:   make(map[string]*domain.Pipeline),
		stages:      make(map[string]*domain.Stage),
		transitions: make(map[string][]domain.Transition),
		assignments: make(map[assignmentKey]*domain.Assignment),
		history:     make(map[assignmentKey][]*domain.HistoryRecord),
		bindings:    make(map[bindingKey]*domain.AutomationBinding),
	}
}

func (s *Store) CreatePipeline(ctx context.Context, p *domain.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" || len(p.Stages) == 0 {
		return domain.NewError(domain.ErrorTypeInvalid, "pipeline needs an id and at least one stage")
	}
	if _, exists := s.pipelines[p.ID]; exists {
		return domain.ErrAlreadyExists("pipeline %s already exists", p.ID)
	}
	for i := range p.Stages {
		if p.Stages[i].PipelineID != p.ID {
			return domain.NewError(domain.ErrorTypeInvalid,
				"stage %s does not belong to pipeline %s", p.Stages[i].ID, p.ID)
		}
	}

	cp := clonePipeline(p)
	s.pipelines[p.ID] = cp
	for i := range cp.Stages {
		s.stages[cp.Stages[i].ID] = &cp.Stages[i]
	}
	return nil
}

func (s *Store) GetPipeline(ctx context.Context, id string) (*domain.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.pipelines[id]
	if !exists {
		return nil, domain.ErrNotFound("pipeline %s not found", id)
	}
	return clonePipeline(p), nil
}

func (s *Store) GetStage(ctx context.Context, id string) (*domain.Stage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, exists := s.stages[id]
	if !exists {
		return nil, domain.ErrNotFound("stage %s not found", id)
	}
	cp := *st
	return &cp, nil
}

func (s *Store) AddStage(ctx context.Context, st *domain.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.pipelines[st.PipelineID]
	if !exists {
		return domain.ErrNotFound("pipeline %s not found", st.PipelineID)
	}
	if _, exists := s.stages[st.ID]; exists {
		return domain.ErrAlreadyExists("stage %s already exists", st.ID)
	}

	cp := *st
	// Re-index all of the pipeline's stages: append may have moved the
	// backing array.
	p.Stages = append(p.Stages, cp)
	for i := range p.Stages {
		s.stages[p.Stages[i].ID] = &p.Stages[i]
	}
	return nil
}

func (s *Store) AddTransition(ctx context.Context, t *domain.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, exists := s.stages[t.FromStageID]
	if !exists {
		return domain.ErrNotFound("stage %s not found", t.FromStageID)
	}
	to, exists := s.stages[t.ToStageID]
	if !exists {
		return domain.ErrNotFound("stage %s not found", t.ToStageID)
	}
	if from.PipelineID != t.PipelineID || to.PipelineID != t.PipelineID {
		return domain.NewError(domain.ErrorTypeInvalid,
			"transition stages must belong to pipeline %s", t.PipelineID)
	}

	if t.Active {
		for _, existing := range s.transitions[t.PipelineID] {
			if existing.Active && existing.FromStageID == t.FromStageID && existing.ToStageID == t.ToStageID {
				return domain.ErrDuplicateTransition(t.FromStageID, t.ToStageID)
			}
		}
	}

	s.transitions[t.PipelineID] = append(s.transitions[t.PipelineID], *t)
	return nil
}

func (s *Store) GetTransitions(ctx context.Context, pipelineID, fromStageID string) ([]domain.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Transition
	for _, t := range s.transitions[pipelineID] {
		if t.Active && t.FromStageID == fromStageID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *Store) DeactivateStage(ctx context.Context, stageID string, force bool, fallbackStageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.stages[stageID]
	if !exists {
		return domain.ErrNotFound("stage %s not found", stageID)
	}

	var live int64
	for _, a := range s.assignments {
		if a.CurrentStageID == stageID {
			live++
		}
	}

	if live > 0 {
		if !force {
			return domain.ErrStageInUse(stageID, live)
		}
		fb, ok := s.stages[fallbackStageID]
		if !ok {
			return domain.ErrNotFound("fallback stage %s not found", fallbackStageID)
		}
		if fb.PipelineID != st.PipelineID {
			return domain.NewError(domain.ErrorTypeInvalid,
				"fallback stage %s belongs to a different pipeline", fallbackStageID)
		}
		for _, a := range s.assignments {
			if a.CurrentStageID == stageID {
				a.CurrentStageID = fallbackStageID
				a.Version++
				a.UpdatedAt = time.Now()
			}
		}
	}

	st.Active = false
	return nil
}

func (s *Store) GetCurrent(ctx context.Context, entityType, entityID, pipelineID string) (*domain.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, exists := s.assignments[assignmentKey{entityType, entityID, pipelineID}]
	if !exists {
		return nil, domain.ErrNotFound("no assignment for %s/%s in pipeline %s", entityType, entityID, pipelineID)
	}
	cp := *a
	return &cp, nil
}

func (s *Store) Initialize(ctx context.Context, entityType, entityID, pipelineID, startStageID string) (*domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assignmentKey{entityType, entityID, pipelineID}
	if _, exists := s.assignments[key]; exists {
		return nil, domain.ErrAlreadyExists("%s/%s already assigned in pipeline %s", entityType, entityID, pipelineID)
	}

	a := &domain.Assignment{
		EntityType:     entityType,
		EntityID:       entityID,
		PipelineID:     pipelineID,
		CurrentStageID: startStageID,
		Version:        1,
		UpdatedAt:      time.Now(),
	}
	s.assignments[key] = a

	cp := *a
	return &cp, nil
}

func (s *Store) AdvanceIfVersion(ctx context.Context, entityType, entityID, pipelineID string, expectedVersion int64, newStageID string) (*domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assignmentKey{entityType, entityID, pipelineID}
	a, exists := s.assignments[key]
	if !exists {
		return nil, domain.ErrNotFound("no assignment for %s/%s in pipeline %s", entityType, entityID, pipelineID)
	}
	if a.Version != expectedVersion {
		return nil, domain.ErrConflict("version is %d, caller expected %d", a.Version, expectedVersion)
	}

	a.CurrentStageID = newStageID
	a.Version++
	a.UpdatedAt = time.Now()

	cp := *a
	return &cp, nil
}

func (s *Store) CountByStage(ctx context.Context, stageID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, a := range s.assignments {
		if a.CurrentStageID == stageID {
			n++
		}
	}
	return n, nil
}

func (s *Store) Append(ctx context.Context, rec *domain.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assignmentKey{rec.EntityType, rec.EntityID, rec.PipelineID}
	rec.Seq = int64(len(s.history[key])) + 1
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	cp := *rec
	s.history[key] = append(s.history[key], &cp)
	return nil
}

func (s *Store) ListByEntity(ctx context.Context, entityType, entityID, pipelineID string) ([]*domain.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.history[assignmentKey{entityType, entityID, pipelineID}]
	result := make([]*domain.HistoryRecord, len(records))
	for i, r := range records {
		cp := *r
		result[i] = &cp
	}
	return result, nil
}

func (s *Store) ListByPipeline(ctx context.Context, pipelineID string, from, to time.Time) ([]*domain.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.HistoryRecord
	for key, records := range s.history {
		if key.pipelineID != pipelineID {
			continue
		}
		for _, r := range records {
			if r.CreatedAt.Before(from) || !r.CreatedAt.Before(to) {
				continue
			}
			cp := *r
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) PutBinding(ctx context.Context, b *domain.AutomationBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *b
	cp.Automations = append([]domain.Automation(nil), b.Automations...)
	s.bindings[bindingKey{b.StageID, b.Trigger}] = &cp
	return nil
}

func (s *Store) GetBinding(ctx context.Context, stageID string, trigger domain.AutomationTrigger) (*domain.AutomationBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, exists := s.bindings[bindingKey{stageID, trigger}]
	if !exists {
		return &domain.AutomationBinding{StageID: stageID, Trigger: trigger}, nil
	}
	cp := *b
	cp.Automations = append([]domain.Automation(nil), b.Automations...)
	return &cp, nil
}

func (s *Store) Close() error {
	return nil
}

func clonePipeline(p *domain.Pipeline) *domain.Pipeline {
	cp := *p
	cp.Stages = append([]domain.Stage(nil), p.Stages...)
	return &cp
}
