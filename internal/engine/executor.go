// Package engine implements the transition executor, the orchestrator that
// moves an entity between stages as one logical operation: graph check, role
// check, rule evaluation, compare-and-swap advance, history append, and
// automation enqueue.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/freeflowhq/stageflow/internal/domain"
	"github.com/freeflowhq/stageflow/internal/rules"
	"github.com/freeflowhq/stageflow/internal/storage"
)

// Dispatcher enqueues automations bound to a stage for a trigger. Dispatch is
// asynchronous relative to the transition; failures are the dispatcher's to
// retry, never the transition's to roll back.
type Dispatcher interface {
	Dispatch(ctx context.Context, stageID string, trigger domain.AutomationTrigger, entity domain.EntityRef, historyRecordID string) error
}

// TransitionRequest carries everything needed to attempt one stage move. The
// Context field is the caller's snapshot of entity data; the engine never
// fetches entity business data itself.
type TransitionRequest struct {
	EntityType string
	EntityID   string
	PipelineID string
	ToStageID  string
	Actor      domain.Actor
	Context    domain.EntityContext
	Reason     string
}

// Executor validates and commits stage transitions.
type Executor struct {
	store      storage.Store
	dispatcher Dispatcher
	logger     *slog.Logger
}

// New creates an executor. dispatcher may be nil when automations are not
// wired (e.g. in tests or a read-only deployment).
func New(store storage.Store, dispatcher Dispatcher, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Initialize places an entity into a pipeline at an explicit start stage.
// There is no implicit stage zero; callers choose the entry point. The
// assignment is created at version 1 and no history record is written
// (history counts transitions, not entries).
func (e *Executor) Initialize(ctx context.Context, entityType, entityID, pipelineID, startStageID string) (*domain.Assignment, error) {
	pipeline, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}

	stage := pipeline.StageByID(startStageID)
	if stage == nil {
		return nil, domain.ErrNotFound("stage %s not found in pipeline %s", startStageID, pipelineID)
	}
	if !stage.Active {
		return nil, domain.NewError(domain.ErrorTypeInvalid, "stage %s is inactive", startStageID)
	}

	assignment, err := e.store.Initialize(ctx, entityType, entityID, pipelineID, startStageID)
	if err != nil {
		return nil, err
	}

	e.logger.Info("entity initialized",
		slog.String("entity_type", entityType),
		slog.String("entity_id", entityID),
		slog.String("pipeline_id", pipelineID),
		slog.String("stage_id", startStageID),
	)

	return assignment, nil
}

// RequestTransition attempts to move an entity to toStageID. The checks run
// in a fixed order so callers get the most specific error first: missing
// assignment, then graph shape, then actor role, then rules. Only after all
// checks pass does the compare-and-swap write happen; a lost race surfaces as
// a conflict with no side effects.
func (e *Executor) RequestTransition(ctx context.Context, req TransitionRequest) (*domain.HistoryRecord, error) {
	assignment, err := e.store.GetCurrent(ctx, req.EntityType, req.EntityID, req.PipelineID)
	if err != nil {
		return nil, err
	}

	transition, err := e.findTransition(ctx, req.PipelineID, assignment.CurrentStageID, req.ToStageID)
	if err != nil {
		return nil, err
	}

	if !transition.RoleAllowed(req.Actor.Role) {
		return nil, domain.ErrActorNotPermitted(req.Actor.ID)
	}

	// Stage definitions are re-read on every call rather than trusted from
	// any caller-side cache; a stale snapshot must not admit a move into a
	// stage that no longer exists or was deactivated.
	fromStage, err := e.store.GetStage(ctx, assignment.CurrentStageID)
	if err != nil {
		return nil, err
	}
	toStage, err := e.store.GetStage(ctx, req.ToStageID)
	if err != nil {
		return nil, err
	}
	if !toStage.Active {
		return nil, domain.ErrTransitionNotAllowed(assignment.CurrentStageID, req.ToStageID)
	}

	results, pass := rules.EvaluateAll([][]domain.Rule{
		fromStage.ExitRules,
		transition.Rules,
		toStage.EntryRules,
	}, req.Context)
	if !pass {
		return nil, domain.ErrRuleFailed(results)
	}

	updated, err := e.store.AdvanceIfVersion(ctx, req.EntityType, req.EntityID, req.PipelineID,
		assignment.Version, req.ToStageID)
	if err != nil {
		return nil, err
	}

	record := &domain.HistoryRecord{
		ID:          "hist_" + uuid.New().String(),
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		PipelineID:  req.PipelineID,
		FromStageID: assignment.CurrentStageID,
		ToStageID:   req.ToStageID,
		ActorID:     req.Actor.ID,
		Reason:      req.Reason,
		RuleResults: results,
		CreatedAt:   time.Now(),
	}

	if err := e.store.Append(ctx, record); err != nil {
		// The assignment advance already committed; the transition stands.
		// A missing history row is reconciled out-of-band via the per-entity
		// sequence gap.
		e.logger.Error("history append failed after committed transition",
			slog.String("entity_type", req.EntityType),
			slog.String("entity_id", req.EntityID),
			slog.String("pipeline_id", req.PipelineID),
			slog.String("to_stage_id", req.ToStageID),
			slog.Int64("version", updated.Version),
			slog.String("error", err.Error()),
		)
		return record, nil
	}

	e.enqueueAutomations(ctx, assignment.CurrentStageID, req.ToStageID, record)

	e.logger.Info("transition committed",
		slog.String("entity_type", req.EntityType),
		slog.String("entity_id", req.EntityID),
		slog.String("pipeline_id", req.PipelineID),
		slog.String("from_stage_id", assignment.CurrentStageID),
		slog.String("to_stage_id", req.ToStageID),
		slog.Int64("version", updated.Version),
	)

	return record, nil
}

// findTransition resolves the active edge from the current stage, or reports
// a graph-shape violation. This is deliberately distinct from rule failure.
func (e *Executor) findTransition(ctx context.Context, pipelineID, fromStageID, toStageID string) (*domain.Transition, error) {
	transitions, err := e.store.GetTransitions(ctx, pipelineID, fromStageID)
	if err != nil {
		return nil, err
	}
	for i := range transitions {
		if transitions[i].ToStageID == toStageID {
			return &transitions[i], nil
		}
	}
	return nil, domain.ErrTransitionNotAllowed(fromStageID, toStageID)
}

func (e *Executor) enqueueAutomations(ctx context.Context, fromStageID, toStageID string, record *domain.HistoryRecord) {
	if e.dispatcher == nil {
		return
	}

	entity := domain.EntityRef{Type: record.EntityType, ID: record.EntityID}

	if err := e.dispatcher.Dispatch(ctx, fromStageID, domain.TriggerOnExit, entity, record.ID); err != nil {
		e.logger.Error("failed to enqueue exit automations",
			slog.String("stage_id", fromStageID),
			slog.String("history_id", record.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := e.dispatcher.Dispatch(ctx, toStageID, domain.TriggerOnEnter, entity, record.ID); err != nil {
		e.logger.Error("failed to enqueue enter automations",
			slog.String("stage_id", toStageID),
			slog.String("history_id", record.ID),
			slog.String("error", err.Error()),
		)
	}
}

// History returns the ordered audit trail for one entity in one pipeline.
func (e *Executor) History(ctx context.Context, entityType, entityID, pipelineID string) ([]*domain.HistoryRecord, error) {
	return e.store.ListByEntity(ctx, entityType, entityID, pipelineID)
}
