// Package storage defines the persistence interfaces for the stage workflow
// engine. Implementations live in the sub-packages (memory, sqlite,
// postgres); all of them translate driver-level outcomes into the domain
// error taxonomy before returning.
package storage

import (
	"context"
	"time"

	"github.com/freeflowhq/stageflow/internal/domain"
)

// DefinitionStore owns the static shape of pipelines: stages and the allowed
// transitions between them. Read-heavy; the transition executor never
// mutates it.
type DefinitionStore interface {
	// CreatePipeline stores a pipeline and its stages. The pipeline must
	// carry at least one stage; every stage must reference the pipeline.
	CreatePipeline(ctx context.Context, p *domain.Pipeline) error

	// GetPipeline retrieves a pipeline with its stages.
	GetPipeline(ctx context.Context, id string) (*domain.Pipeline, error)

	// GetStage retrieves a single stage.
	GetStage(ctx context.Context, id string) (*domain.Stage, error)

	// AddStage appends a stage to an existing pipeline.
	AddStage(ctx context.Context, s *domain.Stage) error

	// AddTransition adds a directed edge. Both stages must belong to the
	// transition's pipeline; a second active edge between the same ordered
	// pair is rejected with ErrDuplicateTransition.
	AddTransition(ctx context.Context, t *domain.Transition) error

	// GetTransitions returns the active transitions out of fromStageID.
	GetTransitions(ctx context.Context, pipelineID, fromStageID string) ([]domain.Transition, error)

	// DeactivateStage marks a stage inactive. If live assignments point at
	// the stage it fails with ErrStageInUse unless force is set, in which
	// case the assignments are redirected to fallbackStageID.
	DeactivateStage(ctx context.Context, stageID string, force bool, fallbackStageID string) error
}

// AssignmentStore owns the single mutable fact per entity: its current stage
// within a pipeline, guarded by an optimistic version counter.
type AssignmentStore interface {
	// GetCurrent returns the live assignment, or ErrNotFound.
	GetCurrent(ctx context.Context, entityType, entityID, pipelineID string) (*domain.Assignment, error)

	// Initialize creates the assignment at version 1, or ErrAlreadyExists.
	Initialize(ctx context.Context, entityType, entityID, pipelineID, startStageID string) (*domain.Assignment, error)

	// AdvanceIfVersion is the only mutation path. The write commits only if
	// the stored version still equals expectedVersion; it then sets the new
	// stage and increments the version atomically. A lost race returns
	// ErrConflict.
	AdvanceIfVersion(ctx context.Context, entityType, entityID, pipelineID string, expectedVersion int64, newStageID string) (*domain.Assignment, error)

	// CountByStage returns the number of live assignments in a stage.
	CountByStage(ctx context.Context, stageID string) (int64, error)
}

// HistoryStore is the append-only audit log. Records are never updated or
// deleted by the engine; retention is an external policy.
type HistoryStore interface {
	// Append durably stores a record. The store assigns the per-entity
	// sequence number (previous seq + 1) so gaps are detectable.
	Append(ctx context.Context, rec *domain.HistoryRecord) error

	// ListByEntity returns records for one entity ordered by sequence.
	ListByEntity(ctx context.Context, entityType, entityID, pipelineID string) ([]*domain.HistoryRecord, error)

	// ListByPipeline returns records for a pipeline within [from, to),
	// ordered by creation time, for audit and reporting.
	ListByPipeline(ctx context.Context, pipelineID string, from, to time.Time) ([]*domain.HistoryRecord, error)
}

// BindingStore resolves which automations are bound to a stage for a trigger.
type BindingStore interface {
	// PutBinding stores the ordered automation list for (stage, trigger),
	// replacing any previous binding.
	PutBinding(ctx context.Context, b *domain.AutomationBinding) error

	// GetBinding returns the binding for (stage, trigger). A stage with no
	// bound automations returns an empty binding, not an error.
	GetBinding(ctx context.Context, stageID string, trigger domain.AutomationTrigger) (*domain.AutomationBinding, error)
}

// DefinitionBindingStore is the surface the definitions loader writes to.
type DefinitionBindingStore interface {
	DefinitionStore
	BindingStore
}

// Store is the full persistence surface the engine is wired with.
type Store interface {
	DefinitionStore
	AssignmentStore
	HistoryStore
	BindingStore

	// Close releases the underlying connection.
	Close() error
}
