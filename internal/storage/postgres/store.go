// Package postgres provides a PostgreSQL implementation of the engine's
// storage interfaces, for multi-instance deployments where the optimistic
// version check must be enforced by shared storage.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/freeflowhq/stageflow/internal/domain"
	"github.com/freeflowhq/stageflow/internal/storage"
)

// Store is a PostgreSQL implementation of storage.Store.
type Store struct {
	db *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// New creates a new PostgreSQL store and applies the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{db: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS pipelines (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stages (
			id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL REFERENCES pipelines(id),
			name TEXT NOT NULL,
			order_index INTEGER NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			entry_rules JSONB,
			exit_rules JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS transitions (
			pipeline_id TEXT NOT NULL REFERENCES pipelines(id),
			from_stage_id TEXT NOT NULL,
			to_stage_id TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			rules JSONB,
			allowed_roles JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS assignments (
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			pipeline_id TEXT NOT NULL,
			current_stage_id TEXT NOT NULL,
			version BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (entity_type, entity_id, pipeline_id)
		)`,
		`CREATE TABLE IF NOT EXISTS history (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			pipeline_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			from_stage_id TEXT,
			to_stage_id TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			reason TEXT,
			rule_results JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (entity_type, entity_id, pipeline_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS automation_bindings (
			stage_id TEXT NOT NULL,
			trigger_on TEXT NOT NULL,
			automations JSONB NOT NULL,
			PRIMARY KEY (stage_id, trigger_on)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_transitions_active_edge
			ON transitions(pipeline_id, from_stage_id, to_stage_id) WHERE active`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_stage ON assignments(current_stage_id)`,
		`CREATE INDEX IF NOT EXISTS idx_history_entity ON history(entity_type, entity_id, pipeline_id)`,
		`CREATE INDEX IF NOT EXISTS idx_history_pipeline_time ON history(pipeline_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// DefinitionStore

func (s *Store) CreatePipeline(ctx context.Context, p *domain.Pipeline) error {
	if p.ID == "" || len(p.Stages) == 0 {
		return domain.NewError(domain.ErrorTypeInvalid, "pipeline needs an id and at least one stage")
	}
	for i := range p.Stages {
		if p.Stages[i].PipelineID != p.ID {
			return domain.NewError(domain.ErrorTypeInvalid,
				"stage %s does not belong to pipeline %s", p.Stages[i].ID, p.ID)
		}
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO pipelines (id, name) VALUES ($1, $2)`, p.ID, p.Name); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists("pipeline %s already exists", p.ID)
		}
		return fmt.Errorf("failed to insert pipeline: %w", err)
	}

	for i := range p.Stages {
		st := &p.Stages[i]
		entryRules, exitRules, err := marshalStageRules(st)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO stages (id, pipeline_id, name, order_index, active, entry_rules, exit_rules)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			st.ID, st.PipelineID, st.Name, st.OrderIndex, st.Active, entryRules, exitRules); err != nil {
			return fmt.Errorf("failed to insert stage: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func marshalStageRules(st *domain.Stage) ([]byte, []byte, error) {
	entryRules, err := json.Marshal(st.EntryRules)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal entry rules: %w", err)
	}
	exitRules, err := json.Marshal(st.ExitRules)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal exit rules: %w", err)
	}
	return entryRules, exitRules, nil
}

func (s *Store) GetPipeline(ctx context.Context, id string) (*domain.Pipeline, error) {
	var p domain.Pipeline
	err := s.db.QueryRow(ctx,
		`SELECT id, name FROM pipelines WHERE id = $1`, id).Scan(&p.ID, &p.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound("pipeline %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, pipeline_id, name, order_index, active, entry_rules, exit_rules
		 FROM stages WHERE pipeline_id = $1 ORDER BY order_index ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query stages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		st, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		p.Stages = append(p.Stages, *st)
	}

	return &p, rows.Err()
}

func scanStage(row pgx.Row) (*domain.Stage, error) {
	var st domain.Stage
	var entryRules, exitRules []byte

	if err := row.Scan(&st.ID, &st.PipelineID, &st.Name, &st.OrderIndex,
		&st.Active, &entryRules, &exitRules); err != nil {
		return nil, fmt.Errorf("failed to scan stage: %w", err)
	}

	if len(entryRules) > 0 {
		if err := json.Unmarshal(entryRules, &st.EntryRules); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry rules: %w", err)
		}
	}
	if len(exitRules) > 0 {
		if err := json.Unmarshal(exitRules, &st.ExitRules); err != nil {
			return nil, fmt.Errorf("failed to unmarshal exit rules: %w", err)
		}
	}

	return &st, nil
}

func (s *Store) GetStage(ctx context.Context, id string) (*domain.Stage, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, pipeline_id, name, order_index, active, entry_rules, exit_rules
		 FROM stages WHERE id = $1`, id)

	st, err := scanStage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound("stage %s not found", id)
		}
		return nil, err
	}
	return st, nil
}

func (s *Store) AddStage(ctx context.Context, st *domain.Stage) error {
	if _, err := s.GetPipeline(ctx, st.PipelineID); err != nil {
		return err
	}

	entryRules, exitRules, err := marshalStageRules(st)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO stages (id, pipeline_id, name, order_index, active, entry_rules, exit_rules)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		st.ID, st.PipelineID, st.Name, st.OrderIndex, st.Active, entryRules, exitRules)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists("stage %s already exists", st.ID)
		}
		return fmt.Errorf("failed to insert stage: %w", err)
	}
	return nil
}

func (s *Store) AddTransition(ctx context.Context, t *domain.Transition) error {
	from, err := s.GetStage(ctx, t.FromStageID)
	if err != nil {
		return err
	}
	to, err := s.GetStage(ctx, t.ToStageID)
	if err != nil {
		return err
	}
	if from.PipelineID != t.PipelineID || to.PipelineID != t.PipelineID {
		return domain.NewError(domain.ErrorTypeInvalid,
			"transition stages must belong to pipeline %s", t.PipelineID)
	}

	rules, err := json.Marshal(t.Rules)
	if err != nil {
		return fmt.Errorf("failed to marshal rules: %w", err)
	}
	roles, err := json.Marshal(t.AllowedRoles)
	if err != nil {
		return fmt.Errorf("failed to marshal roles: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO transitions (pipeline_id, from_stage_id, to_stage_id, active, rules, allowed_roles)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.PipelineID, t.FromStageID, t.ToStageID, t.Active, rules, roles)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateTransition(t.FromStageID, t.ToStageID)
		}
		return fmt.Errorf("failed to insert transition: %w", err)
	}
	return nil
}

func (s *Store) GetTransitions(ctx context.Context, pipelineID, fromStageID string) ([]domain.Transition, error) {
	rows, err := s.db.Query(ctx,
		`SELECT pipeline_id, from_stage_id, to_stage_id, active, rules, allowed_roles
		 FROM transitions WHERE pipeline_id = $1 AND from_stage_id = $2 AND active`,
		pipelineID, fromStageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var result []domain.Transition
	for rows.Next() {
		var t domain.Transition
		var rules, roles []byte

		if err := rows.Scan(&t.PipelineID, &t.FromStageID, &t.ToStageID, &t.Active, &rules, &roles); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		if len(rules) > 0 {
			if err := json.Unmarshal(rules, &t.Rules); err != nil {
				return nil, fmt.Errorf("failed to unmarshal rules: %w", err)
			}
		}
		if len(roles) > 0 {
			if err := json.Unmarshal(roles, &t.AllowedRoles); err != nil {
				return nil, fmt.Errorf("failed to unmarshal roles: %w", err)
			}
		}

		result = append(result, t)
	}

	return result, rows.Err()
}

func (s *Store) DeactivateStage(ctx context.Context, stageID string, force bool, fallbackStageID string) error {
	st, err := s.GetStage(ctx, stageID)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var live int64
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM assignments WHERE current_stage_id = $1`, stageID).Scan(&live); err != nil {
		return fmt.Errorf("failed to count assignments: %w", err)
	}

	if live > 0 {
		if !force {
			return domain.ErrStageInUse(stageID, live)
		}
		fb, err := s.GetStage(ctx, fallbackStageID)
		if err != nil {
			return err
		}
		if fb.PipelineID != st.PipelineID {
			return domain.NewError(domain.ErrorTypeInvalid,
				"fallback stage %s belongs to a different pipeline", fallbackStageID)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE assignments SET current_stage_id = $1, version = version + 1, updated_at = $2
			 WHERE current_stage_id = $3`,
			fallbackStageID, time.Now(), stageID); err != nil {
			return fmt.Errorf("failed to redirect assignments: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE stages SET active = FALSE WHERE id = $1`, stageID); err != nil {
		return fmt.Errorf("failed to deactivate stage: %w", err)
	}

	return tx.Commit(ctx)
}

// AssignmentStore

func (s *Store) GetCurrent(ctx context.Context, entityType, entityID, pipelineID string) (*domain.Assignment, error) {
	var a domain.Assignment
	err := s.db.QueryRow(ctx,
		`SELECT entity_type, entity_id, pipeline_id, current_stage_id, version, updated_at
		 FROM assignments WHERE entity_type = $1 AND entity_id = $2 AND pipeline_id = $3`,
		entityType, entityID, pipelineID).Scan(
		&a.EntityType, &a.EntityID, &a.PipelineID, &a.CurrentStageID, &a.Version, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound("no assignment for %s/%s in pipeline %s", entityType, entityID, pipelineID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	return &a, nil
}

func (s *Store) Initialize(ctx context.Context, entityType, entityID, pipelineID, startStageID string) (*domain.Assignment, error) {
	now := time.Now()
	_, err := s.db.Exec(ctx,
		`INSERT INTO assignments (entity_type, entity_id, pipeline_id, current_stage_id, version, updated_at)
		 VALUES ($1, $2, $3, $4, 1, $5)`,
		entityType, entityID, pipelineID, startStageID, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyExists("%s/%s already assigned in pipeline %s", entityType, entityID, pipelineID)
		}
		return nil, fmt.Errorf("failed to initialize assignment: %w", err)
	}

	return &domain.Assignment{
		EntityType:     entityType,
		EntityID:       entityID,
		PipelineID:     pipelineID,
		CurrentStageID: startStageID,
		Version:        1,
		UpdatedAt:      now,
	}, nil
}

func (s *Store) AdvanceIfVersion(ctx context.Context, entityType, entityID, pipelineID string, expectedVersion int64, newStageID string) (*domain.Assignment, error) {
	now := time.Now()

	tag, err := s.db.Exec(ctx,
		`UPDATE assignments SET current_stage_id = $1, version = version + 1, updated_at = $2
		 WHERE entity_type = $3 AND entity_id = $4 AND pipeline_id = $5 AND version = $6`,
		newStageID, now, entityType, entityID, pipelineID, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to advance assignment: %w", err)
	}

	if tag.RowsAffected() == 0 {
		current, err := s.GetCurrent(ctx, entityType, entityID, pipelineID)
		if err != nil {
			return nil, err
		}
		return nil, domain.ErrConflict("version is %d, caller expected %d", current.Version, expectedVersion)
	}

	return &domain.Assignment{
		EntityType:     entityType,
		EntityID:       entityID,
		PipelineID:     pipelineID,
		CurrentStageID: newStageID,
		Version:        expectedVersion + 1,
		UpdatedAt:      now,
	}, nil
}

func (s *Store) CountByStage(ctx context.Context, stageID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM assignments WHERE current_stage_id = $1`, stageID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count assignments: %w", err)
	}
	return n, nil
}

// HistoryStore

func (s *Store) Append(ctx context.Context, rec *domain.HistoryRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	results, err := json.Marshal(rec.RuleResults)
	if err != nil {
		return fmt.Errorf("failed to marshal rule results: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM history
		 WHERE entity_type = $1 AND entity_id = $2 AND pipeline_id = $3`,
		rec.EntityType, rec.EntityID, rec.PipelineID).Scan(&rec.Seq); err != nil {
		return fmt.Errorf("failed to compute sequence: %w", err)
	}

	var fromStage any
	if rec.FromStageID != "" {
		fromStage = rec.FromStageID
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO history (id, entity_type, entity_id, pipeline_id, seq, from_stage_id,
			to_stage_id, actor_id, reason, rule_results, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.EntityType, rec.EntityID, rec.PipelineID, rec.Seq, fromStage,
		rec.ToStageID, rec.ActorID, rec.Reason, results, rec.CreatedAt); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *Store) ListByEntity(ctx context.Context, entityType, entityID, pipelineID string) ([]*domain.HistoryRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, entity_type, entity_id, pipeline_id, seq, from_stage_id, to_stage_id,
			actor_id, reason, rule_results, created_at
		 FROM history WHERE entity_type = $1 AND entity_id = $2 AND pipeline_id = $3
		 ORDER BY seq ASC`,
		entityType, entityID, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	return scanHistory(rows)
}

func (s *Store) ListByPipeline(ctx context.Context, pipelineID string, from, to time.Time) ([]*domain.HistoryRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, entity_type, entity_id, pipeline_id, seq, from_stage_id, to_stage_id,
			actor_id, reason, rule_results, created_at
		 FROM history WHERE pipeline_id = $1 AND created_at >= $2 AND created_at < $3
		 ORDER BY created_at ASC`,
		pipelineID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	return scanHistory(rows)
}

func scanHistory(rows pgx.Rows) ([]*domain.HistoryRecord, error) {
	var result []*domain.HistoryRecord
	for rows.Next() {
		var rec domain.HistoryRecord
		var fromStage, reason *string
		var results []byte

		if err := rows.Scan(&rec.ID, &rec.EntityType, &rec.EntityID, &rec.PipelineID,
			&rec.Seq, &fromStage, &rec.ToStageID, &rec.ActorID, &reason, &results,
			&rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history record: %w", err)
		}

		if fromStage != nil {
			rec.FromStageID = *fromStage
		}
		if reason != nil {
			rec.Reason = *reason
		}
		if len(results) > 0 {
			if err := json.Unmarshal(results, &rec.RuleResults); err != nil {
				return nil, fmt.Errorf("failed to unmarshal rule results: %w", err)
			}
		}

		result = append(result, &rec)
	}
	return result, rows.Err()
}

// BindingStore

func (s *Store) PutBinding(ctx context.Context, b *domain.AutomationBinding) error {
	automations, err := json.Marshal(b.Automations)
	if err != nil {
		return fmt.Errorf("failed to marshal automations: %w", err)
	}

	_, err = s.db.Exec(ctx, `
	INSERT INTO automation_bindings (stage_id, trigger_on, automations)
	VALUES ($1, $2, $3)
	ON CONFLICT (stage_id, trigger_on) DO UPDATE SET automations = EXCLUDED.automations;
	`, b.StageID, string(b.Trigger), automations)
	if err != nil {
		return fmt.Errorf("failed to put binding: %w", err)
	}
	return nil
}

func (s *Store) GetBinding(ctx context.Context, stageID string, trigger domain.AutomationTrigger) (*domain.AutomationBinding, error) {
	b := &domain.AutomationBinding{StageID: stageID, Trigger: trigger}

	var automations []byte
	err := s.db.QueryRow(ctx,
		`SELECT automations FROM automation_bindings WHERE stage_id = $1 AND trigger_on = $2`,
		stageID, string(trigger)).Scan(&automations)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get binding: %w", err)
	}

	if err := json.Unmarshal(automations, &b.Automations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal automations: %w", err)
	}
	return b, nil
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
