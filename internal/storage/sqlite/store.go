// Package sqlite provides a SQLite implementation of the engine's storage
// interfaces. The assignment compare-and-swap is a conditional UPDATE
// (WHERE version = ?) so the version check and the write are one atomic
// statement.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/freeflowhq/stageflow/internal/domain"
	"github.com/freeflowhq/stageflow/internal/storage"
)

// Store is a SQLite implementation of storage.Store.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a new SQLite store. For an in-memory database use a
// shared-cache DSN such as "file:memdb1?mode=memory&cache=shared"; a plain
// ":memory:" path gives every pooled connection its own empty database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS pipelines (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stages (
			id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL,
			name TEXT NOT NULL,
			order_index INTEGER NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			entry_rules TEXT,
			exit_rules TEXT,
			FOREIGN KEY (pipeline_id) REFERENCES pipelines(id)
		)`,
		`CREATE TABLE IF NOT EXISTS transitions (
			pipeline_id TEXT NOT NULL,
			from_stage_id TEXT NOT NULL,
			to_stage_id TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			rules TEXT,
			allowed_roles TEXT,
			FOREIGN KEY (pipeline_id) REFERENCES pipelines(id)
		)`,
		`CREATE TABLE IF NOT EXISTS assignments (
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			pipeline_id TEXT NOT NULL,
			current_stage_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (entity_type, entity_id, pipeline_id)
		)`,
		`CREATE TABLE IF NOT EXISTS history (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			pipeline_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			from_stage_id TEXT,
			to_stage_id TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			reason TEXT,
			rule_results TEXT,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (entity_type, entity_id, pipeline_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS automation_bindings (
			stage_id TEXT NOT NULL,
			trigger_on TEXT NOT NULL,
			automations TEXT NOT NULL,
			PRIMARY KEY (stage_id, trigger_on)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stages_pipeline ON stages(pipeline_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_transitions_active_edge
			ON transitions(pipeline_id, from_stage_id, to_stage_id) WHERE active = 1`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_stage ON assignments(current_stage_id)`,
		`CREATE INDEX IF NOT EXISTS idx_history_entity ON history(entity_type, entity_id, pipeline_id)`,
		`CREATE INDEX IF NOT EXISTS idx_history_pipeline_time ON history(pipeline_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pipelines (id, name) VALUES (?, ?)`, p.ID, p.Name); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists("pipeline %s already exists", p.ID)
		}
		return fmt.Errorf("failed to insert pipeline: %w", err)
	}

	for i := range p.Stages {
		if err := insertStage(ctx, tx, &p.Stages[i]); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertStage(ctx context.Context, tx *sql.Tx, st *domain.Stage) error {
	entryRules, err := json.Marshal(st.EntryRules)
	if err != nil {
		return fmt.Errorf("failed to marshal entry rules: %w", err)
	}
	exitRules, err := json.Marshal(st.ExitRules)
	if err != nil {
		return fmt.Errorf("failed to marshal exit rules: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO stages (id, pipeline_id, name, order_index, active, entry_rules, exit_rules)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.PipelineID, st.Name, st.OrderIndex, boolToInt(st.Active),
		string(entryRules), string(exitRules))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists("stage %s already exists", st.ID)
		}
		return fmt.Errorf("failed to insert stage: %w", err)
	}
	return nil
}

func (s *Store) GetPipeline(ctx context.Context, id string) (*domain.Pipeline, error) {
	var p domain.Pipeline
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name FROM pipelines WHERE id = ?`, id).Scan(&p.ID, &p.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound("pipeline %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pipeline_id, name, order_index, active, entry_rules, exit_rules
		 FROM stages WHERE pipeline_id = ? ORDER BY order_index ASC`, id)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStage(row rowScanner) (*domain.Stage, error) {
	var st domain.Stage
	var active int
	var entryRules, exitRules sql.NullString

	if err := row.Scan(&st.ID, &st.PipelineID, &st.Name, &st.OrderIndex,
		&active, &entryRules, &exitRules); err != nil {
		return nil, fmt.Errorf("failed to scan stage: %w", err)
	}
	st.Active = active != 0

	if entryRules.Valid && entryRules.String != "" {
		if err := json.Unmarshal([]byte(entryRules.String), &st.EntryRules); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry rules: %w", err)
		}
	}
	if exitRules.Valid && exitRules.String != "" {
		if err := json.Unmarshal([]byte(exitRules.String), &st.ExitRules); err != nil {
			return nil, fmt.Errorf("failed to unmarshal exit rules: %w", err)
		}
	}

	return &st, nil
}

func (s *Store) GetStage(ctx context.Context, id string) (*domain.Stage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, pipeline_id, name, order_index, active, entry_rules, exit_rules
		 FROM stages WHERE id = ?`, id)

	st, err := scanStage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound("stage %s not found", id)
		}
		return nil, err
	}
	return st, nil
}

func stageInTx(ctx context.Context, tx *sql.Tx, id string) (*domain.Stage, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, pipeline_id, name, order_index, active, entry_rules, exit_rules
		 FROM stages WHERE id = ?`, id)
	return scanStage(row)
}

func (s *Store) AddStage(ctx context.Context, st *domain.Stage) error {
	if _, err := s.GetPipeline(ctx, st.PipelineID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertStage(ctx, tx, st); err != nil {
		return err
	}
	return tx.Commit()
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

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO transitions (pipeline_id, from_stage_id, to_stage_id, active, rules, allowed_roles)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.PipelineID, t.FromStageID, t.ToStageID, boolToInt(t.Active),
		string(rules), string(roles))
	if err != nil {
		// The partial unique index on active edges reports duplicates as a
		// constraint violation.
		if isUniqueViolation(err) {
			return domain.ErrDuplicateTransition(t.FromStageID, t.ToStageID)
		}
		return fmt.Errorf("failed to insert transition: %w", err)
	}
	return nil
}

func (s *Store) GetTransitions(ctx context.Context, pipelineID, fromStageID string) ([]domain.Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pipeline_id, from_stage_id, to_stage_id, active, rules, allowed_roles
		 FROM transitions WHERE pipeline_id = ? AND from_stage_id = ? AND active = 1`,
		pipelineID, fromStageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var result []domain.Transition
	for rows.Next() {
		var t domain.Transition
		var active int
		var rules, roles sql.NullString

		if err := rows.Scan(&t.PipelineID, &t.FromStageID, &t.ToStageID, &active, &rules, &roles); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.Active = active != 0

		if rules.Valid && rules.String != "" {
			if err := json.Unmarshal([]byte(rules.String), &t.Rules); err != nil {
				return nil, fmt.Errorf("failed to unmarshal rules: %w", err)
			}
		}
		if roles.Valid && roles.String != "" {
			if err := json.Unmarshal([]byte(roles.String), &t.AllowedRoles); err != nil {
				return nil, fmt.Errorf("failed to unmarshal roles: %w", err)
			}
		}

		result = append(result, t)
	}

	return result, rows.Err()
}

func (s *Store) DeactivateStage(ctx context.Context, stageID string, force bool, fallbackStageID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Stage lookups go through the transaction so the deactivation sees one
	// consistent snapshot and never needs a second pooled connection.
	st, err := stageInTx(ctx, tx, stageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound("stage %s not found", stageID)
		}
		return err
	}

	var live int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM assignments WHERE current_stage_id = ?`, stageID).Scan(&live); err != nil {
		return fmt.Errorf("failed to count assignments: %w", err)
	}

	if live > 0 {
		if !force {
			return domain.ErrStageInUse(stageID, live)
		}
		fb, err := stageInTx(ctx, tx, fallbackStageID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrNotFound("fallback stage %s not found", fallbackStageID)
			}
			return err
		}
		if fb.PipelineID != st.PipelineID {
			return domain.NewError(domain.ErrorTypeInvalid,
				"fallback stage %s belongs to a different pipeline", fallbackStageID)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE assignments SET current_stage_id = ?, version = version + 1, updated_at = ?
			 WHERE current_stage_id = ?`,
			fallbackStageID, time.Now(), stageID); err != nil {
			return fmt.Errorf("failed to redirect assignments: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE stages SET active = 0 WHERE id = ?`, stageID); err != nil {
		return fmt.Errorf("failed to deactivate stage: %w", err)
	}

	return tx.Commit()
}

// AssignmentStore

func (s *Store) GetCurrent(ctx context.Context, entityType, entityID, pipelineID string) (*domain.Assignment, error) {
	var a domain.Assignment
	err := s.db.QueryRowContext(ctx,
		`SELECT entity_type, entity_id, pipeline_id, current_stage_id, version, updated_at
		 FROM assignments WHERE entity_type = ? AND entity_id = ? AND pipeline_id = ?`,
		entityType, entityID, pipelineID).Scan(
		&a.EntityType, &a.EntityID, &a.PipelineID, &a.CurrentStageID, &a.Version, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound("no assignment for %s/%s in pipeline %s", entityType, entityID, pipelineID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	return &a, nil
}

func (s *Store) Initialize(ctx context.Context, entityType, entityID, pipelineID, startStageID string) (*domain.Assignment, error) {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assignments (entity_type, entity_id, pipeline_id, current_stage_id, version, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?)`,
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

	// The version check and the write are one conditional UPDATE, so two
	// racing callers holding the same version cannot both commit.
	result, err := s.db.ExecContext(ctx,
		`UPDATE assignments SET current_stage_id = ?, version = version + 1, updated_at = ?
		 WHERE entity_type = ? AND entity_id = ? AND pipeline_id = ? AND version = ?`,
		newStageID, now, entityType, entityID, pipelineID, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to advance assignment: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		// Distinguish a missing assignment from a lost race.
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
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM assignments WHERE current_stage_id = ?`, stageID).Scan(&n)
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Sequence assignment and the insert share a transaction; the unique
	// index on (entity, pipeline, seq) catches any race between appenders.
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM history
		 WHERE entity_type = ? AND entity_id = ? AND pipeline_id = ?`,
		rec.EntityType, rec.EntityID, rec.PipelineID).Scan(&rec.Seq); err != nil {
		return fmt.Errorf("failed to compute sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO history (id, entity_type, entity_id, pipeline_id, seq, from_stage_id,
			to_stage_id, actor_id, reason, rule_results, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.EntityType, rec.EntityID, rec.PipelineID, rec.Seq, rec.FromStageID,
		rec.ToStageID, rec.ActorID, rec.Reason, string(results), rec.CreatedAt); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}

	return tx.Commit()
}

func (s *Store) ListByEntity(ctx context.Context, entityType, entityID, pipelineID string) ([]*domain.HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_type, entity_id, pipeline_id, seq, from_stage_id, to_stage_id,
			actor_id, reason, rule_results, created_at
		 FROM history WHERE entity_type = ? AND entity_id = ? AND pipeline_id = ?
		 ORDER BY seq ASC`,
		entityType, entityID, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	return scanHistory(rows)
}

func (s *Store) ListByPipeline(ctx context.Context, pipelineID string, from, to time.Time) ([]*domain.HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_type, entity_id, pipeline_id, seq, from_stage_id, to_stage_id,
			actor_id, reason, rule_results, created_at
		 FROM history WHERE pipeline_id = ? AND created_at >= ? AND created_at < ?
		 ORDER BY created_at ASC`,
		pipelineID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	return scanHistory(rows)
}

func scanHistory(rows *sql.Rows) ([]*domain.HistoryRecord, error) {
	var result []*domain.HistoryRecord
	for rows.Next() {
		var rec domain.HistoryRecord
		var fromStage, reason, results sql.NullString

		if err := rows.Scan(&rec.ID, &rec.EntityType, &rec.EntityID, &rec.PipelineID,
			&rec.Seq, &fromStage, &rec.ToStageID, &rec.ActorID, &reason, &results,
			&rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history record: %w", err)
		}

		rec.FromStageID = fromStage.String
		rec.Reason = reason.String
		if results.Valid && results.String != "" {
			if err := json.Unmarshal([]byte(results.String), &rec.RuleResults); err != nil {
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

	_, err = s.db.ExecContext(ctx, `
	INSERT INTO automation_bindings (stage_id, trigger_on, automations)
	VALUES (?, ?, ?)
	ON CONFLICT(stage_id, trigger_on) DO UPDATE SET automations=excluded.automations;
	`, b.StageID, string(b.Trigger), string(automations))
	if err != nil {
		return fmt.Errorf("failed to put binding: %w", err)
	}
	return nil
}

func (s *Store) GetBinding(ctx context.Context, stageID string, trigger domain.AutomationTrigger) (*domain.AutomationBinding, error) {
	b := &domain.AutomationBinding{StageID: stageID, Trigger: trigger}

	var automations string
	err := s.db.QueryRowContext(ctx,
		`SELECT automations FROM automation_bindings WHERE stage_id = ? AND trigger_on = ?`,
		stageID, string(trigger)).Scan(&automations)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get binding: %w", err)
	}

	if err := json.Unmarshal([]byte(automations), &b.Automations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal automations: %w", err)
	}
	return b, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT_* in the error string.
	return strings.Contains(err.Error(), "constraint failed")
}
