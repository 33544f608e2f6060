package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/freeflowhq/stageflow/internal/domain"
)

var memdbSeq atomic.Int64

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// In-memory SQLite with shared cache, so every pooled connection sees
	// the same database. A plain ":memory:" DSN gives each connection its
	// own empty database.
	store, err := New(fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", memdbSeq.Add(1)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedPipeline(t *testing.T, store *Store) {
	t.Helper()
	p := &domain.Pipeline{
		ID:   "sales",
		Name: "Sales",
		Stages: []domain.Stage{
			{ID: "lead", PipelineID: "sales", Name: "Lead", OrderIndex: 0, Active: true},
			{ID: "qualified", PipelineID: "sales", Name: "Qualified", OrderIndex: 1, Active: true},
			{ID: "won", PipelineID: "sales", Name: "Won", OrderIndex: 2, Active: true,
				EntryRules: []domain.Rule{{ID: "amount-positive", Field: "amount", Operator: "gt", Value: 0, Target: domain.RuleTargetEntry}}},
		},
	}
	if err := store.CreatePipeline(context.Background(), p); err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}
}

func TestStore_PipelineRoundTrip(t *testing.T) {
	store := newTestStore(t)
	seedPipeline(t, store)

	p, err := store.GetPipeline(context.Background(), "sales")
	if err != nil {
		t.Fatalf("GetPipeline() error = %v", err)
	}
	if len(p.Stages) != 3 {
		t.Fatalf("stages = %d, want 3", len(p.Stages))
	}
	if p.Stages[0].ID != "lead" || p.Stages[2].ID != "won" {
		t.Errorf("stage order = %s..%s, want lead..won", p.Stages[0].ID, p.Stages[2].ID)
	}

	won, err := store.GetStage(context.Background(), "won")
	if err != nil {
		t.Fatalf("GetStage() error = %v", err)
	}
	if len(won.EntryRules) != 1 || won.EntryRules[0].Field != "amount" {
		t.Errorf("entry rules did not survive round trip: %+v", won.EntryRules)
	}
}

func TestStore_GetPipeline_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetPipeline(context.Background(), "missing")
	var engineErr *domain.Error
	if !errors.As(err, &engineErr) || engineErr.Type != domain.ErrorTypeNotFound {
		t.Errorf("error = %v, want not_found", err)
	}
}

func TestStore_DuplicateActiveTransition(t *testing.T) {
	store := newTestStore(t)
	seedPipeline(t, store)
	ctx := context.Background()

	edge := &domain.Transition{PipelineID: "sales", FromStageID: "lead", ToStageID: "qualified", Active: true}
	if err := store.AddTransition(ctx, edge); err != nil {
		t.Fatalf("AddTransition() error = %v", err)
	}

	err := store.AddTransition(ctx, edge)
	var engineErr *domain.Error
	if !errors.As(err, &engineErr) || engineErr.Type != domain.ErrorTypeDuplicateTransition {
		t.Errorf("error = %v, want duplicate_transition", err)
	}

	edges, err := store.GetTransitions(ctx, "sales", "lead")
	if err != nil {
		t.Fatalf("GetTransitions() error = %v", err)
	}
	if len(edges) != 1 {
		t.Errorf("edges = %d, want 1", len(edges))
	}
}

func TestStore_TransitionRulesAndRolesRoundTrip(t *testing.T) {
	store := newTestStore(t)
	seedPipeline(t, store)
	ctx := context.Background()

	edge := &domain.Transition{
		PipelineID: "sales", FromStageID: "qualified", ToStageID: "won", Active: true,
		Rules:        []domain.Rule{{ID: "has-owner", Field: "owner", Operator: "exists", Target: domain.RuleTargetTransition}},
		AllowedRoles: []string{"manager"},
	}
	if err := store.AddTransition(ctx, edge); err != nil {
		t.Fatalf("AddTransition() error = %v", err)
	}

	edges, err := store.GetTransitions(ctx, "sales", "qualified")
	if err != nil {
		t.Fatalf("GetTransitions() error = %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("edges = %d, want 1", len(edges))
	}
	if len(edges[0].Rules) != 1 || edges[0].Rules[0].ID != "has-owner" {
		t.Errorf("rules = %+v, want has-owner", edges[0].Rules)
	}
	if len(edges[0].AllowedRoles) != 1 || edges[0].AllowedRoles[0] != "manager" {
		t.Errorf("roles = %+v, want [manager]", edges[0].AllowedRoles)
	}
}

func TestStore_AdvanceIfVersion_CAS(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Initialize(ctx, "deal", "deal-1", "sales", "lead"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	a, err := store.AdvanceIfVersion(ctx, "deal", "deal-1", "sales", 1, "qualified")
	if err != nil {
		t.Fatalf("AdvanceIfVersion() error = %v", err)
	}
	if a.Version != 2 || a.CurrentStageID != "qualified" {
		t.Errorf("assignment = %s@v%d, want qualified@v2", a.CurrentStageID, a.Version)
	}

	// Same observed version again loses.
	_, err = store.AdvanceIfVersion(ctx, "deal", "deal-1", "sales", 1, "won")
	var engineErr *domain.Error
	if !errors.As(err, &engineErr) || engineErr.Type != domain.ErrorTypeConflict {
		t.Errorf("stale advance error = %v, want conflict", err)
	}

	current, err := store.GetCurrent(ctx, "deal", "deal-1", "sales")
	if err != nil {
		t.Fatalf("GetCurrent() error = %v", err)
	}
	if current.CurrentStageID != "qualified" || current.Version != 2 {
		t.Errorf("state after lost race = %s@v%d, want qualified@v2", current.CurrentStageID, current.Version)
	}
}

func TestStore_AdvanceIfVersion_MissingAssignment(t *testing.T) {
	store := newTestStore(t)

	_, err := store.AdvanceIfVersion(context.Background(), "deal", "ghost", "sales", 1, "won")
	var engineErr *domain.Error
	if !errors.As(err, &engineErr) || engineErr.Type != domain.ErrorTypeNotFound {
		t.Errorf("error = %v, want not_found", err)
	}
}

func TestStore_Initialize_Duplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Initialize(ctx, "deal", "deal-1", "sales", "lead"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	_, err := store.Initialize(ctx, "deal", "deal-1", "sales", "lead")
	var engineErr *domain.Error
	if !errors.As(err, &engineErr) || engineErr.Type != domain.ErrorTypeAlreadyExists {
		t.Errorf("error = %v, want already_exists", err)
	}
}

func TestStore_HistoryAppendAndSequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	recs := []*domain.HistoryRecord{
		{ID: "h1", EntityType: "deal", EntityID: "deal-1", PipelineID: "sales", ToStageID: "lead", ActorID: "u1"},
		{ID: "h2", EntityType: "deal", EntityID: "deal-1", PipelineID: "sales", FromStageID: "lead", ToStageID: "qualified", ActorID: "u1",
			RuleResults: []domain.RuleResult{{RuleID: "r1", Pass: true}}},
	}
	for _, rec := range recs {
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := store.ListByEntity(ctx, "deal", "deal-1", "sales")
	if err != nil {
		t.Fatalf("ListByEntity() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("records = %d, want 2", len(got))
	}
	if got[0].Seq != 1 || got[1].Seq != 2 {
		t.Errorf("seqs = %d,%d, want 1,2", got[0].Seq, got[1].Seq)
	}
	if got[0].FromStageID != "" {
		t.Errorf("initial entry FromStageID = %q, want empty", got[0].FromStageID)
	}
	if len(got[1].RuleResults) != 1 || !got[1].RuleResults[0].Pass {
		t.Errorf("rule results did not survive round trip: %+v", got[1].RuleResults)
	}
}

func TestStore_ListByPipeline_TimeRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := &domain.HistoryRecord{
		ID: "h-old", EntityType: "deal", EntityID: "d1", PipelineID: "sales",
		ToStageID: "lead", ActorID: "u1", CreatedAt: time.Now().Add(-48 * time.Hour),
	}
	recent := &domain.HistoryRecord{
		ID: "h-new", EntityType: "deal", EntityID: "d1", PipelineID: "sales",
		FromStageID: "lead", ToStageID: "qualified", ActorID: "u1",
	}
	if err := store.Append(ctx, old); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := store.Append(ctx, recent); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := store.ListByPipeline(ctx, "sales", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ListByPipeline() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "h-new" {
		t.Errorf("got %d records, want only h-new", len(got))
	}
}

func TestStore_DeactivateStage_ForceRedirects(t *testing.T) {
	store := newTestStore(t)
	seedPipeline(t, store)
	ctx := context.Background()

	if _, err := store.Initialize(ctx, "deal", "deal-1", "sales", "qualified"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	err := store.DeactivateStage(ctx, "qualified", false, "")
	var engineErr *domain.Error
	if !errors.As(err, &engineErr) || engineErr.Type != domain.ErrorTypeStageInUse {
		t.Fatalf("DeactivateStage() error = %v, want stage_in_use", err)
	}

	if err := store.DeactivateStage(ctx, "qualified", true, "lead"); err != nil {
		t.Fatalf("forced DeactivateStage() error = %v", err)
	}

	a, err := store.GetCurrent(ctx, "deal", "deal-1", "sales")
	if err != nil {
		t.Fatalf("GetCurrent() error = %v", err)
	}
	if a.CurrentStageID != "lead" || a.Version != 2 {
		t.Errorf("assignment = %s@v%d, want lead@v2", a.CurrentStageID, a.Version)
	}
}

func TestStore_DeactivateStage_MissingFallbackRollsBack(t *testing.T) {
	store := newTestStore(t)
	seedPipeline(t, store)
	ctx := context.Background()

	if _, err := store.Initialize(ctx, "deal", "deal-1", "sales", "qualified"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	err := store.DeactivateStage(ctx, "qualified", true, "ghost")
	var engineErr *domain.Error
	if !errors.As(err, &engineErr) || engineErr.Type != domain.ErrorTypeNotFound {
		t.Fatalf("DeactivateStage() error = %v, want not_found", err)
	}

	st, err := store.GetStage(ctx, "qualified")
	if err != nil {
		t.Fatalf("GetStage() error = %v", err)
	}
	if !st.Active {
		t.Error("stage should stay active when the fallback lookup fails")
	}
	a, err := store.GetCurrent(ctx, "deal", "deal-1", "sales")
	if err != nil {
		t.Fatalf("GetCurrent() error = %v", err)
	}
	if a.CurrentStageID != "qualified" || a.Version != 1 {
		t.Errorf("assignment = %s@v%d, want qualified@v1", a.CurrentStageID, a.Version)
	}
}

func TestStore_Bindings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	b := &domain.AutomationBinding{
		StageID: "won",
		Trigger: domain.TriggerOnEnter,
		Automations: []domain.Automation{
			{Type: "send_email", Config: []byte(`{"template":"deal-won"}`)},
			{Type: "send_webhook", Config: []byte(`{"url":"https://example.com/hook"}`)},
		},
	}
	if err := store.PutBinding(ctx, b); err != nil {
		t.Fatalf("PutBinding() error = %v", err)
	}

	got, err := store.GetBinding(ctx, "won", domain.TriggerOnEnter)
	if err != nil {
		t.Fatalf("GetBinding() error = %v", err)
	}
	if len(got.Automations) != 2 || got.Automations[1].Type != "send_webhook" {
		t.Errorf("automations = %+v, want ordered pair", got.Automations)
	}

	// Replacing keeps only the latest list.
	b.Automations = b.Automations[:1]
	if err := store.PutBinding(ctx, b); err != nil {
		t.Fatalf("PutBinding() replace error = %v", err)
	}
	got, err = store.GetBinding(ctx, "won", domain.TriggerOnEnter)
	if err != nil {
		t.Fatalf("GetBinding() error = %v", err)
	}
	if len(got.Automations) != 1 {
		t.Errorf("automations after replace = %d, want 1", len(got.Automations))
	}
}
