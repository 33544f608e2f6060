package definitions

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/freeflowhq/stageflow/internal/domain"
	"github.com/freeflowhq/stageflow/internal/storage/memory"
)

const salesYAML = `
pipelines:
  - id: sales
    name: Sales
    stages:
      - id: lead
        name: Lead
        order: 0
      - id: qualified
        name: Qualified
        order: 1
      - id: won
        name: Won
        order: 2
        entry_rules:
          - id: amount-positive
            field: amount
            operator: gt
            value: 0
        automations:
          on_enter:
            - type: send_email
              config:
                template: deal_won
            - type: create_task
              config:
                title: kickoff
      - id: lost
        name: Lost
        order: 3
    transitions:
      - from: lead
        to: qualified
      - from: qualified
        to: won
      - from: qualified
        to: lost
      - from: won
        to: qualified
        allowed_roles: [manager]
`

func writeDefs(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write definitions: %v", err)
	}
	return path
}

func TestLoadAppliesPipelines(t *testing.T) {
	store := memory.New()
	path := writeDefs(t, salesYAML)

	loader, err := NewLoader(path, store, nil)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	ctx := context.Background()
	if err := loader.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	p, err := store.GetPipeline(ctx, "sales")
	if err != nil {
		t.Fatalf("GetPipeline: %v", err)
	}
	if len(p.Stages) != 4 {
		t.Fatalf("got %d stages, want 4", len(p.Stages))
	}

	won := p.StageByID("won")
	if won == nil || len(won.EntryRules) != 1 {
		t.Fatalf("won stage missing entry rule: %+v", won)
	}
	rule := won.EntryRules[0]
	if rule.Field != "amount" || rule.Operator != "gt" || rule.Target != domain.RuleTargetEntry {
		t.Errorf("entry rule = %+v", rule)
	}

	out, err := store.GetTransitions(ctx, "sales", "qualified")
	if err != nil {
		t.Fatalf("GetTransitions: %v", err)
	}
	if len(out) != 2 {
		t.Errorf("qualified has %d outgoing edges, want 2", len(out))
	}

	reopen, err := store.GetTransitions(ctx, "sales", "won")
	if err != nil || len(reopen) != 1 {
		t.Fatalf("won outgoing edges: %v, %v", reopen, err)
	}
	if !reopen[0].RoleAllowed("manager") || reopen[0].RoleAllowed("rep") {
		t.Errorf("allowed_roles not applied: %+v", reopen[0].AllowedRoles)
	}

	binding, err := store.GetBinding(ctx, "won", domain.TriggerOnEnter)
	if err != nil {
		t.Fatalf("GetBinding: %v", err)
	}
	if len(binding.Automations) != 2 {
		t.Fatalf("won has %d automations, want 2", len(binding.Automations))
	}
	if binding.Automations[0].Type != "send_email" || len(binding.Automations[0].Config) == 0 {
		t.Errorf("automation = %+v", binding.Automations[0])
	}
}

func TestLoadIsIdempotent(t *testing.T) {
	store := memory.New()
	path := writeDefs(t, salesYAML)

	loader, err := NewLoader(path, store, nil)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := loader.Load(ctx); err != nil {
			t.Fatalf("Load #%d: %v", i+1, err)
		}
	}

	out, _ := store.GetTransitions(ctx, "sales", "qualified")
	if len(out) != 2 {
		t.Errorf("reload duplicated edges: %d", len(out))
	}
}

func TestParseRejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"pipeline without id", `
pipelines:
  - name: Broken
    stages:
      - id: a
        name: A
`},
		{"pipeline without stages", `
pipelines:
  - id: empty
    name: Empty
`},
		{"duplicate stage", `
pipelines:
  - id: dup
    name: Dup
    stages:
      - id: a
        name: A
      - id: a
        name: A again
`},
		{"transition to undeclared stage", `
pipelines:
  - id: dangling
    name: Dangling
    stages:
      - id: a
        name: A
    transitions:
      - from: a
        to: ghost
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeDefs(t, tt.yaml)
			if _, err := Parse(path); err == nil {
				t.Error("Parse accepted an invalid document")
			}
		})
	}
}
