// Package definitions loads pipeline definitions from YAML files and applies
// them to the definition store, with hot-reload so new pipelines and edges
// can be added without a restart.
package definitions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/freeflowhq/stageflow/internal/domain"
	"github.com/freeflowhq/stageflow/internal/storage"
)

// Document is the YAML shape of a definition file.
type Document struct {
	Pipelines []PipelineDef `koanf:"pipelines"`
}

// PipelineDef declares one pipeline with its stages, edges, and automation
// bindings.
type PipelineDef struct {
	ID          string          `koanf:"id"`
	Name        string          `koanf:"name"`
	Stages      []StageDef      `koanf:"stages"`
	Transitions []TransitionDef `koanf:"transitions"`
}

// StageDef declares a stage. Inactive stages may be declared for
// documentation but are not reachable.
type StageDef struct {
	ID          string         `koanf:"id"`
	Name        string         `koanf:"name"`
	Order       int            `koanf:"order"`
	Inactive    bool           `koanf:"inactive"`
	EntryRules  []RuleDef      `koanf:"entry_rules"`
	ExitRules   []RuleDef      `koanf:"exit_rules"`
	Automations AutomationsDef `koanf:"automations"`
}

// RuleDef declares a field/operator/value predicate.
type RuleDef struct {
	ID       string `koanf:"id"`
	Field    string `koanf:"field"`
	Operator string `koanf:"operator"`
	Value    any    `koanf:"value"`
}

// TransitionDef declares one directed edge.
type TransitionDef struct {
	From         string    `koanf:"from"`
	To           string    `koanf:"to"`
	Rules        []RuleDef `koanf:"rules"`
	AllowedRoles []string  `koanf:"allowed_roles"`
}

// AutomationsDef binds automation descriptors to a stage's triggers.
type AutomationsDef struct {
	OnEnter []AutomationDef `koanf:"on_enter"`
	OnExit  []AutomationDef `koanf:"on_exit"`
}

// AutomationDef declares one automation. Config is opaque to the engine.
type AutomationDef struct {
	Type   string         `koanf:"type"`
	Config map[string]any `koanf:"config"`
}

// Loader reads a definition file and applies it to the store. Application is
// additive: existing pipelines and edges are left as-is, new ones are
// created, so a reload never destroys live state.
type Loader struct {
	path   string
	store  storage.DefinitionBindingStore
	logger *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a loader for path.
func NewLoader(path string, store storage.DefinitionBindingStore, logger *slog.Logger) (*Loader, error) {
	if path == "" {
		return nil, fmt.Errorf("definitions path cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{path: path, store: store, logger: logger}, nil
}

// Load parses the file and applies its pipelines to the store.
func (l *Loader) Load(ctx context.Context) error {
	doc, err := Parse(l.path)
	if err != nil {
		return err
	}

	if err := l.apply(ctx, doc); err != nil {
		return err
	}

	l.logger.Info("pipeline definitions loaded",
		slog.String("path", l.path),
		slog.Int("pipelines", len(doc.Pipelines)),
	)
	return nil
}

// Parse reads and validates a definition file without touching storage.
func Parse(path string) (*Document, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to read definitions from %s: %w", path, err)
	}

	var doc Document
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, fmt.Errorf("failed to parse definitions: %w", err)
	}

	for _, p := range doc.Pipelines {
		if p.ID == "" {
			return nil, fmt.Errorf("definition has a pipeline with no id")
		}
		if len(p.Stages) == 0 {
			return nil, fmt.Errorf("pipeline %s declares no stages", p.ID)
		}
		stageIDs := make(map[string]bool, len(p.Stages))
		for _, s := range p.Stages {
			if s.ID == "" {
				return nil, fmt.Errorf("pipeline %s has a stage with no id", p.ID)
			}
			if stageIDs[s.ID] {
				return nil, fmt.Errorf("pipeline %s declares stage %s twice", p.ID, s.ID)
			}
			stageIDs[s.ID] = true
		}
		for _, tr := range p.Transitions {
			if !stageIDs[tr.From] || !stageIDs[tr.To] {
				return nil, fmt.Errorf("pipeline %s has transition %s->%s referencing an undeclared stage",
					p.ID, tr.From, tr.To)
			}
		}
	}

	return &doc, nil
}

func (l *Loader) apply(ctx context.Context, doc *Document) error {
	for _, pd := range doc.Pipelines {
		pipeline := toPipeline(pd)

		err := l.store.CreatePipeline(ctx, pipeline)
		if err != nil && !isAlreadyExists(err) {
			return fmt.Errorf("failed to create pipeline %s: %w", pd.ID, err)
		}

		for _, td := range pd.Transitions {
			tr := toTransition(pd.ID, td)
			if err := l.store.AddTransition(ctx, tr); err != nil && !isDuplicate(err) {
				return fmt.Errorf("failed to add transition %s->%s: %w", td.From, td.To, err)
			}
		}

		for _, sd := range pd.Stages {
			for _, binding := range toBindings(sd) {
				if err := l.store.PutBinding(ctx, binding); err != nil {
					return fmt.Errorf("failed to bind automations for stage %s: %w", sd.ID, err)
				}
			}
		}
	}
	return nil
}

// Watch reapplies the file whenever it is written, following the same
// additive semantics as Load. Parse failures keep the previous definitions.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	if err := watcher.Add(l.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", l.path, err)
	}

	l.logger.Info("watching pipeline definitions for changes", slog.String("path", l.path))

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				l.logger.Debug("definitions watch stopped")
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					l.logger.Info("definitions changed, reloading", slog.String("path", event.Name))
					if err := l.Load(ctx); err != nil {
						l.logger.Error("failed to reload definitions",
							slog.String("path", l.path),
							slog.String("error", err.Error()),
						)
					}
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Error("definitions watch error", slog.String("error", err.Error()))
			}
		}
	}()

	return nil
}

// Close stops watching the definition file.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

func toPipeline(pd PipelineDef) *domain.Pipeline {
	p := &domain.Pipeline{ID: pd.ID, Name: pd.Name}
	for _, sd := range pd.Stages {
		p.Stages = append(p.Stages, domain.Stage{
			ID:         sd.ID,
			PipelineID: pd.ID,
			Name:       sd.Name,
			OrderIndex: sd.Order,
			Active:     !sd.Inactive,
			EntryRules: toRules(sd.EntryRules, domain.RuleTargetEntry),
			ExitRules:  toRules(sd.ExitRules, domain.RuleTargetExit),
		})
	}
	return p
}

func toTransition(pipelineID string, td TransitionDef) *domain.Transition {
	return &domain.Transition{
		PipelineID:   pipelineID,
		FromStageID:  td.From,
		ToStageID:    td.To,
		Active:       true,
		Rules:        toRules(td.Rules, domain.RuleTargetTransition),
		AllowedRoles: td.AllowedRoles,
	}
}

func toRules(defs []RuleDef, target domain.RuleTarget) []domain.Rule {
	if len(defs) == 0 {
		return nil
	}
	rules := make([]domain.Rule, 0, len(defs))
	for _, rd := range defs {
		rules = append(rules, domain.Rule{
			ID:       rd.ID,
			Field:    rd.Field,
			Operator: rd.Operator,
			Value:    rd.Value,
			Target:   target,
		})
	}
	return rules
}

func toBindings(sd StageDef) []*domain.AutomationBinding {
	var bindings []*domain.AutomationBinding
	if len(sd.Automations.OnEnter) > 0 {
		bindings = append(bindings, &domain.AutomationBinding{
			StageID:     sd.ID,
			Trigger:     domain.TriggerOnEnter,
			Automations: toAutomations(sd.Automations.OnEnter),
		})
	}
	if len(sd.Automations.OnExit) > 0 {
		bindings = append(bindings, &domain.AutomationBinding{
			StageID:     sd.ID,
			Trigger:     domain.TriggerOnExit,
			Automations: toAutomations(sd.Automations.OnExit),
		})
	}
	return bindings
}

func toAutomations(defs []AutomationDef) []domain.Automation {
	automations := make([]domain.Automation, 0, len(defs))
	for _, ad := range defs {
		var cfg json.RawMessage
		if len(ad.Config) > 0 {
			// Config came from YAML; re-encode as JSON for the opaque
			// payload the dispatcher forwards.
			b, err := json.Marshal(ad.Config)
			if err == nil {
				cfg = b
			}
		}
		automations = append(automations, domain.Automation{Type: ad.Type, Config: cfg})
	}
	return automations
}

func isAlreadyExists(err error) bool {
	var de *domain.Error
	return errors.As(err, &de) && de.Type == domain.ErrorTypeAlreadyExists
}

func isDuplicate(err error) bool {
	var de *domain.Error
	return errors.As(err, &de) && de.Type == domain.ErrorTypeDuplicateTransition
}
