// Package skill defines invocable skills and runs them.
//
// A skill is a Definition: declared input and config schemas plus a builder
// that wires named steps into a Graph. The Registry resolves definitions by
// name; the Executor validates input, compiles the graph and runs it,
// producing a bounded stream of events that always ends in exactly one
// terminal event.
package skill

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/refly-ai/refly/internal/model"
)

// GraphBuilder wires a fresh graph for one invocation from the resolved config.
type GraphBuilder func(cfg map[string]any) (*Graph, error)

// Definition describes one invocable skill. It is immutable once registered.
type Definition struct {
	Name        string
	Description string
	Input       InputSchema
	Config      ConfigSchema
	Build       GraphBuilder
}

func (d Definition) check() error {
	if d.Name == "" {
		return errors.New("skill: definition has empty name")
	}
	if d.Build == nil {
		return fmt.Errorf("skill: %s: nil graph builder", d.Name)
	}
	if err := d.Input.check(); err != nil {
		return fmt.Errorf("skill: %s: %w", d.Name, err)
	}
	if err := d.Config.check(); err != nil {
		return fmt.Errorf("skill: %s: %w", d.Name, err)
	}
	return nil
}

// Template returns the discovery view of d.
func (d Definition) Template() model.SkillTemplate {
	t := model.SkillTemplate{
		Name:        d.Name,
		Description: d.Description,
		Input:       make([]model.SkillField, 0, len(d.Input.Fields)),
		Config:      make([]model.SkillConfigItem, 0, len(d.Config.Items)),
	}
	for _, f := range d.Input.Fields {
		t.Input = append(t.Input, model.SkillField{
			Name:        f.Name,
			Type:        describe(f.Type, f.Items),
			Required:    f.Required,
			Description: f.Description,
		})
	}
	for _, c := range d.Config.Items {
		t.Config = append(t.Config, model.SkillConfigItem{
			Key:         c.Key,
			Type:        string(c.Type),
			Default:     c.Default,
			Description: c.Description,
		})
	}
	return t
}

// Registry holds skill definitions by name. It is populated at process start
// and read-only afterwards, so lookups take no locks.
type Registry struct {
	defs   map[string]Definition
	order  []string
	logger *slog.Logger
}

// NewRegistry creates a registry holding defs.
func NewRegistry(logger *slog.Logger, defs ...Definition) (*Registry, error) {
	r := &Registry{
		defs:   make(map[string]Definition, len(defs)),
		logger: logger,
	}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds def. A definition registered under an existing name replaces
// the earlier one and keeps its listing position.
func (r *Registry) Register(def Definition) error {
	if err := def.check(); err != nil {
		return err
	}
	if _, exists := r.defs[def.Name]; exists {
		r.logger.Warn("skill registered twice, replacing earlier definition", "skill", def.Name)
	} else {
		r.order = append(r.order, def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Resolve returns the definition registered under name.
func (r *Registry) Resolve(name string) (Definition, error) {
	def, ok := r.defs[name]
	if !ok {
		return Definition{}, &UnknownSkillError{Name: name}
	}
	return def, nil
}

// All yields every definition in registration order. The sequence may be
// ranged over any number of times.
func (r *Registry) All() iter.Seq[Definition] {
	return func(yield func(Definition) bool) {
		for _, name := range r.order {
			if !yield(r.defs[name]) {
				return
			}
		}
	}
}

// Len returns the number of registered skills.
func (r *Registry) Len() int { return len(r.order) }
