// Package personas holds the built-in persona catalog and renders persona
// prompts into system messages.
package personas

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/mathsolver/core/internal/chat/model"
)

//go:embed presets.yaml
var presetsYAML []byte

var loadPresets = sync.OnceValues(func() ([]model.Persona, error) {
	return parseCatalog(presetsYAML)
})

func parseCatalog(raw []byte) ([]model.Persona, error) {
	var list []model.Persona
	if err := yaml.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("parse persona catalog: %w", err)
	}
	seen := make(map[string]struct{}, len(list))
	for _, p := range list {
		if p.ID == "" {
			return nil, fmt.Errorf("parse persona catalog: persona %q has no id", p.Name)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("parse persona catalog: duplicate id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return list, nil
}

// Presets returns a copy of the built-in personas. The embedded catalog is
// validated by tests, so a parse failure here is a build defect.
func Presets() []model.Persona {
	list, err := loadPresets()
	if err != nil {
		panic(err)
	}
	return append([]model.Persona(nil), list...)
}

// Default returns the math-tutor preset.
func Default() model.Persona {
	p, _ := lookup(Presets(), model.DefaultPersonaID)
	return p
}

// Resolve finds a persona by id, custom personas first, then presets. An
// unknown or empty id falls back to the default persona.
func Resolve(id string, custom []model.Persona) model.Persona {
	if p, ok := lookup(custom, id); ok {
		return p
	}
	if p, ok := lookup(Presets(), id); ok {
		return p
	}
	return Default()
}

// Exists reports whether id names a preset or one of the custom personas.
func Exists(id string, custom []model.Persona) bool {
	if _, ok := lookup(custom, id); ok {
		return true
	}
	_, ok := lookup(Presets(), id)
	return ok
}

func lookup(list []model.Persona, id string) (model.Persona, bool) {
	if id == "" {
		return model.Persona{}, false
	}
	for _, p := range list {
		if p.ID == id {
			return p, true
		}
	}
	return model.Persona{}, false
}
