// Package settings loads, merges and persists the user settings document.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mathsolver/core/internal/chat/model"
	"github.com/mathsolver/core/internal/chat/personas"
	"github.com/mathsolver/core/internal/chat/repo"
	errx "github.com/mathsolver/core/internal/core/error"
	logx "github.com/mathsolver/core/pkg/logger"
)

const settingsKey = "settings"

const (
	DefaultNickname    = "You"
	DefaultOpacity     = 0.3
	DefaultEndpoint    = "https://api.openai.com/v1/chat/completions"
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2000
)

// Defaults returns a fresh settings document with every default applied.
func Defaults() model.Settings {
	return model.Settings{
		User: model.UserSettings{
			Nickname:          DefaultNickname,
			BackgroundOpacity: DefaultOpacity,
		},
		API: model.APIConfig{
			Endpoint:    DefaultEndpoint,
			Model:       DefaultModel,
			Temperature: DefaultTemperature,
			MaxTokens:   DefaultMaxTokens,
		},
		Personas: model.PersonaSettings{
			ActivePersonaID: model.DefaultPersonaID,
			Presets:         personas.Presets(),
			Custom:          []model.Persona{},
		},
	}
}

// Manager is safe for concurrent use.
type Manager struct {
	mu        sync.Mutex
	kv        repo.KV
	key       string
	overrides model.APIOverrides
	settings  model.Settings
	// doc is the stored document as decoded, kept so fields this version
	// does not know about survive a save.
	doc map[string]any
}

func NewManager(kv repo.KV, namespace string, overrides model.APIOverrides) *Manager {
	return &Manager{
		kv:        kv,
		key:       namespace + settingsKey,
		overrides: overrides,
		settings:  Defaults(),
	}
}

// Load merges the stored document onto the defaults. A missing document
// leaves the defaults in place; a corrupt one is logged and ignored.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.settings = Defaults()
	m.doc = nil

	raw, err := m.kv.Get(ctx, m.key)
	switch {
	case errors.Is(err, errx.ErrNotFound):
		return nil
	case err != nil:
		return err
	}

	var stored map[string]any
	if err := json.Unmarshal(raw, &stored); err != nil {
		logx.Error().Err(err).Str("key", m.key).Msg("failed to decode settings, using defaults")
		return nil
	}

	base, err := toMap(m.settings)
	if err != nil {
		return err
	}
	merged := mergeMaps(base, stored)

	var s model.Settings
	if err := fromMap(merged, &s); err != nil {
		logx.Error().Err(err).Str("key", m.key).Msg("settings document has invalid fields, using defaults")
		return nil
	}
	s.Personas.Presets = personas.Presets()
	if s.Personas.Custom == nil {
		s.Personas.Custom = []model.Persona{}
	}
	m.settings = s
	m.doc = stored
	return nil
}

// Save writes the current settings, keeping unknown stored fields.
func (m *Manager) Save(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(ctx)
}

func (m *Manager) saveLocked(ctx context.Context) error {
	current, err := toMap(m.settings)
	if err != nil {
		return err
	}
	doc := current
	if m.doc != nil {
		doc = mergeMaps(m.doc, current)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := m.kv.Set(ctx, m.key, b); err != nil {
		return errx.WrapStorage(err)
	}
	m.doc = doc
	return nil
}

// Reset restores the defaults and drops any stored extra fields.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = Defaults()
	m.doc = nil
	return m.saveLocked(ctx)
}

// Settings returns a copy of the stored settings, without env overrides.
func (m *Manager) Settings() model.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneSettings(m.settings)
}

// Update applies fn to a copy of the settings and persists the result. The
// in-memory settings only change when the write succeeds.
func (m *Manager) Update(ctx context.Context, fn func(*model.Settings)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.settings
	next := cloneSettings(prev)
	fn(&next)
	next.Personas.Presets = personas.Presets()
	m.settings = next
	if err := m.saveLocked(ctx); err != nil {
		m.settings = prev
		return err
	}
	return nil
}

// APIConfig returns the API configuration with the MATHSOLVER_* overrides applied.
func (m *Manager) APIConfig() model.APIConfig {
	m.mu.Lock()
	cfg := m.settings.API
	m.mu.Unlock()

	if v := strings.TrimSpace(m.overrides.Endpoint); v != "" {
		cfg.Endpoint = v
	}
	if v := strings.TrimSpace(m.overrides.APIKey); v != "" {
		cfg.APIKey = v
	}
	if v := strings.TrimSpace(m.overrides.Model); v != "" {
		cfg.Model = v
	}
	return cfg
}

// ActivePersona resolves the configured persona, falling back to the default.
func (m *Manager) ActivePersona() model.Persona {
	m.mu.Lock()
	defer m.mu.Unlock()
	return personas.Resolve(m.settings.Personas.ActivePersonaID, m.settings.Personas.Custom)
}

// Persona resolves id against the custom personas and the presets.
func (m *Manager) Persona(id string) model.Persona {
	m.mu.Lock()
	defer m.mu.Unlock()
	return personas.Resolve(id, m.settings.Personas.Custom)
}

// SystemPrompt renders the active persona for the current nickname.
func (m *Manager) SystemPrompt(ctx context.Context) (string, error) {
	return m.RenderPersona(ctx, m.ActivePersona())
}

// RenderPersona renders p for the current nickname.
func (m *Manager) RenderPersona(ctx context.Context, p model.Persona) (string, error) {
	m.mu.Lock()
	nickname := m.settings.User.Nickname
	m.mu.Unlock()
	return personas.Render(ctx, p, personas.Vars{Nickname: nickname})
}

func cloneSettings(s model.Settings) model.Settings {
	s.Personas.Presets = append([]model.Persona(nil), s.Personas.Presets...)
	s.Personas.Custom = append([]model.Persona{}, s.Personas.Custom...)
	return s
}
