package model

import "strings"

// ================ Env config ================
type StorageConfig struct {
	Backend    string `envconfig:"STORAGE_BACKEND" default:"sqlite"`
	Namespace  string `envconfig:"STORAGE_NAMESPACE" default:"mathsolver_"`
	QuotaBytes int    `envconfig:"STORAGE_QUOTA_BYTES" default:"5242880"`
	SQLitePath string `envconfig:"SQLITE_PATH" default:"mathsolver.db"`
}

type ConversationConfig struct {
	MaxConversations int `envconfig:"CONVERSATION_MAX" default:"50"`
	MinConversations int `envconfig:"CONVERSATION_MIN" default:"10"`
	PruneStep        int `envconfig:"CONVERSATION_PRUNE_STEP" default:"5"`
}

// APIOverrides take precedence over the stored settings document when set.
type APIOverrides struct {
	Endpoint string `envconfig:"MATHSOLVER_ENDPOINT"`
	APIKey   string `envconfig:"MATHSOLVER_API_KEY"`
	Model    string `envconfig:"MATHSOLVER_MODEL"`
}

// ================ Settings document ================

// APIConfig is the resolved configuration a solve runs with.
type APIConfig struct {
	Endpoint    string  `json:"endpoint"`
	APIKey      string  `json:"apiKey"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
}

// Complete reports whether endpoint, key and model are all set.
func (c APIConfig) Complete() bool {
	return strings.TrimSpace(c.Endpoint) != "" &&
		strings.TrimSpace(c.APIKey) != "" &&
		strings.TrimSpace(c.Model) != ""
}

// MaskedKey returns the key with everything but the last four characters hidden.
func (c APIConfig) MaskedKey() string {
	if len(c.APIKey) <= 4 {
		return strings.Repeat("*", len(c.APIKey))
	}
	return strings.Repeat("*", len(c.APIKey)-4) + c.APIKey[len(c.APIKey)-4:]
}

type UserSettings struct {
	Nickname          string  `json:"nickname"`
	BackgroundImage   string  `json:"backgroundImage"`
	BackgroundOpacity float64 `json:"backgroundOpacity"`
}

type Persona struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Prompt      string `json:"prompt" yaml:"prompt"`
}

type PersonaSettings struct {
	ActivePersonaID string    `json:"activePersonaId"`
	Presets         []Persona `json:"presets"`
	Custom          []Persona `json:"custom"`
}

type Settings struct {
	User     UserSettings    `json:"user"`
	API      APIConfig       `json:"api"`
	Personas PersonaSettings `json:"personas"`
}
