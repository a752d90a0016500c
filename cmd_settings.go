package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mathsolver/core/internal/chat/model"
	"github.com/mathsolver/core/internal/chat/personas"
	"github.com/mathsolver/core/internal/chat/solver"
)

// =============================================================================
// SETTINGS COMMANDS
// =============================================================================

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show and change settings",
	Long: `Show and change the stored settings.

Subcommands:
  show   - Print the effective settings
  set    - Change one setting
  reset  - Restore the defaults
  test   - Send a tiny request to check the API configuration

MATHSOLVER_ENDPOINT, MATHSOLVER_API_KEY and MATHSOLVER_MODEL override the
stored values without being saved.`,
	RunE: runSettingsShow,
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	Args:  cobra.NoArgs,
	RunE:  runSettingsShow,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one setting",
	Long: `Change one setting. Keys:
  nickname, endpoint, api-key, model, temperature, max-tokens,
  background-image, background-opacity`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		apply, err := settingSetter(args[0], args[1])
		if err != nil {
			return err
		}
		if err := current.settings.Update(cmd.Context(), apply); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s updated\n", args[0])
		return nil
	},
}

var settingsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restore the default settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := current.settings.Reset(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Settings restored to defaults")
		return nil
	},
}

var settingsTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Check the API configuration with a tiny request",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := current.settings.APIConfig()
		if !cfg.Complete() {
			return solver.ErrMissingConfig
		}
		if err := current.client.Ping(cmd.Context(), cfg); err != nil {
			return solver.Classify(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Connection OK (%s, %s)\n", cfg.Endpoint, cfg.Model)
		return nil
	},
}

func init() {
	settingsCmd.AddCommand(settingsShowCmd, settingsSetCmd, settingsResetCmd, settingsTestCmd)
}

// settingsView is what `settings show` prints. The key is always masked.
type settingsView struct {
	User struct {
		Nickname          string  `yaml:"nickname"`
		BackgroundImage   string  `yaml:"background-image,omitempty"`
		BackgroundOpacity float64 `yaml:"background-opacity"`
	} `yaml:"user"`
	API struct {
		Endpoint    string  `yaml:"endpoint"`
		APIKey      string  `yaml:"api-key"`
		Model       string  `yaml:"model"`
		Temperature float64 `yaml:"temperature"`
		MaxTokens   int     `yaml:"max-tokens"`
		Complete    bool    `yaml:"complete"`
	} `yaml:"api"`
	Persona   string   `yaml:"persona"`
	Overrides []string `yaml:"env-overrides,omitempty"`
}

func newSettingsView(s model.Settings, effective model.APIConfig, overrides model.APIOverrides) settingsView {
	var v settingsView
	v.User.Nickname = s.User.Nickname
	v.User.BackgroundImage = s.User.BackgroundImage
	v.User.BackgroundOpacity = s.User.BackgroundOpacity
	v.API.Endpoint = effective.Endpoint
	v.API.APIKey = effective.MaskedKey()
	v.API.Model = effective.Model
	v.API.Temperature = effective.Temperature
	v.API.MaxTokens = effective.MaxTokens
	v.API.Complete = effective.Complete()
	v.Persona = personas.Resolve(s.Personas.ActivePersonaID, s.Personas.Custom).ID

	if overrides.Endpoint != "" {
		v.Overrides = append(v.Overrides, "MATHSOLVER_ENDPOINT")
	}
	if overrides.APIKey != "" {
		v.Overrides = append(v.Overrides, "MATHSOLVER_API_KEY")
	}
	if overrides.Model != "" {
		v.Overrides = append(v.Overrides, "MATHSOLVER_MODEL")
	}
	return v
}

func runSettingsShow(cmd *cobra.Command, args []string) error {
	v := newSettingsView(current.settings.Settings(), current.settings.APIConfig(), current.cfg.API)
	b, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(b)
	return err
}

// settingSetter validates value for key and returns the change to apply.
func settingSetter(key, value string) (func(*model.Settings), error) {
	value = strings.TrimSpace(value)
	switch key {
	case "nickname":
		if value == "" {
			return nil, fmt.Errorf("nickname must not be empty")
		}
		return func(s *model.Settings) { s.User.Nickname = value }, nil
	case "endpoint":
		if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
			return nil, fmt.Errorf("endpoint must be an http(s) URL, got %q", value)
		}
		return func(s *model.Settings) { s.API.Endpoint = value }, nil
	case "api-key":
		return func(s *model.Settings) { s.API.APIKey = value }, nil
	case "model":
		if value == "" {
			return nil, fmt.Errorf("model must not be empty")
		}
		return func(s *model.Settings) { s.API.Model = value }, nil
	case "temperature":
		t, err := strconv.ParseFloat(value, 64)
		if err != nil || t < 0 || t > 2 {
			return nil, fmt.Errorf("temperature must be a number between 0 and 2, got %q", value)
		}
		return func(s *model.Settings) { s.API.Temperature = t }, nil
	case "max-tokens":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("max-tokens must be a positive integer, got %q", value)
		}
		return func(s *model.Settings) { s.API.MaxTokens = n }, nil
	case "background-image":
		return func(s *model.Settings) { s.User.BackgroundImage = value }, nil
	case "background-opacity":
		o, err := strconv.ParseFloat(value, 64)
		if err != nil || o < 0 || o > 1 {
			return nil, fmt.Errorf("background-opacity must be a number between 0 and 1, got %q", value)
		}
		return func(s *model.Settings) { s.User.BackgroundOpacity = o }, nil
	default:
		return nil, fmt.Errorf("unknown setting %q", key)
	}
}
