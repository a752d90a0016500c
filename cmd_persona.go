package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mathsolver/core/internal/chat/model"
	"github.com/mathsolver/core/internal/chat/personas"
)

// =============================================================================
// PERSONA COMMANDS
// =============================================================================

var (
	personaForConversation bool
	personaName            string
	personaDescription     string
	personaPrompt          string
	personaFile            string
)

var personaCmd = &cobra.Command{
	Use:   "persona",
	Short: "Manage AI personas",
	Long: `List, choose and define the personas that shape the system prompt.

Subcommands:
  list    - List preset and custom personas
  show    - Print a persona's rendered prompt
  use     - Make a persona the default
  add     - Add or replace a custom persona
  remove  - Remove a custom persona`,
	RunE: runPersonaList,
}

var personaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List preset and custom personas",
	Args:  cobra.NoArgs,
	RunE:  runPersonaList,
}

var personaShowCmd = &cobra.Command{
	Use:   "show <persona-id>",
	Short: "Print a persona's rendered system prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !personas.Exists(args[0], current.settings.Settings().Personas.Custom) {
			return fmt.Errorf("unknown persona %q", args[0])
		}
		prompt, err := current.settings.RenderPersona(cmd.Context(), current.settings.Persona(args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), prompt)
		return nil
	},
}

var personaUseCmd = &cobra.Command{
	Use:   "use <persona-id>",
	Short: "Make a persona the default for new conversations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		if !personas.Exists(id, current.settings.Settings().Personas.Custom) {
			return fmt.Errorf("unknown persona %q", id)
		}
		if err := current.settings.Update(cmd.Context(), func(s *model.Settings) {
			s.Personas.ActivePersonaID = id
		}); err != nil {
			return err
		}
		if personaForConversation {
			activeID := current.store.ActiveID()
			if activeID == "" {
				return errors.New("no active conversation to switch")
			}
			if err := current.store.SwitchPersona(cmd.Context(), activeID, id); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Persona: %s\n", id)
		return nil
	},
}

var personaAddCmd = &cobra.Command{
	Use:   "add <persona-id>",
	Short: "Add or replace a custom persona",
	Long: `Add or replace a custom persona. The prompt is a Go template and may use
{{.Nickname}}. Pass it with --prompt, or load a YAML persona with --file.`,
	Args: cobra.ExactArgs(1),
	RunE: runPersonaAdd,
}

var personaRemoveCmd = &cobra.Command{
	Use:   "remove <persona-id>",
	Short: "Remove a custom persona",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		custom := current.settings.Settings().Personas.Custom
		if !containsPersona(custom, id) {
			return fmt.Errorf("no custom persona %q", id)
		}
		if err := current.settings.Update(cmd.Context(), func(s *model.Settings) {
			s.Personas.Custom = removePersona(s.Personas.Custom, id)
			if s.Personas.ActivePersonaID == id {
				s.Personas.ActivePersonaID = model.DefaultPersonaID
			}
		}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed persona %s\n", id)
		return nil
	},
}

func init() {
	personaUseCmd.Flags().BoolVarP(&personaForConversation, "conversation", "c", false, "Also switch the active conversation")
	personaAddCmd.Flags().StringVar(&personaName, "name", "", "Display name")
	personaAddCmd.Flags().StringVar(&personaDescription, "description", "", "One-line description")
	personaAddCmd.Flags().StringVar(&personaPrompt, "prompt", "", "System prompt template")
	personaAddCmd.Flags().StringVarP(&personaFile, "file", "f", "", "YAML file with name, description and prompt")

	personaCmd.AddCommand(personaListCmd, personaShowCmd, personaUseCmd, personaAddCmd, personaRemoveCmd)
}

func runPersonaList(cmd *cobra.Command, args []string) error {
	s := current.settings.Settings()
	activeID := current.settings.ActivePersona().ID

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tNAME\tSOURCE\tDESCRIPTION")
	row := func(p model.Persona, source string) {
		marker := ""
		if p.ID == activeID {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", marker, p.ID, p.Name, source, p.Description)
	}
	for _, p := range s.Personas.Presets {
		row(p, "preset")
	}
	for _, p := range s.Personas.Custom {
		row(p, "custom")
	}
	return tw.Flush()
}

func runPersonaAdd(cmd *cobra.Command, args []string) error {
	p := model.Persona{ID: args[0]}
	if personaFile != "" {
		raw, err := os.ReadFile(personaFile)
		if err != nil {
			return fmt.Errorf("read persona file: %w", err)
		}
		if p, err = parsePersonaFile(args[0], raw); err != nil {
			return err
		}
	}
	if personaName != "" {
		p.Name = personaName
	}
	if personaDescription != "" {
		p.Description = personaDescription
	}
	if personaPrompt != "" {
		p.Prompt = personaPrompt
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	if err := validateCustomPersona(p); err != nil {
		return err
	}

	// render once so template errors surface now rather than at solve time
	if _, err := current.settings.RenderPersona(cmd.Context(), p); err != nil {
		return err
	}
	if err := current.settings.Update(cmd.Context(), func(s *model.Settings) {
		s.Personas.Custom = append(removePersona(s.Personas.Custom, p.ID), p)
	}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved persona %s\n", p.ID)
	return nil
}

func parsePersonaFile(id string, raw []byte) (model.Persona, error) {
	var p model.Persona
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return model.Persona{}, fmt.Errorf("parse persona file: %w", err)
	}
	p.ID = id
	return p, nil
}

func validateCustomPersona(p model.Persona) error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("persona id must not be empty")
	}
	for _, preset := range personas.Presets() {
		if preset.ID == p.ID {
			return fmt.Errorf("%q is a preset persona; pick another id", p.ID)
		}
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return errors.New("persona prompt must not be empty (use --prompt or --file)")
	}
	return nil
}

func containsPersona(list []model.Persona, id string) bool {
	for _, p := range list {
		if p.ID == id {
			return true
		}
	}
	return false
}

func removePersona(list []model.Persona, id string) []model.Persona {
	out := make([]model.Persona, 0, len(list))
	for _, p := range list {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}
