package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mathsolver/core/internal/chat/conversations"
	"github.com/mathsolver/core/internal/chat/model"
	"github.com/mathsolver/core/internal/chat/personas"
	"github.com/mathsolver/core/internal/chat/solver"
)

// =============================================================================
// CONVERSATION COMMANDS
// =============================================================================

var (
	askNew       bool
	askRender    bool
	askReasoning bool
	askPersona   string
	clearYes     bool
)

// askCmd solves a question in the active conversation
var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a math question in the active conversation",
	Long: `Ask a math question. The answer streams to stdout as it arrives.

The question is read from stdin when no argument is given. Press Ctrl-C to
stop the answer early; the partial answer is kept.`,
	RunE: runAsk,
}

var newCmd = &cobra.Command{
	Use:   "new",
	Short: "Start a new conversation and make it active",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := current.store.Create(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var showCmd = &cobra.Command{
	Use:   "show [conversation-id]",
	Short: "Print a conversation (the active one by default)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runShow,
}

var useCmd = &cobra.Command{
	Use:   "use <conversation-id>",
	Short: "Switch the active conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := resolveConversationID(current.store.List(), args[0])
		if err != nil {
			return err
		}
		if err := current.store.SetActive(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Active conversation: %s\n", id)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := resolveConversationID(current.store.List(), args[0])
		if err != nil {
			return err
		}
		if err := current.store.DeleteConversation(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s. Active conversation: %s\n", id, current.store.ActiveID())
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !clearYes {
			return errors.New("refusing to delete all conversations without --yes")
		}
		id, err := current.store.ClearAll(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "All conversations deleted. Active conversation: %s\n", id)
		return nil
	},
}

func init() {
	askCmd.Flags().BoolVarP(&askNew, "new", "n", false, "Ask in a new conversation")
	askCmd.Flags().BoolVarP(&askRender, "render", "r", false, "Render the finished answer as markdown instead of streaming it")
	askCmd.Flags().BoolVar(&askReasoning, "reasoning", false, "Stream the model's reasoning to stderr")
	askCmd.Flags().StringVarP(&askPersona, "persona", "p", "", "Switch the conversation to this persona first")
	clearCmd.Flags().BoolVar(&clearYes, "yes", false, "Confirm deleting every conversation")
}

func readQuestion(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if f, ok := stdin.(*os.File); ok {
		if info, err := f.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
			return "", errors.New("no question given; pass it as an argument or pipe it into stdin")
		}
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read question: %w", err)
	}
	return string(b), nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	question, err := readQuestion(args, cmd.InOrStdin())
	if err != nil {
		return err
	}

	// Ctrl-C cancels the solve; the partial answer is still persisted.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := current
	if askNew || a.store.ActiveID() == "" {
		if _, err := a.store.Create(ctx); err != nil {
			return err
		}
	}
	conv, _ := a.store.Active()

	if askPersona != "" {
		if !personas.Exists(askPersona, a.settings.Settings().Personas.Custom) {
			return fmt.Errorf("unknown persona %q", askPersona)
		}
		if err := a.store.SwitchPersona(ctx, conv.ID, askPersona); err != nil {
			return err
		}
		conv.PersonaID = askPersona
	}

	persona := a.settings.ActivePersona()
	if conv.PersonaID != "" {
		persona = a.settings.Persona(conv.PersonaID)
	}
	systemPrompt, err := a.settings.RenderPersona(ctx, persona)
	if err != nil {
		return err
	}

	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	printer := solver.Callbacks{
		Delta: func(_ context.Context, _ solver.RunInfo, d model.StreamDelta) {
			if askReasoning && d.Reasoning != "" {
				fmt.Fprint(errOut, d.Reasoning)
			}
			if !askRender {
				fmt.Fprint(out, d.Content)
			}
		},
	}
	s := solver.New(a.store, a.client, solver.WithObserver(solver.Multi(solver.NewLogObserver(), printer)))

	res, err := s.Solve(ctx, solver.Request{
		Question:     question,
		Config:       a.settings.APIConfig(),
		SystemPrompt: systemPrompt,
		PersonaID:    persona.ID,
	})
	if err != nil {
		return err
	}

	if askRender {
		fmt.Fprint(out, renderMarkdown(res.Content))
	} else {
		fmt.Fprintln(out)
	}
	if res.State == solver.StateCancelled {
		fmt.Fprintln(errOut, "[stopped, partial answer saved]")
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	convs := current.store.List()
	out := cmd.OutOrStdout()
	if len(convs) == 0 {
		fmt.Fprintln(out, "No conversations yet. Start one with: mathsolver ask \"...\"")
		return nil
	}

	activeID := current.store.ActiveID()
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tTITLE\tMESSAGES\tUPDATED")
	for _, c := range convs {
		marker := ""
		if c.ID == activeID {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", marker, shortID(c.ID), c.Title, len(c.Messages), formatMillis(c.UpdatedAt))
	}
	return tw.Flush()
}

func runShow(cmd *cobra.Command, args []string) error {
	id := current.store.ActiveID()
	if len(args) == 1 {
		var err error
		if id, err = resolveConversationID(current.store.List(), args[0]); err != nil {
			return err
		}
	}
	conv, ok := current.store.Get(id)
	if !ok {
		return solver.ErrNoActiveConversation
	}
	nickname := current.settings.Settings().User.Nickname
	fmt.Fprint(cmd.OutOrStdout(), renderMarkdown(conversationMarkdown(conv, nickname)))
	return nil
}

// resolveConversationID accepts a full id or a unique prefix of one.
func resolveConversationID(convs []*model.Conversation, arg string) (string, error) {
	var matches []string
	for _, c := range convs {
		if c.ID == arg {
			return c.ID, nil
		}
		if strings.HasPrefix(c.ID, arg) {
			matches = append(matches, c.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", conversations.ErrConversationNotFound, arg)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("conversation id %q is ambiguous (%d matches)", arg, len(matches))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
