package personas

import (
	"context"
	"fmt"
	"strings"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/mathsolver/core/internal/chat/model"
)

// Vars are the template variables a persona prompt can reference.
type Vars struct {
	Nickname string
}

// Render formats the persona prompt through the eino prompt component and
// returns the system prompt text. Prompt callbacks fire around the render.
func Render(ctx context.Context, persona model.Persona, vars Vars) (string, error) {
	if strings.TrimSpace(persona.Prompt) == "" {
		return "", fmt.Errorf("persona %q render: empty prompt", persona.ID)
	}

	ctx = einocb.InitCallbacks(ctx, &einocb.RunInfo{
		Name:      persona.ID,
		Type:      "Persona",
		Component: components.ComponentOfPrompt,
	}, NewRenderCallbacks())

	tpl := prompt.FromMessages(
		schema.GoTemplate,
		schema.SystemMessage(persona.Prompt),
	)
	msgs, err := tpl.Format(ctx, map[string]any{
		"Nickname": vars.Nickname,
	})
	if err != nil {
		return "", fmt.Errorf("persona %q render: %w", persona.ID, err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("persona %q render: empty result", persona.ID)
	}
	return strings.TrimSpace(msgs[0].Content), nil
}
