package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"github.com/mathsolver/core/internal/chat/model"
	logx "github.com/mathsolver/core/pkg/logger"
)

// renderMarkdown renders md for the terminal, or returns it unchanged with --plain.
func renderMarkdown(md string) string {
	if plain {
		return md
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		logx.Warn().Err(err).Msg("markdown renderer unavailable, printing raw text")
		return md
	}
	out, err := renderer.Render(md)
	if err != nil {
		logx.Warn().Err(err).Msg("failed to render markdown")
		return md
	}
	return out
}

// conversationMarkdown lays a transcript out as a markdown document.
func conversationMarkdown(c *model.Conversation, nickname string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", c.Title)

	var meta []string
	if c.Model != "" {
		meta = append(meta, c.Model)
	}
	if c.PersonaID != "" {
		meta = append(meta, "persona "+c.PersonaID)
	}
	meta = append(meta, "updated "+formatMillis(c.UpdatedAt))
	fmt.Fprintf(&b, "_%s_\n\n", strings.Join(meta, " · "))

	if len(c.Messages) == 0 {
		b.WriteString("_No messages yet._\n")
		return b.String()
	}

	for _, m := range c.Messages {
		switch m.Role {
		case model.RoleUser:
			fmt.Fprintf(&b, "### %s\n\n%s\n\n", nickname, m.Content)
		case model.RoleAssistant:
			b.WriteString("### Assistant\n\n")
			if r := strings.TrimSpace(m.Reasoning); r != "" {
				for _, line := range strings.Split(r, "\n") {
					fmt.Fprintf(&b, "> %s\n", line)
				}
				b.WriteString("\n")
			}
			content := m.Content
			if strings.TrimSpace(content) == "" {
				content = "_(empty answer)_"
			}
			fmt.Fprintf(&b, "%s\n\n", content)
		}
	}
	return b.String()
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}
