package conversations

import (
	"regexp"
	"strings"

	"github.com/mathsolver/core/internal/chat/model"
)

const (
	// FormulaPlaceholder replaces every LaTeX span in a title.
	FormulaPlaceholder = "[formula]"
	maxTitleRunes      = 50
	ellipsis           = "..."
)

var (
	blockMath  = regexp.MustCompile(`\$\$[\s\S]*?\$\$`)
	inlineMath = regexp.MustCompile(`\$[^$]+\$`)
	whitespace = regexp.MustCompile(`\s+`)
)

// GenerateTitle derives a conversation title from its first user message.
func GenerateTitle(content string) string {
	title := blockMath.ReplaceAllString(content, FormulaPlaceholder)
	title = inlineMath.ReplaceAllString(title, FormulaPlaceholder)
	title = strings.TrimSpace(whitespace.ReplaceAllString(title, " "))

	if runes := []rune(title); len(runes) > maxTitleRunes {
		title = string(runes[:maxTitleRunes-len(ellipsis)]) + ellipsis
	}
	if title == "" {
		return model.DefaultTitle
	}
	return title
}
