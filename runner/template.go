package runner

import (
	"strings"

	"github.com/bhangun/gollek/core"
)

// TemplateRenderer renders a list of role-tagged messages into the exact
// prompt string a model was trained to consume. External renderers (Jinja
// engines, model-specific formatters) plug in here.
type TemplateRenderer interface {
	Render(template string, messages []core.Message) (string, error)
}

// ChatMLRenderer is the built-in renderer. A blank template falls back to
// ChatML framing; a non-blank template is applied per message with {role}
// and {content} placeholders.
type ChatMLRenderer struct{}

// Render implements TemplateRenderer
func (ChatMLRenderer) Render(template string, messages []core.Message) (string, error) {
	if strings.TrimSpace(template) == "" {
		return renderChatML(messages), nil
	}

	var b strings.Builder
	for _, msg := range messages {
		line := strings.ReplaceAll(template, "{role}", string(msg.Role))
		line = strings.ReplaceAll(line, "{content}", msg.Content)
		b.WriteString(line)
	}
	b.WriteString("<|im_start|>assistant\n")
	return b.String(), nil
}

// renderChatML emits <|im_start|>{role}\n{content}<|im_end|>\n per message
// followed by an open assistant turn
func renderChatML(messages []core.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		b.WriteString("<|im_start|>")
		b.WriteString(string(msg.Role))
		b.WriteByte('\n')
		b.WriteString(msg.Content)
		b.WriteString("<|im_end|>\n")
	}
	b.WriteString("<|im_start|>assistant\n")
	return b.String()
}

// hasSpecialDelimiters reports whether a rendered prompt already carries
// model-specific control markers, in which case automatic BOS insertion is
// suppressed during tokenization
func hasSpecialDelimiters(prompt string) bool {
	return strings.Contains(prompt, "<|")
}
