package aggregator

import (
	"github.com/1mcp-app/agent/internal/template"
	mcpstrings "github.com/1mcp-app/agent/pkg/strings"
	"github.com/1mcp-app/agent/pkg/logging"
)

// defaultInstructionsTemplate mirrors muster's educational-preamble shape: a
// short header followed by one bullet per server that advertised
// instructions.
const defaultInstructionsTemplate = `{{ if .servers }}This gateway aggregates the following upstream MCP servers:
{{ range .servers }}- {{ .name }}: {{ .instructions }}
{{ end }}{{ end }}`

// ServerInstructions is one upstream server's free-form instructions string,
// as fed to the rendering template.
type ServerInstructions struct {
	Name         string
	Instructions string
}

// InstructionAggregator collects per-server instructions strings and
// renders them through the template engine into one preamble for the
// inbound session's initialize response.
type InstructionAggregator struct {
	engine *template.Engine
}

func NewInstructionAggregator(engine *template.Engine) *InstructionAggregator {
	return &InstructionAggregator{engine: engine}
}

// Render produces the instructions preamble for sessionCtx using customTmpl
// if non-empty, else the built-in default. templateSizeLimit truncates each
// server's instructions string before rendering (0 disables truncation).
// On render failure, the handler logs and falls back to the default
// template per §7 — the session is never aborted over a bad instructions
// template.
func (ia *InstructionAggregator) Render(servers []ServerInstructions, sessionCtx map[string]interface{}, customTmpl string, templateSizeLimit int) string {
	entries := make([]map[string]interface{}, 0, len(servers))
	for _, s := range servers {
		instructions := s.Instructions
		if templateSizeLimit > 0 {
			instructions = mcpstrings.TruncateDescription(instructions, templateSizeLimit)
		}
		entries = append(entries, map[string]interface{}{
			"name":         s.Name,
			"instructions": instructions,
		})
	}

	ctx := template.MergeContexts(sessionCtx, map[string]interface{}{"servers": entries})

	tmpl := customTmpl
	if tmpl == "" {
		tmpl = defaultInstructionsTemplate
	}

	rendered, err := ia.engine.RenderGoTemplate(tmpl, ctx)
	if err != nil {
		if customTmpl != "" {
			logging.Warn("InstructionAggregator", "custom instructions template failed to render: %v; falling back to default", err)
			rendered, err = ia.engine.RenderGoTemplate(defaultInstructionsTemplate, ctx)
			if err != nil {
				logging.Error("InstructionAggregator", err, "default instructions template also failed to render")
				return ""
			}
		} else {
			logging.Error("InstructionAggregator", err, "default instructions template failed to render")
			return ""
		}
	}

	if s, ok := rendered.(string); ok {
		return s
	}
	return ""
}
