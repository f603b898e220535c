package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/datalens/internal/provider"
	"go.uber.org/zap"
)

// CodeGenerator synthesizes analysis scripts through the LLM provider layer.
type CodeGenerator struct {
	router *provider.Router
	model  string
	logger *zap.Logger
}

// NewCodeGenerator creates a generator bound to a model.
func NewCodeGenerator(router *provider.Router, model string, logger *zap.Logger) *CodeGenerator {
	return &CodeGenerator{router: router, model: model, logger: logger}
}

const codegenSystem = `You write standalone Python analysis scripts.
The script receives input file paths as argv[1..n-1] and an output directory as the last argument.
It must use pandas and matplotlib, save charts and CSVs into the output directory, and print
exactly one final line of JSON to stdout with the shape:
{"success": bool, "errors": [str], "artifacts": [{"name": str, "type": "chart"|"csv"|"json"|"text", "path": str}], "summary": {}}
Respond with Python code only, no prose and no markdown fences.`

// GenerateScript implements ScriptGenerator.
func (g *CodeGenerator) GenerateScript(ctx context.Context, query string) (string, error) {
	resp, err := g.router.Route(ctx, &provider.ChatRequest{
		Model: g.model,
		Messages: []provider.Message{
			{Role: "system", Content: codegenSystem},
			{Role: "user", Content: "Write an analysis script for this question:\n\n" + query},
		},
		Temperature: 0.2,
		MaxTokens:   4096,
	})
	if err != nil {
		return "", fmt.Errorf("generate script: %w", err)
	}
	script := stripFences(resp.Content)
	if strings.TrimSpace(script) == "" {
		return "", fmt.Errorf("model returned an empty script")
	}
	g.logger.Debug("generated custom script", zap.Int("bytes", len(script)))
	return script, nil
}

// stripFences removes a surrounding markdown code fence if the model added
// one despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```python")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
