package agent

import (
	"context"

	"github.com/nidhogg/datalens/internal/provider"
)

// Oracle is the narrow interface to the LLM at the controller's two decision
// points. Responses are plain text and are never trusted without validation:
// tool names must match the registry exactly and retry choices must parse as
// an integer.
type Oracle interface {
	SelectTool(ctx context.Context, prompt string) (string, error)
	DecideRetry(ctx context.Context, prompt string) (string, error)
}

// LLMOracle answers decision prompts through the provider router.
type LLMOracle struct {
	router *provider.Router
	model  string
}

// NewLLMOracle creates an oracle bound to a model.
func NewLLMOracle(router *provider.Router, model string) *LLMOracle {
	return &LLMOracle{router: router, model: model}
}

func (o *LLMOracle) complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := o.router.Route(ctx, &provider.ChatRequest{
		Model: o.model,
		Messages: []provider.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		MaxTokens: 64,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// SelectTool asks the model to pick a tool for the query.
func (o *LLMOracle) SelectTool(ctx context.Context, prompt string) (string, error) {
	return o.complete(ctx,
		"You select analysis tools. Respond with exactly one tool name from the list, nothing else.",
		prompt)
}

// DecideRetry asks the model to pick a recovery strategy.
func (o *LLMOracle) DecideRetry(ctx context.Context, prompt string) (string, error) {
	return o.complete(ctx,
		"You pick failure-recovery strategies. Respond with a single digit, nothing else.",
		prompt)
}
