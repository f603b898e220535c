package sandbox

import (
	"context"
	"embed"
	"fmt"
)

//go:embed scripts/*.py
var scriptFS embed.FS

// builtinScripts maps tool names to their embedded analysis scripts.
var builtinScripts = map[string]string{
	"helium_analysis":  "scripts/helium.py",
	"keyword_analysis": "scripts/keywords.py",
	"channel_analysis": "scripts/channels.py",
}

// ScriptSource resolves the script to run for a tool. The query is only
// consulted for synthesized scripts.
type ScriptSource interface {
	ScriptFor(ctx context.Context, toolName, query string) (string, error)
}

// ScriptGenerator synthesizes a one-off analysis script for a query.
type ScriptGenerator interface {
	GenerateScript(ctx context.Context, query string) (string, error)
}

// Library serves embedded scripts for builtin tools and delegates
// custom_analysis to a generator.
type Library struct {
	generator ScriptGenerator
}

// NewLibrary creates a script library. generator may be nil, in which case
// custom_analysis is unavailable.
func NewLibrary(generator ScriptGenerator) *Library {
	return &Library{generator: generator}
}

// ScriptFor implements ScriptSource.
func (l *Library) ScriptFor(ctx context.Context, toolName, query string) (string, error) {
	if toolName == "custom_analysis" {
		if l.generator == nil {
			return "", fmt.Errorf("no script generator configured")
		}
		return l.generator.GenerateScript(ctx, query)
	}
	path, ok := builtinScripts[toolName]
	if !ok {
		return "", fmt.Errorf("no script for tool %q", toolName)
	}
	data, err := scriptFS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read embedded script %s: %w", path, err)
	}
	return string(data), nil
}
