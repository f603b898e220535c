package tool

import (
	"sort"
	"strings"
)

// CustomAnalysis is the tool the controller falls back to when it decides
// to synthesize analysis code instead of reusing a canned routine.
const CustomAnalysis = "custom_analysis"

// Tool is a named analysis capability. The description is fed verbatim into
// the selection prompt, so it should read as a capability summary.
type Tool struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	InputKinds  []string `json:"input_kinds"` // acceptable input content types, "*" = any
}

// AcceptsKind reports whether the tool accepts the given input content type.
func (t Tool) AcceptsKind(kind string) bool {
	for _, k := range t.InputKinds {
		if k == "*" || strings.EqualFold(k, kind) {
			return true
		}
	}
	return false
}

// Registry is an immutable catalog of tools, fixed for the process lifetime.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds a registry from the given tools.
func NewRegistry(tools ...Tool) *Registry {
	m := make(map[string]Tool, len(tools))
	for _, t := range tools {
		m[strings.ToLower(t.Name)] = t
	}
	return &Registry{tools: m}
}

// Lookup resolves a tool name. Matching is exact after trimming whitespace
// and lowercasing; extra words around a valid name do not match.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}

// List returns all tools sorted by name, for prompt building and the API.
func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Builtin returns the default analysis catalog.
func Builtin() *Registry {
	return NewRegistry(
		Tool{
			Name: "helium_analysis",
			Description: "Analyzes organic and paid traffic metrics over time from a Helium-style " +
				"export: traffic, keywords, and traffic cost per date column. Produces dual-axis " +
				"trend charts and monthly aggregates.",
			InputKinds: []string{"text/csv"},
		},
		Tool{
			Name: "keyword_analysis",
			Description: "Analyzes search keywords with intent classification and a branded vs " +
				"non-branded split. Expects keyword, volume, and intent columns.",
			InputKinds: []string{"text/csv"},
		},
		Tool{
			Name: "channel_analysis",
			Description: "Analyzes traffic by marketing channel (direct, referral, organic and paid " +
				"search, social, email, display) per target. Produces channel mix and comparison charts.",
			InputKinds: []string{"text/csv"},
		},
		Tool{
			Name: CustomAnalysis,
			Description: "Generates and runs a bespoke analysis script when no canned routine fits " +
				"the question. Works with any tabular input.",
			InputKinds: []string{"*"},
		},
	)
}
