package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// UploadedFile is one input file handed to a sandbox run.
type UploadedFile struct {
	Name        string `json:"name"`
	Content     []byte `json:"content"` // base64 on the wire
	ContentType string `json:"content_type"`
}

// ArtifactKind enumerates the output types an analysis run can produce.
type ArtifactKind string

const (
	ArtifactChart ArtifactKind = "chart"
	ArtifactCSV   ArtifactKind = "csv"
	ArtifactJSON  ArtifactKind = "json"
	ArtifactText  ArtifactKind = "text"
)

// validKinds is the closed set of artifact kinds.
var validKinds = map[ArtifactKind]bool{
	ArtifactChart: true,
	ArtifactCSV:   true,
	ArtifactJSON:  true,
	ArtifactText:  true,
}

// Artifact is one named output of an analysis run. Content is read back from
// the sandbox before teardown; Path is the in-sandbox origin, kept for display.
type Artifact struct {
	Name    string       `json:"name"`
	Kind    ArtifactKind `json:"kind"`
	Path    string       `json:"path,omitempty"`
	Content []byte       `json:"content,omitempty"`
}

// Result is the outcome of running one tool in a sandbox.
type Result struct {
	ToolName  string          `json:"tool_name"`
	Success   bool            `json:"success"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Artifacts []Artifact      `json:"artifacts"`
}

// Failed builds a failed Result for the given tool carrying the message.
func Failed(toolName, msg string) *Result {
	return &Result{ToolName: toolName, Success: false, Error: msg}
}

// Executor runs a named tool against uploaded files in an isolated context.
// Implementations must tear the context down unconditionally and bound
// execution time; exceeding the bound surfaces as a failed Result or an error.
type Executor interface {
	Execute(ctx context.Context, toolName string, files []UploadedFile, config map[string]string) (*Result, error)
}

// Validate checks a Result against the executor contract. A violation is
// reported as an error so callers can convert it into a failed result rather
// than coercing the payload.
func Validate(r *Result) error {
	if r == nil {
		return fmt.Errorf("executor returned no result")
	}
	if r.ToolName == "" {
		return fmt.Errorf("result is missing tool name")
	}
	if r.Success {
		if r.Artifacts == nil {
			return fmt.Errorf("successful result is missing artifacts")
		}
	} else if strings.TrimSpace(r.Error) == "" {
		return fmt.Errorf("failed result is missing error text")
	}
	for i, a := range r.Artifacts {
		if a.Name == "" {
			return fmt.Errorf("artifact %d is missing a name", i)
		}
		if !validKinds[a.Kind] {
			return fmt.Errorf("artifact %q has unknown kind %q", a.Name, a.Kind)
		}
	}
	return nil
}

// runReport is the JSON object an analysis script prints as its final line
// of stdout. Artifact entries reference in-sandbox paths.
type runReport struct {
	Success   *bool           `json:"success"`
	Errors    []string        `json:"errors"`
	Summary   json.RawMessage `json:"summary"`
	Artifacts []struct {
		Name string `json:"name"`
		Type string `json:"type"`
		Path string `json:"path"`
	} `json:"artifacts"`
}

// parseRunReport scans captured stdout for the last line that parses as a
// JSON object with a boolean success field. Anything else the script printed
// (progress, warnings) is ignored. No repair is attempted: if no such line
// exists the whole run is a validation failure.
func parseRunReport(stdout string) (*runReport, error) {
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var rep runReport
		if err := json.Unmarshal([]byte(line), &rep); err != nil {
			continue
		}
		if rep.Success == nil {
			continue
		}
		return &rep, nil
	}
	return nil, fmt.Errorf("no parseable result object in script output")
}
