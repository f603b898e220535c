package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	inputDir   = "/workspace/input"
	outputDir  = "/workspace/output"
	scriptPath = "/workspace/run_analysis.py"
)

// ClientConfig holds connection settings for the sandbox service.
type ClientConfig struct {
	Endpoint    string        // sandbox provisioning API base URL
	APIKey      string
	Template    string        // sandbox image template, e.g. "python-analysis"
	ExecTimeout time.Duration // per-run execution bound
}

// Client runs analysis scripts against a sandbox provisioning service.
// Each Execute call provisions a fresh sandbox, writes the inputs and the
// tool's script into it, runs the script, reads artifacts back, and destroys
// the sandbox unconditionally.
type Client struct {
	config  ClientConfig
	client  *http.Client
	scripts ScriptSource
	logger  *zap.Logger
}

// NewClient creates a sandbox client.
func NewClient(cfg ClientConfig, scripts ScriptSource, logger *zap.Logger) *Client {
	if cfg.ExecTimeout == 0 {
		cfg.ExecTimeout = 10 * time.Minute
	}
	return &Client{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.ExecTimeout + 30*time.Second},
		scripts: scripts,
		logger:  logger,
	}
}

// Execute implements the Executor interface.
func (c *Client) Execute(ctx context.Context, toolName string, files []UploadedFile, config map[string]string) (*Result, error) {
	script, err := c.scripts.ScriptFor(ctx, toolName, config["query"])
	if err != nil {
		return nil, fmt.Errorf("resolve script for %s: %w", toolName, err)
	}

	sandboxID, err := c.createSandbox(ctx)
	if err != nil {
		return nil, fmt.Errorf("provision sandbox: %w", err)
	}
	defer c.destroySandbox(sandboxID)

	c.logger.Info("sandbox provisioned",
		zap.String("sandbox", sandboxID),
		zap.String("tool", toolName),
		zap.Int("files", len(files)))

	if err := c.writeFile(ctx, sandboxID, scriptPath, []byte(script)); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	var inputPaths []string
	for _, f := range files {
		p := path.Join(inputDir, path.Base(f.Name))
		if err := c.writeFile(ctx, sandboxID, p, f.Content); err != nil {
			return nil, fmt.Errorf("write input %s: %w", f.Name, err)
		}
		inputPaths = append(inputPaths, p)
	}

	cmd := fmt.Sprintf("python3 %s %s %s", scriptPath, strings.Join(inputPaths, " "), outputDir)
	stdout, stderr, exitCode, err := c.exec(ctx, sandboxID, cmd)
	if err != nil {
		return nil, fmt.Errorf("exec %s: %w", toolName, err)
	}

	rep, parseErr := parseRunReport(stdout)
	if parseErr != nil {
		msg := parseErr.Error()
		if exitCode != 0 {
			msg = fmt.Sprintf("script exited with code %d: %s", exitCode, tail(stderr, 500))
		}
		return Failed(toolName, msg), nil
	}

	result := &Result{
		ToolName:  toolName,
		Success:   *rep.Success,
		Output:    rep.Summary,
		Artifacts: []Artifact{},
	}
	if len(rep.Errors) > 0 {
		result.Error = strings.Join(rep.Errors, "; ")
	}

	for _, a := range rep.Artifacts {
		content, readErr := c.readFile(ctx, sandboxID, a.Path)
		if readErr != nil {
			return nil, fmt.Errorf("read artifact %s: %w", a.Name, readErr)
		}
		result.Artifacts = append(result.Artifacts, Artifact{
			Name:    a.Name,
			Kind:    artifactKind(a.Type),
			Path:    a.Path,
			Content: content,
		})
	}

	return result, nil
}

func artifactKind(t string) ArtifactKind {
	switch strings.ToLower(t) {
	case "chart":
		return ArtifactChart
	case "csv":
		return ArtifactCSV
	case "json":
		return ArtifactJSON
	default:
		return ArtifactText
	}
}

func tail(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}

// --- sandbox service API ---

func (c *Client) createSandbox(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{"template": c.config.Template})
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/sandboxes", body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("sandbox service returned empty id")
	}
	return resp.ID, nil
}

// destroySandbox tears down a sandbox. Teardown runs on every path, so a
// failure here is logged and swallowed; the service reaps leaked sandboxes.
func (c *Client) destroySandbox(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := c.do(ctx, http.MethodDelete, "/sandboxes/"+id, nil, nil); err != nil {
		c.logger.Warn("sandbox teardown failed", zap.String("sandbox", id), zap.Error(err))
	}
}

func (c *Client) writeFile(ctx context.Context, id, filePath string, content []byte) error {
	body, _ := json.Marshal(map[string]string{
		"path":    filePath,
		"content": base64.StdEncoding.EncodeToString(content),
	})
	return c.do(ctx, http.MethodPost, "/sandboxes/"+id+"/files", body, nil)
}

func (c *Client) readFile(ctx context.Context, id, filePath string) ([]byte, error) {
	var resp struct {
		Content string `json:"content"`
	}
	if err := c.do(ctx, http.MethodGet, "/sandboxes/"+id+"/files?path="+filePath, nil, &resp); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(resp.Content)
}

func (c *Client) exec(ctx context.Context, id, command string) (stdout, stderr string, exitCode int, err error) {
	body, _ := json.Marshal(map[string]interface{}{
		"command":         command,
		"timeout_seconds": int(c.config.ExecTimeout.Seconds()),
	})
	var resp struct {
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exit_code"`
	}
	if err := c.do(ctx, http.MethodPost, "/sandboxes/"+id+"/exec", body, &resp); err != nil {
		return "", "", 0, err
	}
	return resp.Stdout, resp.Stderr, resp.ExitCode, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.config.Endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sandbox API error %d: %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
