package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nidhogg/datalens/internal/agent"
	"github.com/nidhogg/datalens/internal/sandbox"
	"github.com/nidhogg/datalens/internal/tool"
	"go.uber.org/zap"
)

type fixedOracle struct {
	toolName string
}

func (o fixedOracle) SelectTool(context.Context, string) (string, error) { return o.toolName, nil }
func (o fixedOracle) DecideRetry(context.Context, string) (string, error) { return "4", nil }

type recordingExecutor struct {
	files []sandbox.UploadedFile
}

func (e *recordingExecutor) Execute(_ context.Context, toolName string, files []sandbox.UploadedFile, _ map[string]string) (*sandbox.Result, error) {
	e.files = files
	return &sandbox.Result{
		ToolName: toolName,
		Success:  true,
		Artifacts: []sandbox.Artifact{
			{Name: "trends.png", Kind: sandbox.ArtifactChart, Content: []byte("png")},
		},
	}, nil
}

func newTestServer(t *testing.T, executor sandbox.Executor) *httptest.Server {
	t.Helper()
	h := NewHandler(tool.Builtin(), fixedOracle{toolName: "helium_analysis"}, executor, 10, nil, nil, zap.NewNop())
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

// postAnalyze builds the multipart form the analyze endpoint expects.
func postAnalyze(t *testing.T, url, query, sessionID string, files map[string][]byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if query != "" {
		w.WriteField("query", query)
	}
	if sessionID != "" {
		w.WriteField("session_id", sessionID)
	}
	for name, content := range files {
		part, err := w.CreateFormFile("files", name)
		if err != nil {
			t.Fatal(err)
		}
		part.Write(content)
	}
	w.Close()

	resp, err := http.Post(url+"/api/analyze", w.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHealthCheck(t *testing.T) {
	srv := newTestServer(t, &recordingExecutor{})

	var body map[string]string
	if code := getJSON(t, srv.URL+"/api/health", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["status"] != "ok" {
		t.Errorf("unexpected health body: %v", body)
	}
}

func TestListTools(t *testing.T) {
	srv := newTestServer(t, &recordingExecutor{})

	var tools []tool.Tool
	if code := getJSON(t, srv.URL+"/api/tools", &tools); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(tools) != 4 {
		t.Errorf("expected 4 tools, got %d", len(tools))
	}
}

func TestAnalyzeRoundTrip(t *testing.T) {
	executor := &recordingExecutor{}
	srv := newTestServer(t, executor)

	resp := postAnalyze(t, srv.URL, "traffic trends over time", "sess-42", map[string][]byte{
		"traffic.csv": []byte("Metric,2024-01-01\nTraffic,100\n"),
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var state agent.State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatal(err)
	}
	if state.SessionID != "sess-42" {
		t.Errorf("expected session echo, got %q", state.SessionID)
	}
	if state.Status != agent.StatusCompleted {
		t.Errorf("expected completed, got %q", state.Status)
	}
	if len(state.Thoughts) == 0 {
		t.Error("expected thought trail in response")
	}
	if state.FinalResult == nil || len(state.FinalResult.Artifacts) != 1 {
		t.Errorf("expected final result with one artifact, got %+v", state.FinalResult)
	}

	if len(executor.files) != 1 || executor.files[0].Name != "traffic.csv" {
		t.Errorf("uploads not forwarded: %+v", executor.files)
	}
}

func TestAnalyzeRequiresQuery(t *testing.T) {
	srv := newTestServer(t, &recordingExecutor{})

	resp := postAnalyze(t, srv.URL, "", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSessionEndpointWithoutCache(t *testing.T) {
	srv := newTestServer(t, &recordingExecutor{})

	if code := getJSON(t, srv.URL+"/api/sessions/abc", nil); code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without cache, got %d", code)
	}
}

func TestRunEndpointsWithoutStore(t *testing.T) {
	srv := newTestServer(t, &recordingExecutor{})

	if code := getJSON(t, srv.URL+"/api/runs", nil); code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without store, got %d", code)
	}
	if code := getJSON(t, srv.URL+"/api/runs/abc", nil); code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without store, got %d", code)
	}
}
