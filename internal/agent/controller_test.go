package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nidhogg/datalens/internal/sandbox"
	"github.com/nidhogg/datalens/internal/tool"
	"go.uber.org/zap"
)

// stubOracle returns canned text for both decision points and records the
// prompts it was given.
type stubOracle struct {
	toolResp  string
	toolErr   error
	retryResp string
	retryErr  error

	selectPrompts []string
	retryPrompts  []string
}

func (o *stubOracle) SelectTool(_ context.Context, prompt string) (string, error) {
	o.selectPrompts = append(o.selectPrompts, prompt)
	return o.toolResp, o.toolErr
}

func (o *stubOracle) DecideRetry(_ context.Context, prompt string) (string, error) {
	o.retryPrompts = append(o.retryPrompts, prompt)
	return o.retryResp, o.retryErr
}

// stubExecutor serves scripted results per tool name.
type stubExecutor struct {
	results map[string]*sandbox.Result
	err     error
	calls   []string
}

func (e *stubExecutor) Execute(_ context.Context, toolName string, _ []sandbox.UploadedFile, _ map[string]string) (*sandbox.Result, error) {
	e.calls = append(e.calls, toolName)
	if e.err != nil {
		return nil, e.err
	}
	if r, ok := e.results[toolName]; ok {
		return r, nil
	}
	return sandbox.Failed(toolName, "no scripted result"), nil
}

func okResult(toolName string, artifacts int) *sandbox.Result {
	r := &sandbox.Result{ToolName: toolName, Success: true, Artifacts: []sandbox.Artifact{}}
	for i := 0; i < artifacts; i++ {
		r.Artifacts = append(r.Artifacts, sandbox.Artifact{
			Name: "chart.png", Kind: sandbox.ArtifactChart, Content: []byte("png"),
		})
	}
	return r
}

func newTestController(oracle Oracle, executor sandbox.Executor, maxSteps int) *Controller {
	return NewController(tool.Builtin(), oracle, executor, maxSteps, zap.NewNop())
}

func heliumFiles() []sandbox.UploadedFile {
	return []sandbox.UploadedFile{
		{Name: "helium_sample.csv", Content: []byte("Metric,2024-01-01\n"), ContentType: "text/csv"},
	}
}

// checkInvariants asserts the properties that must hold for every terminal state.
func checkInvariants(t *testing.T, st *State) {
	t.Helper()
	if len(st.Thoughts) == 0 {
		t.Error("expected non-empty thought trail")
	}
	if st.CurrentStep != len(st.Thoughts) {
		t.Errorf("current step %d != %d thoughts", st.CurrentStep, len(st.Thoughts))
	}
	if !st.Status.Terminal() {
		t.Errorf("expected terminal status, got %q", st.Status)
	}
	if st.FinalResult == nil {
		t.Fatal("expected a final result")
	}
	if st.FinalResult.Success != (st.Status == StatusCompleted) {
		t.Errorf("status %q inconsistent with result success %v", st.Status, st.FinalResult.Success)
	}
}

func thoughtsOf(st *State, cat ThoughtCategory) []Thought {
	var out []Thought
	for _, th := range st.Thoughts {
		if th.Category == cat {
			out = append(out, th)
		}
	}
	return out
}

func TestProcessQueryHappyPath(t *testing.T) {
	oracle := &stubOracle{toolResp: "  Helium_Analysis \n"}
	executor := &stubExecutor{results: map[string]*sandbox.Result{
		"helium_analysis": okResult("helium_analysis", 1),
	}}
	ctrl := newTestController(oracle, executor, 0)

	st := ctrl.ProcessQuery(context.Background(), "s-1",
		"Analyze the organic and paid traffic trends over time", heliumFiles())

	checkInvariants(t, st)
	if st.Status != StatusCompleted {
		t.Fatalf("expected completed, got %q (error: %s)", st.Status, st.FinalResult.Error)
	}
	if len(st.FinalResult.Artifacts) != 1 {
		t.Errorf("expected 1 artifact, got %d", len(st.FinalResult.Artifacts))
	}
	if st.SessionID != "s-1" {
		t.Errorf("expected session s-1, got %q", st.SessionID)
	}

	// Selection prompt lists the registry and the query.
	if len(oracle.selectPrompts) != 1 {
		t.Fatalf("expected 1 selection call, got %d", len(oracle.selectPrompts))
	}
	prompt := oracle.selectPrompts[0]
	for _, want := range []string{"helium_analysis", "keyword_analysis", "channel_analysis", "custom_analysis", "organic and paid traffic"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("selection prompt missing %q", want)
		}
	}

	sel := thoughtsOf(st, CategoryToolSelection)
	if len(sel) != 1 || sel[0].Confidence != 0.9 {
		t.Errorf("expected one tool_selection thought at 0.9, got %+v", sel)
	}
	if !strings.Contains(sel[0].Content, "helium_analysis") {
		t.Errorf("selection thought should name the tool, got %q", sel[0].Content)
	}
	if got := executor.calls; len(got) != 1 || got[0] != "helium_analysis" {
		t.Errorf("expected single helium_analysis execution, got %v", got)
	}
}

func TestProcessQueryGeneratesSessionID(t *testing.T) {
	oracle := &stubOracle{toolResp: "helium_analysis"}
	executor := &stubExecutor{results: map[string]*sandbox.Result{
		"helium_analysis": okResult("helium_analysis", 0),
	}}
	st := newTestController(oracle, executor, 0).ProcessQuery(context.Background(), "", "q", nil)
	if st.SessionID == "" {
		t.Error("expected generated session ID")
	}
}

func TestSelectionUnknownToolIsFatal(t *testing.T) {
	oracle := &stubOracle{toolResp: "make_me_a_chart"}
	executor := &stubExecutor{}
	st := newTestController(oracle, executor, 0).
		ProcessQuery(context.Background(), "", "plot things", heliumFiles())

	checkInvariants(t, st)
	if st.Status != StatusFailed {
		t.Fatalf("expected failed, got %q", st.Status)
	}
	if !strings.Contains(st.FinalResult.Error, "no suitable tool") {
		t.Errorf("expected 'no suitable tool' error, got %q", st.FinalResult.Error)
	}
	sel := thoughtsOf(st, CategoryToolSelection)
	if len(sel) != 1 || sel[0].Confidence != 0.3 {
		t.Errorf("expected one tool_selection thought at 0.3, got %+v", sel)
	}
	if len(executor.calls) != 0 {
		t.Errorf("expected no execution, got %v", executor.calls)
	}
}

func TestSelectionRequiresExactMatch(t *testing.T) {
	// Extra words around a valid name do not match.
	oracle := &stubOracle{toolResp: "helium_analysis is the best choice"}
	executor := &stubExecutor{}
	st := newTestController(oracle, executor, 0).
		ProcessQuery(context.Background(), "", "traffic trends", heliumFiles())

	if st.Status != StatusFailed {
		t.Fatalf("expected failed, got %q", st.Status)
	}
	if len(executor.calls) != 0 {
		t.Errorf("expected no execution, got %v", executor.calls)
	}
}

func TestRetryCustomCodeOverwritesResult(t *testing.T) {
	oracle := &stubOracle{toolResp: "channel_analysis", retryResp: "3"}
	executor := &stubExecutor{results: map[string]*sandbox.Result{
		"channel_analysis": sandbox.Failed("channel_analysis", "missing required columns"),
		"custom_analysis":  okResult("custom_analysis", 2),
	}}
	st := newTestController(oracle, executor, 0).
		ProcessQuery(context.Background(), "", "traffic by channel", heliumFiles())

	checkInvariants(t, st)
	if st.Status != StatusCompleted {
		t.Fatalf("expected completed after custom retry, got %q (%s)", st.Status, st.FinalResult.Error)
	}
	if st.FinalResult.ToolName != "custom_analysis" {
		t.Errorf("expected custom_analysis result, got %q", st.FinalResult.ToolName)
	}
	if got := executor.calls; len(got) != 2 || got[1] != "custom_analysis" {
		t.Errorf("expected [channel_analysis custom_analysis], got %v", got)
	}

	ea := thoughtsOf(st, CategoryErrorAnalysis)
	if len(ea) != 1 || ea[0].Confidence != 0.7 {
		t.Errorf("expected one error_analysis thought at 0.7, got %+v", ea)
	}
	if !strings.Contains(ea[0].Content, "missing required columns") {
		t.Errorf("error_analysis should quote the error, got %q", ea[0].Content)
	}
	rd := thoughtsOf(st, CategoryRetryDecision)
	if len(rd) != 1 || rd[0].Confidence != 0.8 {
		t.Errorf("expected one retry_decision thought at 0.8, got %+v", rd)
	}
	if !strings.Contains(rd[0].Content, "custom") {
		t.Errorf("retry_decision should name the strategy, got %q", rd[0].Content)
	}
}

func TestRetryGiveUpKeepsOriginalFailure(t *testing.T) {
	oracle := &stubOracle{toolResp: "keyword_analysis", retryResp: "4"}
	executor := &stubExecutor{results: map[string]*sandbox.Result{
		"keyword_analysis": sandbox.Failed("keyword_analysis", "bad timestamps"),
	}}
	st := newTestController(oracle, executor, 0).
		ProcessQuery(context.Background(), "", "keyword intents", heliumFiles())

	checkInvariants(t, st)
	if st.Status != StatusFailed {
		t.Fatalf("expected failed, got %q", st.Status)
	}
	if st.FinalResult.Error != "bad timestamps" || st.FinalResult.ToolName != "keyword_analysis" {
		t.Errorf("expected original failure preserved, got %+v", st.FinalResult)
	}
	if len(executor.calls) != 1 {
		t.Errorf("expected single execution, got %v", executor.calls)
	}
}

func TestRetryChoiceFailsClosed(t *testing.T) {
	for _, resp := range []string{"maybe five?", "", "0", "5", "3.5"} {
		oracle := &stubOracle{toolResp: "keyword_analysis", retryResp: resp}
		executor := &stubExecutor{results: map[string]*sandbox.Result{
			"keyword_analysis": sandbox.Failed("keyword_analysis", "boom"),
		}}
		st := newTestController(oracle, executor, 0).
			ProcessQuery(context.Background(), "", "q", nil)

		if st.FinalResult.Error != "boom" {
			t.Errorf("response %q: expected original failure, got %+v", resp, st.FinalResult)
		}
		if len(executor.calls) != 1 {
			t.Errorf("response %q: expected no re-execution, got %v", resp, executor.calls)
		}
	}
}

func TestRetryStrategiesOneAndTwoAreRecordedOnly(t *testing.T) {
	for _, resp := range []string{"1", "2"} {
		oracle := &stubOracle{toolResp: "keyword_analysis", retryResp: resp}
		executor := &stubExecutor{results: map[string]*sandbox.Result{
			"keyword_analysis": sandbox.Failed("keyword_analysis", "boom"),
		}}
		st := newTestController(oracle, executor, 0).
			ProcessQuery(context.Background(), "", "q", nil)

		if len(executor.calls) != 1 {
			t.Errorf("choice %s: expected no re-execution, got %v", resp, executor.calls)
		}
		rd := thoughtsOf(st, CategoryRetryDecision)
		if len(rd) != 1 {
			t.Fatalf("choice %s: expected recorded decision, got %d", resp, len(rd))
		}
		if st.FinalResult.Error != "boom" {
			t.Errorf("choice %s: expected original failure preserved", resp)
		}
	}
}

func TestExecutorErrorBecomesFailedResult(t *testing.T) {
	oracle := &stubOracle{toolResp: "helium_analysis", retryResp: "4"}
	executor := &stubExecutor{err: errors.New("sandbox connection refused")}
	st := newTestController(oracle, executor, 0).
		ProcessQuery(context.Background(), "", "traffic trends", heliumFiles())

	checkInvariants(t, st)
	if st.Status != StatusFailed {
		t.Fatalf("expected failed, got %q", st.Status)
	}
	if !strings.Contains(st.FinalResult.Error, "sandbox connection refused") {
		t.Errorf("expected thrown message in result error, got %q", st.FinalResult.Error)
	}
	ea := thoughtsOf(st, CategoryErrorAnalysis)
	if len(ea) != 1 {
		t.Errorf("expected exactly one error_analysis thought, got %d", len(ea))
	}
}

func TestMalformedExecutorResultIsValidationFailure(t *testing.T) {
	// Success without an artifacts slice violates the executor contract.
	oracle := &stubOracle{toolResp: "helium_analysis", retryResp: "4"}
	executor := &stubExecutor{results: map[string]*sandbox.Result{
		"helium_analysis": {ToolName: "helium_analysis", Success: true, Artifacts: nil},
	}}
	st := newTestController(oracle, executor, 0).
		ProcessQuery(context.Background(), "", "q", nil)

	checkInvariants(t, st)
	if st.Status != StatusFailed {
		t.Fatalf("expected failed, got %q", st.Status)
	}
	if !strings.Contains(st.FinalResult.Error, "artifacts") {
		t.Errorf("expected validation message, got %q", st.FinalResult.Error)
	}
}

func TestMaxStepsGatesRetryEvaluation(t *testing.T) {
	oracle := &stubOracle{toolResp: "helium_analysis", retryResp: "3"}
	executor := &stubExecutor{results: map[string]*sandbox.Result{
		"helium_analysis": sandbox.Failed("helium_analysis", "boom"),
		"custom_analysis": okResult("custom_analysis", 1),
	}}
	// Three thoughts are spent before the failure check: intake, selection,
	// execution start. maxSteps 3 leaves no budget for the retry evaluation.
	st := newTestController(oracle, executor, 3).
		ProcessQuery(context.Background(), "", "q", nil)

	checkInvariants(t, st)
	if st.Status != StatusFailed {
		t.Fatalf("expected failed, got %q", st.Status)
	}
	if len(thoughtsOf(st, CategoryRetryDecision)) != 0 {
		t.Error("expected no retry evaluation past the step budget")
	}
	if len(executor.calls) != 1 {
		t.Errorf("expected single execution, got %v", executor.calls)
	}
}

func TestOracleErrorIsCapturedNotPropagated(t *testing.T) {
	oracle := &stubOracle{toolErr: errors.New("model overloaded")}
	executor := &stubExecutor{}
	st := newTestController(oracle, executor, 0).
		ProcessQuery(context.Background(), "", "q", nil)

	checkInvariants(t, st)
	if st.Status != StatusFailed {
		t.Fatalf("expected failed, got %q", st.Status)
	}
	ea := thoughtsOf(st, CategoryErrorAnalysis)
	if len(ea) != 1 || ea[0].Confidence != 1.0 {
		t.Errorf("expected one error_analysis thought at 1.0, got %+v", ea)
	}
	if !strings.Contains(st.FinalResult.Error, "model overloaded") {
		t.Errorf("expected oracle error in result, got %q", st.FinalResult.Error)
	}
}

func TestDeterministicStubsYieldIdenticalOutcomes(t *testing.T) {
	run := func() *State {
		oracle := &stubOracle{toolResp: "helium_analysis"}
		executor := &stubExecutor{results: map[string]*sandbox.Result{
			"helium_analysis": okResult("helium_analysis", 1),
		}}
		return newTestController(oracle, executor, 0).
			ProcessQuery(context.Background(), "same-session", "q", heliumFiles())
	}

	a, b := run(), run()
	if a.Status != b.Status {
		t.Errorf("statuses differ: %q vs %q", a.Status, b.Status)
	}
	if a.FinalResult.Success != b.FinalResult.Success || a.FinalResult.Error != b.FinalResult.Error {
		t.Errorf("final results differ: %+v vs %+v", a.FinalResult, b.FinalResult)
	}
	if len(a.Thoughts) != len(b.Thoughts) {
		t.Errorf("thought counts differ: %d vs %d", len(a.Thoughts), len(b.Thoughts))
	}
}

func TestParseRetryChoice(t *testing.T) {
	cases := map[string]int{
		"1": 1, "2": 2, "3": 3, "4": 4,
		" 3 ": 3, "3\n": 3,
		"": 4, "abc": 4, "0": 4, "7": 4, "two": 4,
	}
	for in, want := range cases {
		if got := parseRetryChoice(in); got != want {
			t.Errorf("parseRetryChoice(%q) = %d, want %d", in, got, want)
		}
	}
}
