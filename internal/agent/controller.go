package agent

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nidhogg/datalens/internal/sandbox"
	"github.com/nidhogg/datalens/internal/tool"
	"go.uber.org/zap"
)

// Controller drives one query through tool selection, sandboxed execution,
// and a single bounded retry evaluation. It owns the State for the duration
// of a ProcessQuery call; the method is not safe for concurrent invocation
// on the same instance with the same session.
type Controller struct {
	registry *tool.Registry
	oracle   Oracle
	executor sandbox.Executor
	maxSteps int
	logger   *zap.Logger
}

// NewController creates a controller. maxSteps <= 0 selects DefaultMaxSteps.
func NewController(registry *tool.Registry, oracle Oracle, executor sandbox.Executor, maxSteps int, logger *zap.Logger) *Controller {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &Controller{
		registry: registry,
		oracle:   oracle,
		executor: executor,
		maxSteps: maxSteps,
		logger:   logger,
	}
}

// Retry strategies the model can choose from after a failed execution.
const (
	retryAdjustParams = 1
	retryOtherTool    = 2
	retryCustomCode   = 3
	retryGiveUp       = 4
)

var strategyNames = map[int]string{
	retryAdjustParams: "retry the same tool with adjusted parameters",
	retryOtherTool:    "try a different tool",
	retryCustomCode:   "generate custom analysis code",
	retryGiveUp:       "give up and report the failure",
}

// ProcessQuery runs the full control loop for one query. It never returns an
// error: every failure, including panics, is captured into the returned
// state's thoughts, status, and final result.
func (c *Controller) ProcessQuery(ctx context.Context, sessionID, query string, files []sandbox.UploadedFile) (st *State) {
	st = NewState(sessionID, c.maxSteps)

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("unexpected failure: %v", r)
			c.logger.Error("query processing panicked",
				zap.String("session", st.SessionID), zap.Any("panic", r))
			st.Think(CategoryErrorAnalysis, msg, 1.0)
			if st.FinalResult == nil {
				st.FinalResult = sandbox.Failed("", msg)
			}
			st.Status = StatusFailed
			st.Duration = time.Since(st.StartedAt)
		}
	}()

	c.logger.Info("processing query",
		zap.String("session", st.SessionID),
		zap.Int("files", len(files)))

	// Step 1: record intake. Purely descriptive, so confidence 1.
	st.Think(CategoryReasoning,
		fmt.Sprintf("Received query %q with %d file(s)", query, len(files)), 1.0)

	// Step 2: tool selection through the oracle. Exact registry match only;
	// anything else is fatal, not retried.
	raw, err := c.oracle.SelectTool(ctx, c.selectionPrompt(query))
	if err != nil {
		return c.abort(st, fmt.Errorf("tool selection: %w", err))
	}
	selected, ok := c.registry.Lookup(raw)
	if !ok {
		st.Think(CategoryToolSelection,
			fmt.Sprintf("Model proposed %q, which is not a registered tool", strings.TrimSpace(raw)), 0.3)
		return c.finalize(st, sandbox.Failed(strings.TrimSpace(raw), "no suitable tool for this query"))
	}
	st.Think(CategoryToolSelection,
		fmt.Sprintf("Selected tool %s for this query", selected.Name), 0.9)

	// Step 3: execute in the sandbox.
	st.Status = StatusExecuting
	result := c.execute(ctx, st, selected.Name, query, files)

	// Step 4: single retry evaluation, gated on the step budget.
	if !result.Success && st.CurrentStep < st.MaxSteps {
		result = c.handleFailure(ctx, st, result, query, files)
	}

	// Step 5: finalize.
	return c.finalize(st, result)
}

// execute records the execution-start thought and runs the tool, converting
// executor errors and contract violations into failed results so the retry
// evaluation sees a uniform shape.
func (c *Controller) execute(ctx context.Context, st *State, toolName, query string, files []sandbox.UploadedFile) *sandbox.Result {
	st.Think(CategoryReasoning,
		fmt.Sprintf("Executing %s in an isolated sandbox", toolName), 0.8)

	result, err := c.executor.Execute(ctx, toolName, files, map[string]string{"query": query})
	if err != nil {
		c.logger.Warn("executor error",
			zap.String("session", st.SessionID), zap.String("tool", toolName), zap.Error(err))
		return sandbox.Failed(toolName, err.Error())
	}
	if verr := sandbox.Validate(result); verr != nil {
		c.logger.Warn("executor returned malformed result",
			zap.String("session", st.SessionID), zap.String("tool", toolName), zap.Error(verr))
		return sandbox.Failed(toolName, verr.Error())
	}
	return result
}

// handleFailure runs the single-pass retry evaluation. Only the custom-code
// strategy is enacted; the other three are recorded decisions that leave the
// failed result in place. This asymmetry is deliberate scope-limiting, kept
// as observed behavior.
func (c *Controller) handleFailure(ctx context.Context, st *State, failed *sandbox.Result, query string, files []sandbox.UploadedFile) *sandbox.Result {
	st.Think(CategoryErrorAnalysis,
		fmt.Sprintf("Execution of %s failed: %s", failed.ToolName, failed.Error), 0.7)

	choice := retryGiveUp // fail closed
	raw, err := c.oracle.DecideRetry(ctx, c.retryPrompt(query, failed))
	if err != nil {
		c.logger.Warn("retry oracle unavailable, giving up",
			zap.String("session", st.SessionID), zap.Error(err))
	} else {
		choice = parseRetryChoice(raw)
	}
	st.Think(CategoryRetryDecision,
		fmt.Sprintf("Recovery strategy: %s", strategyNames[choice]), 0.8)

	if choice != retryCustomCode {
		return failed
	}
	return c.execute(ctx, st, tool.CustomAnalysis, query, files)
}

// abort handles failures outside the normal selection/execution taxonomy.
func (c *Controller) abort(st *State, err error) *State {
	st.Think(CategoryErrorAnalysis, err.Error(), 1.0)
	return c.finalize(st, sandbox.Failed("", err.Error()))
}

func (c *Controller) finalize(st *State, result *sandbox.Result) *State {
	st.FinalResult = result
	if result.Success {
		st.Status = StatusCompleted
	} else {
		st.Status = StatusFailed
	}
	st.Duration = time.Since(st.StartedAt)
	c.logger.Info("query finished",
		zap.String("session", st.SessionID),
		zap.String("status", string(st.Status)),
		zap.Int("thoughts", st.CurrentStep),
		zap.Duration("duration", st.Duration))
	return st
}

func (c *Controller) selectionPrompt(query string) string {
	var b strings.Builder
	b.WriteString("Pick the single best tool for the user's question.\n\nAvailable tools:\n")
	for _, t := range c.registry.List() {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(query)
	b.WriteString("\n\nRespond with exactly one tool name from the list above.")
	return b.String()
}

func (c *Controller) retryPrompt(query string, failed *sandbox.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The tool %s failed while answering %q.\nError: %s\n\n", failed.ToolName, query, failed.Error)
	b.WriteString("Pick a recovery strategy:\n")
	for i := retryAdjustParams; i <= retryGiveUp; i++ {
		fmt.Fprintf(&b, "%d. %s\n", i, strategyNames[i])
	}
	b.WriteString("\nRespond with a single digit 1-4.")
	return b.String()
}

// parseRetryChoice parses the oracle's strategy response. Anything that is
// not an integer in [1,4] falls back to giving up.
func parseRetryChoice(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < retryAdjustParams || n > retryGiveUp {
		return retryGiveUp
	}
	return n
}
