package agent

import (
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/datalens/internal/sandbox"
)

// ThoughtCategory identifies the kind of reasoning step.
type ThoughtCategory string

const (
	CategoryReasoning     ThoughtCategory = "reasoning"
	CategoryToolSelection ThoughtCategory = "tool_selection"
	CategoryErrorAnalysis ThoughtCategory = "error_analysis"
	CategoryRetryDecision ThoughtCategory = "retry_decision"
)

// Thought is one immutable reasoning record. Confidence is in [0,1];
// 1 means certain.
type Thought struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	Category   ThoughtCategory `json:"category"`
	Content    string          `json:"content"`
	Confidence float64         `json:"confidence"`
}

// Status represents where a query is in its lifecycle.
type Status string

const (
	StatusThinking  Status = "thinking"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DefaultMaxSteps bounds the number of thoughts recorded for one query.
const DefaultMaxSteps = 10

// State is the full record of one query's processing: the thought trail,
// the lifecycle status, and the final result. It is owned by a single
// ProcessQuery call and safe to read once that call returns.
type State struct {
	SessionID   string          `json:"session_id"`
	Thoughts    []Thought       `json:"thoughts"`
	CurrentStep int             `json:"current_step"`
	MaxSteps    int             `json:"max_steps"`
	Status      Status          `json:"status"`
	FinalResult *sandbox.Result `json:"final_result,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	Duration    time.Duration   `json:"duration"`
}

// NewState creates a fresh state in the thinking phase. An empty sessionID
// is replaced with a generated one.
func NewState(sessionID string, maxSteps int) *State {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &State{
		SessionID: sessionID,
		Thoughts:  []Thought{},
		MaxSteps:  maxSteps,
		Status:    StatusThinking,
		StartedAt: time.Now(),
	}
}

// Think appends a thought and advances the step counter. The log is
// append-only; recorded thoughts are never modified.
func (s *State) Think(category ThoughtCategory, content string, confidence float64) {
	s.Thoughts = append(s.Thoughts, Thought{
		ID:         uuid.New().String(),
		Timestamp:  time.Now(),
		Category:   category,
		Content:    content,
		Confidence: confidence,
	})
	s.CurrentStep = len(s.Thoughts)
}
