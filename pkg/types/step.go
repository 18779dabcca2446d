package types

import "time"

// StepKind identifies the kind of progress step surfaced to the caller.
type StepKind string

const (
	StepStatus      StepKind = "status"
	StepPhase       StepKind = "phase"
	StepReasoning   StepKind = "reasoning_step"
	StepToolCall    StepKind = "tool_call"
	StepToolResult  StepKind = "tool_result"
	StepObservation StepKind = "observation"
	StepKeepalive   StepKind = "keepalive"
)

// StepEvent is a normalized progress notification delivered through the
// OnStep callback while an answer is being generated.
type StepEvent struct {
	Kind      StepKind       `json:"kind"`
	Phase     string         `json:"phase,omitempty"`
	Status    string         `json:"status,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
