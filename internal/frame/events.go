package frame

import "github.com/answergrid/answerstream/pkg/types"

// Event is one decoded unit from the inbound stream. It is a closed sum
// type: adding a backend event kind means adding a variant here, so new
// kinds are a compile-time-visible decision.
type Event interface {
	frameEvent()
}

// TokenEvent carries a fragment of answer text.
type TokenEvent struct {
	Text string
}

func (TokenEvent) frameEvent() {}

// StatusEvent carries a human-readable progress message.
type StatusEvent struct {
	Message string
}

func (StatusEvent) frameEvent() {}

// PhaseEvent marks a named pipeline phase changing status.
type PhaseEvent struct {
	Name   string
	Status string
}

func (PhaseEvent) frameEvent() {}

// ReasoningStepEvent describes one reasoning step with optional details.
type ReasoningStepEvent struct {
	Phase   string
	Status  string
	Message string
	Details map[string]any
}

func (ReasoningStepEvent) frameEvent() {}

// ToolCallEvent reports the backend invoking a named tool.
type ToolCallEvent struct {
	Name string
	Args map[string]any
}

func (ToolCallEvent) frameEvent() {}

// ToolResultEvent carries the result of a tool invocation.
type ToolResultEvent struct {
	Result string
}

func (ToolResultEvent) frameEvent() {}

// ObservationEvent carries intermediate observation text.
type ObservationEvent struct {
	Text string
}

func (ObservationEvent) frameEvent() {}

// SourcesEvent carries the list of cited sources.
type SourcesEvent struct {
	Sources []types.Source
}

func (SourcesEvent) frameEvent() {}

// MetadataEvent carries answer metadata. Later values win per key.
type MetadataEvent struct {
	Metadata map[string]any
}

func (MetadataEvent) frameEvent() {}

// ImageEvent carries a generated image URL.
type ImageEvent struct {
	URL string
}

func (ImageEvent) frameEvent() {}

// KeepaliveEvent is periodic padding while a long phase runs.
type KeepaliveEvent struct {
	Phase   string
	Elapsed float64 // seconds since the phase started
}

func (KeepaliveEvent) frameEvent() {}

// ErrorEvent is a backend-reported failure. It terminates the session.
type ErrorEvent struct {
	Message string
	Code    string
}

func (ErrorEvent) frameEvent() {}

// EndEvent terminates normal decoding. Frames after it are ignored.
type EndEvent struct{}

func (EndEvent) frameEvent() {}

// UnknownEvent is a frame with an unrecognized type discriminator. It is
// surfaced so callers can log it, then ignored.
type UnknownEvent struct {
	Type string
}

func (UnknownEvent) frameEvent() {}
