package event

import "github.com/answergrid/answerstream/pkg/types"

// SessionStartedData is the data for session.started events.
type SessionStartedData struct {
	RequestID string `json:"requestID"`
	SessionID string `json:"sessionID,omitempty"`
	Query     string `json:"query"`
}

// SessionStepData is the data for session.step events.
type SessionStepData struct {
	RequestID string          `json:"requestID"`
	Step      types.StepEvent `json:"step"`
}

// SessionCompletedData is the data for session.completed events.
type SessionCompletedData struct {
	RequestID string         `json:"requestID"`
	Answer    string         `json:"answer"`
	Sources   []types.Source `json:"sources"`
	Metadata  map[string]any `json:"metadata"`
}

// SessionFailedData is the data for session.failed events.
type SessionFailedData struct {
	RequestID string              `json:"requestID"`
	Error     *types.SessionError `json:"error"`
}
