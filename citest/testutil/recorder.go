package testutil

import (
	"sync"

	"github.com/answergrid/answerstream/internal/session"
	"github.com/answergrid/answerstream/pkg/types"
)

// Recorder captures every callback a session issues.
type Recorder struct {
	mu sync.Mutex

	Chunks     []string
	Steps      []types.StepEvent
	FinalText  string
	Sources    []types.Source
	Metadata   map[string]any
	DoneCount  int
	ErrCount   int
	SessionErr *types.SessionError
}

// Callbacks returns the callback set feeding this recorder.
func (r *Recorder) Callbacks() session.Callbacks {
	return session.Callbacks{
		OnChunk: func(accumulated string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.Chunks = append(r.Chunks, accumulated)
		},
		OnStep: func(step types.StepEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.Steps = append(r.Steps, step)
		},
		OnDone: func(finalText string, sources []types.Source, metadata map[string]any) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.DoneCount++
			r.FinalText = finalText
			r.Sources = sources
			r.Metadata = metadata
		},
		OnError: func(err *types.SessionError) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.ErrCount++
			r.SessionErr = err
		},
	}
}

// TerminalCount returns the total number of terminal callbacks.
func (r *Recorder) TerminalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.DoneCount + r.ErrCount
}
