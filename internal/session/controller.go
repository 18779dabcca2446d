// Package session owns the lifecycle of one streaming query exchange
// with the answer backend.
//
// One outbound request, one inbound read loop, two timers racing the
// loop. Caller cancellation and both timers are merged into a single
// composite token; the first trigger to trip wins and its reason selects
// the terminal error code.
package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/answergrid/answerstream/internal/cancel"
	"github.com/answergrid/answerstream/internal/event"
	"github.com/answergrid/answerstream/internal/filter"
	"github.com/answergrid/answerstream/internal/frame"
	"github.com/answergrid/answerstream/internal/logging"
	"github.com/answergrid/answerstream/pkg/types"
)

const (
	// DefaultIdleTimeout bounds the gap between consecutive events.
	DefaultIdleTimeout = 60 * time.Second
	// DefaultMaxDuration bounds total session lifetime, never reset.
	DefaultMaxDuration = 600 * time.Second

	// keepaliveStepThreshold is the elapsed time above which keepalive
	// frames surface as progress steps.
	keepaliveStepThreshold = 20.0

	readBufferSize = 4096
)

// State is the lifecycle state of a session.
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateStreaming
	StateCompleted
	StateTimedOut
	StateCancelled
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options configures one session run.
type Options struct {
	// Query is the question text. Required.
	Query string
	// SessionID continues a prior conversation when set.
	SessionID string
	// History is optional prior turns; truncated to the most recent
	// types.MaxHistoryTurns before transmission.
	History []types.Turn
	// UserID is the anonymous user identifier sent with the query.
	UserID string
	// IdleTimeout overrides DefaultIdleTimeout when positive.
	IdleTimeout time.Duration
	// MaxDuration overrides DefaultMaxDuration when positive.
	MaxDuration time.Duration
}

// Callbacks is the caller-facing callback surface. Exactly one of
// OnDone/OnError fires per session, except the documented silent
// teardown case where the caller's own cancellation aborted the
// transport first. OnStep is optional.
type Callbacks struct {
	OnChunk func(accumulated string)
	OnStep  func(step types.StepEvent)
	OnDone  func(finalText string, sources []types.Source, metadata map[string]any)
	OnError func(err *types.SessionError)
}

// Controller runs streaming query sessions against one backend.
type Controller struct {
	transport Transport
	filter    filter.Filter
	bus       *event.Bus
	log       zerolog.Logger
}

// Option customizes a Controller.
type Option func(*Controller)

// WithFilter replaces the default media-link response filter.
func WithFilter(f filter.Filter) Option {
	return func(c *Controller) { c.filter = f }
}

// WithBus publishes session lifecycle events on the given bus.
func WithBus(b *event.Bus) Option {
	return func(c *Controller) { c.bus = b }
}

// NewController creates a controller for the given transport.
func NewController(transport Transport, opts ...Option) *Controller {
	c := &Controller{
		transport: transport,
		filter:    filter.NewMediaLink(),
		log:       logging.For("session"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes one query/response exchange. It blocks until the session
// reaches a terminal state and never panics out to the caller; all
// results arrive through the callbacks. The ctx carries the caller's
// cancellation intent.
func (c *Controller) Run(ctx context.Context, opts Options, cb Callbacks) {
	r := &run{
		c:         c,
		opts:      opts,
		cb:        cb,
		tok:       cancel.New(),
		dec:       frame.NewDecoder(),
		requestID: "req_" + ulid.Make().String(),
		startedAt: time.Now(),
		state:     StateCreated,
		metadata:  map[string]any{},
	}
	r.log = c.log.With().Str("requestID", r.requestID).Logger()
	r.execute(ctx)
}

// run is the per-session state. It is owned by a single goroutine; only
// the timer watcher runs alongside it, and the two meet only through the
// cancellation token.
type run struct {
	c    *Controller
	opts Options
	cb   Callbacks
	log  zerolog.Logger

	tok       *cancel.Token
	dec       *frame.Decoder
	requestID string
	startedAt time.Time
	state     State

	acc      strings.Builder
	sources  []types.Source
	metadata map[string]any
	imageURL string

	streamErr *types.SessionError
	term      outcomeCell
}

func (r *run) setState(s State) {
	if r.state == s {
		return
	}
	r.log.Debug().Str("from", r.state.String()).Str("to", s.String()).Msg("session state change")
	r.state = s
}

func (r *run) execute(ctx context.Context) {
	if strings.TrimSpace(r.opts.Query) == "" {
		r.fail(StateFailed, types.NewProtocolError("query must not be empty", ""))
		return
	}

	// A cancellation that is already tripped at call time means zero
	// bytes go out.
	if ctx.Err() != nil {
		r.fail(StateCancelled, types.NewAbortedError("cancelled before request was sent"))
		return
	}

	idleTimeout := r.opts.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	maxDuration := r.opts.MaxDuration
	if maxDuration <= 0 {
		maxDuration = DefaultMaxDuration
	}

	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()

	// Timer watcher. Trips the token on expiry and aborts the in-flight
	// read via reqCtx; the idle timer is re-armed through resetCh, the
	// max-duration timer never is.
	resetCh := make(chan struct{})
	stop := make(chan struct{})
	watcherDone := make(chan struct{})
	defer func() {
		close(stop)
		<-watcherDone
	}()
	go func() {
		defer close(watcherDone)
		defer cancelReq()

		idle := time.NewTimer(idleTimeout)
		defer idle.Stop()
		maxT := time.NewTimer(maxDuration)
		defer maxT.Stop()

		for {
			select {
			case <-ctx.Done():
				r.tok.Trip(cancel.ReasonCaller)
				return
			case <-idle.C:
				r.tok.Trip(cancel.ReasonIdle)
				return
			case <-maxT.C:
				r.tok.Trip(cancel.ReasonMaxDuration)
				return
			case <-resetCh:
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(idleTimeout)
			case <-r.tok.Done():
				return
			case <-stop:
				return
			}
		}
	}()

	r.publish(event.Event{Type: event.SessionStarted, Data: event.SessionStartedData{
		RequestID: r.requestID,
		SessionID: r.opts.SessionID,
		Query:     r.opts.Query,
	}})

	req := &Request{
		Query:        r.opts.Query,
		UserID:       r.opts.UserID,
		EnableVision: false,
		SessionID:    r.opts.SessionID,
		History:      types.TruncateHistory(r.opts.History, types.MaxHistoryTurns),
		RequestID:    r.requestID,
	}

	r.setState(StateConnecting)
	body, err := r.c.transport.Open(reqCtx, req)
	if err != nil {
		r.terminate(ctx, err)
		return
	}

	// The reader must be released exactly once regardless of which path
	// terminates the session.
	var closeOnce sync.Once
	closeBody := func() {
		closeOnce.Do(func() {
			if cerr := body.Close(); cerr != nil {
				r.log.Debug().Err(cerr).Msg("close after stream end")
			}
		})
	}
	defer closeBody()

	// resetIdle re-arms the idle timer. The unbuffered send synchronizes
	// with the watcher, so the reset happens-before the next blocking
	// read begins.
	resetIdle := func() {
		select {
		case resetCh <- struct{}{}:
		case <-r.tok.Done():
		}
	}

	readErr := r.readLoop(body, resetIdle)
	closeBody()

	r.terminateAfterStream(ctx, readErr)
}

// readLoop feeds stream bytes to the decoder and dispatches events. It
// returns a non-nil error only for abnormal transport failures; normal
// end of stream (sentinel or clean close) returns nil.
func (r *run) readLoop(body io.Reader, resetIdle func()) error {
	buf := make([]byte, readBufferSize)
	for {
		// A trip can occur asynchronously relative to this loop, so the
		// token is checked before and after every blocking read and
		// before every dispatch.
		if r.tok.Tripped() {
			return nil
		}

		n, err := body.Read(buf)
		if n > 0 {
			r.setState(StateStreaming)
			if r.tok.Tripped() {
				return nil
			}
			for _, ev := range r.dec.Decode(buf[:n]) {
				resetIdle()
				if r.tok.Tripped() {
					return nil
				}
				if terminal := r.dispatch(ev); terminal {
					return nil
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Connection close with no pending error completes the
				// session like a trailing sentinel would.
				return nil
			}
			return err
		}
	}
}

// dispatch handles one decoded event. It returns true when the event
// terminates the read loop.
func (r *run) dispatch(ev frame.Event) bool {
	switch ev := ev.(type) {
	case frame.TokenEvent:
		r.acc.WriteString(ev.Text)
		if r.cb.OnChunk != nil {
			r.cb.OnChunk(r.c.filterFor().Apply(r.acc.String()))
		}
	case frame.StatusEvent:
		r.step(types.StepEvent{Kind: types.StepStatus, Message: ev.Message})
	case frame.PhaseEvent:
		r.step(types.StepEvent{Kind: types.StepPhase, Phase: ev.Name, Status: ev.Status})
	case frame.ReasoningStepEvent:
		r.step(types.StepEvent{
			Kind:    types.StepReasoning,
			Phase:   ev.Phase,
			Status:  ev.Status,
			Message: ev.Message,
			Details: ev.Details,
		})
	case frame.ToolCallEvent:
		r.step(types.StepEvent{Kind: types.StepToolCall, Message: ev.Name, Details: ev.Args})
	case frame.ToolResultEvent:
		r.step(types.StepEvent{Kind: types.StepToolResult, Message: ev.Result})
	case frame.ObservationEvent:
		r.step(types.StepEvent{Kind: types.StepObservation, Message: ev.Text})
	case frame.KeepaliveEvent:
		if ev.Elapsed > keepaliveStepThreshold {
			r.step(types.StepEvent{
				Kind:    types.StepKeepalive,
				Phase:   ev.Phase,
				Details: map[string]any{"elapsed": ev.Elapsed},
			})
		}
	case frame.SourcesEvent:
		r.sources = ev.Sources
	case frame.MetadataEvent:
		r.mergeMetadata(ev.Metadata)
	case frame.ImageEvent:
		r.imageURL = ev.URL
	case frame.ErrorEvent:
		r.streamErr = types.NewProtocolError(ev.Message, ev.Code)
		return true
	case frame.EndEvent:
		return true
	case frame.UnknownEvent:
		r.log.Debug().Str("type", ev.Type).Msg("ignoring unknown event type")
	}
	return false
}

// step delivers one normalized progress step.
func (r *run) step(s types.StepEvent) {
	s.Timestamp = time.Now()
	if r.tok.Tripped() {
		return
	}
	if r.cb.OnStep != nil {
		r.cb.OnStep(s)
	}
	r.publish(event.Event{Type: event.SessionStep, Data: event.SessionStepData{
		RequestID: r.requestID,
		Step:      s,
	}})
}

// mergeMetadata applies a metadata frame; last value wins per key.
func (r *run) mergeMetadata(meta map[string]any) {
	for k, v := range meta {
		r.metadata[k] = v
	}
}

// terminate resolves the outcome when the transport could not be opened.
func (r *run) terminate(ctx context.Context, openErr error) {
	// reqCtx is a child of ctx, so a caller cancellation can abort the
	// open before the watcher observes ctx.Done. Record the reason here
	// so the trip is never mistaken for a transport fault.
	if ctx.Err() != nil && errors.Is(openErr, context.Canceled) {
		r.tok.Trip(cancel.ReasonCaller)
	}
	if r.tok.Tripped() {
		r.terminateTripped(ctx, openErr)
		return
	}
	r.fail(StateFailed, types.NewTransportError(openErr.Error()))
}

// terminateAfterStream resolves the terminal outcome after the read loop
// has finished and the reader is released.
func (r *run) terminateAfterStream(ctx context.Context, readErr error) {
	// Same race as in terminate: the read can fail with the caller's
	// cancellation before the watcher trips the token.
	if ctx.Err() != nil && errors.Is(readErr, context.Canceled) {
		r.tok.Trip(cancel.ReasonCaller)
	}
	switch {
	case r.streamErr != nil:
		r.fail(StateFailed, r.streamErr)
	case r.tok.Tripped():
		r.terminateTripped(ctx, readErr)
	case readErr != nil:
		r.fail(StateFailed, types.NewTransportError(readErr.Error()))
	default:
		r.complete()
	}
}

// terminateTripped resolves a session whose cancellation token tripped.
// Timeouts always surface as TIMEOUT. A caller trip is reported as
// ABORTED unless the transport's own cancellation signal fired first, in
// which case the teardown is caller-driven (the consuming UI went away)
// and no terminal callback fires.
func (r *run) terminateTripped(ctx context.Context, transportErr error) {
	reason := r.tok.Reason()
	if reason.Timeout() {
		msg := "no events received within the idle window"
		if reason == cancel.ReasonMaxDuration {
			msg = "session exceeded its maximum duration"
		}
		r.fail(StateTimedOut, types.NewTimeoutError(msg))
		return
	}

	if ctx.Err() != nil && transportErr != nil && errors.Is(transportErr, context.Canceled) {
		r.suppress()
		return
	}
	r.fail(StateCancelled, types.NewAbortedError("session cancelled by caller"))
}

// complete performs the final flush and resolves success.
func (r *run) complete() {
	// Best-effort parse of any still-buffered partial line; it may carry
	// a trailing token, sources list, or metadata map.
	for _, ev := range r.dec.Flush() {
		switch ev := ev.(type) {
		case frame.TokenEvent:
			r.acc.WriteString(ev.Text)
		case frame.SourcesEvent:
			r.sources = ev.Sources
		case frame.MetadataEvent:
			r.mergeMetadata(ev.Metadata)
		case frame.ImageEvent:
			r.imageURL = ev.URL
		}
	}

	if r.imageURL != "" {
		r.metadata[types.MetadataImageKey] = r.imageURL
	}

	final := r.c.filterFor().Apply(r.acc.String())
	sources := r.sources
	if sources == nil {
		sources = []types.Source{}
	}

	r.term.resolve(func() {
		r.setState(StateCompleted)
		r.log.Info().
			Dur("elapsed", time.Since(r.startedAt)).
			Int("answerLen", len(final)).
			Int("sources", len(sources)).
			Msg("session completed")
		if r.cb.OnDone != nil {
			r.cb.OnDone(final, sources, r.metadata)
		}
		r.publish(event.Event{Type: event.SessionCompleted, Data: event.SessionCompletedData{
			RequestID: r.requestID,
			Answer:    final,
			Sources:   sources,
			Metadata:  r.metadata,
		}})
	})
}

// fail resolves the terminal outcome with an error.
func (r *run) fail(state State, err *types.SessionError) {
	r.term.resolve(func() {
		r.setState(state)
		r.log.Warn().Str("code", string(err.Code)).Str("reason", err.Message).Msg("session failed")
		if r.cb.OnError != nil {
			r.cb.OnError(err)
		}
		r.publish(event.Event{Type: event.SessionFailed, Data: event.SessionFailedData{
			RequestID: r.requestID,
			Error:     err,
		}})
	})
}

// suppress resolves the outcome without any terminal callback.
func (r *run) suppress() {
	r.term.resolve(func() {
		r.setState(StateCancelled)
		r.log.Debug().Msg("caller teardown, suppressing terminal callback")
	})
}

func (r *run) publish(ev event.Event) {
	if r.c.bus == nil {
		return
	}
	switch ev.Type {
	case event.SessionCompleted, event.SessionFailed:
		r.c.bus.PublishSync(ev)
	default:
		r.c.bus.Publish(ev)
	}
}

// filterFor returns the configured response filter.
func (c *Controller) filterFor() filter.Filter {
	if c.filter == nil {
		return filter.None{}
	}
	return c.filter
}
