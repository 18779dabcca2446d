package session_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/answergrid/answerstream/internal/event"
	"github.com/answergrid/answerstream/internal/filter"
	"github.com/answergrid/answerstream/internal/session"
	"github.com/answergrid/answerstream/pkg/types"
)

// recorder captures every callback invocation for assertions.
type recorder struct {
	mu          sync.Mutex
	chunks      []string
	steps       []types.StepEvent
	doneText    string
	doneSources []types.Source
	doneMeta    map[string]any
	doneCount   int
	errCount    int
	err         *types.SessionError
}

func (rec *recorder) callbacks() session.Callbacks {
	return session.Callbacks{
		OnChunk: func(accumulated string) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.chunks = append(rec.chunks, accumulated)
		},
		OnStep: func(step types.StepEvent) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.steps = append(rec.steps, step)
		},
		OnDone: func(finalText string, sources []types.Source, metadata map[string]any) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.doneCount++
			rec.doneText = finalText
			rec.doneSources = sources
			rec.doneMeta = metadata
		},
		OnError: func(err *types.SessionError) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.errCount++
			rec.err = err
		},
	}
}

// terminalCount returns how many terminal callbacks fired in total.
func (rec *recorder) terminalCount() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.doneCount + rec.errCount
}

// sseHandler builds a streaming handler that writes the given lines with
// a flush after each.
func sseHandler(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n", line)
			flusher.Flush()
		}
	}
}

func newController(t *testing.T, handler http.Handler) (*session.Controller, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	ctrl := session.NewController(&session.HTTPTransport{Endpoint: srv.URL})
	return ctrl, srv
}

func TestRun_HappyPath(t *testing.T) {
	ctrl, _ := newController(t, sseHandler(
		`data: {"type":"token","data":"Hello"}`,
		`data: {"type":"token","data":" World"}`,
		`data: {"type":"sources","data":[]}`,
		`data: {"type":"metadata","data":{"execution_time":1.5}}`,
		`data: [DONE]`,
	))

	rec := &recorder{}
	ctrl.Run(context.Background(), session.Options{Query: "hello"}, rec.callbacks())

	assert.Equal(t, []string{"Hello", "Hello World"}, rec.chunks)
	require.Equal(t, 1, rec.doneCount)
	assert.Equal(t, 0, rec.errCount)
	assert.Equal(t, "Hello World", rec.doneText)
	assert.Equal(t, []types.Source{}, rec.doneSources)
	assert.Equal(t, map[string]any{"execution_time": 1.5}, rec.doneMeta)
}

func TestRun_PreCancelledSendsNothing(t *testing.T) {
	var requests atomic.Int32
	ctrl, _ := newController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := &recorder{}
	ctrl.Run(ctx, session.Options{Query: "hello"}, rec.callbacks())

	require.Equal(t, 1, rec.errCount)
	assert.Equal(t, types.ErrCodeAborted, rec.err.Code)
	assert.Equal(t, 0, rec.doneCount)
	assert.EqualValues(t, 0, requests.Load(), "no network activity expected")
}

func TestRun_EmptyQueryRejected(t *testing.T) {
	var requests atomic.Int32
	ctrl, _ := newController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))

	rec := &recorder{}
	ctrl.Run(context.Background(), session.Options{Query: "   "}, rec.callbacks())

	require.Equal(t, 1, rec.errCount)
	assert.Equal(t, types.ErrCodeProtocol, rec.err.Code)
	assert.EqualValues(t, 0, requests.Load())
}

func TestRun_IdleTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	ctrl, _ := newController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))

	rec := &recorder{}
	start := time.Now()
	ctrl.Run(context.Background(), session.Options{
		Query:       "hello",
		IdleTimeout: 100 * time.Millisecond,
	}, rec.callbacks())

	require.Equal(t, 1, rec.errCount)
	assert.Equal(t, types.ErrCodeTimeout, rec.err.Code)
	assert.Equal(t, 0, rec.doneCount)
	assert.Less(t, time.Since(start), 5*time.Second, "blocked read must abort promptly")
}

func TestRun_IdleTimerResetsOnEvents(t *testing.T) {
	// Events arrive faster than the idle window while the total run
	// exceeds the window several times over.
	ctrl, _ := newController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 8; i++ {
			fmt.Fprintf(w, "data: {\"type\":\"token\",\"data\":\"x\"}\n")
			flusher.Flush()
			time.Sleep(40 * time.Millisecond)
		}
		fmt.Fprint(w, "data: [DONE]\n")
		flusher.Flush()
	}))

	rec := &recorder{}
	ctrl.Run(context.Background(), session.Options{
		Query:       "hello",
		IdleTimeout: 120 * time.Millisecond,
	}, rec.callbacks())

	require.Equal(t, 1, rec.doneCount, "session should not time out while events keep arriving")
	assert.Equal(t, 0, rec.errCount)
	assert.Equal(t, "xxxxxxxx", rec.doneText)
}

func TestRun_MaxDurationIsAbsolute(t *testing.T) {
	// The backend streams events forever; max-duration still fires.
	ctrl, _ := newController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for {
			select {
			case <-r.Context().Done():
				return
			default:
			}
			fmt.Fprintf(w, "data: {\"type\":\"token\",\"data\":\"x\"}\n")
			flusher.Flush()
			time.Sleep(10 * time.Millisecond)
		}
	}))

	rec := &recorder{}
	start := time.Now()
	ctrl.Run(context.Background(), session.Options{
		Query:       "hello",
		IdleTimeout: time.Second,
		MaxDuration: 150 * time.Millisecond,
	}, rec.callbacks())

	require.Equal(t, 1, rec.errCount)
	assert.Equal(t, types.ErrCodeTimeout, rec.err.Code)
	assert.Contains(t, rec.err.Message, "maximum duration")
	assert.Equal(t, 0, rec.doneCount)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRun_MalformedFrameDoesNotAbort(t *testing.T) {
	ctrl, _ := newController(t, sseHandler(
		`data: {"type":"token","data":"Hello"}`,
		`data: {not json at all`,
		`data: {"type":"token","data":" World"}`,
		`data: [DONE]`,
	))

	rec := &recorder{}
	ctrl.Run(context.Background(), session.Options{Query: "hello"}, rec.callbacks())

	require.Equal(t, 1, rec.doneCount)
	assert.Equal(t, 0, rec.errCount)
	assert.Equal(t, "Hello World", rec.doneText)
}

func TestRun_ErrorFrameTerminates(t *testing.T) {
	ctrl, _ := newController(t, sseHandler(
		`data: {"type":"token","data":"partial"}`,
		`data: {"type":"error","message":"pipeline unavailable","code":"E503"}`,
		`data: {"type":"token","data":"never seen"}`,
		`data: [DONE]`,
	))

	rec := &recorder{}
	ctrl.Run(context.Background(), session.Options{Query: "hello"}, rec.callbacks())

	require.Equal(t, 1, rec.errCount)
	assert.Equal(t, types.ErrCodeProtocol, rec.err.Code)
	assert.Equal(t, "E503", rec.err.BackendCode)
	assert.Equal(t, 0, rec.doneCount)
	// The token before the error frame was still streamed.
	assert.Equal(t, []string{"partial"}, rec.chunks)
}

func TestRun_NonSuccessStatus(t *testing.T) {
	ctrl, _ := newController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream busy", http.StatusBadGateway)
	}))

	rec := &recorder{}
	ctrl.Run(context.Background(), session.Options{Query: "hello"}, rec.callbacks())

	require.Equal(t, 1, rec.errCount)
	assert.Equal(t, types.ErrCodeTransport, rec.err.Code)
	assert.Contains(t, rec.err.Message, "502")
}

func TestRun_CleanCloseWithoutSentinel(t *testing.T) {
	ctrl, _ := newController(t, sseHandler(
		`data: {"type":"token","data":"Truncated but usable answer."}`,
	))

	rec := &recorder{}
	ctrl.Run(context.Background(), session.Options{Query: "hello"}, rec.callbacks())

	require.Equal(t, 1, rec.doneCount)
	assert.Equal(t, "Truncated but usable answer.", rec.doneText)
}

func TestRun_FlushParsesTrailingPartialFrame(t *testing.T) {
	// The final metadata frame is delivered without a line terminator
	// right before the connection closes.
	ctrl, _ := newController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: {\"type\":\"token\",\"data\":\"Answer text here.\"}\n")
		flusher.Flush()
		fmt.Fprint(w, `data: {"type":"metadata","data":{"execution_time":2.5}}`)
		flusher.Flush()
	}))

	rec := &recorder{}
	ctrl.Run(context.Background(), session.Options{Query: "hello"}, rec.callbacks())

	require.Equal(t, 1, rec.doneCount)
	assert.Equal(t, "Answer text here.", rec.doneText)
	assert.Equal(t, map[string]any{"execution_time": 2.5}, rec.doneMeta)
}

func TestRun_ImageMergedIntoMetadata(t *testing.T) {
	ctrl, _ := newController(t, sseHandler(
		`data: {"type":"token","data":"Here is your chart."}`,
		`data: {"type":"image","data":"https://cdn.example.com/chart.png"}`,
		`data: {"type":"metadata","data":{"execution_time":1}}`,
		`data: [DONE]`,
	))

	rec := &recorder{}
	ctrl.Run(context.Background(), session.Options{Query: "hello"}, rec.callbacks())

	require.Equal(t, 1, rec.doneCount)
	assert.Equal(t, "https://cdn.example.com/chart.png", rec.doneMeta[types.MetadataImageKey])
}

func TestRun_MetadataLastValueWins(t *testing.T) {
	ctrl, _ := newController(t, sseHandler(
		`data: {"type":"token","data":"Answer text here."}`,
		`data: {"type":"metadata","data":{"model":"a","execution_time":1}}`,
		`data: {"type":"metadata","data":{"model":"b"}}`,
		`data: [DONE]`,
	))

	rec := &recorder{}
	ctrl.Run(context.Background(), session.Options{Query: "hello"}, rec.callbacks())

	require.Equal(t, 1, rec.doneCount)
	assert.Equal(t, "b", rec.doneMeta["model"])
	assert.Equal(t, float64(1), rec.doneMeta["execution_time"])
}

func TestRun_StepEvents(t *testing.T) {
	ctrl, _ := newController(t, sseHandler(
		`data: {"type":"phase","phase":"retrieval","status":"started"}`,
		`data: {"type":"keepalive","phase":"retrieval","elapsed":5}`,
		`data: {"type":"keepalive","phase":"retrieval","elapsed":25}`,
		`data: {"type":"tool_call","name":"search","args":{"q":"pricing"}}`,
		`data: {"type":"token","data":"Answer text here."}`,
		`data: [DONE]`,
	))

	rec := &recorder{}
	ctrl.Run(context.Background(), session.Options{Query: "hello"}, rec.callbacks())

	require.Equal(t, 1, rec.doneCount)
	require.Len(t, rec.steps, 3, "keepalive below threshold must not surface")
	assert.Equal(t, types.StepPhase, rec.steps[0].Kind)
	assert.Equal(t, types.StepKeepalive, rec.steps[1].Kind)
	assert.Equal(t, 25.0, rec.steps[1].Details["elapsed"])
	assert.Equal(t, types.StepToolCall, rec.steps[2].Kind)
	for _, s := range rec.steps {
		assert.False(t, s.Timestamp.IsZero(), "steps carry timestamps")
	}
}

func TestRun_CallerTeardownSuppressesTerminalCallback(t *testing.T) {
	firstToken := make(chan struct{})
	ctrl, _ := newController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: {\"type\":\"token\",\"data\":\"partial\"}\n")
		flusher.Flush()
		close(firstToken)
		<-r.Context().Done()
	}))

	ctx, cancelCtx := context.WithCancel(context.Background())
	go func() {
		<-firstToken
		cancelCtx()
	}()

	rec := &recorder{}
	ctrl.Run(ctx, session.Options{Query: "hello"}, rec.callbacks())

	// The caller's own cancellation aborted the blocked transport read:
	// caller-driven teardown, no terminal callback at all.
	assert.Equal(t, 0, rec.terminalCount())
	assert.Equal(t, []string{"partial"}, rec.chunks)
}

func TestRun_HistoryTruncatedTo200Turns(t *testing.T) {
	var gotHistory atomic.Int32
	ctrl, _ := newController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req session.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotHistory.Store(int32(len(req.History)))
		sseHandler(`data: [DONE]`)(w, r)
	}))

	history := make([]types.Turn, 250)
	for i := range history {
		history[i] = types.Turn{Role: "user", Content: fmt.Sprintf("turn %d", i)}
	}

	rec := &recorder{}
	ctrl.Run(context.Background(), session.Options{Query: "hello", History: history}, rec.callbacks())

	require.Equal(t, 1, rec.doneCount)
	assert.EqualValues(t, types.MaxHistoryTurns, gotHistory.Load())
}

func TestRun_RequestHeaders(t *testing.T) {
	var mu sync.Mutex
	headers := http.Header{}
	ctrl, _ := newControllerWithAuth(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		headers = r.Header.Clone()
		mu.Unlock()
		sseHandler(`data: [DONE]`)(w, r)
	}))

	rec := &recorder{}
	ctrl.Run(context.Background(), session.Options{Query: "hello"}, rec.callbacks())

	require.Equal(t, 1, rec.doneCount)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "Bearer secret-token", headers.Get("Authorization"))
	assert.Equal(t, "csrf-value", headers.Get("X-CSRF-Token"))
	assert.NotEmpty(t, headers.Get("X-Request-ID"))
}

func newControllerWithAuth(t *testing.T, handler http.Handler) (*session.Controller, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	ctrl := session.NewController(&session.HTTPTransport{
		Endpoint:  srv.URL,
		AuthToken: "secret-token",
		CSRFToken: "csrf-value",
	})
	return ctrl, srv
}

func TestRun_FilterAppliedToChunksAndFinal(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		`data: {"type":"token","data":"Our pricing starts at $29/month."}`,
		`data: {"type":"token","data":"\nhttps://cdn.example.com/banner.png"}`,
		`data: [DONE]`,
	))
	t.Cleanup(srv.Close)
	ctrl := session.NewController(
		&session.HTTPTransport{Endpoint: srv.URL},
		session.WithFilter(filter.NewMediaLink()),
	)

	rec := &recorder{}
	ctrl.Run(context.Background(), session.Options{Query: "hello"}, rec.callbacks())

	require.Equal(t, 1, rec.doneCount)
	assert.Equal(t, "Our pricing starts at $29/month.", rec.doneText)
	// Every chunk went through the same filter as the final text.
	assert.Equal(t, rec.chunks[len(rec.chunks)-1], rec.doneText)
}

func TestRun_PublishesBusEvents(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		`data: {"type":"token","data":"Answer text here."}`,
		`data: [DONE]`,
	))
	t.Cleanup(srv.Close)

	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })

	var mu sync.Mutex
	var seen []event.Type
	bus.SubscribeAll(func(e event.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})

	ctrl := session.NewController(
		&session.HTTPTransport{Endpoint: srv.URL},
		session.WithBus(bus),
	)

	rec := &recorder{}
	ctrl.Run(context.Background(), session.Options{Query: "hello"}, rec.callbacks())
	require.Equal(t, 1, rec.doneCount)

	// session.completed publishes synchronously, so it is visible once
	// Run returns; session.started is async and needs a moment.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		var hasStart, hasDone bool
		for _, typ := range seen {
			if typ == event.SessionStarted {
				hasStart = true
			}
			if typ == event.SessionCompleted {
				hasDone = true
			}
		}
		return hasStart && hasDone
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRun_ReleasesReaderExactlyOnce(t *testing.T) {
	var closes atomic.Int32
	transport := &countingTransport{closes: &closes, lines: []string{
		`data: {"type":"token","data":"Answer text here."}`,
		`data: [DONE]`,
	}}
	ctrl := session.NewController(transport)

	rec := &recorder{}
	ctrl.Run(context.Background(), session.Options{Query: "hello"}, rec.callbacks())

	require.Equal(t, 1, rec.doneCount)
	assert.EqualValues(t, 1, closes.Load())
}

// countingTransport serves scripted lines from memory and counts Close
// calls on the reader it hands out.
type countingTransport struct {
	closes *atomic.Int32
	lines  []string
}

func (t *countingTransport) Open(ctx context.Context, req *session.Request) (io.ReadCloser, error) {
	var all string
	for _, l := range t.lines {
		all += l + "\n"
	}
	return &countingReadCloser{Reader: strings.NewReader(all), closes: t.closes}, nil
}

type countingReadCloser struct {
	io.Reader
	closes *atomic.Int32
}

func (c *countingReadCloser) Close() error {
	c.closes.Add(1)
	return nil
}
