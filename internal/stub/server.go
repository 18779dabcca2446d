// Package stub implements a scripted answer backend for development and
// testing. It serves the same SSE endpoint as the production backend and
// replays canned scenarios so frontend and client work does not need the
// real answer pipeline.
package stub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/answergrid/answerstream/internal/logging"
	"github.com/answergrid/answerstream/internal/session"
	"github.com/answergrid/answerstream/pkg/types"
)

// Frame is one scripted stream line. Raw lines are written verbatim so
// scenarios can exercise malformed frames and split deliveries.
type Frame struct {
	// Raw is the full line to write, without trailing newline.
	Raw string
	// Delay is slept before the frame is written.
	Delay time.Duration
}

// Scenario is a scripted response stream.
type Scenario struct {
	Frames []Frame
	// OmitSentinel ends the stream by closing the connection instead of
	// writing the [DONE] sentinel.
	OmitSentinel bool
}

// Data returns a frame carrying one JSON event.
func Data(v any) Frame {
	b, _ := json.Marshal(v)
	return Frame{Raw: "data: " + string(b)}
}

// Token returns a token frame.
func Token(text string) Frame {
	return Data(map[string]any{"type": "token", "data": text})
}

// Server is the stub backend.
type Server struct {
	scenarios map[string]Scenario
}

// NewServer creates a stub backend with the built-in scenarios.
func NewServer() *Server {
	return &Server{scenarios: builtinScenarios()}
}

// AddScenario registers a scenario selected when the query equals name.
func (s *Server) AddScenario(name string, sc Scenario) {
	s.scenarios[name] = sc
}

// Router returns the HTTP router for the stub backend.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Request-ID"},
	}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	r.Post(session.StreamPath, s.handleStream)
	return r
}

// handleStream replays the scenario selected by the query text.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req session.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}

	sc, ok := s.scenarios[req.Query]
	if !ok {
		sc = echoScenario(req.Query)
	}

	log := logging.For("stub").With().
		Str("query", req.Query).
		Str("requestID", r.Header.Get("X-Request-ID")).
		Logger()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		log.Error().Msg("streaming not supported")
		return
	}

	for _, f := range sc.Frames {
		if f.Delay > 0 {
			select {
			case <-time.After(f.Delay):
			case <-r.Context().Done():
				log.Debug().Msg("client went away mid-stream")
				return
			}
		}
		if _, err := fmt.Fprintf(w, "%s\n", f.Raw); err != nil {
			return
		}
		flusher.Flush()
	}

	if !sc.OmitSentinel {
		fmt.Fprint(w, "data: [DONE]\n")
		flusher.Flush()
	}
	log.Debug().Int("frames", len(sc.Frames)).Msg("scenario replayed")
}

// echoScenario streams the query back word by word with a sources list
// and metadata, mimicking the production happy path.
func echoScenario(query string) Scenario {
	sc := Scenario{}
	sc.Frames = append(sc.Frames, Data(map[string]any{
		"type": "phase", "phase": "generation", "status": "started",
	}))
	words := strings.Fields("You asked: " + query)
	for i, word := range words {
		if i > 0 {
			word = " " + word
		}
		sc.Frames = append(sc.Frames, Token(word))
	}
	sc.Frames = append(sc.Frames,
		Data(map[string]any{"type": "sources", "data": []types.Source{
			{Title: "Answer Grid Docs", URL: "https://docs.example.com/answers"},
		}}),
		Data(map[string]any{"type": "metadata", "data": map[string]any{"execution_time": 0.1}}),
	)
	return sc
}

// builtinScenarios are the canned failure-mode scripts, selected by
// sending their name as the query.
func builtinScenarios() map[string]Scenario {
	return map[string]Scenario{
		// Never sends an event; exercises the idle timeout.
		"scenario:stall": {
			Frames:       []Frame{{Raw: ": warming up", Delay: time.Hour}},
			OmitSentinel: true,
		},
		// One unparseable line mid-stream must not abort the session.
		"scenario:malformed": {
			Frames: []Frame{
				Token("Hello"),
				{Raw: "data: {this is not json"},
				Token(" World"),
			},
		},
		// Backend-reported failure.
		"scenario:error": {
			Frames: []Frame{
				Token("partial"),
				Data(map[string]any{"type": "error", "message": "answer pipeline unavailable", "code": "E503"}),
			},
			OmitSentinel: true,
		},
		// Keepalives below and above the step threshold.
		"scenario:keepalive": {
			Frames: []Frame{
				Data(map[string]any{"type": "keepalive", "phase": "retrieval", "elapsed": 5}),
				Data(map[string]any{"type": "keepalive", "phase": "retrieval", "elapsed": 25}),
				Token("Done waiting."),
			},
		},
		// Stream closed without a sentinel; completes like a clean end.
		"scenario:close": {
			Frames:       []Frame{Token("Truncated but usable answer.")},
			OmitSentinel: true,
		},
	}
}
