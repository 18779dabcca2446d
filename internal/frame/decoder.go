// Package frame decodes the server-sent answer stream into typed events.
//
// The transport may split event frames at arbitrary byte boundaries, so
// the decoder carries a single pending partial line across reads and only
// parses a line once its terminator has been observed.
package frame

import (
	"encoding/json"
	"strings"

	"github.com/answergrid/answerstream/internal/logging"
	"github.com/answergrid/answerstream/pkg/types"
)

const (
	// dataPrefix marks lines that carry an event frame. Anything else
	// (blank separators, comment padding) is ignored.
	dataPrefix = "data:"
	// endSentinel is the literal end-of-stream marker.
	endSentinel = "[DONE]"
)

// Decoder turns raw byte chunks into decoded events. It is not safe for
// concurrent use; the session feeds it from a single read loop.
type Decoder struct {
	buf   strings.Builder
	ended bool
}

// NewDecoder creates an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Ended reports whether the end sentinel or an end frame was observed.
func (d *Decoder) Ended() bool {
	return d.ended
}

// Decode appends a chunk to the line buffer and returns all events
// completed by it, in arrival order. Frames after the end sentinel are
// ignored. Malformed frames are logged and dropped without error.
func (d *Decoder) Decode(chunk []byte) []Event {
	if d.ended {
		return nil
	}

	d.buf.WriteString(string(chunk))
	pending := d.buf.String()

	// All complete lines are processed; the unterminated remainder is
	// retained for the next read.
	idx := strings.LastIndexByte(pending, '\n')
	if idx < 0 {
		return nil
	}
	complete := pending[:idx]
	d.buf.Reset()
	d.buf.WriteString(pending[idx+1:])

	var events []Event
	for _, line := range strings.Split(complete, "\n") {
		ev, ok := d.decodeLine(line)
		if !ok {
			continue
		}
		events = append(events, ev)
		if _, isEnd := ev.(EndEvent); isEnd {
			d.ended = true
			break
		}
	}
	return events
}

// Flush attempts to parse the still-buffered partial line as a best-effort
// final frame. It is called once, at end of stream.
func (d *Decoder) Flush() []Event {
	rest := d.buf.String()
	d.buf.Reset()
	if d.ended || strings.TrimSpace(rest) == "" {
		return nil
	}
	ev, ok := d.decodeLine(rest)
	if !ok {
		return nil
	}
	if _, isEnd := ev.(EndEvent); isEnd {
		d.ended = true
	}
	return []Event{ev}
}

// decodeLine parses one complete line. Lines without the data prefix and
// unparseable frames yield ok=false.
func (d *Decoder) decodeLine(line string) (Event, bool) {
	line = strings.TrimRight(line, "\r")
	if !strings.HasPrefix(line, dataPrefix) {
		return nil, false
	}

	payload := strings.TrimLeft(strings.TrimPrefix(line, dataPrefix), " \t")
	if payload == "" {
		return nil, false
	}
	if payload == endSentinel {
		return EndEvent{}, true
	}

	var raw rawFrame
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		// A malformed individual frame must not abort an otherwise
		// healthy stream.
		logging.Warn().Err(err).Str("line", truncateForLog(payload)).Msg("dropping malformed frame")
		return nil, false
	}
	return raw.event()
}

// rawFrame is the loose wire shape of one data frame. The payload lives
// either in "data"/"content" or in flat fields, depending on the kind.
type rawFrame struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Content json.RawMessage `json:"content"`
	Phase   string          `json:"phase"`
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Details map[string]any  `json:"details"`
	Name    string          `json:"name"`
	Args    map[string]any  `json:"args"`
	Code    string          `json:"code"`
	Elapsed float64         `json:"elapsed"`
}

// event maps the type discriminator to a decoded event.
func (r *rawFrame) event() (Event, bool) {
	switch r.Type {
	case "token":
		return TokenEvent{Text: r.text()}, true
	case "status":
		return StatusEvent{Message: r.textOr(r.Message)}, true
	case "phase":
		name := r.Phase
		if name == "" {
			name = r.Name
		}
		return PhaseEvent{Name: name, Status: r.Status}, true
	case "reasoning_step":
		return ReasoningStepEvent{
			Phase:   r.Phase,
			Status:  r.Status,
			Message: r.textOr(r.Message),
			Details: r.Details,
		}, true
	case "tool_call":
		return ToolCallEvent{Name: r.Name, Args: r.Args}, true
	case "tool_result":
		return ToolResultEvent{Result: r.text()}, true
	case "observation":
		return ObservationEvent{Text: r.textOr(r.Message)}, true
	case "sources":
		var sources []types.Source
		if len(r.Data) > 0 {
			if err := json.Unmarshal(r.Data, &sources); err != nil {
				logging.Warn().Err(err).Msg("dropping unparseable sources frame")
				return nil, false
			}
		}
		if sources == nil {
			sources = []types.Source{}
		}
		return SourcesEvent{Sources: sources}, true
	case "metadata":
		meta := map[string]any{}
		if len(r.Data) > 0 {
			if err := json.Unmarshal(r.Data, &meta); err != nil {
				logging.Warn().Err(err).Msg("dropping unparseable metadata frame")
				return nil, false
			}
		}
		return MetadataEvent{Metadata: meta}, true
	case "image":
		return ImageEvent{URL: r.text()}, true
	case "keepalive":
		return KeepaliveEvent{Phase: r.Phase, Elapsed: r.Elapsed}, true
	case "error":
		return ErrorEvent{Message: r.textOr(r.Message), Code: r.Code}, true
	case "end", "done":
		return EndEvent{}, true
	default:
		return UnknownEvent{Type: r.Type}, true
	}
}

// text extracts the payload string from data, falling back to content.
func (r *rawFrame) text() string {
	for _, raw := range []json.RawMessage{r.Data, r.Content} {
		if len(raw) == 0 {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		// Non-string payloads are carried verbatim.
		return string(raw)
	}
	return ""
}

// textOr prefers the data/content payload, then the given flat field.
func (r *rawFrame) textOr(fallback string) string {
	if s := r.text(); s != "" {
		return s
	}
	return fallback
}

func truncateForLog(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
