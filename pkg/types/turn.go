// Package types provides the core data types for the answerstream client.
package types

// MaxHistoryTurns is the maximum number of prior turns sent with a query.
// Truncation is a transport courtesy, not a correctness requirement.
const MaxHistoryTurns = 200

// Turn is a single prior exchange entry sent as conversation context.
type Turn struct {
	Role    string `json:"role"` // "user" | "assistant"
	Content string `json:"content"`
}

// TruncateHistory returns the most recent max turns of history.
// The input slice is never mutated.
func TruncateHistory(history []Turn, max int) []Turn {
	if max <= 0 || len(history) <= max {
		return history
	}
	return history[len(history)-max:]
}
