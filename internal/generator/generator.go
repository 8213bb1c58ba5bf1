// Package generator implements the Generator Adapter: it turns a system
// prompt, optional image, pruned conversation history, and a transcript
// into an assistant reply, retrying a flaky collaborator before giving up.
package generator

import "context"

// HistoryTurn is one (role, text) pair from the Session Store's bounded
// conversation history, carried through unchanged.
type HistoryTurn struct {
	Role string
	Text string
}

// Request bundles everything the Generator Adapter needs to produce one
// reply, per §4.5.
type Request struct {
	SystemPrompt  string
	ImageBytes    []byte
	ImageMimeType string
	History       []HistoryTurn
	Transcript    string
}

// Generator produces an assistant text reply from a Request.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// PruneHistory enforces a configured character budget on the conversation
// history carried in a request, dropping the oldest turns first so the
// most recent context always survives truncation.
func PruneHistory(history []HistoryTurn, maxChars int) []HistoryTurn {
	if maxChars <= 0 {
		return history
	}
	total := 0
	for _, t := range history {
		total += len(t.Text)
	}
	start := 0
	for total > maxChars && start < len(history) {
		total -= len(history[start].Text)
		start++
	}
	return history[start:]
}
