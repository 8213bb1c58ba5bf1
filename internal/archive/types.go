// Package archive implements the Interaction Archive: a best-effort,
// optional audit log of completed interactions, written once per reply
// after playback completes (or falls back to a download), entirely
// separate from the bounded in-memory conversation history the Session
// Store carries on the hot path.
package archive

import (
	"context"
	"time"
)

// Interaction is one completed request/reply cycle.
type Interaction struct {
	ID         string
	SessionID  string
	Transcript string
	ReplyText  string
	Verdict    string
	DurationMS int64
	CreatedAt  time.Time
}

// Store persists completed interactions for operational audit.
type Store interface {
	SaveInteraction(ctx context.Context, in Interaction) error
	Close() error
}
