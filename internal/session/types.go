// Package session implements the Session Store: the in-memory table of
// per-session state, event log, image context, conversation history,
// retry counters, and disk quotas.
package session

import (
	"sync"
	"time"

	"github.com/hotpin/hotpinserver/internal/audio"
)

// State is one of the Session Controller's state machine states.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateIdle         State = "idle"
	StateRecording    State = "recording"
	StateProcessing   State = "processing"
	StatePlaying      State = "playing"
	StateStalled      State = "stalled"
	StateShutdown     State = "shutdown"
)

// Role distinguishes the two sides of a Conversation Turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationTurn is one tagged (role, text) pair in the bounded
// conversation history.
type ConversationTurn struct {
	Role Role
	Text string
	At   time.Time
}

// ImageContext is the session's current visual context.
type ImageContext struct {
	Bytes      []byte
	Thumbnail  []byte
	MimeType   string
	CapturedAt time.Time
	Filename   string
}

// Event is one entry in the session's capped diagnostic event log.
type Event struct {
	At   time.Time `json:"at"`
	Kind string    `json:"kind"`
	Note string    `json:"note,omitempty"`
}

// Session is one client's end-to-end state: its position in the state
// machine, its active Recording (if any), its image context, its
// bounded conversation history, its retry counter, and its resource
// usage counters.
//
// One pipeline goroutine (the attached channel's Controller.Run call)
// owns Recording, History, and DiskUsageBytes for the session's whole
// lifetime, so those fields are plain and unguarded. State, the retry
// counter, the image context, and the event log are also read or
// written from the HTTP goroutine handling image intake and state
// snapshots, so those go through mu and the accessor methods below.
type Session struct {
	ID string

	CreatedAt      time.Time
	LastActivityAt time.Time
	DetachedAt     time.Time // zero while attached

	Recording *audio.Recording

	History []ConversationTurn

	DiskUsageBytes int64

	// DownloadToken is the outstanding fallback Download Handle token
	// for the reply currently in flight, if any.
	DownloadToken string

	mu             sync.Mutex
	state          State
	imageUploading bool
	image          *ImageContext
	events         []Event
	eventCap       int
	retryCounter   int
}

// NewSession creates a freshly attached session in state disconnected,
// per §4.8's initial state.
func NewSession(id string, eventCap int) *Session {
	if eventCap <= 0 {
		eventCap = 100
	}
	now := time.Now()
	return &Session{
		ID:             id,
		state:          StateDisconnected,
		CreatedAt:      now,
		LastActivityAt: now,
		eventCap:       eventCap,
	}
}

// State returns the session's current state-machine state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions the session to st.
func (s *Session) SetState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// ImageUploading reports whether an image decode is currently in flight.
func (s *Session) ImageUploading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.imageUploading
}

// SetImageUploading records whether an image decode is in flight.
func (s *Session) SetImageUploading(uploading bool) {
	s.mu.Lock()
	s.imageUploading = uploading
	s.mu.Unlock()
}

// RetryCounter returns the current re-record retry count.
func (s *Session) RetryCounter() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCounter
}

// SetRetryCounter sets the re-record retry count.
func (s *Session) SetRetryCounter(n int) {
	s.mu.Lock()
	s.retryCounter = n
	s.mu.Unlock()
}

// IncRetryCounter increments the re-record retry count and returns the
// new value.
func (s *Session) IncRetryCounter() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCounter++
	return s.retryCounter
}

// Image returns the session's current image context, or nil.
func (s *Session) Image() *ImageContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.image
}

// SetImage atomically replaces the session's image context.
func (s *Session) SetImage(img *ImageContext) {
	s.mu.Lock()
	s.image = img
	s.mu.Unlock()
}

// AppendEvent appends one diagnostic event to the capped ring, dropping
// the oldest entry once the cap is reached.
func (s *Session) AppendEvent(kind, note string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{At: time.Now(), Kind: kind, Note: note})
	if len(s.events) > s.eventCap {
		s.events = s.events[len(s.events)-s.eventCap:]
	}
}

// RecentEvents returns up to n of the most recent diagnostic events.
func (s *Session) RecentEvents(n int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.events) {
		n = len(s.events)
	}
	out := make([]Event, n)
	copy(out, s.events[len(s.events)-n:])
	return out
}

// AppendTurn appends a conversation turn and prunes to maxTurns,
// dropping the oldest first (§3 pruning policy).
func (s *Session) AppendTurn(role Role, text string, maxTurns int) {
	s.History = append(s.History, ConversationTurn{Role: role, Text: text, At: time.Now()})
	if maxTurns > 0 && len(s.History) > maxTurns {
		s.History = s.History[len(s.History)-maxTurns:]
	}
}

// Touch extends the session's last-activity timestamp.
func (s *Session) Touch() {
	s.LastActivityAt = time.Now()
}
