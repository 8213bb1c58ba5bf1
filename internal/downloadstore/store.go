// Package downloadstore implements the Download Handle: a single-use,
// expiry-bound token that lets a client fetch a reply artifact over plain
// HTTP when the Playback Streamer's ready-handshake times out.
package downloadstore

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound covers both an unknown token and one already expired or consumed.
	ErrNotFound = errors.New("download handle not found")
)

type handle struct {
	path      string
	expiresAt time.Time
}

// Store maps opaque tokens to on-disk artifact paths with expiry and
// single-use semantics: the first successful Take removes the handle, and
// time.AfterFunc removes it regardless if nobody ever claims it.
type Store struct {
	mu      sync.Mutex
	handles map[string]*handle
	expiry  time.Duration
}

func New(expiry time.Duration) *Store {
	if expiry <= 0 {
		expiry = 5 * time.Minute
	}
	return &Store{
		handles: make(map[string]*handle),
		expiry:  expiry,
	}
}

// Issue registers path under a freshly minted token and arranges for the
// underlying file to be deleted if it is never claimed before expiry.
func (s *Store) Issue(path string) string {
	token := uuid.NewString()
	expiresAt := time.Now().Add(s.expiry)

	s.mu.Lock()
	s.handles[token] = &handle{path: path, expiresAt: expiresAt}
	s.mu.Unlock()

	time.AfterFunc(s.expiry, func() { s.expireIfUnclaimed(token) })
	return token
}

// Take consumes the handle for token, returning its artifact path. A
// second call with the same token returns ErrNotFound, per the wire
// contract's "single-use or expiry-bound; 404 after expiry/consumption."
func (s *Store) Take(token string) (string, error) {
	s.mu.Lock()
	h, ok := s.handles[token]
	if ok {
		delete(s.handles, token)
	}
	s.mu.Unlock()

	if !ok {
		return "", ErrNotFound
	}
	if time.Now().After(h.expiresAt) {
		os.Remove(h.path)
		return "", ErrNotFound
	}
	return h.path, nil
}

func (s *Store) expireIfUnclaimed(token string) {
	s.mu.Lock()
	h, ok := s.handles[token]
	if ok {
		delete(s.handles, token)
	}
	s.mu.Unlock()

	if ok {
		os.Remove(h.path)
	}
}
