package archive

import "context"

// NoopStore discards every interaction. It is the default archive when
// DATABASE_URL is unset, so the Session Controller's call sites never need
// to branch on whether an archive is configured.
type NoopStore struct{}

func NewNoopStore() *NoopStore { return &NoopStore{} }

func (s *NoopStore) SaveInteraction(context.Context, Interaction) error { return nil }

func (s *NoopStore) Close() error { return nil }
