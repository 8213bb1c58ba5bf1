package archive

import (
	"context"
	"strings"
)

// NewStore creates a postgres-backed archive when DATABASE_URL is set,
// otherwise a no-op archive so callers never need to branch on whether
// archiving is configured.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewNoopStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
