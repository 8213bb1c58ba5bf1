package generator

import (
	"context"
	"fmt"
	"strings"
)

// MockGenerator produces a deterministic local reply, for development and
// tests when no LLM collaborator is configured.
type MockGenerator struct{}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) Generate(ctx context.Context, req Request) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	transcript := strings.TrimSpace(req.Transcript)
	if transcript == "" {
		return "I am listening.", nil
	}
	if len(req.ImageBytes) > 0 {
		return fmt.Sprintf("I can see what you're showing me, and I heard: %s", transcript), nil
	}
	return fmt.Sprintf("I heard you: %s", transcript), nil
}
