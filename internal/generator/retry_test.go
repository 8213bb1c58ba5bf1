package generator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hotpin/hotpinserver/internal/apperr"
)

type stubGenerator struct {
	calls   int
	results []struct {
		text string
		err  error
	}
}

func (g *stubGenerator) Generate(ctx context.Context, req Request) (string, error) {
	r := g.results[g.calls]
	g.calls++
	return r.text, r.err
}

func TestRetryingGeneratorSucceedsAfterTransientFailures(t *testing.T) {
	stub := &stubGenerator{}
	stub.results = append(stub.results,
		struct {
			text string
			err  error
		}{"", errors.New("rate limited")},
		struct {
			text string
			err  error
		}{"", errors.New("rate limited")},
		struct {
			text string
			err  error
		}{"hello there", nil},
	)

	g := NewRetryingGenerator(stub, 3, time.Millisecond, 5*time.Millisecond)
	text, err := g.Generate(context.Background(), Request{Transcript: "hi"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != "hello there" {
		t.Fatalf("text = %q, want %q", text, "hello there")
	}
	if stub.calls != 3 {
		t.Fatalf("calls = %d, want 3", stub.calls)
	}
}

func TestRetryingGeneratorReturnsLLMFailedAfterExhaustion(t *testing.T) {
	stub := &stubGenerator{}
	for i := 0; i < 3; i++ {
		stub.results = append(stub.results, struct {
			text string
			err  error
		}{"", errors.New("down")})
	}

	g := NewRetryingGenerator(stub, 3, time.Millisecond, 5*time.Millisecond)
	_, err := g.Generate(context.Background(), Request{Transcript: "hi"})
	if !apperr.Is(err, apperr.KindLLMFailed) {
		t.Fatalf("error = %v, want llm_failed", err)
	}
	if stub.calls != 3 {
		t.Fatalf("calls = %d, want 3", stub.calls)
	}
}

func TestPruneHistoryDropsOldestFirst(t *testing.T) {
	history := []HistoryTurn{
		{Role: "user", Text: "aaaaa"},
		{Role: "assistant", Text: "bbbbb"},
		{Role: "user", Text: "ccccc"},
	}
	pruned := PruneHistory(history, 11)
	if len(pruned) != 2 {
		t.Fatalf("len(pruned) = %d, want 2", len(pruned))
	}
	if pruned[0].Text != "bbbbb" {
		t.Fatalf("pruned[0].Text = %q, want bbbbb", pruned[0].Text)
	}
}
