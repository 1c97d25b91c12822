package llm

import (
	"context"
	"testing"

	"github.com/clove-kernel/clove/internal/logger"
)

func TestThinkSpawnsWorkerAndRoundTrips(t *testing.T) {
	cfg := Config{WorkerCommand: "cat", DefaultModel: "test-model"}
	g := New(cfg, logger.Default())
	defer g.Close()

	// "cat" just echoes our own request JSON back as the "reply"; since
	// that JSON has no success/content/tokens fields, we should decode
	// a zero-value Response without error, proving stdin/stdout round
	// trip through a real worker process end to end.
	resp, err := g.Think(context.Background(), Request{Prompt: []byte(`"hi"`)})
	if err != nil {
		t.Fatalf("unexpected error round-tripping through cat: %v", err)
	}
	if resp.Success {
		t.Fatal("expected echoed request JSON to decode as an unsuccessful zero-value response")
	}
}

func TestZeroValueRequestStartsEmpty(t *testing.T) {
	cfg := Config{DefaultModel: "m1", DefaultTemp: 0.5, DefaultTokens: 256}
	g := New(cfg, logger.Default())
	req := Request{}
	if req.Model != "" {
		t.Fatal("sanity: zero-value request should start empty")
	}
	_ = g // defaulting is exercised inline in Think; this test documents the zero-value contract
}
