package main

import (
	"encoding/json"
	"testing"
)

func TestHandleEcho(t *testing.T) {
	req := request{Model: "mock-fast", Prompt: json.RawMessage(`"hello there"`)}
	resp := handle(req)
	if !resp.Success {
		t.Fatalf("expected success, got error: %s", resp.Error)
	}
	if resp.Content != "mock reply to: hello there" {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
}

func TestHandleError(t *testing.T) {
	req := request{Model: "mock-fast", Prompt: json.RawMessage(`"/error"`)}
	resp := handle(req)
	if resp.Success {
		t.Fatal("expected failure for /error prompt")
	}
}

func TestPromptTextObjectShape(t *testing.T) {
	raw := json.RawMessage(`{"content":"from object"}`)
	if got := promptText(raw); got != "from object" {
		t.Fatalf("got %q", got)
	}
}
