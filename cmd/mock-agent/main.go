// Package main implements a mock LLM worker: a standalone process that
// speaks the same one-JSON-object-per-line protocol as the real worker
// internal/llm.Gateway spawns, for manual testing and integration tests
// that don't want to depend on a live model backend.
//
// The prompt's text selects a canned scenario, mirroring the teacher's
// mock-agent convention of driving simulated behavior off the incoming
// message content rather than a separate config file.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"
)

// request mirrors internal/llm.Request's wire shape.
type request struct {
	Model       string          `json:"model"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
	Prompt      json.RawMessage `json:"prompt"`
	AgentID     uint32          `json:"agent_id"`
}

// response mirrors internal/llm.Response's wire shape.
type response struct {
	Success bool   `json:"success"`
	Content string `json:"content,omitempty"`
	Tokens  int64  `json:"tokens,omitempty"`
	Error   string `json:"error,omitempty"`
}

func main() {
	scanner := bufio.NewScanner(os.Stdin)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	enc := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}
		_ = enc.Encode(handle(req))
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: scanner error: %v\n", err)
		os.Exit(1)
	}
}

func handle(req request) response {
	prompt := promptText(req.Prompt)
	randomDelay(req.Model)

	switch strings.TrimSpace(strings.ToLower(prompt)) {
	case "/error":
		return response{Success: false, Error: "mock-agent: simulated failure"}
	case "/slow":
		time.Sleep(2 * time.Second)
		return response{Success: true, Content: "slow response", Tokens: 42}
	case "":
		return response{Success: true, Content: "(empty prompt)", Tokens: 1}
	default:
		return response{
			Success: true,
			Content: fmt.Sprintf("mock reply to: %s", prompt),
			Tokens:  int64(len(strings.Fields(prompt))),
		}
	}
}

// promptText unwraps a prompt that may be a bare JSON string or an
// object with a "content" field, matching whatever shape the caller's
// THINK payload used.
func promptText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Content string `json:"content"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.Content
	}
	return string(raw)
}

func delayRange(model string) (int, int) {
	switch model {
	case "mock-fast":
		return 5, 20
	case "mock-slow":
		return 200, 800
	default:
		return 20, 100
	}
}

func randomDelay(model string) {
	lo, hi := delayRange(model)
	ms := lo + rand.Intn(hi-lo+1)
	time.Sleep(time.Duration(ms) * time.Millisecond)
}
