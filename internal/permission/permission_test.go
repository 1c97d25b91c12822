package permission

import "testing"

func TestSandboxedDeniesPasswdRead(t *testing.T) {
	p := New(PresetSandboxed)
	if p.CanReadPath("/etc/passwd") {
		t.Fatal("expected /etc/passwd to be denied under Sandboxed")
	}
	if !p.CanReadPath("/tmp/scratch.txt") {
		t.Fatal("expected /tmp/* to be allowed under Sandboxed")
	}
}

func TestSandboxedConfinesWritesToTmp(t *testing.T) {
	p := New(PresetSandboxed)
	if p.CanWritePath("/home/user/notes.txt") {
		t.Fatal("expected /home/* to be denied for writes under Sandboxed")
	}
	if !p.CanWritePath("/tmp/scratch.txt") {
		t.Fatal("expected /tmp/* to be allowed for writes under Sandboxed")
	}
	if !p.CanReadPath("/home/user/notes.txt") {
		t.Fatal("expected /home/* to remain readable under Sandboxed")
	}
}

func TestStandardBlocksDefaultCommands(t *testing.T) {
	p := New(PresetStandard)
	if p.CanExecuteCommand("sudo rm -rf /") {
		t.Fatal("expected sudo to be blocked")
	}
	if !p.CanExecuteCommand("ls -la") {
		t.Fatal("expected ls to be allowed")
	}
}

func TestDomainWildcard(t *testing.T) {
	p := New(PresetUnrestricted)
	p.AllowedDomains = []string{"*.example.com"}
	if !p.CanAccessDomain("https://api.example.com/v1/x") {
		t.Fatal("expected subdomain match")
	}
	if p.CanAccessDomain("https://example.com/") {
		t.Fatal("bare domain should not match *.example.com")
	}
	if p.CanAccessDomain("https://evil.com/") {
		t.Fatal("unrelated domain must not match")
	}
}

func TestLLMQuotaZeroMeansUnlimited(t *testing.T) {
	p := New(PresetUnrestricted)
	if !p.CanUseLLM(1_000_000) {
		t.Fatal("zero quota should mean unlimited")
	}
}

func TestLLMQuotaEnforced(t *testing.T) {
	p := New(PresetUnrestricted)
	p.MaxLLMCalls = 1
	p.MaxLLMTokens = 100
	if !p.CanUseLLM(50) {
		t.Fatal("first call should be allowed")
	}
	p.RecordLLMUsage(50)
	if p.CanUseLLM(1) {
		t.Fatal("second call should be denied: call budget exhausted")
	}
}

func TestLLMTokensUsedMonotonic(t *testing.T) {
	p := New(PresetUnrestricted)
	var last int64
	for _, n := range []int64{10, 0, 25, 5} {
		p.RecordLLMUsage(n)
		if p.LLMTokensUsed < last {
			t.Fatalf("llm_tokens_used went backwards: %d < %d", p.LLMTokensUsed, last)
		}
		last = p.LLMTokensUsed
	}
}

func TestTableLazyCreatesStandardPreset(t *testing.T) {
	tbl := NewTable(PresetStandard)
	p := tbl.Get(42)
	if !p.CanExec || !p.CanRead || !p.CanWrite || !p.CanThink {
		t.Fatal("expected standard defaults")
	}
	if p.CanSpawn || p.CanHTTP {
		t.Fatal("standard preset must not grant spawn/http")
	}
}
