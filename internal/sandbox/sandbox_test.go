package sandbox

import "testing"

func TestClampWeightDefaultsToOneThousandTwentyFour(t *testing.T) {
	if w := clampWeight(0); w != 100 {
		t.Fatalf("expected default shares (1024) to map to weight 100, got %d", w)
	}
}

func TestClampWeightBounds(t *testing.T) {
	if w := clampWeight(-5); w < 1 {
		t.Fatalf("expected negative shares to clamp to minimum weight, got %d", w)
	}
	if w := clampWeight(1 << 20); w > 10000 {
		t.Fatalf("expected huge shares to clamp to maximum weight 10000, got %d", w)
	}
}

func TestTrimUnixPrefix(t *testing.T) {
	path, ok := trimUnixPrefix("unix:///var/run/docker.sock")
	if !ok || path != "/var/run/docker.sock" {
		t.Fatalf("expected unix socket path extraction, got %q %v", path, ok)
	}
	if _, ok := trimUnixPrefix("tcp://127.0.0.1:2375"); ok {
		t.Fatal("expected non-unix host to not match")
	}
}

func TestDockerAvailableFalseWhenSocketMissing(t *testing.T) {
	if dockerAvailable("unix:///no/such/path/docker.sock") {
		t.Fatal("expected dockerAvailable to be false for a nonexistent socket path")
	}
}
