package lifecycle

import (
	"testing"
	"time"

	"github.com/clove-kernel/clove/internal/agent"
)

func TestBackoffDelayGrowsAndClamps(t *testing.T) {
	rc := &agent.RestartConfig{BackoffInitialMS: 100, BackoffMaxMS: 1000, BackoffMultiplier: 2}
	d1 := backoffDelay(rc, 1)
	d2 := backoffDelay(rc, 2)
	d3 := backoffDelay(rc, 10)
	if d1 != 100*time.Millisecond {
		t.Fatalf("expected first attempt at initial backoff, got %v", d1)
	}
	if d2 != 200*time.Millisecond {
		t.Fatalf("expected second attempt to double, got %v", d2)
	}
	if d3 != 1000*time.Millisecond {
		t.Fatalf("expected high attempt count to clamp at max, got %v", d3)
	}
}

func TestBackoffDelayUsesDefaultsWhenUnset(t *testing.T) {
	rc := &agent.RestartConfig{}
	d := backoffDelay(rc, 1)
	if d != defaultBackoffInitialMS*time.Millisecond {
		t.Fatalf("expected default initial backoff, got %v", d)
	}
}

func TestAllocIDNeverReusesAcrossSpawns(t *testing.T) {
	m := &Manager{}
	a := m.allocID()
	b := m.allocID()
	if b <= a {
		t.Fatalf("expected strictly increasing ids, got %d then %d", a, b)
	}
}
