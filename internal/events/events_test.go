package events

import "testing"

func TestSubscribeEmitPoll(t *testing.T) {
	b := NewMemory(10)
	b.Subscribe(1, TypeAgentSpawned)
	b.Emit(Event{Type: TypeAgentSpawned, Data: []byte(`{"id":5}`)})

	got := b.Poll(1, 10)
	if len(got) != 1 || got[0].Type != TypeAgentSpawned {
		t.Fatalf("expected subscriber to receive event, got %v", got)
	}
}

func TestUnsubscribedAgentDoesNotReceive(t *testing.T) {
	b := NewMemory(10)
	b.Emit(Event{Type: TypeAgentSpawned})
	if got := b.Poll(1, 10); len(got) != 0 {
		t.Fatalf("expected no events for unsubscribed agent, got %v", got)
	}
}

func TestTargetedDeliveryIgnoresSubscription(t *testing.T) {
	b := NewMemory(10)
	// Agent 20 never subscribed to MessageReceived.
	b.Emit(Event{Type: TypeMessageReceived, TargetID: 20})
	got := b.Poll(20, 10)
	if len(got) != 1 {
		t.Fatal("targeted delivery must reach the addressee regardless of subscription")
	}
}

func TestOldestDropEmitsResourceWarningDebounced(t *testing.T) {
	b := NewMemory(2)
	b.Subscribe(1, TypeCustom)
	for i := 0; i < 5; i++ {
		b.Emit(Event{Type: TypeCustom})
	}
	got := b.Poll(1, 100)
	warnings := 0
	for _, e := range got {
		if e.Type == TypeResourceWarning {
			warnings++
		}
	}
	if warnings == 0 {
		t.Fatal("expected at least one ResourceWarning after overflow")
	}
	if warnings > 1 {
		t.Fatalf("expected warnings debounced to at most one per second, got %d", warnings)
	}
}

func TestEventOrderingAcrossTypes(t *testing.T) {
	b := NewMemory(10)
	b.Subscribe(1, TypeAgentPaused, TypeAgentResumed)
	b.Emit(Event{Type: TypeAgentPaused})
	b.Emit(Event{Type: TypeAgentResumed})
	got := b.Poll(1, 10)
	if len(got) != 2 || got[0].Type != TypeAgentPaused || got[1].Type != TypeAgentResumed {
		t.Fatalf("expected emission order preserved across types, got %v", got)
	}
}
