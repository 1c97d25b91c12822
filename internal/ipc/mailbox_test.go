package ipc

import "testing"

func TestRegisterSendRecvRoundTrip(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("worker", 20); err != nil {
		t.Fatal(err)
	}
	mb := NewMailboxes(10)

	id, ok := reg.Resolve("worker")
	if !ok || id != 20 {
		t.Fatal("expected name to resolve to 20")
	}
	mb.Send(id, Message{FromID: 10, Body: []byte(`"hi"`)})
	msgs := mb.Recv(20, 10)
	if len(msgs) != 1 || string(msgs[0].Body) != `"hi"` {
		t.Fatal("expected one message round tripped")
	}
}

func TestDuplicateNameRejected(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("a", 1); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("a", 2); err == nil {
		t.Fatal("expected duplicate registration by a different id to fail")
	}
	// Re-registering by the same id is allowed (idempotent).
	if err := reg.Register("a", 1); err != nil {
		t.Fatal("re-register by same id should succeed")
	}
}

func TestMailboxOrderingPerSender(t *testing.T) {
	mb := NewMailboxes(10)
	for i := 1; i <= 3; i++ {
		mb.Send(20, Message{FromID: 10, Body: []byte{byte('0' + i)}})
	}
	msgs := mb.Recv(20, 10)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Body[0] != byte('0'+i+1) {
			t.Fatalf("message %d out of order: got %q", i, m.Body)
		}
	}
}

func TestMailboxOldestDropWhenFull(t *testing.T) {
	mb := NewMailboxes(2)
	mb.Send(1, Message{Body: []byte("a")})
	mb.Send(1, Message{Body: []byte("b")})
	dropped := mb.Send(1, Message{Body: []byte("c")})
	if !dropped {
		t.Fatal("expected oldest-drop to report true when full")
	}
	msgs := mb.Recv(1, 10)
	if len(msgs) != 2 || string(msgs[0].Body) != "b" || string(msgs[1].Body) != "c" {
		t.Fatalf("expected [b c] after oldest-drop, got %v", msgs)
	}
}
