package dispatcher

import "github.com/clove-kernel/clove/internal/events"

func syscallBlockedEvent(agentID uint32, opcode, reason string) events.Event {
	return events.Event{
		Type:     events.TypeSyscallBlocked,
		SourceID: agentID,
		Data:     mustJSON(map[string]any{"opcode": opcode, "reason": reason}),
	}
}
