package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{AgentID: 7, Opcode: OpSend, Payload: []byte(`{"to":20,"message":{"i":1}}`)}
	buf, err := Encode(f)
	require.NoError(t, err)

	got, consumed, err := TryDecode(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), consumed)
	require.Equal(t, f.AgentID, got.AgentID)
	require.Equal(t, f.Opcode, got.Opcode)
	require.True(t, bytes.Equal(f.Payload, got.Payload))
}

func TestTryDecodeIncomplete(t *testing.T) {
	f := Frame{AgentID: 1, Opcode: OpNoop, Payload: []byte("hello")}
	buf, err := Encode(f)
	require.NoError(t, err)

	_, _, err = TryDecode(buf[:HeaderSize+2])
	require.ErrorIs(t, err, ErrIncomplete)

	_, _, err = TryDecode(buf[:HeaderSize-1])
	require.ErrorIs(t, err, ErrIncomplete)
}

func TestTryDecodeBadMagicResyncsByOneHeader(t *testing.T) {
	good := Frame{AgentID: 2, Opcode: OpEcho(), Payload: []byte("ok")}
	goodBuf, err := Encode(good)
	require.NoError(t, err)

	bad := make([]byte, HeaderSize)
	copy(bad, goodBuf)
	bad[0] ^= 0xFF // corrupt magic

	buf := append(bad, goodBuf...)

	_, consumed, err := TryDecode(buf)
	require.ErrorIs(t, err, ErrBadMagic)
	require.Equal(t, HeaderSize, consumed)

	got, consumed2, err := TryDecode(buf[consumed:])
	require.NoError(t, err)
	require.Equal(t, len(goodBuf), consumed2)
	require.Equal(t, good.Opcode, got.Opcode)
}

func TestDecodeHeaderRejectsOversizePayload(t *testing.T) {
	buf := make([]byte, HeaderSize)
	h := Header{Magic: Magic, AgentID: 1, Opcode: OpNoop, PayloadSize: MaxPayloadSize + 1}
	_ = h
	// Hand-build a header declaring an oversize payload.
	frame := Frame{AgentID: 1, Opcode: OpNoop, Payload: make([]byte, 0)}
	encoded, err := Encode(frame)
	require.NoError(t, err)
	copy(buf, encoded)
	buf[9] = 0xFF
	buf[10] = 0xFF
	buf[11] = 0xFF
	buf[12] = 0xFF

	_, consumed, err := TryDecode(buf)
	require.ErrorIs(t, err, ErrOversizePayload)
	require.Equal(t, HeaderSize, consumed)
}

// OpEcho is a helper alias used only by this test file to avoid
// depending on NOOP's exact semantics beyond "opaque round trip".
func OpEcho() Opcode { return OpNoop }
