package relay

import (
	"net"
	"testing"

	"github.com/DigitalExtinction/Game-sub002/internal/transport"
	"github.com/stretchr/testify/require"
)

func TestBufferCoalescesMessagesForOneRecipient(t *testing.T) {
	b := NewBuffer()
	recipient := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9401}

	b.Push(recipient, 0, []byte("a"), transport.ReliableOrdered)
	b.Push(recipient, 1, []byte("b"), transport.ReliableOrdered)

	flushed := b.Flush(transport.MaxDatagram)
	require.Len(t, flushed, 1)

	inner, err := DecodeInner(flushed[0].Data)
	require.NoError(t, err)
	require.Len(t, inner, 2)
	require.Equal(t, uint8(0), inner[0].SenderSlot)
	require.Equal(t, []byte("a"), inner[0].Payload)
	require.Equal(t, uint8(1), inner[1].SenderSlot)
	require.Equal(t, []byte("b"), inner[1].Payload)
}

// TestBufferFlushEmitsAtMostOnePackagePerRecipient guards the "at most one
// outbound package per flush" invariant: messages that overflow the
// datagram limit must wait for a later flush tick rather than being
// packed into a second package in the same call.
func TestBufferFlushEmitsAtMostOnePackagePerRecipient(t *testing.T) {
	b := NewBuffer()
	recipient := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9402}

	payload := make([]byte, 30)
	for i := 0; i < 5; i++ {
		b.Push(recipient, uint8(i), payload, transport.ReliableUnordered)
	}

	flushed := b.Flush(50)
	require.Len(t, flushed, 1, "flush must emit at most one package per recipient")

	inner, err := DecodeInner(flushed[0].Data)
	require.NoError(t, err)
	require.Less(t, len(inner), 5, "not every message fits in one 50-byte package")

	seen := len(inner)
	for {
		flushed = b.Flush(50)
		if len(flushed) == 0 {
			break
		}
		require.Len(t, flushed, 1)
		inner, err := DecodeInner(flushed[0].Data)
		require.NoError(t, err)
		seen += len(inner)
	}
	require.Equal(t, 5, seen, "every overflowed message is eventually delivered across later ticks")
}

// TestBufferSeparatesReliabilityClasses guards against combining messages
// of differing reliability into one package: the first flush only emits
// the leading reliability run, and the rest waits for the next tick.
func TestBufferSeparatesReliabilityClasses(t *testing.T) {
	b := NewBuffer()
	recipient := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9403}

	b.Push(recipient, 0, []byte("reliable"), transport.ReliableOrdered)
	b.Push(recipient, 1, []byte("unreliable"), transport.Unreliable)

	first := b.Flush(transport.MaxDatagram)
	require.Len(t, first, 1)
	require.Equal(t, transport.ReliableOrdered, first[0].Reliability)

	second := b.Flush(transport.MaxDatagram)
	require.Len(t, second, 1)
	require.Equal(t, transport.Unreliable, second[0].Reliability)

	require.Empty(t, b.Flush(transport.MaxDatagram))
}

func TestBufferFlushDrainsPending(t *testing.T) {
	b := NewBuffer()
	recipient := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9404}

	b.Push(recipient, 0, []byte("x"), transport.ReliableOrdered)
	require.Len(t, b.Flush(transport.MaxDatagram), 1)
	require.Empty(t, b.Flush(transport.MaxDatagram))
}
