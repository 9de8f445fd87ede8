package relay

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/DigitalExtinction/Game-sub002/internal/transport"
)

// innerHeaderSize is the per-message framing overhead inside a coalesced
// buffer package: 1 byte sender slot + 2-byte big-endian payload length.
const innerHeaderSize = 3

type bufferedMessage struct {
	senderSlot uint8
	payload    []byte
	reliable   transport.Reliability
}

// Buffer is the Per-recipient Buffer (spec §4.10 item 3): it coalesces
// player-sourced messages destined for the same recipient into as few
// outbound packages as fit in one flush tick, tagging each inner message
// with its sender's player slot.
type Buffer struct {
	mu      sync.Mutex
	addrs   map[string]net.Addr
	pending map[string][]bufferedMessage
}

// NewBuffer creates an empty Per-recipient Buffer.
func NewBuffer() *Buffer {
	return &Buffer{
		addrs:   make(map[string]net.Addr),
		pending: make(map[string][]bufferedMessage),
	}
}

// Push enqueues one player-sourced payload for recipient, tagged with the
// sender's player slot and carrying the sender's original reliability.
func (b *Buffer) Push(recipient net.Addr, senderSlot uint8, payload []byte, reliability transport.Reliability) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := recipient.String()
	b.addrs[key] = recipient
	b.pending[key] = append(b.pending[key], bufferedMessage{
		senderSlot: senderSlot,
		payload:    append([]byte(nil), payload...),
		reliable:   reliability,
	})
}

// Flushed is one coalesced outbound package ready to hand to a
// transport.PackageSender.
type Flushed struct {
	Target      net.Addr
	Reliability transport.Reliability
	Data        []byte
}

// Flush drains at most one Flushed package per recipient, containing as
// many leading pending messages as share the same reliability and fit in
// maxDatagram bytes of inner-framed payload (spec §4.10 item 3: "each
// recipient receives at most one outbound package per flush"). Messages
// that don't fit — either a reliability change or a MAX_DATAGRAM overflow
// — stay queued for the next flush tick instead of spilling into a second
// package this tick.
func (b *Buffer) Flush(maxDatagram int) []Flushed {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Flushed
	for key, msgs := range b.pending {
		if len(msgs) == 0 {
			delete(b.pending, key)
			continue
		}
		addr := b.addrs[key]
		flushed, rest := packOne(addr, msgs, maxDatagram)
		out = append(out, flushed)
		if len(rest) == 0 {
			delete(b.pending, key)
		} else {
			b.pending[key] = rest
		}
	}
	return out
}

// packOne packs as many leading same-reliability messages as fit into one
// package, returning the package and whatever messages didn't make it in.
func packOne(addr net.Addr, msgs []bufferedMessage, maxDatagram int) (Flushed, []bufferedMessage) {
	rel := msgs[0].reliable
	var data []byte
	i := 0
	for ; i < len(msgs); i++ {
		m := msgs[i]
		if m.reliable != rel {
			break
		}
		entrySize := innerHeaderSize + len(m.payload)
		if len(data)+entrySize > maxDatagram {
			if len(data) == 0 {
				// A single message too big to fit alongside anything else
				// still goes out alone rather than wedging the queue.
				data = appendInner(data, m.senderSlot, m.payload)
				i++
			}
			break
		}
		data = appendInner(data, m.senderSlot, m.payload)
	}
	return Flushed{Target: addr, Reliability: rel, Data: data}, msgs[i:]
}

func appendInner(buf []byte, senderSlot uint8, payload []byte) []byte {
	buf = append(buf, senderSlot)
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(payload)))
	buf = append(buf, length[:]...)
	return append(buf, payload...)
}

// DecodeInner splits one coalesced buffer package back into its tagged
// inner messages, as the receiving player's client must.
func DecodeInner(data []byte) ([]struct {
	SenderSlot uint8
	Payload    []byte
}, error) {
	var out []struct {
		SenderSlot uint8
		Payload    []byte
	}
	for len(data) > 0 {
		if len(data) < innerHeaderSize {
			return nil, ErrMalformedMessage
		}
		slot := data[0]
		n := int(binary.BigEndian.Uint16(data[1:3]))
		data = data[innerHeaderSize:]
		if len(data) < n {
			return nil, ErrMalformedMessage
		}
		out = append(out, struct {
			SenderSlot uint8
			Payload    []byte
		}{SenderSlot: slot, Payload: data[:n]})
		data = data[n:]
	}
	return out, nil
}
