package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxDatagram is the largest datagram the codec will ever emit or accept.
// It is sized so a single package plus header never requires IP
// fragmentation on a conservative MTU.
const MaxDatagram = 512

// HeaderSize is the size in bytes of the fixed leading header shared by
// every datagram kind.
const HeaderSize = 4

// PackageIDSize is the size in bytes of one wire-encoded package ID.
const PackageIDSize = 4

// MaxConfirmIDs is the largest number of package IDs a single Confirm
// datagram may acknowledge.
const MaxConfirmIDs = 60

// Kind identifies the shape of a datagram's body.
type Kind uint8

const (
	// KindPackage carries one application package.
	KindPackage Kind = iota
	// KindConfirm carries a batch of acknowledged package IDs.
	KindConfirm
)

// PeerGroup tags whether a package is addressed to the game's server logic
// or relayed among players.
type PeerGroup uint8

const (
	// PeerGroupServer tags packages meant for the Game Server itself.
	PeerGroupServer PeerGroup = iota
	// PeerGroupPlayers tags packages relayed among player peers.
	PeerGroupPlayers
)

func (p PeerGroup) String() string {
	if p == PeerGroupPlayers {
		return "players"
	}
	return "server"
}

// Decode errors for malformed datagrams. Distinct values let callers count
// and log each failure mode separately (spec §4.1).
var (
	ErrTooShort       = errors.New("transport: datagram shorter than header")
	ErrUnknownKind    = errors.New("transport: unknown datagram kind")
	ErrMalformedCount = errors.New("transport: malformed confirm count")
	ErrTooLarge       = errors.New("transport: datagram exceeds MaxDatagram")
)

// Header is the fixed leading structure of every datagram. The wire layout
// of byte 0 is, from the high bit down: kind(2) reliable(1) peer-group(2)
// ordered(1) reserved(2). Bytes 1-3 are reserved and always zero on the
// wire today.
type Header struct {
	Kind      Kind
	Reliable  bool
	Ordered   bool
	PeerGroup PeerGroup
}

func (h Header) encode() [HeaderSize]byte {
	var buf [HeaderSize]byte
	var b byte
	b |= byte(h.Kind&0x3) << 6
	if h.Reliable {
		b |= 1 << 5
	}
	b |= byte(h.PeerGroup&0x3) << 3
	if h.Ordered {
		b |= 1 << 2
	}
	buf[0] = b
	return buf
}

func decodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrTooShort
	}
	flags := b[0]
	kind := Kind((flags >> 6) & 0x3)
	if kind != KindPackage && kind != KindConfirm {
		return Header{}, ErrUnknownKind
	}
	return Header{
		Kind:      kind,
		Reliable:  flags&(1<<5) != 0,
		PeerGroup: PeerGroup((flags >> 3) & 0x3),
		Ordered:   flags&(1<<2) != 0,
	}, nil
}

// EncodePackage encodes a Package-kind datagram: header, 32-bit big-endian
// package ID, then payload. It refuses payloads that would push the
// datagram past MaxDatagram.
func EncodePackage(h Header, id uint32, payload []byte) ([]byte, error) {
	h.Kind = KindPackage
	total := HeaderSize + PackageIDSize + len(payload)
	if total > MaxDatagram {
		return nil, ErrTooLarge
	}
	buf := make([]byte, total)
	hdr := h.encode()
	copy(buf[0:HeaderSize], hdr[:])
	binary.BigEndian.PutUint32(buf[HeaderSize:HeaderSize+PackageIDSize], id)
	copy(buf[HeaderSize+PackageIDSize:], payload)
	return buf, nil
}

// DecodePackage decodes a previously-checked Package-kind datagram into its
// ID and payload. Callers must have routed on Kind == KindPackage first.
func DecodePackage(b []byte) (id uint32, payload []byte, err error) {
	if len(b) < HeaderSize+PackageIDSize {
		return 0, nil, ErrTooShort
	}
	id = binary.BigEndian.Uint32(b[HeaderSize : HeaderSize+PackageIDSize])
	payload = b[HeaderSize+PackageIDSize:]
	return id, payload, nil
}

// EncodeConfirm encodes a Confirm-kind datagram: header, 1-byte count,
// then count 32-bit big-endian package IDs. A Confirm datagram is never
// itself reliable (spec §3 invariant); its header never has the reliable
// flag set.
func EncodeConfirm(peerGroup PeerGroup, ids []uint32) ([]byte, error) {
	if len(ids) > MaxConfirmIDs {
		return nil, fmt.Errorf("%w: %d ids requested, max %d", ErrMalformedCount, len(ids), MaxConfirmIDs)
	}
	h := Header{Kind: KindConfirm, PeerGroup: peerGroup}
	total := HeaderSize + 1 + len(ids)*PackageIDSize
	if total > MaxDatagram {
		return nil, ErrTooLarge
	}
	buf := make([]byte, total)
	hdr := h.encode()
	copy(buf[0:HeaderSize], hdr[:])
	buf[HeaderSize] = byte(len(ids))
	off := HeaderSize + 1
	for _, id := range ids {
		binary.BigEndian.PutUint32(buf[off:off+PackageIDSize], id)
		off += PackageIDSize
	}
	return buf, nil
}

// DecodeConfirm decodes a previously-checked Confirm-kind datagram into its
// acknowledged package IDs.
func DecodeConfirm(b []byte) ([]uint32, error) {
	if len(b) < HeaderSize+1 {
		return nil, ErrTooShort
	}
	count := int(b[HeaderSize])
	if count > MaxConfirmIDs {
		return nil, fmt.Errorf("%w: count %d exceeds max %d", ErrMalformedCount, count, MaxConfirmIDs)
	}
	want := HeaderSize + 1 + count*PackageIDSize
	if len(b) != want {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedCount, want, len(b))
	}
	ids := make([]uint32, count)
	off := HeaderSize + 1
	for i := range ids {
		ids[i] = binary.BigEndian.Uint32(b[off : off+PackageIDSize])
		off += PackageIDSize
	}
	return ids, nil
}

// DecodeHeader exposes header decoding for the Inbound Router, which must
// inspect Kind before choosing the Package or Confirm decode path.
func DecodeHeader(b []byte) (Header, error) {
	return decodeHeader(b)
}
