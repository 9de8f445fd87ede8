package transport

import "net"

// Reliability is the delivery guarantee an application requests for one
// Package. Both reliable variants are retried until acknowledged or the
// target is declared unreachable; "Ordered" is carried on the wire but is
// never interpreted by the transport itself (spec §4.4, §9) — the
// application must reconstruct order from package IDs if it cares.
type Reliability int

const (
	// Unreliable packages are sent once and never acknowledged. Their
	// source has no signal when one is dropped in flight; this is
	// intentional (spec §9, open question).
	Unreliable Reliability = iota
	// ReliableUnordered packages are retried until acknowledged; the
	// receiver may observe them out of send order.
	ReliableUnordered
	// ReliableOrdered is delivered with the same retry guarantee as
	// ReliableUnordered; the Ordered wire flag is set so the application
	// knows it opted into ordering semantics it must enforce itself.
	ReliableOrdered
)

func (r Reliability) reliable() bool { return r != Unreliable }
func (r Reliability) ordered() bool  { return r == ReliableOrdered }

func reliabilityFrom(reliable, ordered bool) Reliability {
	switch {
	case !reliable:
		return Unreliable
	case ordered:
		return ReliableOrdered
	default:
		return ReliableUnordered
	}
}

// OutPackage is one application-level unit bound for one or more targets,
// queued on a PackageSender. Payload should be small enough (~500 bytes)
// that it fits one datagram after the header (spec §3).
type OutPackage struct {
	Data        []byte
	Reliability Reliability
	Peers       PeerGroup
	Targets     []net.Addr
}

// NewOutPackage builds an OutPackage for the given targets.
func NewOutPackage(data []byte, reliability Reliability, peers PeerGroup, targets []net.Addr) OutPackage {
	return OutPackage{Data: data, Reliability: reliability, Peers: peers, Targets: targets}
}

// EncodeSingle builds an OutPackage addressed to exactly one target. This
// mirrors the original implementation's `OutPackage::encode_single`
// helper used for direct application-protocol replies (e.g. NotJoined,
// JoinError) that always go back to a single sender.
func EncodeSingle(data []byte, reliability Reliability, peers PeerGroup, target net.Addr) OutPackage {
	return NewOutPackage(data, reliability, peers, []net.Addr{target})
}

// InPackage is one application-level unit delivered to the application by
// the Package Receiver, carrying the metadata the spec requires
// (source, reliability, peer-group).
type InPackage struct {
	Data        []byte
	Reliability Reliability
	Peers       PeerGroup
	Source      net.Addr
}
