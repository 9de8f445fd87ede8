package transport

import (
	"net"
	"sync"
	"time"

	"github.com/DigitalExtinction/Game-sub002/internal/metrics"
)

// Retransmission tuning (spec §4.4, §6 "Tuning constants").
const (
	InitialRTO  = 200 * time.Millisecond
	MaxRTO      = 4 * time.Second
	MaxAttempts = 6
	DeadAfter   = 15 * time.Second

	// ewmaAlpha/ewmaBeta follow the classic Jacobson/Karels SRTT smoothing
	// used by TCP (RFC 6298), scaled to fixed-point-free float64 math since
	// Go has no integer-only constraint here.
	ewmaAlpha = 0.125
	ewmaBeta  = 0.25
)

// FailGrace is the grace window a peer's records are kept around after
// being marked failed before Clean discards them (spec §4.4 clean(now):
// "discards records for peers marked failed longer than a grace window").
// It gives a last straggling confirm or resend in flight a chance to
// still land before the bookkeeping disappears.
const FailGrace = 1 * time.Second

// pending is one outstanding reliable datagram awaiting confirmation. It
// retains the peer-group tag and ordered flag it was originally sent with
// (spec §3 Dispatch record) so a retransmit can re-encode the identical
// header instead of guessing one.
type pending struct {
	id          uint32
	peerGroup   PeerGroup
	ordered     bool
	data        []byte
	firstSentAt time.Time
	sentAt      time.Time
	rto         time.Duration
	attempts    int
}

// peerDispatch is the Dispatch Handler's per-peer bookkeeping: every
// reliable datagram sent to this peer that has not yet been confirmed, plus
// the peer's running RTT estimate.
type peerDispatch struct {
	target   net.Addr
	pending  map[uint32]*pending
	srtt     time.Duration
	rttvar   time.Duration
	haveRTT  bool
	nextRTO  time.Duration
	failed   bool
	failedAt time.Time
}

func newPeerDispatch(target net.Addr) *peerDispatch {
	return &peerDispatch{
		target:  target,
		pending: make(map[uint32]*pending),
		nextRTO: InitialRTO,
	}
}

// sample folds one RTT observation into the peer's SRTT/RTTVAR estimate and
// derives the next retransmission timeout from it, clamped to [InitialRTO,
// MaxRTO].
func (p *peerDispatch) sample(rtt time.Duration) {
	if !p.haveRTT {
		p.srtt = rtt
		p.rttvar = rtt / 2
		p.haveRTT = true
	} else {
		diff := p.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		p.rttvar = time.Duration((1-ewmaBeta)*float64(p.rttvar) + ewmaBeta*float64(diff))
		p.srtt = time.Duration((1-ewmaAlpha)*float64(p.srtt) + ewmaAlpha*float64(rtt))
	}
	rto := p.srtt + 4*p.rttvar
	if rto < InitialRTO {
		rto = InitialRTO
	}
	if rto > MaxRTO {
		rto = MaxRTO
	}
	p.nextRTO = rto
}

// Dispatch is the Dispatch Handler (spec §4.4): it owns every peer's
// outstanding reliable datagrams, assigns package IDs, and decides when a
// datagram is due for retransmission or when a peer must be declared lost.
type Dispatch struct {
	mu      sync.Mutex
	nextID  uint32
	peers   map[string]*peerDispatch
	metrics *metrics.Registry
}

// NewDispatch creates an empty Dispatch Handler. metrics may be nil in
// tests that don't care about observability.
func NewDispatch(reg *metrics.Registry) *Dispatch {
	return &Dispatch{
		peers:   make(map[string]*peerDispatch),
		metrics: reg,
	}
}

func (d *Dispatch) peerFor(target net.Addr) *peerDispatch {
	key := target.String()
	p, ok := d.peers[key]
	if !ok {
		p = newPeerDispatch(target)
		d.peers[key] = p
	}
	return p
}

// Sent registers one outgoing reliable datagram's raw bytes, peer-group
// tag and ordered flag under a freshly assigned package ID, returning the
// ID the caller must encode into the datagram header before sending it.
// A peer that traffic resumes to after having been marked failed is given
// a fresh chance: Sent clears its failed marker.
func (d *Dispatch) Sent(target net.Addr, peerGroup PeerGroup, ordered bool, data []byte) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID

	p := d.peerFor(target)
	p.failed = false
	now := time.Now()
	p.pending[id] = &pending{
		id:          id,
		peerGroup:   peerGroup,
		ordered:     ordered,
		data:        data,
		firstSentAt: now,
		sentAt:      now,
		rto:         p.nextRTO,
	}
	if d.metrics != nil {
		d.metrics.PackagesSent.WithLabelValues("reliable").Inc()
	}
	return id
}

// Confirmed removes id from target's pending set and folds the observed
// RTT into the peer's estimate. It reports whether id was actually
// outstanding (a confirm for an unknown or already-confirmed ID is a
// harmless no-op per spec §4.4).
func (d *Dispatch) Confirmed(target net.Addr, id uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.peers[target.String()]
	if !ok {
		return false
	}
	entry, ok := p.pending[id]
	if !ok {
		return false
	}
	delete(p.pending, id)

	// Retransmitted datagrams make the RTT sample ambiguous (Karn's
	// algorithm): only feed the estimator from first-attempt confirms.
	if entry.attempts == 0 {
		rtt := time.Since(entry.sentAt)
		p.sample(rtt)
		if d.metrics != nil {
			d.metrics.RTT.Observe(rtt.Seconds())
		}
	}
	return true
}

// DueRetransmit is one reliable datagram whose RTO has expired and must be
// resent, carrying the peer-group tag and ordered flag it was originally
// sent with so the retransmitted datagram is bit-for-bit identical to the
// original.
type DueRetransmit struct {
	Target    net.Addr
	ID        uint32
	Data      []byte
	PeerGroup PeerGroup
	Ordered   bool
}

// Resend scans every peer's pending set as of now, returning the datagrams
// due for retransmission and the peers newly declared lost: either their
// attempts exceeded MaxAttempts, or a record's age (since its first send)
// exceeded DeadAfter (spec §4.4 "failures: records whose attempts exceed
// MAX_ATTEMPTS or whose age exceeds DEAD_AFTER"). A peer is reported in
// `lost` only once, the moment it is marked failed; its pending records
// are dropped immediately but the peer entry itself lingers for Clean to
// collect after FailGrace.
func (d *Dispatch) Resend(now time.Time) (due []DueRetransmit, lost []net.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, p := range d.peers {
		if p.failed {
			continue
		}
		failedNow := false
		for id, entry := range p.pending {
			if now.Sub(entry.sentAt) < entry.rto {
				continue
			}
			entry.attempts++
			if entry.attempts > MaxAttempts || now.Sub(entry.firstSentAt) >= DeadAfter {
				failedNow = true
				continue
			}
			entry.sentAt = now
			entry.rto *= 2
			if entry.rto > MaxRTO {
				entry.rto = MaxRTO
			}
			due = append(due, DueRetransmit{
				Target:    p.target,
				ID:        id,
				Data:      entry.data,
				PeerGroup: entry.peerGroup,
				Ordered:   entry.ordered,
			})
			if d.metrics != nil {
				d.metrics.PackagesResent.Inc()
			}
		}
		if failedNow {
			p.failed = true
			p.failedAt = now
			p.pending = make(map[uint32]*pending)
			lost = append(lost, p.target)
			if d.metrics != nil {
				d.metrics.PeersLost.Inc()
			}
		}
	}
	return due, lost
}

// Clean is the Dispatch Handler's clean(now) operation (spec §4.4): it
// discards bookkeeping for peers that were marked failed longer than
// FailGrace ago. Peers that are not failed, or were only just marked
// failed, are left untouched.
func (d *Dispatch) Clean(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, p := range d.peers {
		if p.failed && now.Sub(p.failedAt) > FailGrace {
			delete(d.peers, key)
		}
	}
}

// Forget immediately drops every record for target, bypassing FailGrace.
// Used when a peer's disconnect is already certain (e.g. the relay is
// tearing down a whole game) rather than inferred from retransmit
// failures.
func (d *Dispatch) Forget(target net.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, target.String())
}

// Pending reports how many reliable datagrams are still outstanding for
// target; used by tests.
func (d *Dispatch) Pending(target net.Addr) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[target.String()]
	if !ok {
		return 0
	}
	return len(p.pending)
}
