package transport

import (
	"net"
	"sync"
	"time"

	"github.com/DigitalExtinction/Game-sub002/internal/metrics"
)

// ConfirmDelay bounds how long a received package ID waits before it is
// batched into a Confirm datagram, trading a little latency for fewer,
// fuller confirms (spec §4.5, §6 "Tuning constants").
const ConfirmDelay = 40 * time.Millisecond

// MaxHold is how long a delivered package ID is remembered for duplicate
// suppression before it is forgotten. It must outlast the sender's own
// give-up horizon (MaxRTO backed off MaxAttempts times) so a very late
// retransmission is still recognized as a duplicate rather than delivered
// twice.
const MaxHold = 2 * MaxRTO * MaxAttempts

type receivedEntry struct {
	at time.Time
}

// peerDelivery is the Delivery Handler's per-source bookkeeping: every
// package ID received from this peer recently enough to still matter for
// duplicate suppression, plus IDs awaiting confirmation.
type peerDelivery struct {
	source         net.Addr
	received       map[uint32]receivedEntry
	pendingConfirm []uint32
	firstPending   time.Time
}

// Delivery is the Delivery Handler (spec §4.5): it deduplicates inbound
// reliable packages per source and batches their IDs into Confirm
// datagrams.
type Delivery struct {
	mu      sync.Mutex
	peers   map[string]*peerDelivery
	metrics *metrics.Registry
}

// NewDelivery creates an empty Delivery Handler. metrics may be nil in
// tests that don't care about observability.
func NewDelivery(reg *metrics.Registry) *Delivery {
	return &Delivery{
		peers:   make(map[string]*peerDelivery),
		metrics: reg,
	}
}

func (d *Delivery) peerFor(source net.Addr) *peerDelivery {
	key := source.String()
	p, ok := d.peers[key]
	if !ok {
		p = &peerDelivery{source: source, received: make(map[uint32]receivedEntry)}
		d.peers[key] = p
	}
	return p
}

// Received records one reliable package ID from source and reports
// whether it had already been seen. Duplicates are still queued for
// confirmation: the sender may not have gotten our first confirm, and
// re-confirming is cheap and correct.
func (d *Delivery) Received(source net.Addr, id uint32, now time.Time) (duplicate bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.peerFor(source)
	if _, seen := p.received[id]; seen {
		duplicate = true
		if d.metrics != nil {
			d.metrics.DuplicatesDropped.Inc()
		}
	} else {
		p.received[id] = receivedEntry{at: now}
		if d.metrics != nil {
			d.metrics.PackagesReceived.WithLabelValues("reliable").Inc()
		}
	}

	if len(p.pendingConfirm) == 0 {
		p.firstPending = now
	}
	p.pendingConfirm = append(p.pendingConfirm, id)
	return duplicate
}

// ConfirmBatch is one set of package IDs ready to be sent back to source
// as a Confirm datagram.
type ConfirmBatch struct {
	Target net.Addr
	IDs    []uint32
}

// DueConfirms returns every batch of pending confirms ready to flush as of
// now: a peer flushes once it has accumulated MaxConfirmIDs, or once
// ConfirmDelay has elapsed since its oldest unconfirmed ID, whichever
// comes first (spec §4.5).
func (d *Delivery) DueConfirms(now time.Time) []ConfirmBatch {
	d.mu.Lock()
	defer d.mu.Unlock()

	var batches []ConfirmBatch
	for _, p := range d.peers {
		if len(p.pendingConfirm) == 0 {
			continue
		}
		if len(p.pendingConfirm) < MaxConfirmIDs && now.Sub(p.firstPending) < ConfirmDelay {
			continue
		}
		for len(p.pendingConfirm) > 0 {
			n := len(p.pendingConfirm)
			if n > MaxConfirmIDs {
				n = MaxConfirmIDs
			}
			batches = append(batches, ConfirmBatch{Target: p.source, IDs: append([]uint32(nil), p.pendingConfirm[:n]...)})
			p.pendingConfirm = p.pendingConfirm[n:]
			if d.metrics != nil {
				d.metrics.ConfirmsSent.Inc()
			}
		}
		p.pendingConfirm = nil
	}
	return batches
}

// Clean forgets received-ID bookkeeping older than MaxHold, bounding
// per-peer memory growth for long-lived connections.
func (d *Delivery) Clean(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, p := range d.peers {
		for id, entry := range p.received {
			if now.Sub(entry.at) > MaxHold {
				delete(p.received, id)
			}
		}
		if len(p.received) == 0 && len(p.pendingConfirm) == 0 {
			delete(d.peers, key)
		}
	}
}

// Forget drops all bookkeeping for source immediately, used when a peer
// has explicitly disconnected or has been declared lost by the Dispatch
// Handler.
func (d *Delivery) Forget(source net.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, source.String())
}
