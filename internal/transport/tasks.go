package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/DigitalExtinction/Game-sub002/internal/metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Channel capacities, carried over from the original implementation's task
// graph (crates/net/src/tasks/mod.rs): payload-carrying streams get room
// for a deep queue, control/system traffic is low-volume and gets a small
// bound instead.
const (
	payloadChannelCapacity = 1024
	controlChannelCapacity = 16
)

// CancellationDeadline bounds how long Close waits for the task graph to
// drain outstanding work before forcing the socket closed out from under
// it (spec §4.7 "graceful shutdown").
const CancellationDeadline = 5 * time.Second

// resendTick and confirmTick are how often the resender and confirmer
// tasks wake to scan for due work. They are independent of RTO/ConfirmDelay
// so a single slow peer's timeout doesn't stall every other peer's check.
const (
	resendTick  = 20 * time.Millisecond
	confirmTick = 10 * time.Millisecond
)

// sendJob is one already-encoded datagram waiting for the socket-send task
// to write it. It is the only thing besides RecvFrom that touches the
// underlying net.PacketConn, keeping the socket's write side owned by a
// single goroutine (spec §5 "UDP socket: exclusively owned by the single
// socket-send/recv pair").
type sendJob struct {
	datagram []byte
	target   net.Addr
}

// Communicator is the application-facing handle returned by Startup. Close
// shuts the task graph down; calling it again after it has returned is
// harmless.
type Communicator struct {
	Sender         PackageSender
	Receiver       PackageReceiver
	SystemReceiver PackageReceiver
	ConnErrors     ConnErrorReceiver

	cancel context.CancelFunc
	group  *errgroup.Group
	sock   *Socket
	log    *logrus.Entry
}

// Startup binds no new socket itself: it takes ownership of sock and wires
// the Dispatch/Delivery handlers and five concurrent tasks (inbound
// router, package sender, resender, confirmer, socket-send) into a
// running task graph, per spec §4.7 and the original implementation's
// `tasks::startup`. The system-receiver and user-receiver tasks spec §5
// names complete the pipeline one layer up, in the Game Server and
// Connector loops that read SystemReceiver/Receiver (see DESIGN.md).
func Startup(parent context.Context, sock *Socket, reg *metrics.Registry) *Communicator {
	ctx, cancel := context.WithCancel(parent)
	group, ctx := errgroup.WithContext(ctx)

	dispatch := NewDispatch(reg)
	delivery := NewDelivery(reg)

	outbound := make(chan OutPackage, payloadChannelCapacity)
	userIn := make(chan InPackage, payloadChannelCapacity)
	systemIn := make(chan InPackage, controlChannelCapacity)
	connErrs := make(chan ConnectionError, controlChannelCapacity)
	sendCh := make(chan sendJob, payloadChannelCapacity)

	log := logrus.WithField("component", "transport")

	// userIn/systemIn/connErrs each have exactly one producer task; once
	// that task has observed cancellation and returned, closing its
	// output channel(s) lets the application's blocking Recv calls
	// observe shutdown instead of hanging forever.
	group.Go(func() error {
		defer close(userIn)
		defer close(systemIn)
		return runInboundRouter(ctx, sock, delivery, dispatch, userIn, systemIn, log)
	})
	group.Go(func() error {
		return runPackageSender(ctx, dispatch, sendCh, outbound, log)
	})
	group.Go(func() error {
		defer close(connErrs)
		return runResender(ctx, dispatch, sendCh, connErrs, delivery, log)
	})
	group.Go(func() error {
		return runConfirmer(ctx, sendCh, delivery, log)
	})
	group.Go(func() error {
		return runSocketSend(ctx, sock, sendCh, log)
	})

	return &Communicator{
		Sender:         PackageSender{ch: outbound},
		Receiver:       PackageReceiver{ch: userIn},
		SystemReceiver: PackageReceiver{ch: systemIn},
		ConnErrors:     ConnErrorReceiver{ch: connErrs},
		cancel:         cancel,
		group:          group,
		sock:           sock,
		log:            log,
	}
}

// Close cancels the task graph and waits up to CancellationDeadline for
// every task to exit before forcing the underlying socket closed. It
// returns the joined errors of every task that exited abnormally.
func (c *Communicator) Close() error {
	c.cancel()

	done := make(chan error, 1)
	go func() { done <- c.group.Wait() }()

	select {
	case err := <-done:
		c.sock.Close()
		return err
	case <-time.After(CancellationDeadline):
		c.log.Warn("cancellation deadline exceeded, forcing socket closed")
		c.sock.Close()
		err := <-done
		return multierror.Append(err, fmt.Errorf("transport: cancellation deadline exceeded")).ErrorOrNil()
	}
}

// runInboundRouter reads datagrams off the socket, decodes their header,
// and demultiplexes them to the Delivery Handler and the system or user
// package stream (spec §4.3 Inbound Router).
func runInboundRouter(ctx context.Context, sock *Socket, delivery *Delivery, dispatch *Dispatch, userIn, systemIn chan<- InPackage, log *logrus.Entry) error {
	buf := make([]byte, MaxDatagram)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, addr, err := sock.RecvFrom(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if IsTransient(err) {
				continue
			}
			return fmt.Errorf("inbound router: %w", err)
		}
		data := append([]byte(nil), buf[:n]...)

		hdr, err := DecodeHeader(data)
		if err != nil {
			log.WithError(err).WithField("source", addr).Debug("dropping malformed datagram")
			continue
		}

		switch hdr.Kind {
		case KindConfirm:
			ids, err := DecodeConfirm(data)
			if err != nil {
				log.WithError(err).Debug("dropping malformed confirm datagram")
				continue
			}
			for _, id := range ids {
				dispatch.Confirmed(addr, id)
			}

		case KindPackage:
			id, payload, err := DecodePackage(data)
			if err != nil {
				log.WithError(err).Debug("dropping malformed package datagram")
				continue
			}
			reliability := reliabilityFrom(hdr.Reliable, hdr.Ordered)
			if reliability != Unreliable {
				if delivery.Received(addr, id, time.Now()) {
					continue
				}
			}
			in := InPackage{
				Data:        append([]byte(nil), payload...),
				Reliability: reliability,
				Peers:       hdr.PeerGroup,
				Source:      addr,
			}
			dest := userIn
			if hdr.PeerGroup == PeerGroupServer {
				dest = systemIn
			}
			select {
			case dest <- in:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// runPackageSender consumes application OutPackages, assigns and encodes
// package IDs for reliable ones via the Dispatch Handler, and hands the
// resulting datagrams to the socket-send task (spec §4.6 Package Sender).
func runPackageSender(ctx context.Context, dispatch *Dispatch, sendCh chan<- sendJob, outbound <-chan OutPackage, log *logrus.Entry) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkg, ok := <-outbound:
			if !ok {
				return nil
			}
			for _, target := range pkg.Targets {
				if err := sendOne(ctx, dispatch, sendCh, pkg, target); err != nil {
					log.WithError(err).WithField("target", target).Debug("send failed")
				}
			}
		}
	}
}

func sendOne(ctx context.Context, dispatch *Dispatch, sendCh chan<- sendJob, pkg OutPackage, target net.Addr) error {
	hdr := Header{
		Reliable:  pkg.Reliability.reliable(),
		Ordered:   pkg.Reliability.ordered(),
		PeerGroup: pkg.Peers,
	}
	var id uint32
	if hdr.Reliable {
		id = dispatch.Sent(target, hdr.PeerGroup, hdr.Ordered, pkg.Data)
	}
	datagram, err := EncodePackage(hdr, id, pkg.Data)
	if err != nil {
		return err
	}
	select {
	case sendCh <- sendJob{datagram: datagram, target: target}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runResender periodically asks the Dispatch Handler which reliable
// datagrams are due for retransmission, resends them with their original
// peer-group tag and ordered flag intact, discards bookkeeping for peers
// that have been failed longer than FailGrace, and reports newly failed
// peers as connection errors (spec §4.4, §4.7 Resender task).
func runResender(ctx context.Context, dispatch *Dispatch, sendCh chan<- sendJob, connErrs chan<- ConnectionError, delivery *Delivery, log *logrus.Entry) error {
	ticker := time.NewTicker(resendTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			due, lost := dispatch.Resend(now)
			for _, d := range due {
				hdr := Header{Reliable: true, Ordered: d.Ordered, PeerGroup: d.PeerGroup}
				datagram, err := EncodePackage(hdr, d.ID, d.Data)
				if err != nil {
					log.WithError(err).Debug("failed to re-encode datagram for resend")
					continue
				}
				select {
				case sendCh <- sendJob{datagram: datagram, target: d.Target}:
				case <-ctx.Done():
					return nil
				}
			}
			for _, target := range lost {
				delivery.Forget(target)
				select {
				case connErrs <- ConnectionError{Target: target}:
				case <-ctx.Done():
					return nil
				default:
					// Non-fatal if the application is slow to drain
					// connection errors; the original implementation
					// tolerates backpressure here rather than blocking
					// the resend loop on it.
					log.WithField("target", target).Warn("connection error channel full, dropping notification")
				}
			}
			dispatch.Clean(now)
		}
	}
}

// runConfirmer periodically asks the Delivery Handler which peers have
// confirmable IDs ready to flush and hands the resulting Confirm
// datagrams to the socket-send task (spec §4.5, §4.7 Confirmer task).
func runConfirmer(ctx context.Context, sendCh chan<- sendJob, delivery *Delivery, log *logrus.Entry) error {
	ticker := time.NewTicker(confirmTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			delivery.Clean(now)
			for _, batch := range delivery.DueConfirms(now) {
				datagram, err := EncodeConfirm(PeerGroupServer, batch.IDs)
				if err != nil {
					log.WithError(err).Debug("failed to encode confirm batch")
					continue
				}
				select {
				case sendCh <- sendJob{datagram: datagram, target: batch.Target}:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// runSocketSend is the single task that ever writes to sock: every other
// task hands it already-encoded datagrams over sendCh instead of touching
// the socket directly (spec §5 "UDP socket: exclusively owned by the
// single socket-send/recv pair").
func runSocketSend(ctx context.Context, sock *Socket, sendCh <-chan sendJob, log *logrus.Entry) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-sendCh:
			if err := sock.SendTo(ctx, job.datagram, job.target); err != nil {
				log.WithError(err).WithField("target", job.target).Debug("send failed")
			}
		}
	}
}
