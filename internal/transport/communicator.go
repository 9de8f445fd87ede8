package transport

import "net"

// PackageSender is the application's outbound handle: queue an OutPackage
// and the task graph takes care of encoding, retries, and confirmation.
// The transport never closes the channel this wraps. Communicator.Close
// cancels the task graph instead; the package-sender task then exits
// without sending packages still queued on the channel, and pending
// confirms and unconfirmed reliable packages are not flushed or reported.
type PackageSender struct {
	ch chan<- OutPackage
}

// Send queues pkg for delivery. It blocks if the outbound channel is full,
// applying backpressure to the application rather than growing an unbounded
// queue.
func (s PackageSender) Send(pkg OutPackage) {
	s.ch <- pkg
}

// PackageReceiver is the application's inbound handle. Recv returns
// ok == false once the task graph has shut down and drained everything
// already queued, mirroring the original implementation's closed-channel
// receive semantics.
type PackageReceiver struct {
	ch <-chan InPackage
}

// Recv blocks until a package is available or the receiver is closed.
func (r PackageReceiver) Recv() (InPackage, bool) {
	pkg, ok := <-r.ch
	return pkg, ok
}

// ConnectionError reports that Target is considered unreachable: a reliable
// package to it ran out of retransmissions (MAX_ATTEMPTS) or stayed
// unconfirmed longer than DeadAfter.
type ConnectionError struct {
	Target net.Addr
}

// ConnErrorReceiver delivers one ConnectionError per peer the Dispatch
// Handler gives up on. The application is expected to treat this as an
// implicit disconnect.
type ConnErrorReceiver struct {
	ch <-chan ConnectionError
}

// Recv blocks until a connection error is available or the receiver is
// closed.
func (r ConnErrorReceiver) Recv() (ConnectionError, bool) {
	err, ok := <-r.ch
	return err, ok
}
