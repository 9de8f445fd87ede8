package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// backoffBase/backoffMax bound the jittered retry delay applied to
// transient socket errors (spec §4.2, §7: "Transport transient").
const (
	backoffBase = 2 * time.Millisecond
	backoffMax  = 100 * time.Millisecond
)

// Socket is the single owner of one bound UDP connection, shared by the
// datagram sender and receiver tasks (spec §4.2, §5 "Shared resources").
type Socket struct {
	conn *net.UDPConn
	log  *logrus.Entry
}

// Bind opens a UDP socket on the given port (0 picks an ephemeral port, as
// the Connector does for each new Game Server).
func Bind(port int) (*Socket, error) {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: bind port %d: %w", port, err)
	}
	return &Socket{
		conn: conn,
		log:  logrus.WithField("component", "socket"),
	}, nil
}

// Port returns the locally bound UDP port.
func (s *Socket) Port() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// Close releases the underlying UDP connection.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// SendTo writes one datagram to target, retrying transient OS-level errors
// with jittered backoff. It returns promptly on a closed/fatal socket so
// the owning task can terminate per spec §4.2/§7.
func (s *Socket) SendTo(ctx context.Context, data []byte, target net.Addr) error {
	delay := backoffBase
	for attempt := 0; ; attempt++ {
		_, err := s.conn.WriteTo(data, target)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return fmt.Errorf("transport: fatal send error: %w", err)
		}
		s.log.WithError(err).Debug("transient send error, retrying")

		jittered := delay/2 + time.Duration(rand.Int63n(int64(delay)/2+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}
		if delay < backoffMax {
			delay *= 2
			if delay > backoffMax {
				delay = backoffMax
			}
		}
	}
}

// RecvFrom blocks until one datagram is available, or ctx is cancelled. The
// returned slice is only valid until the next call; callers must copy it
// before handing it to another task.
func (s *Socket) RecvFrom(ctx context.Context, buf []byte) (int, net.Addr, error) {
	type result struct {
		n    int
		addr net.Addr
		err  error
	}
	done := make(chan result, 1)
	go func() {
		n, addr, err := s.conn.ReadFrom(buf)
		done <- result{n, addr, err}
	}()

	select {
	case <-ctx.Done():
		// The pending ReadFrom stays blocked until the socket itself is
		// closed, which Communicator.Close does once the tasks exit.
		return 0, nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			if !isTransient(r.err) {
				return 0, nil, fmt.Errorf("transport: fatal recv error: %w", r.err)
			}
			return 0, nil, errTransient{r.err}
		}
		return r.n, r.addr, nil
	}
}

type errTransient struct{ err error }

func (e errTransient) Error() string { return "transport: transient recv error: " + e.err.Error() }
func (e errTransient) Unwrap() error { return e.err }

// IsTransient reports whether err wraps a transient receive error a caller
// should simply retry instead of tearing down the task.
func IsTransient(err error) bool {
	var t errTransient
	return errors.As(err, &t)
}

func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
