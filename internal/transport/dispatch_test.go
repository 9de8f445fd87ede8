package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func udpAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestDispatchSentThenConfirmedClearsPending(t *testing.T) {
	d := NewDispatch(nil)
	target := udpAddr(9001)

	id := d.Sent(target, PeerGroupPlayers, false, []byte("payload"))
	require.Equal(t, 1, d.Pending(target))

	require.True(t, d.Confirmed(target, id))
	require.Equal(t, 0, d.Pending(target))

	// Confirming an already-confirmed ID is a harmless no-op.
	require.False(t, d.Confirmed(target, id))
}

func TestDispatchIDsMonotonicallyIncrease(t *testing.T) {
	d := NewDispatch(nil)
	target := udpAddr(9002)

	var last uint32
	for i := 0; i < 100; i++ {
		id := d.Sent(target, PeerGroupPlayers, false, []byte("x"))
		require.Greater(t, id, last)
		last = id
	}
}

func TestDispatchResendDueAfterRTO(t *testing.T) {
	d := NewDispatch(nil)
	target := udpAddr(9003)

	start := time.Now()
	id := d.Sent(target, PeerGroupPlayers, false, []byte("x"))

	due, lost := d.Resend(start)
	require.Empty(t, due, "nothing should be due immediately")
	require.Empty(t, lost)

	due, lost = d.Resend(start.Add(InitialRTO + time.Millisecond))
	require.Len(t, due, 1)
	require.Equal(t, id, due[0].ID)
	require.Empty(t, lost)
}

// TestDispatchResendPreservesPeerGroupAndOrdered guards against a
// retransmit being re-tagged with the wrong peer-group or ordered flag: a
// reliable package destined for the player peer group must still say so
// on every retry, not just the first attempt.
func TestDispatchResendPreservesPeerGroupAndOrdered(t *testing.T) {
	d := NewDispatch(nil)
	target := udpAddr(9010)

	start := time.Now()
	d.Sent(target, PeerGroupPlayers, true, []byte("x"))

	due, _ := d.Resend(start.Add(InitialRTO + time.Millisecond))
	require.Len(t, due, 1)
	require.Equal(t, PeerGroupPlayers, due[0].PeerGroup)
	require.True(t, due[0].Ordered)
}

func TestDispatchEscalatesAfterMaxAttempts(t *testing.T) {
	d := NewDispatch(nil)
	target := udpAddr(9004)
	d.Sent(target, PeerGroupPlayers, false, []byte("x"))

	// Step by each backed-off RTO in turn, so the record is still younger
	// than DeadAfter when its attempts run out.
	now := time.Now()
	var lost []net.Addr
	for i := 0; i < MaxAttempts+1; i++ {
		step := InitialRTO << i
		if step > MaxRTO {
			step = MaxRTO
		}
		now = now.Add(step + time.Millisecond)
		_, l := d.Resend(now)
		lost = append(lost, l...)
	}
	require.Contains(t, lost, net.Addr(target))
	require.Equal(t, 0, d.Pending(target))
}

// TestDispatchEscalatesAfterDeadAfter guards the age-based backstop: a
// peer whose attempt count is still far below MaxAttempts but whose record
// has been outstanding longer than DeadAfter must still be declared lost.
func TestDispatchEscalatesAfterDeadAfter(t *testing.T) {
	d := NewDispatch(nil)
	target := udpAddr(9011)
	start := time.Now()
	d.Sent(target, PeerGroupPlayers, false, []byte("x"))

	_, lost := d.Resend(start.Add(DeadAfter + time.Second))
	require.Contains(t, lost, net.Addr(target))
	require.Equal(t, 0, d.Pending(target))
}

func TestDispatchCleanRemovesFailedPeerAfterGrace(t *testing.T) {
	d := NewDispatch(nil)
	target := udpAddr(9005)
	d.Sent(target, PeerGroupPlayers, false, []byte("x"))

	now := time.Now()
	for i := 0; i < MaxAttempts; i++ {
		now = now.Add(MaxRTO + time.Second)
		if _, lost := d.Resend(now); len(lost) > 0 {
			break
		}
	}
	require.Equal(t, 0, d.Pending(target))

	// Still within the grace window: Clean leaves the failed marker alone.
	d.Clean(now)
	require.Equal(t, 0, d.Pending(target))

	// Past the grace window: Clean discards the peer's bookkeeping
	// entirely, so a fresh Sent starts the peer over with nextRTO reset.
	d.Clean(now.Add(FailGrace + time.Millisecond))
	id := d.Sent(target, PeerGroupPlayers, false, []byte("y"))
	require.Equal(t, 1, d.Pending(target))
	require.NotZero(t, id)
}

func TestDispatchForgetRemovesPeerImmediately(t *testing.T) {
	d := NewDispatch(nil)
	target := udpAddr(9006)
	d.Sent(target, PeerGroupPlayers, false, []byte("x"))
	require.Equal(t, 1, d.Pending(target))

	d.Forget(target)
	require.Equal(t, 0, d.Pending(target))
}
