package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/DigitalExtinction/Game-sub002/internal/transport"
	"github.com/stretchr/testify/require"
)

func sendPackage(t *testing.T, conn *net.UDPConn, to *net.UDPAddr, payload []byte) {
	t.Helper()
	datagram, err := transport.EncodePackage(transport.Header{PeerGroup: transport.PeerGroupServer}, 0, payload)
	require.NoError(t, err)
	_, err = conn.WriteToUDP(datagram, to)
	require.NoError(t, err)
}

func recvFromServer(t *testing.T, conn *net.UDPConn) FromServer {
	t.Helper()
	buf := make([]byte, transport.MaxDatagram)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)

	_, payload, err := transport.DecodePackage(buf[:n])
	require.NoError(t, err)

	msg, err := DecodeFromServer(payload)
	require.NoError(t, err)
	return msg
}

func recvFromGame(t *testing.T, conn *net.UDPConn) FromGame {
	t.Helper()
	buf := make([]byte, transport.MaxDatagram)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)

	_, payload, err := transport.DecodePackage(buf[:n])
	require.NoError(t, err)

	msg, err := DecodeFromGame(payload)
	require.NoError(t, err)
	return msg
}

// sendPlayerPackage sends a raw peer-group=Players payload directly, the
// way a connected player's game client would, bypassing the ToGame/
// FromGame envelope entirely.
func sendPlayerPackage(t *testing.T, conn *net.UDPConn, to *net.UDPAddr, payload []byte, reliable bool) {
	t.Helper()
	datagram, err := transport.EncodePackage(transport.Header{Reliable: reliable, PeerGroup: transport.PeerGroupPlayers}, 1, payload)
	require.NoError(t, err)
	_, err = conn.WriteToUDP(datagram, to)
	require.NoError(t, err)
}

// recvPlayerBroadcast reads datagrams off conn until it finds one tagged
// peer-group=Players, skipping any leftover peer-group=Server traffic
// (e.g. an earlier joiner's PeerJoined notification) still queued ahead
// of it. It returns the sender's player slot, the coalesced inner payload,
// and the package ID the datagram carried.
func recvPlayerBroadcast(t *testing.T, conn *net.UDPConn) (uint8, []byte, uint32) {
	t.Helper()
	buf := make([]byte, transport.MaxDatagram)
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		n, _, err := conn.ReadFromUDP(buf)
		require.NoError(t, err)

		hdr, err := transport.DecodeHeader(buf[:n])
		require.NoError(t, err)
		if hdr.PeerGroup != transport.PeerGroupPlayers {
			continue
		}

		id, payload, err := transport.DecodePackage(buf[:n])
		require.NoError(t, err)
		inner, err := DecodeInner(payload)
		require.NoError(t, err)
		require.Len(t, inner, 1)
		return inner[0].SenderSlot, inner[0].Payload, id
	}
}

// openThreePlayerGame opens a fresh game through connector and joins three
// players to it, returning the game's address and each player's socket in
// join order (so players[i] holds player slot i).
func openThreePlayerGame(t *testing.T) (*Connector, *net.UDPAddr, []*net.UDPConn) {
	t.Helper()
	connector, err := NewConnector(0, 8, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = connector.Run(ctx) }()

	connectorAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: connector.sock.Port()}

	opener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { opener.Close() })

	maxPlayers := uint8(4)
	sendPackage(t, opener, connectorAddr, ToServer{OpenGame: &maxPlayers}.Encode())
	opened := recvFromServer(t, opener)
	require.NotNil(t, opened.GameOpened)
	gameAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(*opened.GameOpened)}

	players := make([]*net.UDPConn, 3)
	for i := range players {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })

		sendPackage(t, conn, gameAddr, ToGame{Join: true}.Encode())
		joined := recvFromGame(t, conn)
		require.NotNil(t, joined.Joined)
		require.Equal(t, uint8(i), *joined.Joined)
		players[i] = conn
	}
	return connector, gameAddr, players
}

// TestGame_PlayerBroadcast exercises spec scenario S4: a reliable
// peer-group=Players payload from one joined player fans out to every
// other player tagged with the sender's slot, and never loops back to the
// sender itself.
func TestGame_PlayerBroadcast(t *testing.T) {
	_, gameAddr, players := openThreePlayerGame(t)

	payload := []byte("hello")
	sendPlayerPackage(t, players[0], gameAddr, payload, true)

	for i := 1; i < len(players); i++ {
		slot, got, _ := recvPlayerBroadcast(t, players[i])
		require.Equal(t, uint8(0), slot)
		require.Equal(t, payload, got)
	}

	// Player 0 still has the later joiners' PeerJoined notifications (and
	// their retransmits) queued, so only peer-group=Players traffic counts.
	require.NoError(t, players[0].SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	buf := make([]byte, transport.MaxDatagram)
	for {
		n, _, err := players[0].ReadFromUDP(buf)
		if err != nil {
			break
		}
		hdr, err := transport.DecodeHeader(buf[:n])
		require.NoError(t, err)
		require.NotEqual(t, transport.PeerGroupPlayers, hdr.PeerGroup, "the sender must never receive its own broadcast back")
	}
}

// TestGame_UnreachablePeerSynthesizesLeave exercises spec scenario S5: a
// player whose socket goes silent never acknowledges a reliable package,
// so the Dispatch Handler exhausts its retries, the Game Server treats
// that exactly like an explicit Leave, broadcasts PeerLeft to the
// remaining players, and frees the peer's registry reservation.
func TestGame_UnreachablePeerSynthesizesLeave(t *testing.T) {
	connector, gameAddr, players := openThreePlayerGame(t)

	unreachableAddr := players[2].LocalAddr().(*net.UDPAddr)
	// Go silent: stop reading so every reliable retransmit to player 2
	// times out instead of ever being read, let alone confirmed.
	players[2].Close()

	sendPlayerPackage(t, players[0], gameAddr, []byte("ping"), true)

	deadline := time.Now().Add(transport.DeadAfter + 5*time.Second)
	var sawLeft bool
	for _, target := range players[:2] {
		require.NoError(t, target.SetReadDeadline(deadline))
		for {
			buf := make([]byte, transport.MaxDatagram)
			n, _, err := target.ReadFromUDP(buf)
			require.NoError(t, err, "expected a PeerLeft broadcast for the unreachable player before the deadline")

			hdr, err := transport.DecodeHeader(buf[:n])
			require.NoError(t, err)
			if hdr.PeerGroup != transport.PeerGroupServer {
				continue
			}
			_, payload, err := transport.DecodePackage(buf[:n])
			require.NoError(t, err)
			msg, err := DecodeFromGame(payload)
			require.NoError(t, err)
			if msg.PeerLeft != nil && *msg.PeerLeft == 2 {
				sawLeft = true
				break
			}
		}
	}
	require.True(t, sawLeft, "every remaining player should observe PeerLeft for the unreachable peer")

	require.Eventually(t, func() bool {
		_, joined := connector.registry.Port(unreachableAddr)
		return !joined
	}, transport.DeadAfter+5*time.Second, 50*time.Millisecond, "registry entry for the unreachable player must be freed")
}

// TestGame_DuplicateReliablePackageSuppressed exercises spec scenario S6:
// two identical reliable datagrams (same package ID) delivered back to
// back must be surfaced to the application exactly once, even though both
// still provoke an acknowledgement.
func TestGame_DuplicateReliablePackageSuppressed(t *testing.T) {
	_, gameAddr, players := openThreePlayerGame(t)

	payload := []byte("dup")
	datagram, err := transport.EncodePackage(transport.Header{Reliable: true, PeerGroup: transport.PeerGroupPlayers}, 7, payload)
	require.NoError(t, err)

	_, err = players[0].WriteToUDP(datagram, gameAddr)
	require.NoError(t, err)
	_, err = players[0].WriteToUDP(datagram, gameAddr)
	require.NoError(t, err)

	slot, got, id := recvPlayerBroadcast(t, players[1])
	require.Equal(t, uint8(0), slot)
	require.Equal(t, payload, got)

	// Player 1 never confirms, so the game retransmits that one package
	// under the same ID (and its earlier PeerJoined on peer-group=Server);
	// a second delivery of the duplicate would go out under a new ID.
	require.NoError(t, players[1].SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	buf := make([]byte, transport.MaxDatagram)
	for {
		n, _, err := players[1].ReadFromUDP(buf)
		if err != nil {
			break
		}
		hdr, err := transport.DecodeHeader(buf[:n])
		require.NoError(t, err)
		if hdr.PeerGroup != transport.PeerGroupPlayers {
			continue
		}
		again, _, err := transport.DecodePackage(buf[:n])
		require.NoError(t, err)
		require.Equal(t, id, again, "the duplicate must not be delivered a second time")
	}
}

// TestConnector_Ping exercises spec scenario S1: a Ping is answered with a
// Pong carrying the same correlation id, addressed back to the sender.
func TestConnector_Ping(t *testing.T) {
	connector, err := NewConnector(0, 8, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = connector.Run(ctx) }()

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer client.Close()

	connectorAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: connector.sock.Port()}
	id := uint32(42)
	sendPackage(t, client, connectorAddr, ToServer{Ping: &id}.Encode())

	msg := recvFromServer(t, client)
	require.NotNil(t, msg.Pong)
	require.Equal(t, uint32(42), *msg.Pong)
}

// TestConnector_OpenGameThenJoin exercises spec scenario S2: a fresh client
// opens a game and gets a freshly bound port back; a second client joining
// that port is assigned player slot 0.
func TestConnector_OpenGameThenJoin(t *testing.T) {
	connector, err := NewConnector(0, 8, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = connector.Run(ctx) }()

	opener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer opener.Close()

	connectorAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: connector.sock.Port()}
	maxPlayers := uint8(4)
	sendPackage(t, opener, connectorAddr, ToServer{OpenGame: &maxPlayers}.Encode())

	msg := recvFromServer(t, opener)
	require.NotNil(t, msg.GameOpened)
	gamePort := *msg.GameOpened
	require.NotZero(t, gamePort)

	joiner, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer joiner.Close()

	gameAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(gamePort)}
	datagram, err := transport.EncodePackage(transport.Header{PeerGroup: transport.PeerGroupServer}, 0, ToGame{Join: true}.Encode())
	require.NoError(t, err)
	_, err = joiner.WriteToUDP(datagram, gameAddr)
	require.NoError(t, err)

	buf := make([]byte, transport.MaxDatagram)
	require.NoError(t, joiner.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := joiner.ReadFromUDP(buf)
	require.NoError(t, err)
	_, payload, err := transport.DecodePackage(buf[:n])
	require.NoError(t, err)
	joined, err := DecodeFromGame(payload)
	require.NoError(t, err)
	require.NotNil(t, joined.Joined)
	require.Equal(t, uint8(0), *joined.Joined)
}

// TestConnector_OpenGameConflict exercises spec scenario S3: a client
// already reserved/joined to a game that sends OpenGame again is refused
// with GameOpenError(DifferentGame) and no new port is bound.
func TestConnector_OpenGameConflict(t *testing.T) {
	connector, err := NewConnector(0, 8, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = connector.Run(ctx) }()

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer client.Close()

	connectorAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: connector.sock.Port()}
	maxPlayers := uint8(4)

	sendPackage(t, client, connectorAddr, ToServer{OpenGame: &maxPlayers}.Encode())
	first := recvFromServer(t, client)
	require.NotNil(t, first.GameOpened)

	gamesBefore := connector.Games()

	sendPackage(t, client, connectorAddr, ToServer{OpenGame: &maxPlayers}.Encode())
	second := recvFromServer(t, client)
	require.NotNil(t, second.GameOpenError)
	require.Equal(t, GameOpenErrDifferentGame, *second.GameOpenError)
	require.Equal(t, gamesBefore, connector.Games())
}
