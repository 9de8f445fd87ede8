package relay

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/DigitalExtinction/Game-sub002/internal/metrics"
	"github.com/DigitalExtinction/Game-sub002/internal/transport"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// GameState is the Game Server's lifecycle state (spec §4.10).
type GameState uint8

const (
	GameLobby GameState = iota
	GamePlaying
	GameDraining
	GameClosed
)

func (s GameState) String() string {
	switch s {
	case GameLobby:
		return "lobby"
	case GamePlaying:
		return "playing"
	case GameDraining:
		return "draining"
	case GameClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DrainTimeout bounds how long a Game Server lingers in Draining before it
// is declared Closed (spec §4.10 "Any→Closed after Draining timeout").
const DrainTimeout = 30 * time.Second

// flushTick is how often the per-recipient buffer is flushed to the
// network (spec §4.10 item 3, "tick ≈ 10 ms").
const flushTick = 10 * time.Millisecond

type playerSlot struct {
	addr      net.Addr
	readiness Readiness
}

// Game is one Game Server (spec §4.10): it owns a Transport instance,
// membership state, per-recipient outbound buffering, and readiness
// tracking for a single game session.
type Game struct {
	ID uuid.UUID

	comm     *transport.Communicator
	registry *Registry
	buffer   *Buffer
	metrics  *metrics.Registry
	log      *logrus.Entry

	mu          sync.Mutex
	maxPlayers  uint8
	slots       []*playerSlot
	state       GameState
	drainedAt   time.Time
	cancel      context.CancelFunc
}

// NewGame creates a Game Server bound to comm, with room for maxPlayers
// concurrent player slots.
func NewGame(comm *transport.Communicator, registry *Registry, reg *metrics.Registry, maxPlayers uint8) *Game {
	id := uuid.New()
	return &Game{
		ID:         id,
		comm:       comm,
		registry:   registry,
		buffer:     NewBuffer(),
		metrics:    reg,
		log:        logrus.WithFields(logrus.Fields{"component": "game", "game_id": id.String()}),
		maxPlayers: maxPlayers,
		slots:      make([]*playerSlot, maxPlayers),
		state:      GameLobby,
	}
}

// Run drives the Game Server's four concurrent loops (system message
// handling, player message handling, connection-error handling, buffer
// flush) until ctx is cancelled or the game reaches Closed. Reaching
// Closed cancels Run's own derived context and closes the game's
// transport, so every loop unwinds and Run returns, letting the Connector
// reclaim the game's MAX_GAMES slot (spec §4.10 "Any→Closed after
// Draining timeout").
func (g *Game) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return g.runSystemReceiver(ctx) })
	group.Go(func() error { return g.runPlayerReceiver(ctx) })
	group.Go(func() error { return g.runConnErrors(ctx) })
	group.Go(func() error { return g.runFlush(ctx) })

	return group.Wait()
}

func (g *Game) runSystemReceiver(ctx context.Context) error {
	for {
		pkg, ok := g.comm.SystemReceiver.Recv()
		if !ok {
			return nil
		}
		msg, err := DecodeToGame(pkg.Data)
		if err != nil {
			g.log.WithError(err).WithField("source", pkg.Source).Debug("dropping malformed to-game message")
			continue
		}
		g.handleToGame(pkg.Source, msg, pkg.Reliability)

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func (g *Game) runPlayerReceiver(ctx context.Context) error {
	for {
		pkg, ok := g.comm.Receiver.Recv()
		if !ok {
			return nil
		}
		g.handlePlayerPackage(pkg)

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func (g *Game) runConnErrors(ctx context.Context) error {
	for {
		connErr, ok := g.comm.ConnErrors.Recv()
		if !ok {
			return nil
		}
		// A peer the Dispatch Handler gave up on is treated exactly like
		// an explicit Leave (spec §4.10 "Error surfacing").
		g.handleToGame(connErr.Target, ToGame{Leave: true}, transport.ReliableUnordered)

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func (g *Game) runFlush(ctx context.Context) error {
	ticker := time.NewTicker(flushTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, f := range g.buffer.Flush(transport.MaxDatagram - 8) {
				g.comm.Sender.Send(transport.EncodeSingle(f.Data, f.Reliability, transport.PeerGroupPlayers, f.Target))
			}
			g.checkDrainTimeout()
		}
	}
}

func (g *Game) reply(target net.Addr, msg FromGame, reliability transport.Reliability) {
	g.comm.Sender.Send(transport.EncodeSingle(msg.Encode(), reliability, transport.PeerGroupServer, target))
}

func (g *Game) broadcastExcept(except net.Addr, msg FromGame, reliability transport.Reliability) {
	data := msg.Encode()
	for _, slot := range g.slots {
		if slot == nil {
			continue
		}
		if except != nil && slot.addr.String() == except.String() {
			continue
		}
		g.comm.Sender.Send(transport.EncodeSingle(data, reliability, transport.PeerGroupServer, slot.addr))
	}
}

func (g *Game) handleToGame(source net.Addr, msg ToGame, reliability transport.Reliability) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case msg.Join:
		g.handleJoinLocked(source, reliability)
	case msg.Leave:
		g.handleLeaveLocked(source)
	case msg.Readiness != nil:
		g.handleReadinessLocked(source, *msg.Readiness)
	}
}

func (g *Game) slotIndexLocked(addr net.Addr) int {
	for i, slot := range g.slots {
		if slot != nil && slot.addr.String() == addr.String() {
			return i
		}
	}
	return -1
}

func (g *Game) handleJoinLocked(source net.Addr, reliability transport.Reliability) {
	if g.slotIndexLocked(source) >= 0 {
		return
	}

	free := -1
	for i, slot := range g.slots {
		if slot == nil {
			free = i
			break
		}
	}
	if free < 0 {
		reason := JoinErrFull
		g.reply(source, FromGame{JoinError: &reason}, reliability)
		return
	}

	if err := g.registry.Reserve(source); err != nil {
		reason := JoinErrDifferentGame
		g.reply(source, FromGame{JoinError: &reason}, reliability)
		return
	}

	port := uint16(0)
	if a, ok := source.(*net.UDPAddr); ok {
		port = uint16(a.Port)
	}
	g.registry.Set(source, port)

	g.slots[free] = &playerSlot{addr: source, readiness: ReadinessJoined}
	id := uint8(free)

	g.reply(source, FromGame{Joined: &id}, reliability)
	g.broadcastExcept(source, FromGame{PeerJoined: &id}, transport.ReliableUnordered)

	if g.metrics != nil {
		g.metrics.PlayersJoined.Inc()
		g.metrics.ClientsJoined.Inc()
	}
}

func (g *Game) handleLeaveLocked(source net.Addr) {
	idx := g.slotIndexLocked(source)
	if idx < 0 {
		return
	}
	g.slots[idx] = nil
	g.registry.Free(source)

	id := uint8(idx)
	g.broadcastExcept(source, FromGame{PeerLeft: &id}, transport.ReliableUnordered)

	if g.metrics != nil {
		g.metrics.PlayersLeft.Inc()
	}

	if g.playerCountLocked() == 0 && g.state == GamePlaying {
		g.state = GameDraining
		g.drainedAt = time.Now()
	}
}

func (g *Game) handleReadinessLocked(source net.Addr, level Readiness) {
	idx := g.slotIndexLocked(source)
	if idx < 0 {
		return
	}
	g.slots[idx].readiness = level

	if g.state == GameLobby && g.allInitializedLocked() {
		g.state = GamePlaying
	}
}

func (g *Game) allInitializedLocked() bool {
	joined := false
	for _, slot := range g.slots {
		if slot == nil {
			continue
		}
		joined = true
		if slot.readiness != ReadinessInitialized {
			return false
		}
	}
	return joined
}

func (g *Game) playerCountLocked() int {
	n := 0
	for _, slot := range g.slots {
		if slot != nil {
			n++
		}
	}
	return n
}

func (g *Game) checkDrainTimeout() {
	g.mu.Lock()
	closed := false
	if g.state == GameDraining && time.Since(g.drainedAt) > DrainTimeout {
		g.state = GameClosed
		closed = true
	}
	cancel := g.cancel
	g.mu.Unlock()

	// Cancelling outside the lock stops the flush loop; closing the
	// transport closes the receiver channels the other three loops block
	// on, so Closed actually ends the session instead of just labeling it.
	if closed {
		if cancel != nil {
			cancel()
		}
		if err := g.comm.Close(); err != nil {
			g.log.WithError(err).Warn("game transport failed to shut down cleanly")
		}
	}
}

// State reports the Game Server's current lifecycle state.
func (g *Game) State() GameState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Game) handlePlayerPackage(pkg transport.InPackage) {
	g.mu.Lock()
	idx := g.slotIndexLocked(pkg.Source)
	if idx < 0 {
		g.mu.Unlock()
		g.reply(pkg.Source, FromGame{NotJoined: true}, pkg.Reliability)
		return
	}
	senderSlot := uint8(idx)
	for _, slot := range g.slots {
		if slot == nil || slot.addr.String() == pkg.Source.String() {
			continue
		}
		g.buffer.Push(slot.addr, senderSlot, pkg.Data, pkg.Reliability)
	}
	g.mu.Unlock()
}
