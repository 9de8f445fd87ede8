package relay

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/DigitalExtinction/Game-sub002/internal/metrics"
	"github.com/DigitalExtinction/Game-sub002/internal/transport"
	"github.com/sirupsen/logrus"
)

// Connector is the single fixed-port entry point of the relay (spec §4.9):
// it answers Ping, reserves and opens new games on OpenGame, and spawns
// one Game Server per accepted game.
type Connector struct {
	comm     *transport.Communicator
	sock     *transport.Socket
	registry *Registry
	metrics  *metrics.Registry
	log      *logrus.Entry

	maxGames int

	mu    sync.Mutex
	games map[uint16]*Game
}

// NewConnector binds the connector's well-known port. Run starts its
// Transport instance and serves traffic.
func NewConnector(port, maxGames int, reg *metrics.Registry) (*Connector, error) {
	sock, err := transport.Bind(port)
	if err != nil {
		return nil, fmt.Errorf("connector: %w", err)
	}
	return &Connector{
		sock:     sock,
		registry: NewRegistry(),
		metrics:  reg,
		log:      logrus.WithField("component", "connector"),
		maxGames: maxGames,
		games:    make(map[uint16]*Game),
	}, nil
}

// Run starts the connector's Transport task graph and serves ToServer
// messages until ctx is cancelled.
func (c *Connector) Run(ctx context.Context) error {
	c.comm = transport.Startup(ctx, c.sock, c.metrics)
	defer c.comm.Close()

	for {
		pkg, ok := c.comm.SystemReceiver.Recv()
		if !ok {
			return nil
		}
		msg, err := DecodeToServer(pkg.Data)
		if err != nil {
			c.log.WithError(err).WithField("source", pkg.Source).Debug("dropping malformed to-server message")
			continue
		}
		c.handle(ctx, pkg.Source, msg, pkg.Reliability)

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func (c *Connector) handle(ctx context.Context, source net.Addr, msg ToServer, reliability transport.Reliability) {
	switch {
	case msg.Ping != nil:
		c.comm.Sender.Send(transport.EncodeSingle(
			FromServer{Pong: msg.Ping}.Encode(), reliability, transport.PeerGroupServer, source))

	case msg.OpenGame != nil:
		c.handleOpenGame(ctx, source, *msg.OpenGame, reliability)
	}
}

func (c *Connector) handleOpenGame(ctx context.Context, source net.Addr, maxPlayers uint8, reliability transport.Reliability) {
	c.mu.Lock()
	full := len(c.games) >= c.maxGames
	c.mu.Unlock()

	if full {
		// The wire schema has only one GameOpenError variant (spec §6);
		// a relay at MAX_GAMES capacity reports it the same way a
		// conflicting reservation would, since from the caller's
		// perspective the game it asked for was not opened.
		c.replyOpenError(source, reliability)
		if c.metrics != nil {
			c.metrics.GamesOpenErrors.WithLabelValues("max_games").Inc()
		}
		return
	}

	if err := c.registry.Reserve(source); err != nil {
		c.replyOpenError(source, reliability)
		if c.metrics != nil {
			c.metrics.GamesOpenErrors.WithLabelValues("already_reserved").Inc()
		}
		return
	}
	if c.metrics != nil {
		c.metrics.ClientsReserved.Inc()
	}

	gameSock, err := transport.Bind(0)
	if err != nil {
		c.log.WithError(err).Warn("failed to bind game port")
		c.registry.Free(source)
		c.replyOpenError(source, reliability)
		return
	}
	port := uint16(gameSock.Port())
	c.registry.Set(source, port)

	gameComm := transport.Startup(ctx, gameSock, c.metrics)
	game := NewGame(gameComm, c.registry, c.metrics, maxPlayers)

	c.mu.Lock()
	c.games[port] = game
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.GamesOpen.Inc()
	}

	go func() {
		if err := game.Run(ctx); err != nil {
			c.log.WithError(err).WithField("port", port).Warn("game server exited with error")
		}
		if err := gameComm.Close(); err != nil {
			c.log.WithError(err).WithField("port", port).Warn("game transport failed to shut down cleanly")
		}
		c.mu.Lock()
		delete(c.games, port)
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.GamesOpen.Dec()
		}
	}()

	portCopy := port
	c.comm.Sender.Send(transport.EncodeSingle(
		FromServer{GameOpened: &portCopy}.Encode(), reliability, transport.PeerGroupServer, source))
}

func (c *Connector) replyOpenError(source net.Addr, reliability transport.Reliability) {
	reason := GameOpenErrDifferentGame
	c.comm.Sender.Send(transport.EncodeSingle(
		FromServer{GameOpenError: &reason}.Encode(), reliability, transport.PeerGroupServer, source))
}

// Games returns the number of currently open games, for tests and
// /healthz-style introspection.
func (c *Connector) Games() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.games)
}
