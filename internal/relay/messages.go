// Package relay implements the multi-tenant game relay: the Client
// Registry, the Connector, and the Game Server state machine that runs
// atop internal/transport.
package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedMessage wraps every decode failure across the four message
// vocabularies, mirroring the transport codec's single decode-error
// taxonomy (spec §6, §7 "Protocol" errors).
var ErrMalformedMessage = errors.New("relay: malformed message")

// Readiness is the three-level per-player signal gating the game state
// machine (spec §6 To-Game).
type Readiness uint8

const (
	ReadinessJoined Readiness = iota
	ReadinessPrepared
	ReadinessInitialized
)

// GameOpenError is the reason an OpenGame request was refused.
type GameOpenError uint8

const (
	GameOpenErrDifferentGame GameOpenError = iota
)

func (e GameOpenError) Error() string {
	switch e {
	case GameOpenErrDifferentGame:
		return "already reserved or joined to a different game"
	default:
		return "unknown game-open error"
	}
}

// JoinError is the reason a Join against a Game Server was refused.
type JoinError uint8

const (
	JoinErrFull JoinError = iota
	JoinErrDifferentGame
)

func (e JoinError) Error() string {
	switch e {
	case JoinErrFull:
		return "game is full"
	case JoinErrDifferentGame:
		return "player belongs to a different game"
	default:
		return "unknown join error"
	}
}

// ToServer tags (spec §6 To-Server).
const (
	tagPing uint64 = iota
	tagOpenGame
)

// ToServer is the tagged-union of messages the Connector accepts.
type ToServer struct {
	Ping      *uint32
	OpenGame  *uint8 // max_players
}

func (m ToServer) Encode() []byte {
	switch {
	case m.Ping != nil:
		buf := make([]byte, 0, 10)
		buf = appendTag(buf, tagPing)
		buf = appendUint32(buf, *m.Ping)
		return buf
	case m.OpenGame != nil:
		buf := make([]byte, 0, 2)
		buf = appendTag(buf, tagOpenGame)
		buf = append(buf, *m.OpenGame)
		return buf
	default:
		return nil
	}
}

func DecodeToServer(b []byte) (ToServer, error) {
	tag, rest, err := readTag(b)
	if err != nil {
		return ToServer{}, fmt.Errorf("to-server: %w", err)
	}
	switch tag {
	case tagPing:
		id, err := readUint32(rest)
		if err != nil {
			return ToServer{}, fmt.Errorf("to-server ping: %w", err)
		}
		return ToServer{Ping: &id}, nil
	case tagOpenGame:
		if len(rest) != 1 {
			return ToServer{}, fmt.Errorf("to-server open-game: %w", ErrMalformedMessage)
		}
		max := rest[0]
		return ToServer{OpenGame: &max}, nil
	default:
		return ToServer{}, fmt.Errorf("to-server: %w: unknown tag %d", ErrMalformedMessage, tag)
	}
}

// FromServer tags (spec §6 From-Server).
const (
	tagPong uint64 = iota
	tagGameOpened
	tagGameOpenError
)

// FromServer is the tagged-union of messages the Connector emits.
type FromServer struct {
	Pong          *uint32
	GameOpened    *uint16 // port
	GameOpenError *GameOpenError
}

func (m FromServer) Encode() []byte {
	switch {
	case m.Pong != nil:
		buf := appendTag(nil, tagPong)
		return appendUint32(buf, *m.Pong)
	case m.GameOpened != nil:
		buf := appendTag(nil, tagGameOpened)
		return appendUint16(buf, *m.GameOpened)
	case m.GameOpenError != nil:
		buf := appendTag(nil, tagGameOpenError)
		return append(buf, byte(*m.GameOpenError))
	default:
		return nil
	}
}

func DecodeFromServer(b []byte) (FromServer, error) {
	tag, rest, err := readTag(b)
	if err != nil {
		return FromServer{}, fmt.Errorf("from-server: %w", err)
	}
	switch tag {
	case tagPong:
		id, err := readUint32(rest)
		if err != nil {
			return FromServer{}, fmt.Errorf("from-server pong: %w", err)
		}
		return FromServer{Pong: &id}, nil
	case tagGameOpened:
		port, err := readUint16(rest)
		if err != nil {
			return FromServer{}, fmt.Errorf("from-server game-opened: %w", err)
		}
		return FromServer{GameOpened: &port}, nil
	case tagGameOpenError:
		if len(rest) != 1 {
			return FromServer{}, fmt.Errorf("from-server game-open-error: %w", ErrMalformedMessage)
		}
		reason := GameOpenError(rest[0])
		return FromServer{GameOpenError: &reason}, nil
	default:
		return FromServer{}, fmt.Errorf("from-server: %w: unknown tag %d", ErrMalformedMessage, tag)
	}
}

// ToGame tags (spec §6 To-Game).
const (
	tagJoin uint64 = iota
	tagLeave
	tagReadiness
)

// ToGame is the tagged-union of server-directed (peer-group=Server)
// messages a Game Server accepts. Player-directed traffic (peer-group=
// Players) is opaque and never parsed as ToGame.
type ToGame struct {
	Join      bool
	Leave     bool
	Readiness *Readiness
}

func (m ToGame) Encode() []byte {
	switch {
	case m.Join:
		return appendTag(nil, tagJoin)
	case m.Leave:
		return appendTag(nil, tagLeave)
	case m.Readiness != nil:
		buf := appendTag(nil, tagReadiness)
		return append(buf, byte(*m.Readiness))
	default:
		return nil
	}
}

func DecodeToGame(b []byte) (ToGame, error) {
	tag, rest, err := readTag(b)
	if err != nil {
		return ToGame{}, fmt.Errorf("to-game: %w", err)
	}
	switch tag {
	case tagJoin:
		return ToGame{Join: true}, nil
	case tagLeave:
		return ToGame{Leave: true}, nil
	case tagReadiness:
		if len(rest) != 1 {
			return ToGame{}, fmt.Errorf("to-game readiness: %w", ErrMalformedMessage)
		}
		level := Readiness(rest[0])
		return ToGame{Readiness: &level}, nil
	default:
		return ToGame{}, fmt.Errorf("to-game: %w: unknown tag %d", ErrMalformedMessage, tag)
	}
}

// FromGame tags (spec §6 From-Game).
const (
	tagJoined uint64 = iota
	tagJoinError
	tagPeerJoined
	tagPeerLeft
	tagNotJoined
	tagGameEnd
)

// FromGame is the tagged-union of messages a Game Server sends back over
// peer-group=Server.
type FromGame struct {
	Joined    *uint8
	JoinError *JoinError
	PeerJoined *uint8
	PeerLeft   *uint8
	NotJoined  bool
	GameEnd    *bool
}

func (m FromGame) Encode() []byte {
	switch {
	case m.Joined != nil:
		return append(appendTag(nil, tagJoined), *m.Joined)
	case m.JoinError != nil:
		return append(appendTag(nil, tagJoinError), byte(*m.JoinError))
	case m.PeerJoined != nil:
		return append(appendTag(nil, tagPeerJoined), *m.PeerJoined)
	case m.PeerLeft != nil:
		return append(appendTag(nil, tagPeerLeft), *m.PeerLeft)
	case m.NotJoined:
		return appendTag(nil, tagNotJoined)
	case m.GameEnd != nil:
		var b byte
		if *m.GameEnd {
			b = 1
		}
		return append(appendTag(nil, tagGameEnd), b)
	default:
		return nil
	}
}

func DecodeFromGame(b []byte) (FromGame, error) {
	tag, rest, err := readTag(b)
	if err != nil {
		return FromGame{}, fmt.Errorf("from-game: %w", err)
	}
	switch tag {
	case tagJoined:
		if len(rest) != 1 {
			return FromGame{}, fmt.Errorf("from-game joined: %w", ErrMalformedMessage)
		}
		id := rest[0]
		return FromGame{Joined: &id}, nil
	case tagJoinError:
		if len(rest) != 1 {
			return FromGame{}, fmt.Errorf("from-game join-error: %w", ErrMalformedMessage)
		}
		reason := JoinError(rest[0])
		return FromGame{JoinError: &reason}, nil
	case tagPeerJoined:
		if len(rest) != 1 {
			return FromGame{}, fmt.Errorf("from-game peer-joined: %w", ErrMalformedMessage)
		}
		id := rest[0]
		return FromGame{PeerJoined: &id}, nil
	case tagPeerLeft:
		if len(rest) != 1 {
			return FromGame{}, fmt.Errorf("from-game peer-left: %w", ErrMalformedMessage)
		}
		id := rest[0]
		return FromGame{PeerLeft: &id}, nil
	case tagNotJoined:
		return FromGame{NotJoined: true}, nil
	case tagGameEnd:
		if len(rest) != 1 {
			return FromGame{}, fmt.Errorf("from-game game-end: %w", ErrMalformedMessage)
		}
		won := rest[0] != 0
		return FromGame{GameEnd: &won}, nil
	default:
		return FromGame{}, fmt.Errorf("from-game: %w: unknown tag %d", ErrMalformedMessage, tag)
	}
}

func appendTag(buf []byte, tag uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], tag)
	return append(buf, tmp[:n]...)
}

func readTag(b []byte) (uint64, []byte, error) {
	tag, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, nil, ErrMalformedMessage
	}
	return tag, b[n:], nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func readUint32(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, ErrMalformedMessage
	}
	return binary.BigEndian.Uint32(b), nil
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func readUint16(b []byte) (uint16, error) {
	if len(b) != 2 {
		return 0, ErrMalformedMessage
	}
	return binary.BigEndian.Uint16(b), nil
}
