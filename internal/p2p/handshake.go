package p2p

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/WendelHime/swarmbench/internal/shared/models"
)

// ErrHandshakeRejected means the remote peer is not part of our swarm. The address must not
// be dialled again.
var ErrHandshakeRejected = errors.New("handshake rejected")

// DoHandshake sends our handshake and reads the remote one. Both sides send first, so the
// same call serves dialled and accepted connections.
func DoHandshake(conn net.Conn, swarmID, peerID models.Hash, timeout time.Duration) (Handshake, error) {
	if timeout > 0 {
		err := conn.SetDeadline(time.Now().Add(timeout))
		if err != nil {
			return Handshake{}, err
		}
		defer conn.SetDeadline(time.Time{})
	}

	err := WriteMessage(conn, Encode(Handshake{SwarmID: swarmID, PeerID: peerID}))
	if err != nil {
		return Handshake{}, err
	}

	raw, err := ReadMessage(conn, 64)
	if err != nil {
		return Handshake{}, err
	}
	msg, err := Decode(raw)
	if err != nil {
		return Handshake{}, fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
	}
	remote, ok := msg.(Handshake)
	if !ok {
		return Handshake{}, fmt.Errorf("%w: expected handshake, got %s", ErrHandshakeRejected, raw.ID)
	}
	if remote.SwarmID != swarmID {
		return Handshake{}, fmt.Errorf("%w: swarm %s", ErrHandshakeRejected, remote.SwarmID)
	}
	if remote.PeerID == peerID {
		return Handshake{}, fmt.Errorf("%w: connected to ourselves", ErrHandshakeRejected)
	}
	return remote, nil
}
