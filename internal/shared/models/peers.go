package models

import (
	"time"

	"github.com/boljen/go-bitmap"
)

// PeerRecord is what a participant knows about a remote peer. It is created on tracker
// discovery or on an inbound handshake and dropped on timeout or connection failure.
type PeerRecord struct {
	Addr     Addr
	PeerID   Hash
	Pieces   bitmap.Bitmap
	LastSeen time.Time
}

// PeerMessage is a raw frame read from or written to a peer: a one byte type tag followed
// by its payload. Length counts the tag and the payload.
type PeerMessage struct {
	ID      MessageID
	Payload []byte
	Length  int
}
