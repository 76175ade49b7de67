package p2p

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/WendelHime/swarmbench/internal/shared/models"
	"github.com/boljen/go-bitmap"
)

var (
	ErrUnknownMessage   = errors.New("unknown message")
	ErrMalformedMessage = errors.New("malformed message")
)

// Message is one of Handshake, Bitfield, Have, Request, Piece, Cancel, Keepalive,
// MetadataRequest or Metadata.
type Message interface {
	ID() models.MessageID
	payload() []byte
}

type Handshake struct {
	SwarmID models.Hash
	PeerID  models.Hash
}

type Bitfield struct {
	Pieces bitmap.Bitmap
}

type Have struct {
	Index int
}

type Request struct {
	Index int
}

type Piece struct {
	Index int
	Data  []byte
}

type Cancel struct {
	Index int
}

type Keepalive struct{}

// MetadataRequest asks the peer for the bencoded info dictionary of the swarm.
type MetadataRequest struct{}

type Metadata struct {
	Info []byte
}

func (Handshake) ID() models.MessageID       { return models.MessageIDHandshake }
func (Bitfield) ID() models.MessageID        { return models.MessageIDBitfield }
func (Have) ID() models.MessageID            { return models.MessageIDHave }
func (Request) ID() models.MessageID         { return models.MessageIDRequest }
func (Piece) ID() models.MessageID           { return models.MessageIDPiece }
func (Cancel) ID() models.MessageID          { return models.MessageIDCancel }
func (Keepalive) ID() models.MessageID       { return models.MessageIDKeepalive }
func (MetadataRequest) ID() models.MessageID { return models.MessageIDMetadataRequest }
func (Metadata) ID() models.MessageID        { return models.MessageIDMetadata }

func (m Handshake) payload() []byte {
	b := make([]byte, 0, 40)
	b = append(b, m.SwarmID[:]...)
	return append(b, m.PeerID[:]...)
}

func (m Bitfield) payload() []byte      { return []byte(m.Pieces) }
func (m Have) payload() []byte          { return indexPayload(m.Index) }
func (m Request) payload() []byte       { return indexPayload(m.Index) }
func (m Cancel) payload() []byte        { return indexPayload(m.Index) }
func (Keepalive) payload() []byte       { return nil }
func (MetadataRequest) payload() []byte { return nil }
func (m Metadata) payload() []byte      { return m.Info }

func (m Piece) payload() []byte {
	b := make([]byte, 4, 4+len(m.Data))
	binary.BigEndian.PutUint32(b, uint32(m.Index))
	return append(b, m.Data...)
}

func indexPayload(index int) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(index))
}

// Encode turns a message into its raw frame.
func Encode(m Message) models.PeerMessage {
	payload := m.payload()
	return models.PeerMessage{ID: m.ID(), Payload: payload, Length: 1 + len(payload)}
}

// Decode turns a raw frame into its message. Tags outside the known set are rejected with
// ErrUnknownMessage.
func Decode(msg models.PeerMessage) (Message, error) {
	p := msg.Payload
	switch msg.ID {
	case models.MessageIDHandshake:
		if len(p) != 40 {
			return nil, fmt.Errorf("%w: handshake of %d bytes", ErrMalformedMessage, len(p))
		}
		var h Handshake
		copy(h.SwarmID[:], p[:20])
		copy(h.PeerID[:], p[20:])
		return h, nil
	case models.MessageIDBitfield:
		return Bitfield{Pieces: bitmap.Bitmap(p)}, nil
	case models.MessageIDHave:
		index, err := decodeIndex(msg)
		return Have{Index: index}, err
	case models.MessageIDRequest:
		index, err := decodeIndex(msg)
		return Request{Index: index}, err
	case models.MessageIDCancel:
		index, err := decodeIndex(msg)
		return Cancel{Index: index}, err
	case models.MessageIDPiece:
		if len(p) < 4 {
			return nil, fmt.Errorf("%w: piece without index", ErrMalformedMessage)
		}
		return Piece{Index: int(binary.BigEndian.Uint32(p[:4])), Data: p[4:]}, nil
	case models.MessageIDKeepalive:
		return Keepalive{}, nil
	case models.MessageIDMetadataRequest:
		return MetadataRequest{}, nil
	case models.MessageIDMetadata:
		return Metadata{Info: p}, nil
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownMessage, msg.ID)
	}
}

func decodeIndex(msg models.PeerMessage) (int, error) {
	if len(msg.Payload) != 4 {
		return 0, fmt.Errorf("%w: %s with %d byte payload", ErrMalformedMessage, msg.ID, len(msg.Payload))
	}
	return int(binary.BigEndian.Uint32(msg.Payload)), nil
}
