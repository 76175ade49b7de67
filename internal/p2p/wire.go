package p2p

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/WendelHime/swarmbench/internal/decoder"
	"github.com/WendelHime/swarmbench/internal/shared/models"
)

// DefaultMaxFrameSize bounds a single frame. It fits a 16MiB piece with its header.
const DefaultMaxFrameSize = 16<<20 + 16

var ErrFrameTooLarge = errors.New("frame too large")

// WriteMessage writes msg as a 4-byte big-endian length, the type tag and the payload.
// The length counts the tag and the payload.
func WriteMessage(w io.Writer, msg models.PeerMessage) error {
	buf := make([]byte, 5, 5+len(msg.Payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(msg.Payload)))
	buf[4] = byte(msg.ID)
	buf = append(buf, msg.Payload...)
	_, err := w.Write(buf)
	return err
}

func ReadMessage(r io.Reader, maxFrameSize int) (models.PeerMessage, error) {
	msgLengthBuff, err := decoder.ReadBytes(r, 4)
	if err != nil {
		return models.PeerMessage{}, err
	}

	msgLength := int(binary.BigEndian.Uint32(msgLengthBuff))
	if msgLength == 0 {
		return models.PeerMessage{}, fmt.Errorf("%w: empty frame", ErrUnknownMessage)
	}
	if maxFrameSize > 0 && msgLength > maxFrameSize {
		return models.PeerMessage{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, msgLength)
	}

	body, err := decoder.ReadBytes(r, msgLength)
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return models.PeerMessage{}, err
	}

	return models.PeerMessage{
		ID:      models.MessageID(body[0]),
		Payload: body[1:],
		Length:  msgLength,
	}, nil
}
