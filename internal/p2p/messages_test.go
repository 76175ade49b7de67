package p2p

import (
	"bytes"
	"io"
	"testing"

	"github.com/WendelHime/swarmbench/internal/shared/models"
	"github.com/boljen/go-bitmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFraming(t *testing.T) {
	var tests = []struct {
		name   string
		setup  func(t *testing.T) *bytes.Buffer
		assert func(t *testing.T, actual models.PeerMessage, err error)
	}{
		{
			name: "piece frame keeps its payload",
			setup: func(t *testing.T) *bytes.Buffer {
				buf := &bytes.Buffer{}
				require.NoError(t, WriteMessage(buf, Encode(Piece{Index: 3, Data: []byte("hello")})))
				// length 10 = tag + index + data
				assert.Equal(t, []byte{0, 0, 0, 10, byte(models.MessageIDPiece)}, buf.Bytes()[:5])
				return buf
			},
			assert: func(t *testing.T, actual models.PeerMessage, err error) {
				require.NoError(t, err)
				assert.Equal(t, models.MessageIDPiece, actual.ID)
				assert.Equal(t, 10, actual.Length)
				msg, err := Decode(actual)
				require.NoError(t, err)
				assert.Equal(t, Piece{Index: 3, Data: []byte("hello")}, msg)
			},
		},
		{
			name: "keepalive is a bare tag",
			setup: func(t *testing.T) *bytes.Buffer {
				buf := &bytes.Buffer{}
				require.NoError(t, WriteMessage(buf, Encode(Keepalive{})))
				assert.Equal(t, 5, buf.Len())
				return buf
			},
			assert: func(t *testing.T, actual models.PeerMessage, err error) {
				require.NoError(t, err)
				assert.Equal(t, models.MessageIDKeepalive, actual.ID)
				assert.Empty(t, actual.Payload)
			},
		},
		{
			name: "frame above the limit is refused",
			setup: func(t *testing.T) *bytes.Buffer {
				buf := &bytes.Buffer{}
				require.NoError(t, WriteMessage(buf, Encode(Metadata{Info: make([]byte, 100)})))
				return buf
			},
			assert: func(t *testing.T, actual models.PeerMessage, err error) {
				assert.ErrorIs(t, err, ErrFrameTooLarge)
			},
		},
		{
			name: "zero length frame",
			setup: func(t *testing.T) *bytes.Buffer {
				return bytes.NewBuffer([]byte{0, 0, 0, 0})
			},
			assert: func(t *testing.T, actual models.PeerMessage, err error) {
				assert.ErrorIs(t, err, ErrUnknownMessage)
			},
		},
		{
			name: "peer gone after the length prefix",
			setup: func(t *testing.T) *bytes.Buffer {
				return bytes.NewBuffer([]byte{0, 0, 0, 9})
			},
			assert: func(t *testing.T, actual models.PeerMessage, err error) {
				assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
			},
		},
		{
			name: "peer gone between frames",
			setup: func(t *testing.T) *bytes.Buffer {
				return &bytes.Buffer{}
			},
			assert: func(t *testing.T, actual models.PeerMessage, err error) {
				assert.ErrorIs(t, err, io.EOF)
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			buf := tt.setup(t)
			actual, err := ReadMessage(buf, 64)
			tt.assert(t, actual, err)
		})
	}
}

func TestDecode(t *testing.T) {
	pieces := bitmap.New(10)
	pieces.Set(1, true)
	pieces.Set(9, true)

	var tests = []struct {
		name     string
		raw      models.PeerMessage
		expected Message
		err      error
	}{
		{
			name:     "handshake",
			raw:      Encode(Handshake{SwarmID: models.Hash{1}, PeerID: models.Hash{2}}),
			expected: Handshake{SwarmID: models.Hash{1}, PeerID: models.Hash{2}},
		},
		{
			name:     "bitfield",
			raw:      Encode(Bitfield{Pieces: pieces}),
			expected: Bitfield{Pieces: pieces},
		},
		{
			name:     "have",
			raw:      Encode(Have{Index: 70000}),
			expected: Have{Index: 70000},
		},
		{
			name:     "cancel",
			raw:      Encode(Cancel{Index: 2}),
			expected: Cancel{Index: 2},
		},
		{
			name:     "metadata request",
			raw:      Encode(MetadataRequest{}),
			expected: MetadataRequest{},
		},
		{
			name: "unknown tag",
			raw:  models.PeerMessage{ID: 42, Length: 1},
			err:  ErrUnknownMessage,
		},
		{
			name: "request without index",
			raw:  models.PeerMessage{ID: models.MessageIDRequest, Payload: []byte{1}, Length: 2},
			err:  ErrMalformedMessage,
		},
		{
			name: "short handshake",
			raw:  models.PeerMessage{ID: models.MessageIDHandshake, Payload: make([]byte, 39), Length: 40},
			err:  ErrMalformedMessage,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			actual, err := Decode(tt.raw)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, actual)
		})
	}
}
