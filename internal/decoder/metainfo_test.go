package decoder

import (
	"bytes"
	"crypto/sha1"
	"io"
	"strings"
	"testing"

	"github.com/WendelHime/swarmbench/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const singleFileInfo = "d6:lengthi90000e4:name14:Torrent_Folder12:piece lengthi32768e6:pieces60:0123456789abcdef01230000000000000000000000000000000000000000e"

func TestDescriptorDecoder(t *testing.T) {
	decoder := NewDecoder()

	var tests = []struct {
		name            string
		assert          func(t *testing.T, actual models.Descriptor, err error)
		givenDescriptor func() io.Reader
	}{
		{
			name: "validate single file descriptor",
			assert: func(t *testing.T, actual models.Descriptor, err error) {
				assert.Nil(t, err)
				assert.Equal(t, "udp://tracker.example.com:1337", actual.Announce)
				assert.Equal(t, "Torrent_Folder", actual.Info.Name)
				assert.Equal(t, int64(32768), actual.Info.PieceLength)
				assert.Equal(t, int64(90000), actual.Info.Length)
				assert.Equal(t, models.Hash(sha1.Sum([]byte(singleFileInfo))), actual.InfoHash)
				assert.Equal(t, []byte(singleFileInfo), actual.InfoBytes)
				require.Len(t, actual.PieceHashes, 3)
				assert.Equal(t, "0123456789abcdef0123", string(actual.PieceHashes[0][:]))
				assert.Equal(t, "00000000000000000000", string(actual.PieceHashes[1][:]))
				assert.Equal(t, "00000000000000000000", string(actual.PieceHashes[2][:]))
				assert.Equal(t, int64(90000-2*32768), actual.PieceSize(2))
			},
			givenDescriptor: func() io.Reader {
				var b strings.Builder
				b.WriteString("d")
				b.WriteString("8:announce30:udp://tracker.example.com:1337")
				b.WriteString("10:created by10:swarmbench")
				b.WriteString("4:info")
				b.WriteString(singleFileInfo)
				b.WriteString("e")
				return strings.NewReader(b.String())
			},
		},
		{
			name: "piece hashes not matching the length are rejected",
			assert: func(t *testing.T, actual models.Descriptor, err error) {
				assert.ErrorIs(t, err, ErrInvalidDescriptor)
			},
			givenDescriptor: func() io.Reader {
				var b strings.Builder
				b.WriteString("d")
				b.WriteString("8:announce30:udp://tracker.example.com:1337")
				b.WriteString("4:info")
				b.WriteString("d6:lengthi90000e4:name1:x12:piece lengthi32768e6:pieces20:0123456789abcdef0123e")
				b.WriteString("e")
				return strings.NewReader(b.String())
			},
		},
		{
			name: "garbage is rejected",
			assert: func(t *testing.T, actual models.Descriptor, err error) {
				assert.Error(t, err)
			},
			givenDescriptor: func() io.Reader {
				return strings.NewReader("not bencode")
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			actual, err := decoder.Decode(tt.givenDescriptor())
			tt.assert(t, actual, err)
		})
	}
}

func TestEncodeDecodeKeepsInfoHash(t *testing.T) {
	info := models.Info{
		Name:        "A_10kB",
		Length:      10240,
		PieceLength: 4096,
		Pieces:      strings.Repeat("a", 20) + strings.Repeat("b", 20) + strings.Repeat("c", 20),
	}
	desc, err := NewDescriptor("udp://127.0.0.1:6969", info)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, desc))

	decoded, err := NewDecoder().Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, desc.InfoHash, decoded.InfoHash)
	assert.Equal(t, desc.InfoBytes, decoded.InfoBytes)
	assert.Equal(t, desc.PieceHashes, decoded.PieceHashes)
	assert.Equal(t, "udp://127.0.0.1:6969", decoded.Announce)
}

func TestFromInfoBytesHashesRawBytes(t *testing.T) {
	desc, err := FromInfoBytes("", []byte(singleFileInfo))
	require.NoError(t, err)
	assert.Equal(t, models.Hash(sha1.Sum([]byte(singleFileInfo))), desc.InfoHash)
	assert.Equal(t, 3, desc.NumPieces())
}
