package decoder

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"

	"github.com/WendelHime/swarmbench/internal/shared/models"
	jackpal "github.com/jackpal/bencode-go"
	"github.com/zeebo/bencode"
)

var ErrInvalidDescriptor = errors.New("invalid descriptor")

type DescriptorDecoder interface {
	Decode(io.Reader) (models.Descriptor, error)
}

type decoder struct{}

func NewDecoder() DescriptorDecoder {
	return decoder{}
}

// serialization struct that represents the structure of a descriptor file
type bencodeDescriptor struct {
	Announce string `bencode:"announce"`
	// Info is kept raw so the info hash is computed over the exact bytes that were shared
	Info bencode.RawMessage `bencode:"info"`
}

type encodeDescriptor struct {
	Announce string      `bencode:"announce"`
	Info     models.Info `bencode:"info"`
}

func (decoder) Decode(r io.Reader) (models.Descriptor, error) {
	var bd bencodeDescriptor
	err := bencode.NewDecoder(r).Decode(&bd)
	if err != nil {
		return models.Descriptor{}, fmt.Errorf("failed to decode descriptor: %w", err)
	}

	return FromInfoBytes(bd.Announce, bd.Info)
}

// FromInfoBytes rebuilds a descriptor from a bencoded info dictionary. The info hash is the
// SHA-1 of raw, so a leecher that received the bytes from a peer can check them against the
// swarm id it was given.
func FromInfoBytes(announce string, raw []byte) (models.Descriptor, error) {
	var info models.Info
	err := bencode.DecodeBytes(raw, &info)
	if err != nil {
		return models.Descriptor{}, fmt.Errorf("failed to decode info: %w", err)
	}

	hashes, err := calculatePiecesHashes(info)
	if err != nil {
		return models.Descriptor{}, err
	}

	infoBytes := make([]byte, len(raw))
	copy(infoBytes, raw)
	return models.Descriptor{
		Announce:    announce,
		Info:        info,
		InfoBytes:   infoBytes,
		InfoHash:    sha1.Sum(infoBytes),
		PieceHashes: hashes,
	}, nil
}

// NewDescriptor builds the descriptor for info, computing the canonical info bytes and hash.
func NewDescriptor(announce string, info models.Info) (models.Descriptor, error) {
	hashes, err := calculatePiecesHashes(info)
	if err != nil {
		return models.Descriptor{}, err
	}

	var buf bytes.Buffer
	err = jackpal.Marshal(&buf, info)
	if err != nil {
		return models.Descriptor{}, fmt.Errorf("failed to encode info: %w", err)
	}

	return models.Descriptor{
		Announce:    announce,
		Info:        info,
		InfoBytes:   buf.Bytes(),
		InfoHash:    sha1.Sum(buf.Bytes()),
		PieceHashes: hashes,
	}, nil
}

// Encode writes desc as a descriptor file that Decode reads back.
func Encode(w io.Writer, desc models.Descriptor) error {
	return jackpal.Marshal(w, encodeDescriptor{Announce: desc.Announce, Info: desc.Info})
}

func calculatePiecesHashes(info models.Info) ([]models.Hash, error) {
	if info.PieceLength <= 0 || info.Length < 0 || len(info.Pieces)%sha1.Size != 0 {
		return nil, ErrInvalidDescriptor
	}
	expected := (info.Length + info.PieceLength - 1) / info.PieceLength
	if int64(len(info.Pieces)/sha1.Size) != expected {
		return nil, fmt.Errorf("%w: %d piece hashes for %d pieces", ErrInvalidDescriptor, len(info.Pieces)/sha1.Size, expected)
	}

	piecesHashes := make([]models.Hash, 0, expected)
	for i := 0; i < len(info.Pieces); i += sha1.Size {
		var h models.Hash
		copy(h[:], info.Pieces[i:i+sha1.Size])
		piecesHashes = append(piecesHashes, h)
	}

	return piecesHashes, nil
}
