package models

import (
	"encoding/hex"
	"errors"
)

// Descriptor describes a shared file. It is immutable once created: the seeder builds it by
// splitting the file and every leecher derives the same InfoHash from the same Info.
type Descriptor struct {
	Announce string
	Info     Info
	// InfoBytes is the canonical bencoding of Info; InfoHash is its SHA-1.
	InfoBytes   []byte
	InfoHash    Hash
	PieceHashes []Hash
}

type Info struct {
	Name        string `bencode:"name"`
	Length      int64  `bencode:"length"`
	PieceLength int64  `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
}

func (d Descriptor) NumPieces() int {
	return len(d.PieceHashes)
}

// PieceSize returns the length of piece index. Every piece is PieceLength long except the last,
// which holds whatever is left.
func (d Descriptor) PieceSize(index int) int64 {
	if index == d.NumPieces()-1 {
		return d.Info.Length - int64(d.NumPieces()-1)*d.Info.PieceLength
	}
	return d.Info.PieceLength
}

func (d Descriptor) PieceOffset(index int) int64 {
	return int64(index) * d.Info.PieceLength
}

type Hash [20]byte

var ErrInvalidHash = errors.New("invalid hash")

func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != len(h) {
		return h, ErrInvalidHash
	}
	copy(h[:], b)
	return h, nil
}

func HashFromHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, ErrInvalidHash
	}
	return HashFromBytes(b)
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) Bytes() []byte {
	return h[:]
}
