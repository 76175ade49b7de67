package piecestore

import (
	"crypto/sha1"
	"errors"
	"io"
	"strings"

	"github.com/WendelHime/swarmbench/internal/decoder"
	"github.com/WendelHime/swarmbench/internal/shared/models"
)

const DefaultPieceLength = 256 * 1024

// Split reads the whole file from r, hashing every pieceLength bytes, and returns its descriptor.
func Split(r io.Reader, name string, pieceLength int64, announce string) (models.Descriptor, error) {
	if pieceLength <= 0 {
		return models.Descriptor{}, decoder.ErrInvalidDescriptor
	}

	var pieces strings.Builder
	var length int64
	buf := make([]byte, pieceLength)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			sum := sha1.Sum(buf[:n])
			pieces.Write(sum[:])
			length += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return models.Descriptor{}, err
		}
	}

	return decoder.NewDescriptor(announce, models.Info{
		Name:        name,
		Length:      length,
		PieceLength: pieceLength,
		Pieces:      pieces.String(),
	})
}
