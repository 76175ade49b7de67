package piecestore

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/WendelHime/swarmbench/internal/shared/models"
	"github.com/boljen/go-bitmap"
	lru "github.com/hashicorp/golang-lru"
)

var (
	ErrHashMismatch = errors.New("piece hash mismatch")
	ErrStorageWrite = errors.New("storage write failure")
	ErrInvalidIndex = errors.New("invalid piece index")
	ErrMissingPiece = errors.New("missing piece")
	ErrIncomplete   = errors.New("not all pieces are stored")
)

// Store holds the pieces of one file. It is the only writer of its backend: pieces are
// verified against the descriptor before they are persisted and marked have, and a piece that
// is have is never written again.
type Store struct {
	mu      sync.RWMutex
	desc    models.Descriptor
	have    bitmap.Bitmap
	count   int
	backend Backend
	cache   *lru.Cache
}

// New returns an empty store. cacheSize is the number of pieces kept in the read cache,
// zero disables it.
func New(desc models.Descriptor, backend Backend, cacheSize int) (*Store, error) {
	s := &Store{
		desc:    desc,
		have:    bitmap.New(desc.NumPieces()),
		backend: backend,
	}
	if cacheSize > 0 {
		cache, err := lru.New(cacheSize)
		if err != nil {
			return nil, err
		}
		s.cache = cache
	}
	return s, nil
}

// NewSeeded returns a store whose backend already holds the whole file. With verify set every
// piece is checked against the descriptor first.
func NewSeeded(desc models.Descriptor, backend Backend, cacheSize int, verify bool) (*Store, error) {
	s, err := New(desc, backend, cacheSize)
	if err != nil {
		return nil, err
	}
	for i := 0; i < desc.NumPieces(); i++ {
		if verify {
			data, err := s.readBackend(i)
			if err != nil {
				return nil, err
			}
			if sha1.Sum(data) != desc.PieceHashes[i] {
				return nil, fmt.Errorf("%w: source piece %d", ErrHashMismatch, i)
			}
		}
		s.have.Set(i, true)
	}
	s.count = desc.NumPieces()
	return s, nil
}

func (s *Store) Descriptor() models.Descriptor {
	return s.desc
}

// WritePiece verifies data against the recorded hash for index and persists it. A mismatch
// leaves the piece missing and its stored bytes untouched.
func (s *Store) WritePiece(index int, data []byte) error {
	if index < 0 || index >= s.desc.NumPieces() {
		return ErrInvalidIndex
	}
	if int64(len(data)) != s.desc.PieceSize(index) {
		return fmt.Errorf("%w: piece %d has %d bytes, want %d", ErrHashMismatch, index, len(data), s.desc.PieceSize(index))
	}
	if sha1.Sum(data) != s.desc.PieceHashes[index] {
		return fmt.Errorf("%w: piece %d", ErrHashMismatch, index)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.have.Get(index) {
		return nil
	}

	_, err := s.backend.WriteAt(data, s.desc.PieceOffset(index))
	if err != nil {
		return fmt.Errorf("%w: piece %d: %v", ErrStorageWrite, index, err)
	}

	s.have.Set(index, true)
	s.count++
	return nil
}

// ReadPiece returns the bytes of a piece the store has. The slice may be shared with the
// cache and must not be modified.
func (s *Store) ReadPiece(index int) ([]byte, error) {
	if !s.Has(index) {
		return nil, ErrMissingPiece
	}
	if s.cache != nil {
		if data, ok := s.cache.Get(index); ok {
			return data.([]byte), nil
		}
	}

	data, err := s.readBackend(index)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Add(index, data)
	}
	return data, nil
}

func (s *Store) readBackend(index int) ([]byte, error) {
	data := make([]byte, s.desc.PieceSize(index))
	n, err := s.backend.ReadAt(data, s.desc.PieceOffset(index))
	if n == len(data) {
		return data, nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("failed to read piece %d: %w", index, err)
}

func (s *Store) Has(index int) bool {
	if index < 0 || index >= s.desc.NumPieces() {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.have.Get(index)
}

// Bitfield returns a copy of the have-bitmap.
func (s *Store) Bitfield() bitmap.Bitmap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return bitmap.Bitmap(bytes.Clone(s.have))
}

func (s *Store) Missing() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	missing := make([]int, 0, s.desc.NumPieces()-s.count)
	for i := 0; i < s.desc.NumPieces(); i++ {
		if !s.have.Get(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

func (s *Store) HaveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

func (s *Store) IsComplete() bool {
	return s.HaveCount() == s.desc.NumPieces()
}

// Assemble writes the complete file to w.
func (s *Store) Assemble(w io.Writer) (int64, error) {
	if !s.IsComplete() {
		return 0, ErrIncomplete
	}
	return io.Copy(w, io.NewSectionReader(s.backend, 0, s.desc.Info.Length))
}

func (s *Store) Close() error {
	return s.backend.Close()
}
