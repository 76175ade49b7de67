package piecestore

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Backend persists verified piece bytes. Offsets are file offsets so a backend can be the
// shared file itself.
type Backend interface {
	WriteAt(p []byte, off int64) (int, error)
	ReadAt(p []byte, off int64) (int, error)
	Close() error
}

// MemoryBackend keeps the whole file in a buffer.
type MemoryBackend struct {
	mu   sync.RWMutex
	data []byte
}

func NewMemoryBackend(size int64) *MemoryBackend {
	return &MemoryBackend{data: make([]byte, size)}
}

func (m *MemoryBackend) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("write of %d bytes at %d out of range", len(p), off)
	}
	return copy(m.data[off:], p), nil
}

func (m *MemoryBackend) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off < 0 || off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemoryBackend) Close() error {
	return nil
}

// FileBackend stores pieces at their offset in a single file. A leecher writes into a sparse
// file, a seeder opens the source file read-only.
type FileBackend struct {
	file *os.File
}

func OpenFileBackend(path string, size int64) (*FileBackend, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	err = file.Truncate(size)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &FileBackend{file: file}, nil
}

func OpenReadOnlyFileBackend(path string) (*FileBackend, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &FileBackend{file: file}, nil
}

func (f *FileBackend) WriteAt(p []byte, off int64) (int, error) {
	return f.file.WriteAt(p, off)
}

func (f *FileBackend) ReadAt(p []byte, off int64) (int, error) {
	return f.file.ReadAt(p, off)
}

func (f *FileBackend) Close() error {
	return f.file.Close()
}
