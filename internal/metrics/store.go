package metrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/WendelHime/swarmbench/internal/shared/models"
)

// ResultStore keeps one JSON file per (protocol, direction, file size) under its directory.
type ResultStore struct {
	dir string
	mu  sync.Mutex
}

func NewResultStore(dir string) (*ResultStore, error) {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, err
	}
	return &ResultStore{dir: dir}, nil
}

func (s *ResultStore) path(protocol models.Protocol, direction models.Direction, size int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("results_%s_%s_%d.json", protocol, direction, size))
}

// Save appends m to the records of its key and returns the file it was written to.
func (s *ResultStore) Save(m models.TransferMetrics) (string, error) {
	paths, err := s.SaveAll([]models.TransferMetrics{m})
	if err != nil {
		return "", err
	}
	return paths[0], nil
}

// SaveAll appends records to the files of their keys, rewriting each file once. It returns
// the files written, in the order their keys first appear.
func (s *ResultStore) SaveAll(records []models.TransferMetrics) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var paths []string
	grouped := make(map[string][]models.TransferMetrics)
	for _, m := range records {
		path := s.path(m.Protocol, m.Direction, m.FileSize)
		if _, ok := grouped[path]; !ok {
			paths = append(paths, path)
		}
		grouped[path] = append(grouped[path], m)
	}

	for _, path := range paths {
		err := s.append(path, grouped[path])
		if err != nil {
			return nil, err
		}
	}
	return paths, nil
}

func (s *ResultStore) append(path string, records []models.TransferMetrics) error {
	existing, err := s.load(path)
	if err != nil {
		return err
	}
	existing = append(existing, records...)

	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	err = os.WriteFile(tmp, data, 0644)
	if err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *ResultStore) Load(protocol models.Protocol, direction models.Direction, size int64) ([]models.TransferMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(s.path(protocol, direction, size))
}

func (s *ResultStore) load(path string) ([]models.TransferMetrics, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var records []models.TransferMetrics
	err = json.Unmarshal(data, &records)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return records, nil
}
