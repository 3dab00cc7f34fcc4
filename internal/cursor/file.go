package cursor

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// FileStore keeps cursors in one JSON file, keyed source then job.
// Every advance rewrites a temp file and renames it over the original,
// so a crash leaves either the old state or the new state, never a
// torn write.
type FileStore struct {
	path string
	log  *zap.SugaredLogger

	mu      sync.Mutex
	cursors map[string]map[string]int64
}

// OpenFile loads existing state from path; a missing file is an empty
// store.
func OpenFile(path string, log *zap.SugaredLogger) (*FileStore, error) {
	s := &FileStore{
		path:    path,
		log:     log,
		cursors: map[string]map[string]int64{},
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read cursor file %s", path)
	}
	if err := json.Unmarshal(raw, &s.cursors); err != nil {
		return nil, errors.Wrapf(err, "parse cursor file %s", path)
	}
	return s, nil
}

func (s *FileStore) Get(ctx context.Context, source, job string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.cursors[source][job]
	return n, ok, nil
}

func (s *FileStore) Advance(ctx context.Context, source, job string, number int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.cursors[source][job]
	if had && number <= prev {
		return nil
	}
	if s.cursors[source] == nil {
		s.cursors[source] = map[string]int64{}
	}
	s.cursors[source][job] = number
	if err := s.persistLocked(); err != nil {
		// Keep memory and disk coherent so a later retry re-persists.
		if had {
			s.cursors[source][job] = prev
		} else {
			delete(s.cursors[source], job)
		}
		return errors.Wrapf(err, "persist cursor %s/%s", source, job)
	}
	return nil
}

func (s *FileStore) persistLocked() error {
	data, err := json.MarshalIndent(s.cursors, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) Close() error {
	return nil
}
