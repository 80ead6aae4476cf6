package pagestore

import (
	"sync"

	apperrors "github.com/latticekv/lattice/pkg/errors"
)

// Store is the set of named volumes an engine has open, per the
// volume_specification configuration key.
type Store struct {
	mu      sync.RWMutex
	volumes map[string]*Volume
}

func NewStore() *Store {
	return &Store{volumes: make(map[string]*Volume)}
}

// OpenVolume opens or creates the named volume and registers it.
func (s *Store) OpenVolume(name, path string, pageSize int, temp bool) (*Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.volumes[name]; exists {
		return nil, apperrors.ConfigurationError("volume %q already open", name)
	}
	v, err := Open(path, pageSize, temp)
	if err != nil {
		return nil, err
	}
	s.volumes[name] = v
	return v, nil
}

func (s *Store) Volume(name string) (*Volume, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.volumes[name]
	return v, ok
}

func (s *Store) VolumeNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.volumes))
	for n := range s.volumes {
		names = append(names, n)
	}
	return names
}

// Sync fsyncs every non-temporary volume.
func (s *Store) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, v := range s.volumes {
		if err := v.Sync(); err != nil {
			return apperrors.Wrap(apperrors.StorageIo, err, "sync volume %q", name)
		}
	}
	return nil
}

// Close closes every open volume, collecting the first error encountered
// but still attempting to close the rest.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for name, v := range s.volumes {
		if err := v.Close(); err != nil && first == nil {
			first = apperrors.Wrap(apperrors.StorageIo, err, "close volume %q", name)
		}
		delete(s.volumes, name)
	}
	return first
}
