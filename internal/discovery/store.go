package discovery

import "sync"

// Store persists discovery output: per-camera descriptor lists and
// per-stream URL overrides. In production the blobs live with the host
// platform's device registry; the bridge only ever goes through this
// interface.
type Store interface {
	Descriptors(camera string) ([]StreamDescriptor, bool)
	SetDescriptors(camera string, descs []StreamDescriptor)
	StreamURL(camera, streamID string) (string, bool)
	SetStreamURL(camera, streamID, url string)
}

// InMemoryStore is a concurrency-safe in-memory Store.
type InMemoryStore struct {
	mu          sync.RWMutex
	descriptors map[string][]StreamDescriptor
	urls        map[string]string
}

// NewInMemoryStore returns a new empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		descriptors: make(map[string][]StreamDescriptor),
		urls:        make(map[string]string),
	}
}

// Descriptors implements Store.Descriptors.
func (s *InMemoryStore) Descriptors(camera string) ([]StreamDescriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	descs, ok := s.descriptors[camera]
	if !ok {
		return nil, false
	}
	out := make([]StreamDescriptor, len(descs))
	copy(out, descs)
	return out, true
}

// SetDescriptors implements Store.SetDescriptors. The prior list is
// replaced, never merged.
func (s *InMemoryStore) SetDescriptors(camera string, descs []StreamDescriptor) {
	cp := make([]StreamDescriptor, len(descs))
	copy(cp, descs)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.descriptors[camera] = cp
}

// StreamURL implements Store.StreamURL.
func (s *InMemoryStore) StreamURL(camera, streamID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.urls[camera+"/"+streamID]
	return u, ok
}

// SetStreamURL implements Store.SetStreamURL.
func (s *InMemoryStore) SetStreamURL(camera, streamID, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls[camera+"/"+streamID] = url
}

// StreamCount returns the number of descriptors held across all cameras.
// Used for metrics.
func (s *InMemoryStore) StreamCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, descs := range s.descriptors {
		n += len(descs)
	}
	return n
}
