package kvstore

import (
	"sync"

	"github.com/mattermost/mattermost/server/public/plugin"
)

// KVStore is the durable key-value boundary used for offline state.
// A nil value from Get means the key is not set.
type KVStore interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// PluginKVStore persists values in the Mattermost plugin KV store.
type PluginKVStore struct {
	api plugin.API
}

// NewPluginKVStore creates a store backed by the plugin API.
func NewPluginKVStore(api plugin.API) *PluginKVStore {
	return &PluginKVStore{api: api}
}

func (s *PluginKVStore) Get(key string) ([]byte, error) {
	data, appErr := s.api.KVGet(key)
	if appErr != nil {
		return nil, appErr
	}
	return data, nil
}

func (s *PluginKVStore) Set(key string, value []byte) error {
	if appErr := s.api.KVSet(key, value); appErr != nil {
		return appErr
	}
	return nil
}

func (s *PluginKVStore) Delete(key string) error {
	if appErr := s.api.KVDelete(key); appErr != nil {
		return appErr
	}
	return nil
}

// MemoryStore keeps values in process memory. Values are copied on the way in
// and out so callers cannot mutate stored bytes.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
