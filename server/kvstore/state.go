package kvstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// QueueSchemaVersion is the version written into the persisted queue envelope.
// Version 0 is the legacy layout: a bare JSON array of items.
const QueueSchemaVersion = 1

// ErrUnsupportedVersion is returned when persisted data was written by a newer schema.
var ErrUnsupportedVersion = errors.New("unsupported schema version")

// Persisted fields managed by the StateStore
const (
	FieldQueue        = "queue"
	FieldResources    = "resources"
	FieldSyncStatus   = "sync_status"
	FieldCapabilities = "capabilities"
)

// StateStore serialises offline state into a KVStore.
// All keys are scoped so that several stores can share one KV namespace.
type StateStore struct {
	kv    KVStore
	scope string
}

// NewStateStore creates a state store for the given scope
func NewStateStore(kv KVStore, scope string) *StateStore {
	return &StateStore{
		kv:    kv,
		scope: scope,
	}
}

// QueueEnvelope is the persisted queue layout.
type QueueEnvelope struct {
	Version int             `json:"version"`
	SavedAt time.Time       `json:"savedAt"`
	Items   json.RawMessage `json:"items"`
}

// SyncStatus records the outcome of recent flushes.
type SyncStatus struct {
	LastSync            time.Time `json:"lastSync"`
	LastAttempt         time.Time `json:"lastAttempt"`
	LastError           string    `json:"lastError,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

func (s *StateStore) key(field string) string {
	return fmt.Sprintf("crisis_%s_%s", s.scope, field)
}

// SaveQueue writes items inside a versioned envelope.
func (s *StateStore) SaveQueue(items any, savedAt time.Time) error {
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to marshal queue items: %w", err)
	}

	data, err := json.Marshal(QueueEnvelope{
		Version: QueueSchemaVersion,
		SavedAt: savedAt,
		Items:   raw,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal queue envelope: %w", err)
	}

	if err := s.kv.Set(s.key(FieldQueue), data); err != nil {
		return fmt.Errorf("failed to save queue: %w", err)
	}
	return nil
}

// LoadQueue decodes the persisted queue into dst. It reports whether a queue
// was stored and whether it had to be migrated from the legacy layout.
func (s *StateStore) LoadQueue(dst any) (found bool, migrated bool, err error) {
	data, err := s.kv.Get(s.key(FieldQueue))
	if err != nil {
		return false, false, fmt.Errorf("failed to get queue: %w", err)
	}
	if data == nil {
		return false, false, nil
	}

	items := data
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		migrated = true
	} else {
		var env QueueEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return true, false, fmt.Errorf("failed to unmarshal queue envelope: %w", err)
		}
		if env.Version > QueueSchemaVersion {
			return true, false, fmt.Errorf("queue version %d: %w", env.Version, ErrUnsupportedVersion)
		}
		items = env.Items
		migrated = env.Version < QueueSchemaVersion
	}

	if len(items) == 0 || string(items) == "null" {
		return true, migrated, nil
	}
	if err := json.Unmarshal(items, dst); err != nil {
		return true, migrated, fmt.Errorf("failed to unmarshal queue items: %w", err)
	}
	return true, migrated, nil
}

// SaveResources stores the cached offline resources
func (s *StateStore) SaveResources(resources any) error {
	return s.saveJSON(FieldResources, resources)
}

// LoadResources reads cached offline resources into dst.
// Returns false if nothing is stored.
func (s *StateStore) LoadResources(dst any) (bool, error) {
	return s.loadJSON(FieldResources, dst)
}

// SaveSyncStatus stores the latest sync status
func (s *StateStore) SaveSyncStatus(status SyncStatus) error {
	return s.saveJSON(FieldSyncStatus, status)
}

// GetSyncStatus retrieves the sync status.
// Returns the zero value if none is stored.
func (s *StateStore) GetSyncStatus() (SyncStatus, error) {
	var status SyncStatus
	if _, err := s.loadJSON(FieldSyncStatus, &status); err != nil {
		return SyncStatus{}, err
	}
	return status, nil
}

// SaveCapabilities stores the last client capability report
func (s *StateStore) SaveCapabilities(report any) error {
	return s.saveJSON(FieldCapabilities, report)
}

// LoadCapabilities reads the last client capability report into dst
func (s *StateStore) LoadCapabilities(dst any) (bool, error) {
	return s.loadJSON(FieldCapabilities, dst)
}

// ClearAll removes all state for this scope
func (s *StateStore) ClearAll() error {
	for _, field := range []string{FieldQueue, FieldResources, FieldSyncStatus, FieldCapabilities} {
		key := s.key(field)
		if err := s.kv.Delete(key); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", key, err)
		}
	}
	return nil
}

// ClearResources removes only the cached resources.
func (s *StateStore) ClearResources() error {
	if err := s.kv.Delete(s.key(FieldResources)); err != nil {
		return fmt.Errorf("failed to delete resources: %w", err)
	}
	return nil
}

func (s *StateStore) saveJSON(field string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", field, err)
	}
	if err := s.kv.Set(s.key(field), data); err != nil {
		return fmt.Errorf("failed to save %s: %w", field, err)
	}
	return nil
}

func (s *StateStore) loadJSON(field string, dst any) (bool, error) {
	data, err := s.kv.Get(s.key(field))
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", field, err)
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", field, err)
	}
	return true, nil
}
