// Package storage provides the durable key-value store and the diagnostic log store.
package storage

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound indicates that no value is stored under the key.
	ErrNotFound = errors.New("storage: key not found")
	// ErrInvalidKey indicates an empty key.
	ErrInvalidKey = errors.New("storage: invalid key")

	errMissingDatabase = errors.New("storage: database handle is required")
)

const maxKeyLength = 190

// Store is a synchronous string key-value store. Every method may fail.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Remove(key string) error
}

// KVEntry is a persisted key-value pair.
type KVEntry struct {
	Key              string `gorm:"column:entry_key;primaryKey;size:190;not null"`
	Value            string `gorm:"column:entry_value;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (KVEntry) TableName() string {
	return "kv_entries"
}

// SQLStore implements Store on a gorm connection.
type SQLStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSQLStore constructs a store on an already migrated database.
func NewSQLStore(db *gorm.DB, clock func() time.Time) (*SQLStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if clock == nil {
		clock = time.Now
	}
	return &SQLStore{db: db, clock: clock}, nil
}

// Get implements Store.
func (s *SQLStore) Get(key string) (string, error) {
	normalized, err := normalizeKey(key)
	if err != nil {
		return "", err
	}
	var entry KVEntry
	err = s.db.Where("entry_key = ?", normalized).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, normalized)
	}
	if err != nil {
		return "", err
	}
	return entry.Value, nil
}

// Set implements Store.
func (s *SQLStore) Set(key, value string) error {
	normalized, err := normalizeKey(key)
	if err != nil {
		return err
	}
	entry := KVEntry{
		Key:              normalized,
		Value:            value,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"entry_value", "updated_at_s"}),
	}).Create(&entry).Error
}

// Remove implements Store.
func (s *SQLStore) Remove(key string) error {
	normalized, err := normalizeKey(key)
	if err != nil {
		return err
	}
	return s.db.Where("entry_key = ?", normalized).Delete(&KVEntry{}).Error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Get implements Store.
func (s *MemoryStore) Get(key string) (string, error) {
	normalized, err := normalizeKey(key)
	if err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[normalized]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, normalized)
	}
	return value, nil
}

// Set implements Store.
func (s *MemoryStore) Set(key, value string) error {
	normalized, err := normalizeKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.values[normalized] = value
	s.mu.Unlock()
	return nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(key string) error {
	normalized, err := normalizeKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.values, normalized)
	s.mu.Unlock()
	return nil
}

func normalizeKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(trimmed) > maxKeyLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidKey, maxKeyLength)
	}
	return trimmed, nil
}
