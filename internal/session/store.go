package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ErrNotFound is returned when no record has the requested id
var ErrNotFound = errors.New("session not found")

// Store manages session history records as JSON files in a directory
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir, creating it if needed
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save persists a record to disk
func (s *Store) Save(record *Record) error {
	path := filepath.Join(s.dir, record.ID+".json")

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}

	return nil
}

// Load reads a record from disk by ID
func (s *Store) Load(id string) (*Record, error) {
	path := filepath.Join(s.dir, id+".json")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &record, nil
}

// List returns all saved records, most recent first
func (s *Store) List() ([]*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Record{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	records := []*Record{}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		id := entry.Name()[:len(entry.Name())-5] // Remove .json extension
		record, err := s.Load(id)
		if err != nil {
			continue // Skip invalid records
		}
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	return records, nil
}

// Delete removes a record file
func (s *Store) Delete(id string) error {
	path := filepath.Join(s.dir, id+".json")

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil // Already deleted
		}
		return fmt.Errorf("failed to delete session file: %w", err)
	}

	return nil
}

// Dir returns the session storage directory
func (s *Store) Dir() string {
	return s.dir
}
