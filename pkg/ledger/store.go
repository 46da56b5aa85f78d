// Package ledger implements the properties ledger: the merged record of every
// run unit's attributes and the sole source of truth for scoring and reporting.
//
// The ledger is append/merge-only. Merging never removes a run unit or an
// attribute; on a key collision the newest value wins as long as it keeps the
// attribute's recorded kind. Attribute names are global and the schema is the
// union of every attribute ever written.
//
// The ledger is persisted as a single JSON file mapping unit ID to attributes.
// Keys are written in sorted order so that saving the same content always
// produces byte-identical output.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Row is one unit's attributes together with its ID.
type Row struct {
	ID    string
	Attrs Attributes
}

// MergeResult describes the effect of one Merge call.
type MergeResult struct {
	// NewUnit is true if the unit ID was not in the ledger before.
	NewUnit bool

	// Added counts attributes that did not exist on the row.
	Added int

	// Updated counts attributes whose value changed.
	Updated int

	// Conflicts lists attributes rejected because their kind differs from the recorded kind.
	Conflicts []string
}

// Store is the properties ledger.
type Store struct {
	mu     sync.RWMutex
	rows   map[string]Attributes
	schema map[string]Kind
}

// New creates an empty ledger.
func New() *Store {
	return &Store{
		rows:   make(map[string]Attributes),
		schema: make(map[string]Kind),
	}
}

// Merge folds attrs into the row for id, creating the row if needed.
// Existing attributes absent from attrs are kept. Colliding attributes take
// the new value unless the new value's kind differs from the attribute's
// recorded kind, in which case the old value is kept and a conflict is reported.
func (s *Store) Merge(id string, attrs Attributes) MergeResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res MergeResult
	row, ok := s.rows[id]
	if !ok {
		row = make(Attributes, len(attrs))
		s.rows[id] = row
		res.NewUnit = true
	}

	for _, key := range attrs.Keys() {
		v := attrs[key]
		if v.IsZero() {
			continue
		}
		if kind, known := s.schema[key]; known && kind != v.Kind() {
			res.Conflicts = append(res.Conflicts, key)
			continue
		}
		s.schema[key] = v.Kind()

		old, exists := row[key]
		switch {
		case !exists:
			res.Added++
		case !old.Equal(v):
			res.Updated++
		default:
			continue
		}
		row[key] = v
	}
	return res
}

// MergeStore merges every row of other into s, in sorted ID order.
func (s *Store) MergeStore(other *Store) []MergeResult {
	rows := other.Rows()
	out := make([]MergeResult, 0, len(rows))
	for _, r := range rows {
		out = append(out, s.Merge(r.ID, r.Attrs))
	}
	return out
}

// Get returns a copy of the attributes recorded for id.
func (s *Store) Get(id string) (Attributes, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, false
	}
	return row.Clone(), true
}

// Has reports whether the ledger holds a row for id.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rows[id]
	return ok
}

// Len returns the number of rows.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// IDs returns all unit IDs in sorted order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.rows))
	for id := range s.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Rows returns copies of all rows in sorted ID order.
func (s *Store) Rows() []Row {
	ids := s.IDs()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Row, 0, len(ids))
	for _, id := range ids {
		out = append(out, Row{ID: id, Attrs: s.rows[id].Clone()})
	}
	return out
}

// Schema returns the recorded kind of every attribute ever written.
func (s *Store) Schema() map[string]Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Kind, len(s.schema))
	for k, v := range s.schema {
		out[k] = v
	}
	return out
}

// MarshalJSON encodes the ledger as a flat mapping from unit ID to attributes.
func (s *Store) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// encoding/json sorts map keys, which keeps the output deterministic.
	return json.MarshalIndent(s.rows, "", "  ")
}

// UnmarshalJSON replaces the ledger content with the decoded mapping.
// Null attribute values are dropped.
func (s *Store) UnmarshalJSON(data []byte) error {
	var raw map[string]map[string]Value
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	fresh := New()
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		attrs := make(Attributes, len(raw[id]))
		for k, v := range raw[id] {
			if !v.IsZero() {
				attrs[k] = v
			}
		}
		fresh.Merge(id, attrs)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = fresh.rows
	s.schema = fresh.schema
	return nil
}

// Save writes the ledger to path atomically.
func (s *Store) Save(path string) error {
	data, err := s.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode properties: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create properties directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".properties-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary properties file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write properties: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close properties: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace properties file: %w", err)
	}
	return nil
}

// Load reads a ledger from path. A missing file yields an empty ledger.
func Load(path string) (*Store, error) {
	s := New()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read properties: %w", err)
	}
	if err := s.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("failed to decode properties %s: %w", path, err)
	}
	return s, nil
}
