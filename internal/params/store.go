// Package params holds a task's parameters with last-write-wins merge over
// logical update time.
package params

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/example/design-assistant/internal/models"
)

// Store is a per-task key/value map. It is not safe for concurrent use;
// the task registry serializes all access per task.
type Store struct {
	entries map[string]models.ParameterEntry
}

func NewStore() *Store {
	return &Store{entries: map[string]models.ParameterEntry{}}
}

// Apply merges one update and reports whether it replaced the stored value.
// For a key the stored entry is always the one with the greatest UpdatedAt
// seen so far, so the result does not depend on arrival order.
func (s *Store) Apply(u models.ParameterUpdate) bool {
	key := NormalizeKey(u.Key)
	if key == "" {
		return false
	}
	next := models.ParameterEntry{Key: key, Value: u.Value, UpdatedAt: u.UpdatedAt, Source: u.Source}
	cur, ok := s.entries[key]
	if ok && !wins(next, cur) {
		return false
	}
	s.entries[key] = next
	return true
}

// wins decides between two writes to the same key. Equal timestamps fall
// back to source precedence and then the value's text so every replica of
// the same update set converges.
func wins(next, cur models.ParameterEntry) bool {
	if !next.UpdatedAt.Equal(cur.UpdatedAt) {
		return next.UpdatedAt.After(cur.UpdatedAt)
	}
	if rn, rc := sourceRank(next.Source), sourceRank(cur.Source); rn != rc {
		return rn > rc
	}
	return fmt.Sprint(next.Value) > fmt.Sprint(cur.Value)
}

func sourceRank(s models.Source) int {
	switch s {
	case models.SourceText:
		return 3
	case models.SourceVoice:
		return 2
	case models.SourceExtraction:
		return 1
	}
	return 0
}

func (s *Store) Get(key string) (models.ParameterEntry, bool) {
	e, ok := s.entries[NormalizeKey(key)]
	return e, ok
}

func (s *Store) Len() int { return len(s.entries) }

// Snapshot returns a point-in-time copy.
func (s *Store) Snapshot() Snapshot {
	out := make(map[string]models.ParameterEntry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return Snapshot{entries: out}
}

// Clear drops every entry. Used on reclamation.
func (s *Store) Clear() {
	s.entries = map[string]models.ParameterEntry{}
}

// NormalizeKey lower-cases and trims a key and turns spaces into underscores.
func NormalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	return strings.Join(strings.Fields(k), "_")
}

// Snapshot is an immutable copy of a store taken at one instant.
type Snapshot struct {
	entries map[string]models.ParameterEntry
}

func (s Snapshot) Value(key string) (any, bool) {
	e, ok := s.entries[NormalizeKey(key)]
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Values returns key -> value.
func (s Snapshot) Values() map[string]any {
	out := make(map[string]any, len(s.entries))
	for k, e := range s.entries {
		out[k] = e.Value
	}
	return out
}

func (s Snapshot) Entries() map[string]models.ParameterEntry {
	out := make(map[string]models.ParameterEntry, len(s.entries))
	for k, e := range s.entries {
		out[k] = e
	}
	return out
}

// Keys returns the keys in sorted order.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s Snapshot) Len() int { return len(s.entries) }

// Stamp fills a zero UpdatedAt with now and a missing source with def.
func Stamp(u models.ParameterUpdate, def models.Source, now time.Time) models.ParameterUpdate {
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = now
	}
	if u.Source == "" {
		u.Source = def
	}
	return u
}
