package registry

import "sort"

// Snapshot is an immutable, point-in-time view of the registry.
type Snapshot struct {
	entries map[string]Entry
}

// NewSnapshot builds a snapshot from entries. Later entries win on duplicate
// names.
func NewSnapshot(entries ...Entry) *Snapshot {
	s := &Snapshot{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		s.entries[e.Name] = e
	}
	return s
}

// Lookup returns the entry for name.
func (s *Snapshot) Lookup(name string) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	e, ok := s.entries[name]
	return e, ok
}

// Len returns the number of entries.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Entries returns every entry ordered by name.
func (s *Snapshot) Entries() []Entry {
	if s == nil {
		return nil
	}
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HasTeam reports whether any entry, in any status, belongs to team.
func (s *Snapshot) HasTeam(team string) bool {
	if s == nil {
		return false
	}
	for _, e := range s.entries {
		if e.Team == team {
			return true
		}
	}
	return false
}
