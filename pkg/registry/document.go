package registry

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Document is the on-disk registry format: an append-style list of entries.
type Document struct {
	Apps []Entry `yaml:"apps"`
}

// ParseDocument reads a registry document and checks each record.
func ParseDocument(r io.Reader) ([]Entry, error) {
	var doc Document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode registry document: %w", err)
	}

	seen := make(map[string]bool, len(doc.Apps))
	for i, e := range doc.Apps {
		if e.Name == "" || e.Team == "" {
			return nil, fmt.Errorf("registry document entry %d: name and team are required", i)
		}
		if e.Status == "" {
			doc.Apps[i].Status = StatusActive
		} else if !e.Status.Valid() {
			return nil, fmt.Errorf("registry document entry %q: unknown status %q", e.Name, e.Status)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("%w: %q appears twice in registry document", ErrNameConflict, e.Name)
		}
		seen[e.Name] = true
	}
	return doc.Apps, nil
}

// WriteDocument writes entries in the registry document format.
func WriteDocument(w io.Writer, entries []Entry) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(Document{Apps: entries}); err != nil {
		return fmt.Errorf("failed to encode registry document: %w", err)
	}
	return enc.Close()
}
