package descriptor

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrNotMapping is returned when a document's top level is not a mapping.
var ErrNotMapping = errors.New("descriptor must be a YAML mapping")

// Load reads and parses a descriptor file.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor: %w", err)
	}
	return Parse(data, path)
}

// Parse decodes a descriptor document. Syntax errors are returned as errors.
// Type mismatches on individual fields are tolerated: the affected fields are
// left unset in the typed model and remain visible in Raw, where shape
// validation reports them.
func Parse(data []byte, sourcePath string) (*Descriptor, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			return nil, ErrNotMapping
		}
		return nil, fmt.Errorf("failed to parse descriptor: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	d := &Descriptor{}
	if err := yaml.Unmarshal(data, d); err != nil {
		var typeErr *yaml.TypeError
		if !errors.As(err, &typeErr) {
			return nil, fmt.Errorf("failed to decode descriptor: %w", err)
		}
	}

	d.SourcePath = sourcePath
	d.raw = raw
	return d, nil
}

// Raw returns the untyped document the descriptor was parsed from. For
// descriptors built in code it is derived from the typed fields.
func (d *Descriptor) Raw() map[string]any {
	if d.raw != nil {
		return d.raw
	}
	data, err := yaml.Marshal(d)
	if err != nil {
		return map[string]any{}
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil || raw == nil {
		return map[string]any{}
	}
	return raw
}

// HasPath reports whether a field path such as
// ["components", "backend", "cpu"] is present in the raw document.
func (d *Descriptor) HasPath(path []string) bool {
	var cur any = d.Raw()
	for _, part := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return false
		}
		cur, ok = m[part]
		if !ok {
			return false
		}
	}
	return true
}
