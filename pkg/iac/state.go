package iac

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/openfroyo/shipyard/pkg/descriptor"
)

// StateVersion is the current engine state format.
const StateVersion = 1

// State is the engine's record of what it provisioned for one application.
// Callers persist it as an opaque blob.
type State struct {
	Version int    `json:"version"`
	Serial  int64  `json:"serial"`
	Lineage string `json:"lineage"`

	// Suffix is appended to every physical resource name. It is chosen once
	// per lineage and never changes.
	Suffix string `json:"suffix"`

	Resources map[string]ResourceRecord `json:"resources"`
}

// NewState starts a new lineage whose resources carry suffix.
func NewState(suffix string) *State {
	return &State{
		Version:   StateVersion,
		Lineage:   uuid.NewString(),
		Suffix:    suffix,
		Resources: make(map[string]ResourceRecord),
	}
}

// RandomSuffix returns six random hex characters. It is the default source of
// lineage suffixes.
func RandomSuffix() (string, error) {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate resource suffix: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ParseState decodes a state blob. An empty blob yields nil.
func ParseState(blob []byte) (*State, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var s State
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, NewPermanentError("engine state is not valid JSON", err).WithCode(ErrCodeCorruptState)
	}
	if s.Version != StateVersion {
		return nil, NewPermanentError(fmt.Sprintf("unsupported engine state version %d", s.Version), nil).
			WithCode(ErrCodeCorruptState)
	}
	if s.Suffix == "" || s.Lineage == "" {
		return nil, NewPermanentError("engine state has no lineage", nil).WithCode(ErrCodeCorruptState)
	}
	if s.Resources == nil {
		s.Resources = make(map[string]ResourceRecord)
	}
	return &s, nil
}

// Marshal encodes the state.
func (s *State) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// Clone returns a copy whose resource map can be modified independently.
func (s *State) Clone() *State {
	c := *s
	c.Resources = make(map[string]ResourceRecord, len(s.Resources))
	for id, rec := range s.Resources {
		c.Resources[id] = rec
	}
	return &c
}

// ResourceIDs returns the recorded logical IDs in sorted order.
func (s *State) ResourceIDs() []string {
	ids := make([]string, 0, len(s.Resources))
	for id := range s.Resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Outputs returns "<component>_url" for every recorded network-exposed
// component that reported a URL.
func (s *State) Outputs() map[string]string {
	out := make(map[string]string)
	for _, rec := range s.Resources {
		if !rec.Component.NetworkExposed() || rec.Kind != KindContainer {
			continue
		}
		if url := rec.Outputs[OutputURL]; url != "" {
			out[string(rec.Component)+"_url"] = url
		}
	}
	return out
}

// OutputURL is the provider output key holding a container's reachable URL.
const OutputURL = "url"

// ResourceName builds the physical name of a resource.
func ResourceName(app string, env descriptor.Environment, component, suffix string) string {
	return fmt.Sprintf("%s-%s-%s-%s", app, env, component, suffix)
}
