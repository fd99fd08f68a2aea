package state

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/shipyard/pkg/descriptor"
)

// Phase is a step of the rollout state machine.
type Phase string

const (
	PhaseNotStarted     Phase = "NotStarted"
	PhasePhase1Planned  Phase = "Phase1Planned"
	PhasePhase1Applied  Phase = "Phase1Applied"
	PhaseImagesBuilt    Phase = "ImagesBuilt"
	PhasePhase2Planned  Phase = "Phase2Planned"
	PhasePhase2Applied  Phase = "Phase2Applied"
	PhaseHealthVerified Phase = "HealthVerified"
	PhaseFailed         Phase = "Failed"
)

// Phases lists the non-failure phases in execution order.
var Phases = []Phase{
	PhaseNotStarted,
	PhasePhase1Planned,
	PhasePhase1Applied,
	PhaseImagesBuilt,
	PhasePhase2Planned,
	PhasePhase2Applied,
	PhaseHealthVerified,
}

// Terminal reports whether no further transition follows p.
func (p Phase) Terminal() bool {
	return p == PhaseHealthVerified || p == PhaseFailed
}

// Index returns the position of p in Phases, or -1 for Failed and unknown
// phases.
func (p Phase) Index() int {
	for i, known := range Phases {
		if p == known {
			return i
		}
	}
	return -1
}

// Next returns the phase that follows p on success.
func (p Phase) Next() Phase {
	i := p.Index()
	if i < 0 || i >= len(Phases)-1 {
		return p
	}
	return Phases[i+1]
}

// Key addresses one application's state.
type Key string

// KeyFor returns the state key for an application.
func KeyFor(team, name string) Key {
	return Key(fmt.Sprintf("%s/%s.state", team, name))
}

// ParseKey accepts either a full key ("team/app.state") or the short form
// "team/app".
func ParseKey(s string) (Key, error) {
	s = strings.TrimSuffix(s, ".state")
	team, name, ok := strings.Cut(s, "/")
	if !ok || team == "" || name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("invalid application key %q, expected {team}/{app-name}", s)
	}
	return KeyFor(team, name), nil
}

// Team returns the team segment of the key.
func (k Key) Team() string {
	team, _, _ := strings.Cut(string(k), "/")
	return team
}

// App returns the application segment of the key.
func (k Key) App() string {
	_, rest, _ := strings.Cut(string(k), "/")
	return strings.TrimSuffix(rest, ".state")
}

// ErrorRecord describes the failure that moved a state to Failed.
type ErrorRecord struct {
	// Kind is the error taxonomy class (e.g., "BuildError").
	Kind string `json:"kind"`

	// Phase is the phase that was being left when the failure happened.
	Phase Phase `json:"phase"`

	// Message is the platform-side description.
	Message string `json:"message"`

	// Output is the raw output of the failing tool, if any.
	Output string `json:"output,omitempty"`

	// Fix is the suggested remedy, if one is known.
	Fix string `json:"fix,omitempty"`

	// OccurredAt is when the failure was recorded.
	OccurredAt time.Time `json:"occurred_at"`
}

// DeploymentState is the persisted progress of one application's rollout.
type DeploymentState struct {
	// Key is the application's state key.
	Key Key `json:"key"`

	// Environment is the environment the state belongs to.
	Environment descriptor.Environment `json:"environment"`

	// Phase is the current phase.
	Phase Phase `json:"phase"`

	// LastSuccessfulPhase is the most recent phase reached without error.
	LastSuccessfulPhase Phase `json:"last_successful_phase"`

	// Revision is the descriptor revision this state was produced for.
	Revision string `json:"revision"`

	// InfrastructureState is the IaC engine's state. It is opaque here.
	InfrastructureState []byte `json:"infrastructure_state,omitempty"`

	// PendingPlan is the serialized plan awaiting apply.
	PendingPlan json.RawMessage `json:"pending_plan,omitempty"`

	// Images maps component names to pushed image references.
	Images map[string]string `json:"images,omitempty"`

	// Outputs holds the IaC outputs of the last apply.
	Outputs map[string]string `json:"outputs,omitempty"`

	// LastError is set while the state is Failed.
	LastError *ErrorRecord `json:"last_error,omitempty"`

	// Serial is the store's compare-and-swap counter. It increases by one on
	// every successful save.
	Serial int64 `json:"serial"`

	// UpdatedAt is when the state was last saved.
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns the initial state for an application.
func New(key Key, env descriptor.Environment) *DeploymentState {
	return &DeploymentState{
		Key:                 key,
		Environment:         env,
		Phase:               PhaseNotStarted,
		LastSuccessfulPhase: PhaseNotStarted,
	}
}

// InfrastructureExists reports whether any infrastructure has been applied
// for this application.
func (s *DeploymentState) InfrastructureExists() bool {
	return len(s.InfrastructureState) > 0
}

// Clone returns a deep copy of the state.
func (s *DeploymentState) Clone() *DeploymentState {
	if s == nil {
		return nil
	}
	c := *s
	c.InfrastructureState = append([]byte(nil), s.InfrastructureState...)
	c.PendingPlan = append(json.RawMessage(nil), s.PendingPlan...)
	c.Images = copyMap(s.Images)
	c.Outputs = copyMap(s.Outputs)
	if s.LastError != nil {
		e := *s.LastError
		c.LastError = &e
	}
	return &c
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Marshal encodes the state for storage.
func Marshal(s *DeploymentState) ([]byte, error) {
	return json.Marshal(s)
}

// Unmarshal decodes a stored state.
func Unmarshal(data []byte) (*DeploymentState, error) {
	var s DeploymentState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode deployment state: %w", err)
	}
	return &s, nil
}
