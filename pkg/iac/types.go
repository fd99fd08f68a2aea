package iac

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/shipyard/pkg/descriptor"
)

// Mode selects which resources a plan covers.
type Mode string

const (
	// ModeInfraOnly plans shared infrastructure: the network and the database.
	// Workloads already running are kept unless the working set prunes them.
	ModeInfraOnly Mode = "infra-only"

	// ModeInfraWorkload plans infrastructure plus the workload containers,
	// which require pushed images.
	ModeInfraWorkload Mode = "infra+workload"

	// ModeDestroy plans the removal of every recorded resource.
	ModeDestroy Mode = "destroy"
)

// Validate checks that the mode is known.
func (m Mode) Validate() error {
	switch m {
	case ModeInfraOnly, ModeInfraWorkload, ModeDestroy:
		return nil
	}
	return NewPermanentError(fmt.Sprintf("unknown plan mode %q", m), nil).WithCode(ErrCodeValidation)
}

// OperationType is the action a plan unit performs on a resource.
type OperationType string

const (
	OperationCreate  OperationType = "create"
	OperationReplace OperationType = "replace"
	OperationDelete  OperationType = "delete"
	OperationNoop    OperationType = "noop"
)

// ResourceKind is the kind of runtime object a resource maps to.
type ResourceKind string

const (
	KindNetwork   ResourceKind = "network"
	KindVolume    ResourceKind = "volume"
	KindContainer ResourceKind = "container"
)

// Layer separates shared infrastructure from workloads.
type Layer string

const (
	LayerInfra    Layer = "infra"
	LayerWorkload Layer = "workload"
)

// Logical resource IDs.
const (
	ResourceNetwork        = "network"
	ResourceDatabaseVolume = "database-volume"
	ResourceDatabase       = "database"
	ResourceBackend        = "backend"
	ResourceFrontend       = "frontend"
)

// Mount attaches a volume to a container.
type Mount struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// ContainerSpec is the desired configuration of a container resource.
type ContainerSpec struct {
	Image      string            `json:"image"`
	Network    string            `json:"network"`
	Aliases    []string          `json:"aliases,omitempty"`
	Port       int               `json:"port,omitempty"`
	CPUCores   float64           `json:"cpu_cores,omitempty"`
	MemoryGiB  float64           `json:"memory_gib,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Mounts     []Mount           `json:"mounts,omitempty"`
	HealthPath string            `json:"health_path,omitempty"`
}

// Resource is one desired runtime object.
type Resource struct {
	// ID is the logical ID, stable across revisions (e.g., "backend").
	ID string `json:"id"`

	// Kind is the runtime object kind.
	Kind ResourceKind `json:"kind"`

	// Name is the physical name, "<app>-<env>-<component>-<suffix>".
	Name string `json:"name"`

	// Layer is infra or workload.
	Layer Layer `json:"layer"`

	// Component is the descriptor component the resource serves, if any.
	Component descriptor.ComponentName `json:"component,omitempty"`

	// DependsOn lists logical IDs that must exist first.
	DependsOn []string `json:"depends_on,omitempty"`

	// Labels are attached to the runtime object.
	Labels map[string]string `json:"labels,omitempty"`

	// Container is set for container resources.
	Container *ContainerSpec `json:"container,omitempty"`
}

// Hash returns a digest of the resource's configuration. Two resources with
// the same hash need no change. Networks and volumes are identified by kind
// and name only, so they are never replaced while containers use them.
func (r *Resource) Hash() string {
	var v any = r
	if r.Kind != KindContainer {
		v = struct {
			Kind ResourceKind `json:"kind"`
			Name string       `json:"name"`
		}{r.Kind, r.Name}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ResourceRecord is the engine's record of a provisioned resource.
type ResourceRecord struct {
	ID         string                   `json:"id"`
	Kind       ResourceKind             `json:"kind"`
	Name       string                   `json:"name"`
	Layer      Layer                    `json:"layer"`
	Component  descriptor.ComponentName `json:"component,omitempty"`
	ProviderID string                   `json:"provider_id,omitempty"`
	Hash       string                   `json:"hash"`
	DependsOn  []string                 `json:"depends_on,omitempty"`
	Outputs    map[string]string        `json:"outputs,omitempty"`
	AppliedAt  time.Time                `json:"applied_at"`
}

// WorkingSet is everything the engine needs to plan one application.
type WorkingSet struct {
	// AppKey identifies the application, "team/app".
	AppKey string `json:"app_key"`

	// Descriptor is the parsed application descriptor.
	Descriptor *descriptor.Descriptor `json:"-"`

	// Revision is the descriptor revision being rolled out.
	Revision string `json:"revision"`

	// Images maps component names to pushed image references.
	Images map[string]string `json:"images,omitempty"`

	// PriorState is the engine state blob from the last apply, if any.
	PriorState []byte `json:"-"`

	// PruneWorkloads removes running workloads from an infra-only plan.
	PruneWorkloads bool `json:"prune_workloads,omitempty"`
}

// PlanUnit is a single operation on one resource.
type PlanUnit struct {
	ID         string          `json:"id"`
	ResourceID string          `json:"resource_id"`
	Operation  OperationType   `json:"operation"`
	Desired    *Resource       `json:"desired,omitempty"`
	Prior      *ResourceRecord `json:"prior,omitempty"`
	DependsOn  []string        `json:"depends_on,omitempty"`
	Level      int             `json:"level"`
}

// PlanSummary counts plan units by operation.
type PlanSummary struct {
	ToCreate  int `json:"to_create"`
	ToReplace int `json:"to_replace"`
	ToDelete  int `json:"to_delete"`
	NoChange  int `json:"no_change"`
}

// HasChanges reports whether applying the plan would change anything.
func (s PlanSummary) HasChanges() bool {
	return s.ToCreate+s.ToReplace+s.ToDelete > 0
}

// Plan is a serializable, reviewable set of changes.
type Plan struct {
	ID        string      `json:"id"`
	AppKey    string      `json:"app_key"`
	Mode      Mode        `json:"mode"`
	Revision  string      `json:"revision"`
	CreatedAt time.Time   `json:"created_at"`
	Units     []PlanUnit  `json:"units"`
	Summary   PlanSummary `json:"summary"`

	// Carried holds records kept unchanged without a unit.
	Carried []ResourceRecord `json:"carried,omitempty"`

	// Base is the state the plan was computed against.
	Base *State `json:"base"`
}

// ApplyResult is the outcome of applying a plan.
type ApplyResult struct {
	// State is the new engine state blob.
	State []byte `json:"state"`

	// Outputs holds "<component>_url" for each running network-exposed
	// component.
	Outputs map[string]string `json:"outputs"`

	// Summary counts what was applied.
	Summary PlanSummary `json:"summary"`
}
