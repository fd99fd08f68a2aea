package descriptor

// Environment is the deployment environment an application targets.
type Environment string

const (
	// EnvironmentDev is the development environment.
	EnvironmentDev Environment = "dev"

	// EnvironmentStaging is the pre-production environment.
	EnvironmentStaging Environment = "staging"

	// EnvironmentProd is the production environment.
	EnvironmentProd Environment = "prod"
)

// Environments lists the accepted environments.
var Environments = []Environment{EnvironmentDev, EnvironmentStaging, EnvironmentProd}

// Valid reports whether e is one of the accepted environments.
func (e Environment) Valid() bool {
	for _, known := range Environments {
		if e == known {
			return true
		}
	}
	return false
}

// ComponentName identifies one of the fixed application components.
type ComponentName string

const (
	// Backend is the API/server component.
	Backend ComponentName = "backend"

	// Frontend is the web UI component.
	Frontend ComponentName = "frontend"

	// Database is the managed database component.
	Database ComponentName = "database"
)

// ComponentNames lists every component in evaluation order. All iteration over
// components uses this order so that output is stable.
var ComponentNames = []ComponentName{Backend, Frontend, Database}

// NetworkExposed reports whether the component serves traffic and therefore
// has a port and a health endpoint.
func (c ComponentName) NetworkExposed() bool {
	return c == Backend || c == Frontend
}

// Buildable reports whether the component is built from source into an image.
func (c ComponentName) Buildable() bool {
	return c == Backend || c == Frontend
}

// Descriptor is a parsed application descriptor.
type Descriptor struct {
	// App holds the application identity.
	App App `yaml:"app,omitempty" json:"app"`

	// Environment is the target environment.
	Environment Environment `yaml:"environment,omitempty" json:"environment"`

	// Components holds the per-component specifications.
	Components Components `yaml:"components,omitempty" json:"components"`

	// EnvironmentVariables are passed to every workload container.
	EnvironmentVariables map[string]string `yaml:"environment_variables,omitempty" json:"environment_variables,omitempty"`

	// Tags are free-form labels attached to provisioned resources.
	Tags map[string]string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// SourcePath is the file the descriptor was loaded from. Build contexts
	// are resolved relative to its directory.
	SourcePath string `yaml:"-" json:"-"`

	raw map[string]any
}

// App is the identity block of a descriptor.
type App struct {
	Name        string `yaml:"name,omitempty" json:"name"`
	Team        string `yaml:"team,omitempty" json:"team"`
	Region      string `yaml:"region,omitempty" json:"region,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Components groups the three component specifications.
type Components struct {
	Backend  ComponentSpec `yaml:"backend,omitempty" json:"backend"`
	Frontend ComponentSpec `yaml:"frontend,omitempty" json:"frontend"`
	Database ComponentSpec `yaml:"database,omitempty" json:"database"`
}

// ComponentSpec is the declared configuration of one component. Optional
// fields are pointers so that an absent value can be told apart from a zero.
type ComponentSpec struct {
	// Enabled toggles the component. Required.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Port is the container port for network-exposed components.
	Port *int `yaml:"port,omitempty" json:"port,omitempty"`

	// CPUCores is the CPU allocation in cores.
	CPUCores *float64 `yaml:"cpu,omitempty" json:"cpu,omitempty"`

	// MemoryGiB is the memory allocation in GiB.
	MemoryGiB *float64 `yaml:"memory,omitempty" json:"memory,omitempty"`

	// StorageMiB is the database storage size in MiB.
	StorageMiB *int `yaml:"storage_mb,omitempty" json:"storage_mb,omitempty"`

	// Tier is the database pricing tier (e.g., "basic", "general_purpose").
	Tier string `yaml:"tier,omitempty" json:"tier,omitempty"`

	// Type is the database engine (e.g., "postgresql").
	Type string `yaml:"type,omitempty" json:"type,omitempty"`

	// Directory is the build context relative to the descriptor.
	Directory string `yaml:"directory,omitempty" json:"directory,omitempty"`

	// HealthPath is the HTTP path polled after rollout.
	HealthPath string `yaml:"health_path,omitempty" json:"health_path,omitempty"`
}

// IsEnabled reports whether the component is explicitly enabled.
func (c ComponentSpec) IsEnabled() bool {
	return c.Enabled != nil && *c.Enabled
}

// Component returns the specification for the named component.
func (d *Descriptor) Component(name ComponentName) ComponentSpec {
	switch name {
	case Backend:
		return d.Components.Backend
	case Frontend:
		return d.Components.Frontend
	case Database:
		return d.Components.Database
	}
	return ComponentSpec{}
}

// EnabledComponents returns the enabled components in evaluation order.
func (d *Descriptor) EnabledComponents() []ComponentName {
	var out []ComponentName
	for _, name := range ComponentNames {
		if d.Component(name).IsEnabled() {
			out = append(out, name)
		}
	}
	return out
}

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }
