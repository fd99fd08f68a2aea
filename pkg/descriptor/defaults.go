package descriptor

import (
	"path/filepath"
	"strings"
)

// Defaults holds the values used for optional component fields.
type Defaults struct {
	CPUCores   float64
	MemoryGiB  float64
	Port       int
	StorageMiB int
	Tier       string
	Type       string
	HealthPath string
}

// ComponentDefaults are the platform defaults per component.
var ComponentDefaults = map[ComponentName]Defaults{
	Backend: {
		CPUCores:   1.0,
		MemoryGiB:  1.5,
		Port:       8000,
		HealthPath: "/health",
	},
	Frontend: {
		CPUCores:   0.5,
		MemoryGiB:  1.0,
		Port:       3000,
		HealthPath: "/",
	},
	Database: {
		Type:       "postgresql",
		Tier:       "basic",
		StorageMiB: 32768,
	},
}

// Effective is a component specification with every default applied.
type Effective struct {
	Name       ComponentName `json:"name"`
	Enabled    bool          `json:"enabled"`
	Port       int           `json:"port,omitempty"`
	CPUCores   float64       `json:"cpu,omitempty"`
	MemoryGiB  float64       `json:"memory,omitempty"`
	StorageMiB int           `json:"storage_mb,omitempty"`
	Tier       string        `json:"tier,omitempty"`
	Type       string        `json:"type,omitempty"`
	Directory  string        `json:"directory,omitempty"`
	HealthPath string        `json:"health_path,omitempty"`
}

// Effective returns the defaulted view of a component.
func (d *Descriptor) Effective(name ComponentName) Effective {
	spec := d.Component(name)
	def := ComponentDefaults[name]

	eff := Effective{
		Name:       name,
		Enabled:    spec.IsEnabled(),
		CPUCores:   def.CPUCores,
		MemoryGiB:  def.MemoryGiB,
		Tier:       def.Tier,
		Type:       def.Type,
		StorageMiB: def.StorageMiB,
		HealthPath: def.HealthPath,
		Directory:  "./" + string(name),
	}
	if name.NetworkExposed() {
		eff.Port = def.Port
	}

	if spec.Port != nil {
		eff.Port = *spec.Port
	}
	if spec.CPUCores != nil {
		eff.CPUCores = *spec.CPUCores
	}
	if spec.MemoryGiB != nil {
		eff.MemoryGiB = *spec.MemoryGiB
	}
	if spec.StorageMiB != nil {
		eff.StorageMiB = *spec.StorageMiB
	}
	if spec.Tier != "" {
		eff.Tier = NormalizeTier(spec.Tier)
	}
	if spec.Type != "" {
		eff.Type = strings.ToLower(spec.Type)
	}
	if spec.Directory != "" {
		eff.Directory = spec.Directory
	}
	if spec.HealthPath != "" {
		eff.HealthPath = spec.HealthPath
	}
	return eff
}

// NormalizeTier lowercases a tier name and joins words with underscores, so
// "General Purpose" and "general_purpose" are the same tier.
func NormalizeTier(tier string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.ReplaceAll(tier, "_", " "))), "_")
}

// BuildContext resolves a buildable component's source directory relative to
// the descriptor file.
func (d *Descriptor) BuildContext(name ComponentName) string {
	dir := d.Effective(name).Directory
	if filepath.IsAbs(dir) {
		return filepath.Clean(dir)
	}
	base := "."
	if d.SourcePath != "" {
		base = filepath.Dir(d.SourcePath)
	}
	return filepath.Join(base, dir)
}
