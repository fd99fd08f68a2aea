package policy

// Policy is a Rego module producing advisory findings.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the policy source.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the binary.
	Builtin bool `json:"builtin"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is one finding produced by a policy.
type Violation struct {
	// Policy is the name of the policy that produced the finding.
	Policy string `json:"policy"`

	// Field is the descriptor field path the finding refers to.
	Field string `json:"field"`

	// Message states what was found.
	Message string `json:"message"`

	// Why explains why it matters.
	Why string `json:"why"`

	// Fix suggests how to address it.
	Fix string `json:"fix"`
}

// Input is the document policies evaluate.
type Input struct {
	App         AppInput         `json:"app"`
	Environment string           `json:"environment"`
	Components  []ComponentInput `json:"components"`
	Thresholds  Thresholds       `json:"thresholds"`
	Prices      Prices           `json:"prices"`
}

// AppInput carries application identity.
type AppInput struct {
	Name string `json:"name"`
	Team string `json:"team"`
}

// ComponentInput carries one component's effective settings.
type ComponentInput struct {
	Name       string  `json:"name"`
	Enabled    bool    `json:"enabled"`
	CPUCores   float64 `json:"cpu"`
	MemoryGiB  float64 `json:"memory"`
	StorageMiB int     `json:"storage_mb"`
	Tier       string  `json:"tier"`
	Type       string  `json:"type"`
}

// Thresholds are the allocation levels above which a review is suggested.
type Thresholds struct {
	CPUCores  float64 `json:"cpu_cores"`
	MemoryGiB float64 `json:"memory_gib"`
}

// Prices gives policies enough pricing context to quote cost impact.
type Prices struct {
	CurrencySymbol string  `json:"currency_symbol"`
	CPUCoreMonth   float64 `json:"cpu_core_month"`
	MemoryGiBMonth float64 `json:"memory_gib_month"`
}
