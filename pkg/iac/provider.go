package iac

import "context"

// ProviderResult is what a provider reports after ensuring a resource.
type ProviderResult struct {
	// ProviderID is the runtime's identifier for the object.
	ProviderID string

	// Outputs are provider-reported values, such as OutputURL for exposed
	// containers.
	Outputs map[string]string
}

// Provider creates and removes runtime objects. Implementations must be safe
// for concurrent use.
type Provider interface {
	// Ensure creates the resource. An existing object with the same name
	// that carries matching labels is adopted rather than recreated.
	Ensure(ctx context.Context, r *Resource) (*ProviderResult, error)

	// Delete removes the recorded object. A missing object is not an error.
	Delete(ctx context.Context, rec ResourceRecord) error
}
