package validation

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Severity is the impact of a diagnostic.
type Severity string

const (
	// SeverityError blocks acceptance of the descriptor.
	SeverityError Severity = "error"

	// SeverityWarning is advisory.
	SeverityWarning Severity = "warning"
)

// Class groups error diagnostics by how the author resolves them.
type Class string

const (
	// ClassConfig covers schema and semantic mistakes in the descriptor.
	ClassConfig Class = "ConfigError"

	// ClassConflict covers naming collisions with other applications.
	ClassConflict Class = "ConflictError"
)

// Rule names, in evaluation order.
const (
	RuleShape    = "shape"
	RuleNaming   = "naming"
	RuleRange    = "range"
	RuleArtifact = "artifact"
	RuleAdvisory = "advisory"
)

// Diagnostic is one validation finding.
type Diagnostic struct {
	// Severity is error or warning.
	Severity Severity `json:"severity" validate:"required,oneof=error warning"`

	// Class is set for errors.
	Class Class `json:"class,omitempty"`

	// Rule is the rule that produced the finding.
	Rule string `json:"rule" validate:"required"`

	// Field is the descriptor path, e.g. "components.backend.cpu".
	Field string `json:"field" validate:"required"`

	// Message states what is wrong.
	Message string `json:"message" validate:"required"`

	// Why explains why it matters.
	Why string `json:"why" validate:"required"`

	// Fix says how to resolve it.
	Fix string `json:"fix" validate:"required"`
}

// Result is the ordered outcome of one validation.
type Result struct {
	// Descriptor is the source path of the validated descriptor.
	Descriptor string `json:"descriptor,omitempty"`

	// Diagnostics are ordered by rule, then by field within a rule.
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// Errors returns the error-severity diagnostics.
func (r *Result) Errors() []Diagnostic {
	return r.filter(SeverityError)
}

// Warnings returns the warning-severity diagnostics.
func (r *Result) Warnings() []Diagnostic {
	return r.filter(SeverityWarning)
}

// HasErrors reports whether any error-severity diagnostic exists.
func (r *Result) HasErrors() bool {
	return len(r.Errors()) > 0
}

// Valid is the inverse of HasErrors.
func (r *Result) Valid() bool {
	return !r.HasErrors()
}

// HasClass reports whether any error of the given class exists.
func (r *Result) HasClass(class Class) bool {
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityError && d.Class == class {
			return true
		}
	}
	return false
}

func (r *Result) filter(sev Severity) []Diagnostic {
	var out []Diagnostic
	for _, d := range r.Diagnostics {
		if d.Severity == sev {
			out = append(out, d)
		}
	}
	return out
}

// WriteJSON writes the result as an indented JSON document.
func (r *Result) WriteJSON(w io.Writer) error {
	res := *r
	if res.Diagnostics == nil {
		res.Diagnostics = []Diagnostic{}
	}
	doc := struct {
		Valid bool `json:"valid"`
		*Result
	}{Valid: r.Valid(), Result: &res}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// WriteText writes a human-readable report.
func (r *Result) WriteText(w io.Writer) error {
	var b strings.Builder
	errs, warns := r.Errors(), r.Warnings()

	if len(errs) == 0 {
		fmt.Fprintf(&b, "Descriptor %s is valid", r.displayName())
		if len(warns) > 0 {
			fmt.Fprintf(&b, " with %d warning(s)", len(warns))
		}
		b.WriteString("\n")
	} else {
		fmt.Fprintf(&b, "Descriptor %s has %d error(s) and %d warning(s)\n", r.displayName(), len(errs), len(warns))
	}

	for _, d := range r.Diagnostics {
		fmt.Fprintf(&b, "\n[%s] %s: %s\n", strings.ToUpper(string(d.Severity)), d.Field, d.Message)
		fmt.Fprintf(&b, "  Why: %s\n", d.Why)
		fmt.Fprintf(&b, "  Fix: %s\n", d.Fix)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func (r *Result) displayName() string {
	if r.Descriptor == "" {
		return "(inline)"
	}
	return r.Descriptor
}
