package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/shipyard/pkg/iac"
	"github.com/openfroyo/shipyard/pkg/state"
)

// ErrorKind classifies deployment failures.
type ErrorKind string

const (
	// KindConfig is a descriptor or registry-status problem the author can fix.
	KindConfig ErrorKind = "ConfigError"

	// KindConflict is a naming or ownership collision.
	KindConflict ErrorKind = "ConflictError"

	// KindPlan is a failure of the IaC engine while planning.
	KindPlan ErrorKind = "PlanError"

	// KindApply is a failure of the IaC engine while applying.
	KindApply ErrorKind = "ApplyError"

	// KindBuild is an image build or push failure.
	KindBuild ErrorKind = "BuildError"

	// KindHealthCheckTimeout means a component never reported healthy.
	KindHealthCheckTimeout ErrorKind = "HealthCheckTimeout"

	// KindStaleState means the stored state changed under the run.
	KindStaleState ErrorKind = "StaleState"

	// KindLeaseBusy means another run holds the application's lease.
	KindLeaseBusy ErrorKind = "LeaseBusy"

	// KindCancelled means the run was cancelled between phases.
	KindCancelled ErrorKind = "Cancelled"

	// KindInternal is a platform fault.
	KindInternal ErrorKind = "Internal"
)

// Error is a deployment failure with the facts an operator needs: where the
// run stopped, how far it got, and whether infrastructure is standing.
type Error struct {
	// Kind is the taxonomy class.
	Kind ErrorKind

	// Key is the application's state key.
	Key state.Key

	// Phase is the phase that was being left when the failure occurred. It
	// is empty for failures before the state machine started.
	Phase state.Phase

	// LastSuccessfulPhase is the furthest phase reached.
	LastSuccessfulPhase state.Phase

	// InfrastructureExists reports whether applied infrastructure is standing.
	InfrastructureExists bool

	// Message is the platform-side description.
	Message string

	// Output is the raw output of the failing tool, if any.
	Output string

	// Fix tells the operator what to change before retrying, if known.
	Fix string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Key != "" {
		fmt.Fprintf(&b, " [%s]", e.Key.Team()+"/"+e.Key.App())
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Phase != "" {
		fmt.Fprintf(&b, " (phase %s, last successful phase %s, ", e.Phase, e.LastSuccessfulPhase)
		if e.InfrastructureExists {
			b.WriteString("infrastructure exists and is safe to inspect)")
		} else {
			b.WriteString("no infrastructure exists)")
		}
	}
	if e.Fix != "" {
		b.WriteString("\nfix: ")
		b.WriteString(e.Fix)
	}
	if e.Output != "" {
		b.WriteString("\n--- tool output ---\n")
		b.WriteString(strings.TrimRight(e.Output, "\n"))
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether re-running the deployment may succeed without
// any change by the application owner.
func (e *Error) IsRetryable() bool {
	return e.Kind == KindStaleState || e.Kind == KindLeaseBusy
}

func newError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err, Output: iac.Output(err)}
}

// at fills in the phase facts from st.
func (e *Error) at(phase state.Phase, st *state.DeploymentState) *Error {
	e.Phase = phase
	if st != nil {
		e.Key = st.Key
		e.LastSuccessfulPhase = st.LastSuccessfulPhase
		e.InfrastructureExists = st.InfrastructureExists()
	}
	return e
}

// KindOf returns the kind of a deployment error, or KindInternal for any
// other non-nil error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err is a concurrency-control error.
func IsRetryable(err error) bool {
	var de *Error
	return errors.As(err, &de) && de.IsRetryable()
}

// storeError maps a state store failure onto the taxonomy.
func storeError(message string, err error) *Error {
	switch {
	case errors.Is(err, state.ErrStaleState):
		return newError(KindStaleState, message, err)
	case errors.Is(err, state.ErrLeaseBusy), errors.Is(err, state.ErrLeaseLost):
		return newError(KindLeaseBusy, message, err)
	case isCancellation(err):
		return newError(KindCancelled, message, err)
	default:
		return newError(KindInternal, message, err)
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
