package deploy

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/openfroyo/shipyard/pkg/iac"
	"github.com/openfroyo/shipyard/pkg/state"
)

func TestErrorRendersPhaseFacts(t *testing.T) {
	st := state.New(state.KeyFor("demo", "demo-api"), "dev")
	st.LastSuccessfulPhase = state.PhasePhase1Applied

	cause := iac.NewPermanentError("build failed", nil).WithOutput("step 3/7: exit code 1")
	err := newError(KindBuild, "failed to build backend image", cause).at(state.PhasePhase1Applied, st)

	text := err.Error()
	for _, want := range []string{
		"BuildError [demo/demo-api]",
		"phase Phase1Applied",
		"last successful phase Phase1Applied",
		"no infrastructure exists",
		"step 3/7: exit code 1",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("Error() = %q, missing %q", text, want)
		}
	}

	st.InfrastructureState = []byte(`{"version":1}`)
	err = newError(KindApply, "apply failed", nil).at(state.PhasePhase2Planned, st)
	if !strings.Contains(err.Error(), "infrastructure exists and is safe to inspect") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		err       error
		kind      ErrorKind
		retryable bool
	}{
		{storeError("save", state.ErrStaleState), KindStaleState, true},
		{storeError("renew", state.ErrLeaseLost), KindLeaseBusy, true},
		{fmt.Errorf("wrapped: %w", &Error{Kind: KindLeaseBusy}), KindLeaseBusy, true},
		{&Error{Kind: KindHealthCheckTimeout}, KindHealthCheckTimeout, false},
		{storeError("load", errors.New("disk full")), KindInternal, false},
		{errors.New("plain"), KindInternal, false},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.kind {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.kind)
		}
		if got := IsRetryable(tt.err); got != tt.retryable {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.retryable)
		}
	}
	if KindOf(nil) != "" {
		t.Error("KindOf(nil) should be empty")
	}
}
