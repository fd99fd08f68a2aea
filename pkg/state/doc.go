// Package state defines the per-application deployment state, the phases of
// the rollout state machine, and the StateStore contract with lease-based
// mutual exclusion.
//
// State is addressed by Key, which has the fixed form "{team}/{app-name}.state".
// Existing deployments are found by that key, so its format must not change.
package state
