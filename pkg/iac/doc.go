// Package iac is the built-in infrastructure engine used by the deployment
// coordinator.
//
// # Overview
//
// The engine turns a WorkingSet (a parsed descriptor, pushed images and the
// previous engine state) into a Plan, and a Plan into an ApplyResult:
//
//  1. Derive - compute the desired resources for a Mode
//  2. Diff - compare them with the recorded ResourceRecords by hash
//  3. Order - level PlanUnits by dependency depth
//  4. Apply - run each level on a bounded worker pool through a Provider
//
// Resources are a network, a database volume and container, and one
// container per enabled workload component. Physical names follow
// "<app>-<env>-<component>-<suffix>"; the suffix is chosen once per state
// lineage and persisted in the state blob.
//
// # Modes
//
// ModeInfraOnly covers shared infrastructure and keeps workloads that are
// already running unless WorkingSet.PruneWorkloads is set. ModeInfraWorkload
// adds the workload containers. ModeDestroy removes everything recorded.
//
// # Errors
//
// Provider failures are classified with EngineError. Transient, throttled and
// conflict errors are retried with exponential backoff; permanent errors fail
// the unit at once and every unit depending on it is skipped. Apply returns the
// partial state together with the error.
//
// # State
//
// The state blob is opaque to callers. Its Serial increases by one on every
// apply, successful or not.
package iac
