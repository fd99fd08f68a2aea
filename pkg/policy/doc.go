// Package policy evaluates Rego policies that produce advisory findings about
// an application descriptor.
//
// Policies never block a deployment. Each policy exposes a "warn" set in its
// package; every element is an object with "field", "message", "why" and
// "fix" keys. Built-in policies cover resource allocations above the review
// thresholds, and additional .rego files can be loaded from disk and
// hot-reloaded with Watch.
package policy
