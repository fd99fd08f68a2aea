// Package validation checks application descriptors and explains every
// finding.
//
// Rules run in a fixed order: shape and types, naming, numeric ranges,
// build artifacts, then advisory checks. A field that fails an early rule is
// not checked again by later rules, so each mistake is reported once. Every
// Diagnostic states what is wrong, why it matters and how to fix it.
package validation
