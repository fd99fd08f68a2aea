// Package cost estimates the monthly cost of an application descriptor from a
// pricing table.
//
// Estimates are deterministic: the same descriptor and table always produce
// the same line items, totals and suggestions, so reports can be regenerated
// and compared byte for byte. Costs never decrease when an allocation grows.
package cost
