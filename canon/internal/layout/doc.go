// Package layout computes Canonical ABI memory layouts and flat core
// signatures for WIT types.
package layout
