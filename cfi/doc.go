// Package cfi implements control-flow integrity checks for the interpreter.
//
// A Layer keeps a shadow stack of return sites and, when landing pads are
// enabled, an expectation for each call's entry point. Every call pushes
// both; the callee's entry consumes the landing-pad expectation and every
// return is compared against the shadow entry. Any mismatch is a
// control-flow violation and is never silently ignored.
//
// Signatures are compared by SignatureHash, an xxhash of the core value
// types.
package cfi
