// Package instr is the decoded instruction model consumed by the execution
// agent.
//
// A Module carries already-validated function bodies, host imports and
// component-level export signatures. Resolve precomputes structured control
// targets once so the interpreter never scans for matching ends. Parse
// assembles a small text form used by tests and the demo front-end.
package instr
