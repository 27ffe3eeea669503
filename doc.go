// Package wasmagent is the execution core of a WebAssembly runtime supporting
// Core WebAssembly and the Component Model.
//
// A single configurable state machine, the unified execution agent, runs
// synchronous component calls, asynchronous host-call suspension, stackless
// interpretation and control-flow-integrity protected execution behind one
// call-frame model, one resource-handle table and one canonical-value bridge.
//
// # Architecture Overview
//
//	wasmagent/        Root package with Memory and Allocator provider interfaces
//	├── agent/        Unified execution agent: frames, dispatch loop, statistics
//	├── registry/     Agent creation, lookup and legacy engine migration
//	├── canon/        Canonical value bridge (lower/lift over WIT types)
//	├── resource/     Resource handle table with own/borrow lifecycles
//	├── async/        Suspended host-call continuations and tokens
//	├── cfi/          Shadow stack and landing pad verification
//	├── instr/        Decoded instruction stream and module metadata
//	├── memory/       Bounded linear memory and wazero memory adapter
//	├── value/        Component-level value union
//	├── config/       YAML configuration loading
//	├── errors/       Structured error taxonomy
//	└── cmd/agentctl/ Command-line runner for assembly modules
//
// # Quick Start
//
//	reg := registry.New()
//	cfg := agent.DefaultConfiguration()
//	id, err := reg.CreateAgent(registry.CreationOptions{Config: &cfg})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	a, _ := reg.Agent(id)
//	inst, err := a.Instantiate(module, mem, mem, hosts)
//	results, err := a.CallFunction(ctx, inst, 0, []value.Value{value.U32(7)})
//
// # Asynchronous Host Calls
//
// In asynchronous or hybrid-async mode an async host import suspends the
// call. CallFunction returns an error carrying a Pending token and
// StepExecution resumes once the host result is available:
//
//	_, err := a.CallFunction(ctx, inst, 0, nil)
//	if p, ok := agent.AsPending(err); ok {
//	    out, err := a.StepExecution(ctx, p.Token, async.HostResult{Values: []uint64{42}})
//	}
//
// # Thread Safety
//
// Registry is safe for concurrent use. An Agent has single-writer
// semantics: its call stack, resource table and async table must not be
// used from multiple goroutines without external synchronization.
package wasmagent
