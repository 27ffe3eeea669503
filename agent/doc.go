// Package agent implements the unified execution agent: one call-frame
// state machine serving synchronous, asynchronous, stackless and
// CFI-protected execution.
//
// Frames live in a bounded arena and the dispatch loop iterates them
// explicitly, so call depth is limited by configuration rather than by the
// Go stack. Arguments and results cross the boundary through the canonical
// value bridge; borrowed handles are scoped to the frame that received them
// and released when it pops.
//
// Basic usage:
//
//	a, err := agent.New(agent.DefaultConfiguration())
//	if err != nil {
//	    return err
//	}
//	defer a.Close()
//
//	id, err := a.Instantiate(module, mem, mem, hosts)
//	results, err := a.CallFunction(ctx, id, 0, []value.Value{value.U32(7)})
//
// In async-enabled modes a call that reaches an async host import returns
// an error wrapping *Pending. The host completes the call later:
//
//	if p, ok := agent.AsPending(err); ok {
//	    out, err := a.StepExecution(ctx, p.Token, async.HostResult{Values: v})
//	    // out.Status is StepSuspended when another async import was reached
//	}
//
// An Agent is single-writer; callers serialize access.
package agent
