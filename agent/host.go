package agent

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/wippyai/wasm-agent/async"
	"github.com/wippyai/wasm-agent/value"
)

// InstanceID identifies a module instance within one agent. Zero is never
// issued.
type InstanceID uint32

// HostFunc is a host callback taking and returning flat core values.
type HostFunc func(ctx context.Context, args []uint64) ([]uint64, error)

// HostFuncs maps import names to callbacks. Async imports need no entry
// when the agent runs in an async-enabled mode.
type HostFuncs map[string]HostFunc

// ErrPending is matched by errors.Is when a call suspended on an async host
// import. Use AsPending to obtain the token.
var ErrPending = stderrors.New("execution pending on host call")

// Pending is returned, wrapped in the error chain, when execution suspends.
type Pending struct {
	Call  async.HostCall
	Token async.Token
}

func (p *Pending) Error() string {
	return fmt.Sprintf("execution pending on host call %q (token %d)", p.Call.Name, p.Token)
}

func (p *Pending) Unwrap() error { return ErrPending }

// AsPending extracts the pending marker from err.
func AsPending(err error) (*Pending, bool) {
	var p *Pending
	if stderrors.As(err, &p) {
		return p, true
	}
	return nil, false
}

// StepOutcome is the result of StepExecution. Token is set when the
// execution suspended again.
type StepOutcome struct {
	Results []value.Value
	Call    async.HostCall
	Token   async.Token
	Status  StepStatus
}
