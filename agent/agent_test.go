package agent

import (
	"context"
	stderrors "errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wippyai/wasm-agent/async"
	"github.com/wippyai/wasm-agent/errors"
	"github.com/wippyai/wasm-agent/instr"
	"github.com/wippyai/wasm-agent/memory"
	"github.com/wippyai/wasm-agent/resource"
	"github.com/wippyai/wasm-agent/value"
	"go.bytecodealliance.org/wit"
)

func td(k wit.TypeDefKind) *wit.TypeDef { return &wit.TypeDef{Kind: k} }

func borrowType() wit.Type { return td(&wit.Borrow{}) }
func ownType() wit.Type    { return td(&wit.Own{}) }

func newAgent(t *testing.T, cfg Configuration) *Agent {
	t.Helper()
	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func load(t *testing.T, a *Agent, src string, hosts HostFuncs, edits ...func(*instr.Module)) (InstanceID, *memory.Linear) {
	t.Helper()
	m, err := instr.Parse(src)
	require.NoError(t, err)
	for _, edit := range edits {
		edit(m)
	}
	mem := memory.NewLinear(memory.PageSize, 4*memory.PageSize)
	id, err := a.Instantiate(m, mem, mem, hosts)
	require.NoError(t, err)
	return id, mem
}

// export gives function fn a component-level signature.
func export(fn uint32, params, results []wit.Type) func(*instr.Module) {
	return func(m *instr.Module) {
		m.Exports = append(m.Exports, instr.Export{
			Name:     m.Functions[fn].Name,
			Function: fn,
			Params:   params,
			Results:  results,
		})
	}
}

func requireValues(t *testing.T, want, got []value.Value) {
	t.Helper()
	require.True(t, value.EqualSlices(want, got), "want %v, got %v", want, got)
}

const spin = `
func spin ()
  nop
  nop
  nop
  nop
  nop
  nop
  nop
  nop
  nop
  nop
end
`

func TestFuelExhaustedAfterExactBudget(t *testing.T) {
	a := newAgent(t, DefaultConfiguration().WithFuel(5))
	id, _ := load(t, a, spin, nil)

	_, err := a.CallFunction(context.Background(), id, 0, nil)
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindFuelExhausted))
	assert.True(t, errors.IsRecoverable(err))

	stats := a.Statistics()
	assert.Equal(t, uint64(5), stats.InstructionsExecuted)
	assert.Equal(t, uint64(5), stats.FuelConsumed)
	assert.Equal(t, 0, a.CallStackDepth())
	assert.Equal(t, uint64(0), a.Fuel())
	assert.Equal(t, StateTrapped, a.State())
}

func TestUnboundedRunsToCompletion(t *testing.T) {
	a := newAgent(t, DefaultConfiguration())
	id, _ := load(t, a, spin, nil)

	out, err := a.CallFunction(context.Background(), id, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, uint64(11), a.Statistics().InstructionsExecuted)
	assert.Equal(t, uint64(0), a.Statistics().FuelConsumed)
	assert.Equal(t, StateCompleted, a.State())
}

func TestRefuelAndReset(t *testing.T) {
	a := newAgent(t, DefaultConfiguration().WithFuel(20))
	id, _ := load(t, a, spin, nil)
	ctx := context.Background()

	_, err := a.CallFunction(ctx, id, 0, nil)
	require.NoError(t, err)
	_, err = a.CallFunction(ctx, id, 0, nil)
	require.True(t, errors.HasKind(err, errors.KindFuelExhausted))

	a.Refuel(11)
	_, err = a.CallFunction(ctx, id, 0, nil)
	require.NoError(t, err)

	a.Reset()
	assert.Equal(t, uint64(20), a.Fuel())
	assert.Equal(t, Statistics{}, a.Statistics())
	assert.Equal(t, StateIdle, a.State())
}

func TestTrapTakesPrecedenceOverFuel(t *testing.T) {
	tests := []struct {
		name string
		src  string
		fuel uint64
		code errors.TrapCode
	}{
		{"unreachable with no fuel", "func f ()\n  unreachable\nend", 0, errors.TrapUnreachable},
		{"divide with fuel spent", "func f ()\n  i32.const 1\n  i32.const 0\n  i32.div_u\n  drop\nend", 2, errors.TrapIntegerDivideByZero},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAgent(t, DefaultConfiguration().WithFuel(tt.fuel))
			id, _ := load(t, a, tt.src, nil)

			_, err := a.CallFunction(context.Background(), id, 0, nil)
			code, ok := errors.TrapOf(err)
			require.True(t, ok, "expected trap, got %v", err)
			assert.Equal(t, tt.code, code)
			assert.False(t, errors.HasKind(err, errors.KindFuelExhausted))
			assert.Equal(t, tt.fuel, a.Statistics().FuelConsumed)
		})
	}
}

const recursive = `
func rec (i32)
  local.get 0
  call rec
end
`

const allocatingRecursive = `
func rec (i32)
  i32.const 7
  resource.new 1
  drop
  local.get 0
  call rec
end
`

func TestCallStackExhaustedLeavesResourcesUnchanged(t *testing.T) {
	cfg := DefaultConfiguration()
	cfg.MaxCallDepth = 8
	a := newAgent(t, cfg)
	id, _ := load(t, a, recursive, nil, export(0, []wit.Type{borrowType()}, nil))

	table := a.Resources()
	h, err := table.Allocate(1, "state")
	require.NoError(t, err)
	before := table.Snapshot()

	_, err = a.CallFunction(context.Background(), id, 0, []value.Value{value.Borrow(uint32(h))})
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindCallStackExhausted))
	assert.False(t, errors.IsRecoverable(err))

	assert.Equal(t, 8, a.Statistics().MaxStackDepth)
	assert.Equal(t, 0, a.CallStackDepth())
	assert.Equal(t, 1, table.Len())
	assert.Equal(t, 0, table.BorrowCount())
	assert.Equal(t, before, table.Snapshot())

	// handles created by frames that were unwound do not outlive them
	alloc, _ := load(t, a, allocatingRecursive, nil)
	_, err = a.CallFunction(context.Background(), alloc, 0, []value.Value{value.U32(0)})
	require.True(t, errors.HasKind(err, errors.KindCallStackExhausted), "got %v", err)
	assert.Equal(t, before, table.Snapshot())
	assert.Equal(t, 1, table.LiveCount())
	stats := a.Statistics()
	assert.Equal(t, uint64(8), stats.ResourcesAllocated)
	assert.Equal(t, uint64(8), stats.ResourcesDropped)
}

func TestTrapDropsHandlesCreatedByTheExecution(t *testing.T) {
	const src = `
func leak (i32)
  i32.const 7
  resource.new 1
  drop
  i32.const 8
  resource.new 1
  local.set 0
  unreachable
end
`
	a := newAgent(t, DefaultConfiguration())
	id, _ := load(t, a, src, nil)
	table := a.Resources()
	kept, err := table.AllocateFromRep(1, 3)
	require.NoError(t, err)

	_, err = a.CallFunction(context.Background(), id, 0, []value.Value{value.U32(0)})
	code, ok := errors.TrapOf(err)
	require.True(t, ok, "expected trap, got %v", err)
	assert.Equal(t, errors.TrapUnreachable, code)
	assert.Equal(t, 1, table.LiveCount())
	assert.Equal(t, resource.StateReady, table.State(kept))
}

func TestBorrowInvalidAfterFramePops(t *testing.T) {
	const src = `
func keep (i32) -> (i32)
  local.get 0
end
func stash (i32)
  i32.const 16
  local.get 0
  i32.store
end
func use () -> (i32)
  i32.const 16
  i32.load
  resource.rep
end
func peek (i32) -> (i32)
  local.get 0
  resource.rep
end
`
	a := newAgent(t, DefaultConfiguration())
	id, _ := load(t, a, src, nil,
		export(0, []wit.Type{borrowType()}, []wit.Type{wit.U32{}}),
		export(1, []wit.Type{borrowType()}, nil),
		export(3, []wit.Type{borrowType()}, []wit.Type{wit.U32{}}),
	)
	ctx := context.Background()
	table := a.Resources()
	h, err := table.AllocateFromRep(1, 99)
	require.NoError(t, err)

	out, err := a.CallFunction(ctx, id, 3, []value.Value{value.Borrow(uint32(h))})
	require.NoError(t, err)
	requireValues(t, []value.Value{value.U32(99)}, out)

	out, err = a.CallFunction(ctx, id, 0, []value.Value{value.Borrow(uint32(h))})
	require.NoError(t, err)
	leaked := resource.Handle(out[0].AsU32())
	assert.NotEqual(t, h, leaked)
	assert.Equal(t, resource.StateDropped, table.State(leaked))
	_, ok := table.Lookup(leaked)
	assert.False(t, ok)
	assert.Equal(t, resource.StateReady, table.State(h))

	_, err = a.CallFunction(ctx, id, 1, []value.Value{value.Borrow(uint32(h))})
	require.NoError(t, err)
	_, err = a.CallFunction(ctx, id, 2, nil)
	code, ok := errors.TrapOf(err)
	require.True(t, ok, "expected trap, got %v", err)
	assert.Equal(t, errors.TrapInvalidHandle, code)
	assert.Equal(t, 0, table.BorrowCount())
}

func TestOwnHandlesMoveAcrossTheBoundary(t *testing.T) {
	const src = `
func take (i32)
  local.get 0
  resource.drop
end
func make () -> (i32)
  i32.const 42
  resource.new 7
end
`
	a := newAgent(t, DefaultConfiguration())
	id, _ := load(t, a, src, nil,
		export(0, []wit.Type{ownType()}, nil),
		export(1, nil, []wit.Type{ownType()}),
	)
	ctx := context.Background()
	table := a.Resources()

	h, err := table.AllocateFromRep(3, 5)
	require.NoError(t, err)
	_, err = a.CallFunction(ctx, id, 0, []value.Value{value.Own(uint32(h))})
	require.NoError(t, err)
	assert.Equal(t, resource.StateDropped, table.State(h))
	assert.Equal(t, uint64(1), a.Statistics().ResourcesDropped)

	out, err := a.CallFunction(ctx, id, 1, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, value.KindOwn, out[0].Kind)
	e, ok := table.Lookup(resource.Handle(out[0].Handle()))
	require.True(t, ok)
	assert.Equal(t, resource.OwnerHost, e.Owner)
	assert.Equal(t, uint32(7), e.TypeID)
	assert.Equal(t, uint32(42), e.Rep)
	assert.Equal(t, uint64(1), a.Statistics().ResourcesAllocated)

	_, err = a.CallFunction(ctx, id, 0, []value.Value{value.Own(uint32(h))})
	assert.True(t, errors.HasKind(err, errors.KindResource))
}

func TestGuestCannotUseHandlesItDoesNotHold(t *testing.T) {
	const src = `
func take (i32)
  local.get 0
  resource.drop
end
func read (i32) -> (i32)
  local.get 0
  resource.rep
end
func make () -> (i32)
  i32.const 9
  resource.new 2
end
`
	a := newAgent(t, DefaultConfiguration())
	first, _ := load(t, a, src, nil)
	second, _ := load(t, a, src, nil)
	ctx := context.Background()
	table := a.Resources()

	host, err := table.AllocateFromRep(1, 4)
	require.NoError(t, err)
	out, err := a.CallFunction(ctx, first, 2, nil)
	require.NoError(t, err)
	guest := resource.Handle(out[0].AsU32())
	e, ok := table.Lookup(guest)
	require.True(t, ok)
	require.Equal(t, resource.Owner(first), e.Owner)

	tests := []struct {
		name string
		id   InstanceID
		fn   uint32
		h    resource.Handle
	}{
		{"drop host handle", first, 0, host},
		{"rep host handle", first, 1, host},
		{"drop other instance handle", second, 0, guest},
		{"rep other instance handle", second, 1, guest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.CallFunction(ctx, tt.id, tt.fn, []value.Value{value.U32(uint32(tt.h))})
			code, ok := errors.TrapOf(err)
			require.True(t, ok, "expected trap, got %v", err)
			assert.Equal(t, errors.TrapInvalidHandle, code)
			assert.True(t, table.State(tt.h).Live())
		})
	}

	out, err = a.CallFunction(ctx, first, 1, []value.Value{value.U32(uint32(guest))})
	require.NoError(t, err)
	requireValues(t, []value.Value{value.U32(9)}, out)
	_, err = a.CallFunction(ctx, first, 0, []value.Value{value.U32(uint32(guest))})
	require.NoError(t, err)
	assert.Equal(t, resource.StateDropped, table.State(guest))
	assert.Equal(t, resource.StateReady, table.State(host))
}

const fetchModule = `
import fetch (i32) -> (i32) async
func f (i32) -> (i32)
  local.get 0
  call_host fetch
  i32.const 1
  i32.add
end
func twice () -> (i32)
  i32.const 1
  call_host fetch
  i32.const 2
  call_host fetch
  i32.add
end
`

func TestAsyncSuspendAndStep(t *testing.T) {
	a := newAgent(t, ModeConfiguration(Asynchronous))
	id, _ := load(t, a, fetchModule, nil)
	ctx := context.Background()

	_, err := a.CallFunction(ctx, id, 0, []value.Value{value.U32(5)})
	require.ErrorIs(t, err, ErrPending)
	p, ok := AsPending(err)
	require.True(t, ok)
	assert.Equal(t, "fetch", p.Call.Name)
	assert.Equal(t, []uint64{5}, p.Call.Args)
	assert.Equal(t, StateSuspended, a.State())
	assert.Equal(t, 0, a.CallStackDepth())
	assert.Equal(t, []async.Token{p.Token}, a.Pending())

	_, err = a.CallFunction(ctx, id, 0, []value.Value{value.U32(1)})
	assert.True(t, errors.HasKind(err, errors.KindBusy))

	out, err := a.StepExecution(ctx, p.Token, async.HostResult{Values: []uint64{41}})
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, out.Status)
	requireValues(t, []value.Value{value.U32(42)}, out.Results)
	assert.Equal(t, StateCompleted, a.State())

	_, err = a.StepExecution(ctx, p.Token, async.HostResult{Values: []uint64{41}})
	assert.True(t, errors.HasKind(err, errors.KindInvalidToken))

	stats := a.Statistics()
	assert.Equal(t, uint64(1), stats.AsyncSuspensions)
	assert.Equal(t, uint64(1), stats.AsyncResumptions)
}

func TestAsyncSuspendsRepeatedly(t *testing.T) {
	a := newAgent(t, Configuration{
		Mode:         Hybrid(HybridFlags{Async: true, Stackless: true}),
		MaxCallDepth: 16,
		MaxMemory:    DefaultMaxMemory,
	})
	id, _ := load(t, a, fetchModule, nil)
	ctx := context.Background()

	_, err := a.CallFunction(ctx, id, 1, nil)
	p, ok := AsPending(err)
	require.True(t, ok)
	assert.Equal(t, []uint64{1}, p.Call.Args)

	out, err := a.StepExecution(ctx, p.Token, async.HostResult{Values: []uint64{10}})
	require.NoError(t, err)
	require.Equal(t, StepSuspended, out.Status)
	assert.NotEqual(t, p.Token, out.Token)
	assert.Equal(t, []uint64{2}, out.Call.Args)

	out, err = a.StepExecution(ctx, out.Token, async.HostResult{Values: []uint64{20}})
	require.NoError(t, err)
	require.Equal(t, StepCompleted, out.Status)
	requireValues(t, []value.Value{value.U32(30)}, out.Results)
	assert.Equal(t, uint64(1), a.Statistics().StacklessFrames)
}

func TestAsyncImportRunsInlineWhenSynchronous(t *testing.T) {
	a := newAgent(t, DefaultConfiguration())
	hosts := HostFuncs{"fetch": func(_ context.Context, args []uint64) ([]uint64, error) {
		return []uint64{args[0] * 2}, nil
	}}
	id, _ := load(t, a, fetchModule, hosts)

	out, err := a.CallFunction(context.Background(), id, 0, []value.Value{value.U32(4)})
	require.NoError(t, err)
	requireValues(t, []value.Value{value.U32(9)}, out)
	assert.Equal(t, uint64(1), a.Statistics().HostCalls)
}

const holdModule = `
import wait () -> () async
func hold (i32 i32)
  call_host wait
end
`

func TestCancelReleasesExactlyTheSuspendedBorrows(t *testing.T) {
	a := newAgent(t, ModeConfiguration(Asynchronous))
	id, _ := load(t, a, holdModule, nil, export(0, []wit.Type{borrowType(), borrowType()}, nil))
	ctx := context.Background()
	table := a.Resources()

	h1, _ := table.Allocate(1, "a")
	h2, _ := table.Allocate(1, "b")
	h3, _ := table.Allocate(1, "c")
	_, err := table.Borrow(h3, resource.OwnerHost, 999)
	require.NoError(t, err)
	require.Equal(t, 1, table.BorrowCount())

	_, err = a.CallFunction(ctx, id, 0, []value.Value{value.Borrow(uint32(h1)), value.Borrow(uint32(h2))})
	p, ok := AsPending(err)
	require.True(t, ok)
	require.Equal(t, 3, table.BorrowCount())

	released, err := a.Cancel(p.Token)
	require.NoError(t, err)
	assert.Equal(t, 2, released)
	assert.Equal(t, 1, table.BorrowCount())
	assert.Equal(t, 3, table.LiveCount())
	assert.Equal(t, StateCancelled, a.State())
	assert.Equal(t, uint64(1), a.Statistics().AsyncCancellations)

	_, err = a.StepExecution(ctx, p.Token, async.HostResult{})
	assert.True(t, errors.HasKind(err, errors.KindInvalidToken))
	_, err = a.Cancel(p.Token)
	assert.True(t, errors.HasKind(err, errors.KindInvalidToken))

	_, err = a.CallFunction(ctx, id, 0, []value.Value{value.Borrow(uint32(h1)), value.Borrow(uint32(h2))})
	assert.ErrorIs(t, err, ErrPending)
}

func TestResumeWithCancelledResult(t *testing.T) {
	a := newAgent(t, ModeConfiguration(Asynchronous))
	id, _ := load(t, a, holdModule, nil, export(0, []wit.Type{borrowType(), borrowType()}, nil))
	table := a.Resources()
	h, _ := table.Allocate(1, "a")

	_, err := a.CallFunction(context.Background(), id, 0, []value.Value{value.Borrow(uint32(h)), value.Borrow(uint32(h))})
	p, ok := AsPending(err)
	require.True(t, ok)
	require.Equal(t, 2, table.BorrowCount())

	_, err = a.StepExecution(context.Background(), p.Token, async.HostResult{Cancelled: true})
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindCancelled))
	assert.True(t, errors.IsRecoverable(err))
	assert.Equal(t, 0, table.BorrowCount())
	assert.Equal(t, StateCancelled, a.State())
	assert.Equal(t, uint64(2), a.Statistics().BorrowsReleased)
}

func TestHostFailureResumesAsTrap(t *testing.T) {
	a := newAgent(t, ModeConfiguration(Asynchronous))
	id, _ := load(t, a, fetchModule, nil)

	_, err := a.CallFunction(context.Background(), id, 0, []value.Value{value.U32(1)})
	p, ok := AsPending(err)
	require.True(t, ok)

	boom := stderrors.New("backend down")
	_, err = a.StepExecution(context.Background(), p.Token, async.HostResult{Err: boom})
	require.ErrorIs(t, err, boom)
	code, _ := errors.TrapOf(err)
	assert.Equal(t, errors.TrapHostFailure, code)
	assert.Equal(t, StateTrapped, a.State())
}

func TestCloseWithSuspendedExecutionIsAbnormal(t *testing.T) {
	a, err := New(ModeConfiguration(Asynchronous))
	require.NoError(t, err)
	id, _ := load(t, a, holdModule, nil, export(0, []wit.Type{borrowType(), borrowType()}, nil))
	table := a.Resources()
	h, _ := table.Allocate(1, "a")

	_, err = a.CallFunction(context.Background(), id, 0, []value.Value{value.Borrow(uint32(h)), value.Borrow(uint32(h))})
	require.ErrorIs(t, err, ErrPending)

	err = a.Close()
	assert.True(t, errors.HasKind(err, errors.KindAbnormalUnwind))
	assert.Equal(t, 0, table.BorrowCount())
	assert.Equal(t, StateClosed, a.State())
	assert.NoError(t, a.Close())

	_, err = a.CallFunction(context.Background(), id, 0, nil)
	assert.True(t, errors.HasKind(err, errors.KindClosed))
}

func TestCloseIdle(t *testing.T) {
	a, err := New(DefaultConfiguration())
	require.NoError(t, err)
	assert.NoError(t, a.Close())
}

const tamperModule = `
import tamper () -> ()
func main () -> (i32)
  call inner
  i32.const 7
end
func inner ()
  call_host tamper
end
`

func TestCFIReturnMismatchIsViolation(t *testing.T) {
	var a *Agent
	tamper := false
	hosts := HostFuncs{"tamper": func(context.Context, []uint64) ([]uint64, error) {
		if tamper {
			a.stack.frames[0].IP++
		}
		return nil, nil
	}}

	a = newAgent(t, ModeConfiguration(CFIProtected))
	id, _ := load(t, a, tamperModule, hosts)
	ctx := context.Background()

	out, err := a.CallFunction(ctx, id, 0, nil)
	require.NoError(t, err)
	requireValues(t, []value.Value{value.U32(7)}, out)
	assert.Positive(t, a.Statistics().CFIChecks)

	tamper = true
	_, err = a.CallFunction(ctx, id, 0, nil)
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindControlFlowViolation))
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, uint64(1), a.Statistics().CFIViolations)
	assert.Equal(t, 0, a.CallStackDepth())
}

const indirectModule = `
type (i32) -> (i32)
type () -> (i32)
func main () -> (i32)
  i32.const 5
  i32.const 0
  call_indirect 0
end
func noarg () -> (i32)
  i32.const 1
end
func inc (i32) -> (i32)
  local.get 0
  i32.const 1
  i32.add
end
func good () -> (i32)
  i32.const 5
  i32.const 1
  call_indirect 0
end
func wide () -> (i32)
  i32.const 1
  call_indirect 1
end
table noarg inc
`

func TestIndirectCallSignatureMismatch(t *testing.T) {
	noPads := ModeConfiguration(CFIProtected)
	noPads.CFI.LandingPads = false

	tests := []struct {
		name       string
		cfg        Configuration
		kind       errors.Kind
		violations uint64
	}{
		{"synchronous", ModeConfiguration(Synchronous), errors.KindTrap, 0},
		{"cfi", ModeConfiguration(CFIProtected), errors.KindControlFlowViolation, 1},
		{"hybrid cfi", ModeConfiguration(Hybrid(HybridFlags{CFI: true})), errors.KindControlFlowViolation, 1},
		{"cfi without landing pads", noPads, errors.KindTrap, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAgent(t, tt.cfg)
			id, _ := load(t, a, indirectModule, nil)
			ctx := context.Background()

			// narrower callee, then a wider one that would take an
			// operand the call site never pushed
			for _, fn := range []uint32{0, 4} {
				before := a.Statistics().CFIViolations
				_, err := a.CallFunction(ctx, id, fn, nil)
				require.Error(t, err)
				assert.Equal(t, tt.kind, errors.KindOf(err), "function %d: %v", fn, err)
				if tt.kind == errors.KindTrap {
					code, _ := errors.TrapOf(err)
					assert.Equal(t, errors.TrapIndirectCallType, code)
				}
				assert.Equal(t, tt.violations, a.Statistics().CFIViolations-before)
				assert.Equal(t, 0, a.CallStackDepth())
			}

			out, err := a.CallFunction(ctx, id, 3, nil)
			require.NoError(t, err)
			requireValues(t, []value.Value{value.U32(6)}, out)
		})
	}
}

func TestCFIExtraCallFuel(t *testing.T) {
	cfg := ModeConfiguration(Hybrid(HybridFlags{CFI: true})).WithFuel(100)
	cfg.CFI.CallFuelCost = 10
	a := newAgent(t, cfg)
	id, _ := load(t, a, tamperModule, HostFuncs{"tamper": func(context.Context, []uint64) ([]uint64, error) {
		return nil, nil
	}})

	_, err := a.CallFunction(context.Background(), id, 0, nil)
	require.NoError(t, err)
	stats := a.Statistics()
	assert.Equal(t, stats.InstructionsExecuted+10, stats.FuelConsumed)
}

const programs = `
func sum (i32) -> (i32) local i32
  block
    loop
      local.get 0
      i32.eqz
      br_if 1
      local.get 1
      local.get 0
      i32.add
      local.set 1
      local.get 0
      i32.const 1
      i32.sub
      local.set 0
      br 0
    end
  end
  local.get 1
end

func sign (i32) -> (i32)
  local.get 0
  i32.const 0
  i32.lt_s
  if i32
    i32.const -1
  else
    i32.const 1
  end
end

func pick (i32) -> (i32)
  block
    block
      block
        local.get 0
        br_table 0 1 2
      end
      i32.const 10
      return
    end
    i32.const 20
    return
  end
  i32.const 30
end

func fact (i64) -> (i64)
  local.get 0
  i64.eqz
  if i64
    i64.const 1
  else
    local.get 0
    local.get 0
    i64.const 1
    i64.sub
    call fact
    i64.mul
  end
end

func mem (i32) -> (i32)
  i32.const 100
  local.get 0
  i32.store
  i32.const 100
  i32.load
  i32.const 1
  i32.add
end

func carry () -> (i32)
  block i32
    i32.const 9
    br 0
  end
end

func choose (i32) -> (i32)
  i32.const 3
  i32.const 4
  local.get 0
  select
end

func widen (i32) -> (i64)
  local.get 0
  i64.extend_i32_s
end

func remainder () -> (i32)
  i32.const -2147483648
  i32.const -1
  i32.rem_s
end

func pages () -> (i32)
  memory.size
end
`

func TestControlFlow(t *testing.T) {
	a := newAgent(t, ModeConfiguration(Stackless))
	id, _ := load(t, a, programs, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		fn   uint32
		args []value.Value
		want value.Value
	}{
		{"loop sum", 0, []value.Value{value.U32(10)}, value.U32(55)},
		{"if negative", 1, []value.Value{value.U32(uint32(0xFFFFFFFB))}, value.U32(math.MaxUint32)},
		{"if positive", 1, []value.Value{value.U32(3)}, value.U32(1)},
		{"br_table first", 2, []value.Value{value.U32(0)}, value.U32(10)},
		{"br_table second", 2, []value.Value{value.U32(1)}, value.U32(20)},
		{"br_table default", 2, []value.Value{value.U32(5)}, value.U32(30)},
		{"recursion", 3, []value.Value{value.U64(10)}, value.U64(3628800)},
		{"memory", 4, []value.Value{value.U32(41)}, value.U32(42)},
		{"branch carries value", 5, nil, value.U32(9)},
		{"select true", 6, []value.Value{value.U32(1)}, value.U32(3)},
		{"select false", 6, []value.Value{value.U32(0)}, value.U32(4)},
		{"sign extension", 7, []value.Value{value.U32(math.MaxUint32)}, value.U64(math.MaxUint64)},
		{"rem_s min by -1", 8, nil, value.U32(0)},
		{"memory size", 9, nil, value.U32(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := a.CallFunction(ctx, id, tt.fn, tt.args)
			require.NoError(t, err)
			requireValues(t, []value.Value{tt.want}, out)
			assert.Equal(t, 0, a.CallStackDepth())
		})
	}
	assert.Positive(t, a.Statistics().StacklessFrames)
}

const traps = `
func div0 () -> (i32)
  i32.const 1
  i32.const 0
  i32.div_s
end
func overflow () -> (i32)
  i32.const -2147483648
  i32.const -1
  i32.div_s
end
func oob () -> (i32)
  i32.const 0x7FFFFFF0
  i32.load
end
func trapped () -> (i32)
  unreachable
end
func badhandle () -> (i32)
  i32.const 12345
  resource.rep
end
func underflow () -> (i32)
  i32.add
end
func div64 () -> (i64)
  i64.const 1
  i64.const 0
  i64.rem_u
end
`

func TestTraps(t *testing.T) {
	a := newAgent(t, DefaultConfiguration())
	id, _ := load(t, a, traps, nil)

	tests := []struct {
		name string
		fn   uint32
		code errors.TrapCode
	}{
		{"divide by zero", 0, errors.TrapIntegerDivideByZero},
		{"signed overflow", 1, errors.TrapIntegerOverflow},
		{"out of bounds", 2, errors.TrapOutOfBounds},
		{"unreachable", 3, errors.TrapUnreachable},
		{"invalid handle", 4, errors.TrapInvalidHandle},
		{"stack underflow", 5, errors.TrapStackUnderflow},
		{"i64 remainder by zero", 6, errors.TrapIntegerDivideByZero},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.CallFunction(context.Background(), id, tt.fn, nil)
			code, ok := errors.TrapOf(err)
			require.True(t, ok, "expected trap, got %v", err)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, StateTrapped, a.State())
			assert.Equal(t, 0, a.CallStackDepth())
		})
	}
	assert.Equal(t, uint64(len(tests)), a.Statistics().Traps)
}

func TestStringArgumentIsFreedAfterCall(t *testing.T) {
	const src = `
func strlen (i32 i32) -> (i32)
  local.get 1
end
`
	a := newAgent(t, DefaultConfiguration())
	id, mem := load(t, a, src, nil, export(0, []wit.Type{wit.String{}}, []wit.Type{wit.U32{}}))

	out, err := a.CallFunction(context.Background(), id, 0, []value.Value{value.String("hello")})
	require.NoError(t, err)
	requireValues(t, []value.Value{value.U32(5)}, out)
	assert.Zero(t, mem.InUse())

	_, err = a.CallFunction(context.Background(), id, 0, []value.Value{value.String("\xff")})
	assert.True(t, errors.HasKind(err, errors.KindInvalidEncoding))
	assert.Zero(t, mem.InUse())
}

func TestArityCheckedBeforeAnyFrame(t *testing.T) {
	a := newAgent(t, DefaultConfiguration())
	id, _ := load(t, a, programs, nil)

	_, err := a.CallFunction(context.Background(), id, 0, nil)
	assert.True(t, errors.HasKind(err, errors.KindInvalidInput))
	assert.Zero(t, a.Statistics().FunctionCalls)
	assert.Equal(t, StateIdle, a.State())

	_, err = a.CallFunction(context.Background(), id, 99, nil)
	assert.True(t, errors.HasKind(err, errors.KindNotFound))
	_, err = a.CallFunction(context.Background(), 42, 0, nil)
	assert.True(t, errors.HasKind(err, errors.KindNotFound))
}

func TestReentrantCallIsBusy(t *testing.T) {
	const src = `
import reenter () -> ()
func outer ()
  call_host reenter
end
`
	var (
		a  *Agent
		id InstanceID
	)
	a = newAgent(t, DefaultConfiguration())
	id, _ = load(t, a, src, HostFuncs{"reenter": func(ctx context.Context, _ []uint64) ([]uint64, error) {
		_, err := a.CallFunction(ctx, id, 0, nil)
		return nil, err
	}})

	_, err := a.CallFunction(context.Background(), id, 0, nil)
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindBusy))
	code, _ := errors.TrapOf(err)
	assert.Equal(t, errors.TrapHostFailure, code)
}

func TestContextCancellationInterruptsLoop(t *testing.T) {
	const src = `
func forever ()
  loop
    br 0
  end
end
`
	a := newAgent(t, DefaultConfiguration())
	id, _ := load(t, a, src, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.CallFunction(ctx, id, 0, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, errors.HasKind(err, errors.KindCancelled))
}

func TestInstantiateRejectsAsyncImportWithoutHost(t *testing.T) {
	a := newAgent(t, DefaultConfiguration())
	m, err := instr.Parse(holdModule)
	require.NoError(t, err)
	_, err = a.Instantiate(m, nil, nil, nil)
	assert.True(t, errors.HasKind(err, errors.KindInvalidInput))
}
