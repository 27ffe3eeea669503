package agent

import (
	"context"
	"math"

	wasmagent "github.com/wippyai/wasm-agent"
	"github.com/wippyai/wasm-agent/async"
	"github.com/wippyai/wasm-agent/cfi"
	"github.com/wippyai/wasm-agent/errors"
	"github.com/wippyai/wasm-agent/instr"
	"github.com/wippyai/wasm-agent/memory"
	"github.com/wippyai/wasm-agent/resource"
	"go.uber.org/zap"
)

// ctxCheckInterval is how many instructions run between context checks.
const ctxCheckInterval = 1024

// run dispatches until the call stack drains, an error occurs or the
// execution suspends. Results of the entry frame are left in a.results.
func (a *Agent) run(ctx context.Context) error {
	for a.stack.depth() > 0 {
		f := a.stack.top()
		inst := a.instances[f.Instance-1]
		body := inst.module.Functions[f.Function].Body

		if int(f.IP) >= len(body) {
			if err := a.ret(f); err != nil {
				return err
			}
			continue
		}
		in := &body[f.IP]

		if err := a.precheck(inst, f, in); err != nil {
			return err
		}
		if a.cfg.BoundedExecution {
			if a.fuel == 0 {
				return errors.FuelExhausted(a.stats.InstructionsExecuted)
			}
			a.fuel--
			a.stats.FuelConsumed++
		}
		a.stats.InstructionsExecuted++
		if a.stats.InstructionsExecuted%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return errors.Wrap(errors.PhaseExecute, errors.KindCancelled, err, "execution interrupted")
			}
		}

		if err := a.step(ctx, inst, f, in); err != nil {
			return err
		}
	}
	return nil
}

// pushFrame adds f to the call stack, enforcing the depth bound.
func (a *Agent) pushFrame(f CallFrame) error {
	if a.cfg.Mode.StacklessEnabled() && f.labels == nil {
		f.labels = make([]label, 0, 8)
	}
	if err := a.stack.push(f); err != nil {
		return err
	}
	a.stats.FunctionCalls++
	if a.cfg.Mode.StacklessEnabled() {
		a.stats.StacklessFrames++
	}
	if d := a.stack.depth(); d > a.stats.MaxStackDepth {
		a.stats.MaxStackDepth = d
	}
	return nil
}

// releaseFrame invalidates the borrows scoped to f.
func (a *Agent) releaseFrame(f *CallFrame) {
	if f.Scope == 0 {
		return
	}
	a.stats.BorrowsReleased += uint64(a.resources.ReleaseScope(f.Scope))
}

// call transfers control from the top frame to function target of inst.
// expected is the signature the call site was compiled against.
func (a *Agent) call(inst *instance, target uint32, expected uint64) error {
	caller := a.stack.top()
	fn := &inst.module.Functions[target]

	// The operand stack was sized for the call site type, so a callee of
	// another type must be rejected before its arguments are taken.
	if actual := inst.sigs[target]; actual != expected {
		if err := a.cfi.CheckIndirect(target, expected, actual); err != nil {
			return err
		}
		return trap(errors.TrapIndirectCallType, "function %s does not match the call site type",
			functionLabel(inst.module, target))
	}

	if a.cfi.Enabled() && a.cfg.BoundedExecution && a.cfg.CFI.CallFuelCost > 0 {
		if a.fuel < a.cfg.CFI.CallFuelCost {
			a.fuel = 0
			return errors.FuelExhausted(a.stats.InstructionsExecuted)
		}
		a.fuel -= a.cfg.CFI.CallFuelCost
		a.stats.FuelConsumed += a.cfg.CFI.CallFuelCost
	}

	if a.stack.depth() >= a.cfg.MaxCallDepth {
		return errors.CallStackExhausted(a.stack.depth()+1, a.cfg.MaxCallDepth)
	}

	args := caller.popN(len(fn.Type.Params))
	caller.IP++

	var site uint32
	if a.cfi.Enabled() {
		id, err := a.cfi.EnterCall(cfi.CallSite{
			Signature:     expected,
			Caller:        caller.Function,
			Callee:        target,
			ReturnAddress: caller.IP,
			StackPointer:  uint32(len(caller.Operands)),
		})
		if err != nil {
			return err
		}
		if err := a.cfi.CheckLanding(target, inst.sigs[target]); err != nil {
			return err
		}
		site = id
	}

	a.nextScope++
	return a.pushFrame(CallFrame{
		Locals:      newLocals(args, fn),
		Scope:       a.nextScope,
		Instance:    inst.id,
		Function:    target,
		ResumeIP:    caller.IP,
		Caller:      a.stack.depth() - 1,
		CallSiteID:  site,
		ReturnArity: len(fn.Type.Results),
	})
}

// ret returns from the top frame, passing its results to the caller or,
// for the entry frame, to the host.
func (a *Agent) ret(f *CallFrame) error {
	if len(f.Operands) < f.ReturnArity {
		return trap(errors.TrapStackUnderflow, "return needs %d operands, have %d", f.ReturnArity, len(f.Operands))
	}
	results := f.popN(f.ReturnArity)
	callee := f.Function
	popped := a.stack.pop()
	a.releaseFrame(&popped)

	if a.stack.depth() == 0 {
		if a.cfi.Enabled() {
			if err := a.cfi.Return(cfi.CallSite{Callee: callee}); err != nil {
				return err
			}
		}
		a.results = results
		return nil
	}

	caller := a.stack.top()
	if a.cfi.Enabled() {
		if err := a.cfi.Return(cfi.CallSite{
			Caller:        caller.Function,
			Callee:        callee,
			ReturnAddress: caller.IP,
			StackPointer:  uint32(len(caller.Operands)),
		}); err != nil {
			return err
		}
	}
	caller.Operands = append(caller.Operands, results...)
	return nil
}

// enterEntryCFI records the host-to-entry call edge.
func (a *Agent) enterEntryCFI(inst *instance, f *CallFrame) error {
	if !a.cfi.Enabled() {
		return nil
	}
	id, err := a.cfi.EnterCall(cfi.CallSite{
		Signature: inst.sigs[f.Function],
		Callee:    f.Function,
	})
	if err != nil {
		return err
	}
	f.CallSiteID = id
	return a.cfi.CheckLanding(f.Function, inst.sigs[f.Function])
}

// branch leaves depth enclosing blocks of f.
func (a *Agent) branch(f *CallFrame, depth uint32) error {
	if int(depth) == len(f.labels) {
		return a.ret(f)
	}
	idx := len(f.labels) - 1 - int(depth)
	l := f.labels[idx]

	arity := int(l.arity)
	if l.loop {
		arity = 0
	}
	if arity > 0 {
		n := len(f.Operands)
		copy(f.Operands[l.height:], f.Operands[n-arity:])
	}
	f.Operands = f.Operands[:int(l.height)+arity]

	if l.loop {
		f.labels = f.labels[:idx+1]
		f.IP = l.start + 1
		return nil
	}
	f.labels = f.labels[:idx]
	f.IP = l.end + 1
	return nil
}

// suspend parks the execution on an async host import.
func (a *Agent) suspend(inst *instance, f *CallFrame, idx uint32) error {
	imp := inst.module.Imports[idx]
	args := f.popN(len(imp.Type.Params))
	f.IP++

	exec := a.current
	call := async.HostCall{Name: imp.Name, Args: args, Instance: uint32(inst.id), Index: idx}
	snap := &suspension{
		exec:   exec,
		frames: a.stack.snapshot(),
		shadow: a.cfi.Snapshot(),
		arity:  len(imp.Type.Results),
	}
	tok, err := a.async.Suspend(exec.id, snap, call, a.stack.borrows())
	if err != nil {
		return err
	}

	// Frames now live in the snapshot. Their borrows stay valid until the
	// token is resumed or cancelled.
	for a.stack.depth() > 0 {
		a.stack.pop()
	}
	a.cfi.Unwind(0)
	a.stats.AsyncSuspensions++
	a.log.Debug("execution suspended",
		zap.Uint64("execution", exec.id),
		zap.String("import", imp.Name),
		zap.Uint64("token", uint64(tok)))
	return &Pending{Token: tok, Call: call}
}

func (a *Agent) callHost(ctx context.Context, inst *instance, f *CallFrame, idx uint32) error {
	imp := inst.module.Imports[idx]
	if imp.Async && a.cfg.Mode.AsyncEnabled() {
		return a.suspend(inst, f, idx)
	}

	args := f.popN(len(imp.Type.Params))
	f.IP++
	a.stats.HostCalls++

	out, err := inst.hosts[imp.Name](ctx, args)
	if err != nil {
		return errors.New(errors.PhaseExecute, errors.KindTrap).
			Trap(errors.TrapHostFailure).
			Cause(err).
			Detail("host call %q failed", imp.Name).
			Build()
	}
	if len(out) != len(imp.Type.Results) {
		return errors.Trap(errors.TrapHostFailure, "host call %q returned %d values, want %d",
			imp.Name, len(out), len(imp.Type.Results))
	}
	f.Operands = append(f.Operands, out...)
	return nil
}

func memTrap(err error, in *instr.Instruction) error {
	return errors.New(errors.PhaseExecute, errors.KindTrap).
		Trap(errors.TrapOutOfBounds).
		Cause(err).
		Detail("%s", in.Op).
		Build()
}

func memPages(mem wasmagent.Memory) uint64 {
	if s, ok := mem.(wasmagent.MemorySizer); ok {
		return uint64(s.Size()) / memory.PageSize
	}
	return 0
}

// step executes one instruction that passed precheck.
func (a *Agent) step(ctx context.Context, inst *instance, f *CallFrame, in *instr.Instruction) error {
	switch in.Op {
	case instr.Nop:

	case instr.Block, instr.Loop:
		f.labels = append(f.labels, label{
			start:  f.IP,
			end:    in.End,
			height: uint32(len(f.Operands)),
			arity:  in.Arity,
			loop:   in.Op == instr.Loop,
		})

	case instr.If:
		cond := f.pop()
		f.labels = append(f.labels, label{start: f.IP, end: in.End, height: uint32(len(f.Operands)), arity: in.Arity})
		if cond == 0 {
			if in.Else != in.End {
				f.IP = in.Else + 1
			} else {
				f.IP = in.End
			}
			return nil
		}

	case instr.Else:
		f.IP = in.End
		return nil

	case instr.End:
		if len(f.labels) == 0 {
			return a.ret(f)
		}
		f.labels = f.labels[:len(f.labels)-1]

	case instr.Br:
		return a.branch(f, uint32(in.Imm))

	case instr.BrIf:
		if f.pop() != 0 {
			return a.branch(f, uint32(in.Imm))
		}

	case instr.BrTable:
		i := uint32(f.pop())
		target := in.Table[len(in.Table)-1]
		if int(i) < len(in.Table)-1 {
			target = in.Table[i]
		}
		return a.branch(f, target)

	case instr.Return:
		return a.ret(f)

	case instr.Call:
		target := uint32(in.Imm)
		return a.call(inst, target, inst.sigs[target])

	case instr.CallIndirect:
		elem := uint32(f.pop())
		ft := inst.module.Types[in.Imm]
		return a.call(inst, inst.module.Table[elem], cfi.SignatureHash(ft.Params, ft.Results))

	case instr.CallHost:
		return a.callHost(ctx, inst, f, uint32(in.Imm))

	case instr.Drop:
		f.pop()

	case instr.Select:
		c := f.pop()
		b := f.pop()
		v := f.pop()
		if c == 0 {
			v = b
		}
		f.push(v)

	case instr.LocalGet:
		f.push(f.Locals[in.Imm])
	case instr.LocalSet:
		f.Locals[in.Imm] = f.pop()
	case instr.LocalTee:
		f.Locals[in.Imm] = f.peek(0)

	case instr.I32Load, instr.I64Load, instr.I32Load8U:
		ea := uint32(f.pop()) + uint32(in.Imm)
		var (
			v   uint64
			err error
		)
		switch in.Op {
		case instr.I32Load:
			var x uint32
			x, err = inst.mem.ReadU32(ea)
			v = uint64(x)
		case instr.I64Load:
			v, err = inst.mem.ReadU64(ea)
		default:
			var x uint8
			x, err = inst.mem.ReadU8(ea)
			v = uint64(x)
		}
		if err != nil {
			return memTrap(err, in)
		}
		f.push(v)

	case instr.I32Store, instr.I64Store, instr.I32Store8:
		v := f.pop()
		ea := uint32(f.pop()) + uint32(in.Imm)
		var err error
		switch in.Op {
		case instr.I32Store:
			err = inst.mem.WriteU32(ea, uint32(v))
		case instr.I64Store:
			err = inst.mem.WriteU64(ea, v)
		default:
			err = inst.mem.WriteU8(ea, uint8(v))
		}
		if err != nil {
			return memTrap(err, in)
		}

	case instr.MemorySize:
		f.push(memPages(inst.mem))

	case instr.I32Const, instr.I64Const, instr.F32Const, instr.F64Const:
		f.push(in.Imm)

	case instr.ResourceNew:
		rep := uint32(f.pop())
		h, err := a.resources.AllocateFromRep(uint32(in.Imm), rep)
		if err != nil {
			return err
		}
		if err := a.resources.Transfer(h, resource.Owner(inst.id)); err != nil {
			return err
		}
		a.stats.ResourcesAllocated++
		if a.current != nil {
			a.current.created = append(a.current.created, h)
		}
		f.push(uint64(h))

	case instr.ResourceRep:
		rep, _ := a.resources.Rep(resource.Handle(f.pop()))
		f.push(uint64(rep))

	case instr.ResourceDrop:
		h := resource.Handle(f.pop())
		e, _ := a.resources.Lookup(h)
		if err := a.resources.Drop(h); err != nil {
			return errors.New(errors.PhaseExecute, errors.KindTrap).
				Trap(errors.TrapInvalidHandle).
				Cause(err).
				Value(uint32(h)).
				Build()
		}
		if !e.IsBorrow() {
			a.stats.ResourcesDropped++
		}

	default:
		if !numeric(f, in.Op) {
			return errors.Unsupported(errors.PhaseExecute, "instruction "+in.Op.String())
		}
	}
	f.IP++
	return nil
}

// numeric executes comparison, arithmetic and conversion instructions.
// i32 values are kept zero-extended.
func numeric(f *CallFrame, op instr.Opcode) bool {
	switch op {
	case instr.I32Eqz:
		f.push(b2u(uint32(f.pop()) == 0))
		return true
	case instr.I64Eqz:
		f.push(b2u(f.pop() == 0))
		return true
	case instr.I32WrapI64:
		f.push(uint64(uint32(f.pop())))
		return true
	case instr.I64ExtendI32S:
		f.push(uint64(int64(int32(uint32(f.pop())))))
		return true
	case instr.I64ExtendI32U:
		f.push(uint64(uint32(f.pop())))
		return true
	}

	y := f.pop()
	x := f.pop()
	if r, ok := binary32(op, uint32(x), uint32(y)); ok {
		f.push(uint64(r))
		return true
	}
	if r, ok := binary64(op, x, y); ok {
		f.push(r)
		return true
	}
	if r, ok := binaryFloat(op, x, y); ok {
		f.push(r)
		return true
	}
	f.push(x)
	f.push(y)
	return false
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func binary32(op instr.Opcode, x, y uint32) (uint32, bool) {
	sx, sy := int32(x), int32(y)
	switch op {
	case instr.I32Eq:
		return uint32(b2u(x == y)), true
	case instr.I32Ne:
		return uint32(b2u(x != y)), true
	case instr.I32LtS:
		return uint32(b2u(sx < sy)), true
	case instr.I32LtU:
		return uint32(b2u(x < y)), true
	case instr.I32GtS:
		return uint32(b2u(sx > sy)), true
	case instr.I32GtU:
		return uint32(b2u(x > y)), true
	case instr.I32LeS:
		return uint32(b2u(sx <= sy)), true
	case instr.I32LeU:
		return uint32(b2u(x <= y)), true
	case instr.I32GeS:
		return uint32(b2u(sx >= sy)), true
	case instr.I32GeU:
		return uint32(b2u(x >= y)), true
	case instr.I32Add:
		return x + y, true
	case instr.I32Sub:
		return x - y, true
	case instr.I32Mul:
		return x * y, true
	case instr.I32DivS:
		return uint32(sx / sy), true
	case instr.I32DivU:
		return x / y, true
	case instr.I32RemS:
		return uint32(sx % sy), true
	case instr.I32RemU:
		return x % y, true
	case instr.I32And:
		return x & y, true
	case instr.I32Or:
		return x | y, true
	case instr.I32Xor:
		return x ^ y, true
	case instr.I32Shl:
		return x << (y & 31), true
	case instr.I32ShrS:
		return uint32(sx >> (y & 31)), true
	case instr.I32ShrU:
		return x >> (y & 31), true
	}
	return 0, false
}

func binary64(op instr.Opcode, x, y uint64) (uint64, bool) {
	sx, sy := int64(x), int64(y)
	switch op {
	case instr.I64Eq:
		return b2u(x == y), true
	case instr.I64Ne:
		return b2u(x != y), true
	case instr.I64LtS:
		return b2u(sx < sy), true
	case instr.I64LtU:
		return b2u(x < y), true
	case instr.I64GtS:
		return b2u(sx > sy), true
	case instr.I64GtU:
		return b2u(x > y), true
	case instr.I64LeS:
		return b2u(sx <= sy), true
	case instr.I64LeU:
		return b2u(x <= y), true
	case instr.I64GeS:
		return b2u(sx >= sy), true
	case instr.I64GeU:
		return b2u(x >= y), true
	case instr.I64Add:
		return x + y, true
	case instr.I64Sub:
		return x - y, true
	case instr.I64Mul:
		return x * y, true
	case instr.I64DivS:
		return uint64(sx / sy), true
	case instr.I64DivU:
		return x / y, true
	case instr.I64RemS:
		return uint64(sx % sy), true
	case instr.I64RemU:
		return x % y, true
	case instr.I64And:
		return x & y, true
	case instr.I64Or:
		return x | y, true
	case instr.I64Xor:
		return x ^ y, true
	case instr.I64Shl:
		return x << (y & 63), true
	case instr.I64ShrS:
		return uint64(sx >> (y & 63)), true
	case instr.I64ShrU:
		return x >> (y & 63), true
	}
	return 0, false
}

func binaryFloat(op instr.Opcode, x, y uint64) (uint64, bool) {
	fx, fy := math.Float32frombits(uint32(x)), math.Float32frombits(uint32(y))
	dx, dy := math.Float64frombits(x), math.Float64frombits(y)
	switch op {
	case instr.F32Add:
		return uint64(math.Float32bits(fx + fy)), true
	case instr.F32Sub:
		return uint64(math.Float32bits(fx - fy)), true
	case instr.F32Mul:
		return uint64(math.Float32bits(fx * fy)), true
	case instr.F32Div:
		return uint64(math.Float32bits(fx / fy)), true
	case instr.F64Add:
		return math.Float64bits(dx + dy), true
	case instr.F64Sub:
		return math.Float64bits(dx - dy), true
	case instr.F64Mul:
		return math.Float64bits(dx * dy), true
	case instr.F64Div:
		return math.Float64bits(dx / dy), true
	}
	return 0, false
}

// accessWidth is the byte width of a core load or store.
func accessWidth(op instr.Opcode) uint64 {
	switch op {
	case instr.I64Load, instr.I64Store:
		return 8
	case instr.I32Load8U, instr.I32Store8:
		return 1
	}
	return 4
}
