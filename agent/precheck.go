package agent

import (
	"math"

	wasmagent "github.com/wippyai/wasm-agent"
	"github.com/wippyai/wasm-agent/errors"
	"github.com/wippyai/wasm-agent/instr"
	"github.com/wippyai/wasm-agent/resource"
)

// effect is the operand count an instruction pops and pushes.
type effect struct {
	pops, pushes int8
}

var effects = func() map[instr.Opcode]effect {
	m := map[instr.Opcode]effect{
		instr.If:            {1, 0},
		instr.BrIf:          {1, 0},
		instr.BrTable:       {1, 0},
		instr.CallIndirect:  {1, 0},
		instr.Drop:          {1, 0},
		instr.Select:        {3, 1},
		instr.LocalGet:      {0, 1},
		instr.LocalSet:      {1, 0},
		instr.LocalTee:      {1, 1},
		instr.I32Load:       {1, 1},
		instr.I64Load:       {1, 1},
		instr.I32Load8U:     {1, 1},
		instr.I32Store:      {2, 0},
		instr.I64Store:      {2, 0},
		instr.I32Store8:     {2, 0},
		instr.MemorySize:    {0, 1},
		instr.I32Const:      {0, 1},
		instr.I64Const:      {0, 1},
		instr.F32Const:      {0, 1},
		instr.F64Const:      {0, 1},
		instr.I32Eqz:        {1, 1},
		instr.I64Eqz:        {1, 1},
		instr.I32WrapI64:    {1, 1},
		instr.I64ExtendI32S: {1, 1},
		instr.I64ExtendI32U: {1, 1},
		instr.ResourceNew:   {1, 1},
		instr.ResourceRep:   {1, 1},
		instr.ResourceDrop:  {1, 0},
	}
	binary := [][2]instr.Opcode{
		{instr.I32Eq, instr.I32GeU},
		{instr.I64Eq, instr.I64GeU},
		{instr.I32Add, instr.I32ShrU},
		{instr.I64Add, instr.I64ShrU},
		{instr.F32Add, instr.F32Div},
		{instr.F64Add, instr.F64Div},
	}
	for _, r := range binary {
		for op := r[0]; op <= r[1]; op++ {
			m[op] = effect{2, 1}
		}
	}
	return m
}()

func trap(code errors.TrapCode, detail string, args ...any) error {
	return errors.Trap(code, detail, args...)
}

// precheck reports the trap an instruction would raise before any side
// effect, so a trapping instruction is never charged fuel.
func (a *Agent) precheck(inst *instance, f *CallFrame, in *instr.Instruction) error {
	m := inst.module
	height := len(f.Operands)
	need, grow := 0, 0

	switch in.Op {
	case instr.Unreachable:
		return trap(errors.TrapUnreachable, "function %s at %d", functionLabel(m, f.Function), f.IP)

	case instr.Nop, instr.Block, instr.Loop, instr.Else:

	case instr.End:
		if len(f.labels) == 0 {
			need = f.ReturnArity
		}

	case instr.Return:
		need = f.ReturnArity

	case instr.Br, instr.BrIf:
		n, err := labelArity(f, uint32(in.Imm))
		if err != nil {
			return err
		}
		need = n
		if in.Op == instr.BrIf {
			need++
		}

	case instr.BrTable:
		if len(in.Table) == 0 {
			return trap(errors.TrapOutOfBounds, "br_table without labels")
		}
		for _, l := range in.Table {
			n, err := labelArity(f, l)
			if err != nil {
				return err
			}
			if n+1 > need {
				need = n + 1
			}
		}

	case instr.Call:
		if in.Imm >= uint64(len(m.Functions)) {
			return trap(errors.TrapUndefinedFunction, "function %d", in.Imm)
		}
		callee := m.Functions[in.Imm].Type
		need, grow = len(callee.Params), len(callee.Results)

	case instr.CallIndirect:
		if in.Imm >= uint64(len(m.Types)) {
			return trap(errors.TrapIndirectCallType, "type %d", in.Imm)
		}
		if height < 1 {
			need = 1
			break
		}
		elem := uint32(f.peek(0))
		if int(elem) >= len(m.Table) || int(m.Table[elem]) >= len(m.Functions) {
			return trap(errors.TrapUndefinedFunction, "table element %d", elem)
		}
		expected := m.Types[in.Imm]
		// with CFI enabled the mismatch is reported by call, as a violation
		// when landing pads are checked
		if !a.cfi.Enabled() && !m.Functions[m.Table[elem]].Type.Equal(expected) {
			return trap(errors.TrapIndirectCallType, "table element %d", elem)
		}
		need, grow = len(expected.Params)+1, len(expected.Results)

	case instr.CallHost:
		if in.Imm >= uint64(len(m.Imports)) {
			return trap(errors.TrapUndefinedFunction, "import %d", in.Imm)
		}
		imp := m.Imports[in.Imm]
		if !(imp.Async && a.cfg.Mode.AsyncEnabled()) && inst.hosts[imp.Name] == nil {
			return trap(errors.TrapUndefinedFunction, "host function %q", imp.Name)
		}
		need, grow = len(imp.Type.Params), len(imp.Type.Results)

	default:
		e, ok := effects[in.Op]
		if !ok {
			return errors.Unsupported(errors.PhaseExecute, "instruction "+in.Op.String())
		}
		need, grow = int(e.pops), int(e.pushes)
	}

	if height < need {
		return trap(errors.TrapStackUnderflow, "%s needs %d operands, have %d", in.Op, need, height)
	}
	if height-need+grow > a.cfg.MaxOperandStack {
		return trap(errors.TrapStackOverflow, "%s exceeds %d operands", in.Op, a.cfg.MaxOperandStack)
	}

	switch in.Op {
	case instr.LocalGet, instr.LocalSet, instr.LocalTee:
		if in.Imm >= uint64(len(f.Locals)) {
			return trap(errors.TrapOutOfBounds, "local %d of %d", in.Imm, len(f.Locals))
		}

	case instr.I32Load, instr.I64Load, instr.I32Load8U:
		return checkAccess(inst.mem, f.peek(0), in)

	case instr.I32Store, instr.I64Store, instr.I32Store8:
		return checkAccess(inst.mem, f.peek(1), in)

	case instr.I32DivS, instr.I32DivU, instr.I32RemS, instr.I32RemU:
		y := uint32(f.peek(0))
		if y == 0 {
			return trap(errors.TrapIntegerDivideByZero, "%s", in.Op)
		}
		if in.Op == instr.I32DivS && int32(y) == -1 && int32(uint32(f.peek(1))) == math.MinInt32 {
			return trap(errors.TrapIntegerOverflow, "%s", in.Op)
		}

	case instr.I64DivS, instr.I64DivU, instr.I64RemS, instr.I64RemU:
		y := f.peek(0)
		if y == 0 {
			return trap(errors.TrapIntegerDivideByZero, "%s", in.Op)
		}
		if in.Op == instr.I64DivS && int64(y) == -1 && int64(f.peek(1)) == math.MinInt64 {
			return trap(errors.TrapIntegerOverflow, "%s", in.Op)
		}

	case instr.ResourceRep, instr.ResourceDrop:
		h := resource.Handle(f.peek(0))
		e, ok := a.resources.Lookup(h)
		switch {
		case !ok || !e.State.Live():
			return errors.New(errors.PhaseExecute, errors.KindTrap).
				Trap(errors.TrapInvalidHandle).
				Value(uint32(h)).
				Detail("%s of handle %d in state %s", in.Op, h, a.resources.State(h)).
				Build()
		case !heldBy(e, resource.Owner(inst.id)):
			return errors.New(errors.PhaseExecute, errors.KindTrap).
				Trap(errors.TrapInvalidHandle).
				Value(uint32(h)).
				Detail("%s of handle %d not held by instance %d", in.Op, h, inst.id).
				Build()
		}
	}
	return nil
}

// heldBy reports whether o may use e: it owns the handle, or holds the
// borrow.
func heldBy(e resource.Entry, o resource.Owner) bool {
	if e.IsBorrow() {
		return e.Holder == o
	}
	return e.Owner == o
}

// labelArity returns the operand count a branch to depth carries. Depth
// equal to the label count targets the function body.
func labelArity(f *CallFrame, depth uint32) (int, error) {
	switch {
	case int(depth) < len(f.labels):
		l := f.labels[len(f.labels)-1-int(depth)]
		if l.loop {
			return 0, nil
		}
		return int(l.arity), nil
	case int(depth) == len(f.labels):
		return f.ReturnArity, nil
	}
	return 0, trap(errors.TrapOutOfBounds, "branch depth %d with %d open blocks", depth, len(f.labels))
}

// checkAccess bounds-checks a memory access when the provider reports its
// size. Other providers report failures from the access itself.
func checkAccess(mem wasmagent.Memory, addr uint64, in *instr.Instruction) error {
	if mem == nil {
		return trap(errors.TrapOutOfBounds, "%s without memory", in.Op)
	}
	ea := uint64(uint32(addr)) + in.Imm
	width := accessWidth(in.Op)
	if ea+width > math.MaxUint32+1 {
		return trap(errors.TrapOutOfBounds, "%s at %d+%d", in.Op, ea, width)
	}
	if s, ok := mem.(wasmagent.MemorySizer); ok && ea+width > uint64(s.Size()) {
		return trap(errors.TrapOutOfBounds, "%s at %d+%d, memory size %d", in.Op, ea, width, s.Size())
	}
	return nil
}
