package instr

import (
	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"
)

// Instruction is one decoded instruction.
//
// Else and End are filled by Resolve. For if, Else is the index of the
// matching else or equals End when there is none.
type Instruction struct {
	Table []uint32 // br_table labels, default last
	Imm   uint64
	Else  uint32
	End   uint32
	Op    Opcode
	Arity uint8 // block result count
}

// FuncType is a core function signature.
type FuncType struct {
	Params  []api.ValueType
	Results []api.ValueType
}

// Equal reports whether two signatures are identical.
func (t FuncType) Equal(o FuncType) bool {
	return sameTypes(t.Params, o.Params) && sameTypes(t.Results, o.Results)
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Function is a defined function.
type Function struct {
	Name   string
	Type   FuncType
	Locals []api.ValueType
	Body   []Instruction

	resolved bool
}

// HostImport is a host function reachable through call_host. Async imports
// suspend the caller in asynchronous modes.
type HostImport struct {
	Name  string
	Type  FuncType
	Async bool
}

// Export gives a function its component-level signature.
type Export struct {
	Name     string
	Params   []wit.Type
	Results  []wit.Type
	Function uint32
}

// Module is a decoded module.
type Module struct {
	Name      string
	Functions []Function
	Imports   []HostImport
	Exports   []Export
	Types     []FuncType // call_indirect signatures
	Table     []uint32   // call_indirect targets
}

// Signature returns the component-level signature of function idx. Functions
// without an export use their core types, with i32 and i64 read as unsigned.
func (m *Module) Signature(idx uint32) (params, results []wit.Type, ok bool) {
	for i := range m.Exports {
		if m.Exports[i].Function == idx {
			return m.Exports[i].Params, m.Exports[i].Results, true
		}
	}
	if int(idx) >= len(m.Functions) {
		return nil, nil, false
	}
	ft := m.Functions[idx].Type
	return coreWit(ft.Params), coreWit(ft.Results), true
}

// ExportByName finds an export.
func (m *Module) ExportByName(name string) (Export, bool) {
	for _, e := range m.Exports {
		if e.Name == name {
			return e, true
		}
	}
	return Export{}, false
}

func coreWit(types []api.ValueType) []wit.Type {
	out := make([]wit.Type, len(types))
	for i, t := range types {
		switch t {
		case api.ValueTypeI64:
			out[i] = wit.U64{}
		case api.ValueTypeF32:
			out[i] = wit.F32{}
		case api.ValueTypeF64:
			out[i] = wit.F64{}
		default:
			out[i] = wit.U32{}
		}
	}
	return out
}

// Op builds an instruction without immediates.
func Op(op Opcode) Instruction { return Instruction{Op: op} }

// Imm builds an instruction with an index or offset immediate.
func Imm(op Opcode, imm uint32) Instruction { return Instruction{Op: op, Imm: uint64(imm)} }

func I32(v int32) Instruction { return Instruction{Op: I32Const, Imm: uint64(uint32(v))} }
func I64(v int64) Instruction { return Instruction{Op: I64Const, Imm: uint64(v)} }

// BlockOf opens a block, loop or if with the given result count.
func BlockOf(op Opcode, arity uint8) Instruction { return Instruction{Op: op, Arity: arity} }

// BrTableOf builds br_table; the last label is the default.
func BrTableOf(labels ...uint32) Instruction {
	return Instruction{Op: BrTable, Table: labels}
}
