package instr

import "fmt"

// Opcode identifies an instruction. Core opcodes use their binary encoding;
// extension opcodes live above 0xFF.
type Opcode uint16

const (
	Unreachable  Opcode = 0x00
	Nop          Opcode = 0x01
	Block        Opcode = 0x02
	Loop         Opcode = 0x03
	If           Opcode = 0x04
	Else         Opcode = 0x05
	End          Opcode = 0x0B
	Br           Opcode = 0x0C
	BrIf         Opcode = 0x0D
	BrTable      Opcode = 0x0E
	Return       Opcode = 0x0F
	Call         Opcode = 0x10
	CallIndirect Opcode = 0x11

	Drop   Opcode = 0x1A
	Select Opcode = 0x1B

	LocalGet Opcode = 0x20
	LocalSet Opcode = 0x21
	LocalTee Opcode = 0x22

	I32Load    Opcode = 0x28
	I64Load    Opcode = 0x29
	I32Load8U  Opcode = 0x2D
	I32Store   Opcode = 0x36
	I64Store   Opcode = 0x37
	I32Store8  Opcode = 0x3A
	MemorySize Opcode = 0x3F

	I32Const Opcode = 0x41
	I64Const Opcode = 0x42
	F32Const Opcode = 0x43
	F64Const Opcode = 0x44

	I32Eqz Opcode = 0x45
	I32Eq  Opcode = 0x46
	I32Ne  Opcode = 0x47
	I32LtS Opcode = 0x48
	I32LtU Opcode = 0x49
	I32GtS Opcode = 0x4A
	I32GtU Opcode = 0x4B
	I32LeS Opcode = 0x4C
	I32LeU Opcode = 0x4D
	I32GeS Opcode = 0x4E
	I32GeU Opcode = 0x4F

	I64Eqz Opcode = 0x50
	I64Eq  Opcode = 0x51
	I64Ne  Opcode = 0x52
	I64LtS Opcode = 0x53
	I64LtU Opcode = 0x54
	I64GtS Opcode = 0x55
	I64GtU Opcode = 0x56
	I64LeS Opcode = 0x57
	I64LeU Opcode = 0x58
	I64GeS Opcode = 0x59
	I64GeU Opcode = 0x5A

	I32Add  Opcode = 0x6A
	I32Sub  Opcode = 0x6B
	I32Mul  Opcode = 0x6C
	I32DivS Opcode = 0x6D
	I32DivU Opcode = 0x6E
	I32RemS Opcode = 0x6F
	I32RemU Opcode = 0x70
	I32And  Opcode = 0x71
	I32Or   Opcode = 0x72
	I32Xor  Opcode = 0x73
	I32Shl  Opcode = 0x74
	I32ShrS Opcode = 0x75
	I32ShrU Opcode = 0x76

	I64Add  Opcode = 0x7C
	I64Sub  Opcode = 0x7D
	I64Mul  Opcode = 0x7E
	I64DivS Opcode = 0x7F
	I64DivU Opcode = 0x80
	I64RemS Opcode = 0x81
	I64RemU Opcode = 0x82
	I64And  Opcode = 0x83
	I64Or   Opcode = 0x84
	I64Xor  Opcode = 0x85
	I64Shl  Opcode = 0x86
	I64ShrS Opcode = 0x87
	I64ShrU Opcode = 0x88

	F32Add Opcode = 0x92
	F32Sub Opcode = 0x93
	F32Mul Opcode = 0x94
	F32Div Opcode = 0x95

	F64Add Opcode = 0xA0
	F64Sub Opcode = 0xA1
	F64Mul Opcode = 0xA2
	F64Div Opcode = 0xA3

	I32WrapI64    Opcode = 0xA7
	I64ExtendI32S Opcode = 0xAC
	I64ExtendI32U Opcode = 0xAD

	// CallHost invokes host import Imm.
	CallHost Opcode = 0x100
	// ResourceNew pops an i32 rep and pushes a fresh own handle of type Imm.
	ResourceNew Opcode = 0x101
	// ResourceRep pops a handle and pushes its rep.
	ResourceRep Opcode = 0x102
	// ResourceDrop pops a handle and drops it.
	ResourceDrop Opcode = 0x103
)

// ImmKind describes the immediate an opcode carries in text form.
type ImmKind uint8

const (
	ImmNone  ImmKind = iota
	ImmIndex         // local, function, import, label, type or resource index
	ImmI32
	ImmI64
	ImmF32
	ImmF64
	ImmBlock  // optional result type
	ImmOffset // memory offset
	ImmLabels // br_table label list
)

// Info is the static description of an opcode.
type Info struct {
	Name string
	Imm  ImmKind
}

var infos = map[Opcode]Info{
	Unreachable:  {"unreachable", ImmNone},
	Nop:          {"nop", ImmNone},
	Block:        {"block", ImmBlock},
	Loop:         {"loop", ImmBlock},
	If:           {"if", ImmBlock},
	Else:         {"else", ImmNone},
	End:          {"end", ImmNone},
	Br:           {"br", ImmIndex},
	BrIf:         {"br_if", ImmIndex},
	BrTable:      {"br_table", ImmLabels},
	Return:       {"return", ImmNone},
	Call:         {"call", ImmIndex},
	CallIndirect: {"call_indirect", ImmIndex},

	Drop:   {"drop", ImmNone},
	Select: {"select", ImmNone},

	LocalGet: {"local.get", ImmIndex},
	LocalSet: {"local.set", ImmIndex},
	LocalTee: {"local.tee", ImmIndex},

	I32Load:    {"i32.load", ImmOffset},
	I64Load:    {"i64.load", ImmOffset},
	I32Load8U:  {"i32.load8_u", ImmOffset},
	I32Store:   {"i32.store", ImmOffset},
	I64Store:   {"i64.store", ImmOffset},
	I32Store8:  {"i32.store8", ImmOffset},
	MemorySize: {"memory.size", ImmNone},

	I32Const: {"i32.const", ImmI32},
	I64Const: {"i64.const", ImmI64},
	F32Const: {"f32.const", ImmF32},
	F64Const: {"f64.const", ImmF64},

	I32Eqz: {"i32.eqz", ImmNone},
	I32Eq:  {"i32.eq", ImmNone},
	I32Ne:  {"i32.ne", ImmNone},
	I32LtS: {"i32.lt_s", ImmNone},
	I32LtU: {"i32.lt_u", ImmNone},
	I32GtS: {"i32.gt_s", ImmNone},
	I32GtU: {"i32.gt_u", ImmNone},
	I32LeS: {"i32.le_s", ImmNone},
	I32LeU: {"i32.le_u", ImmNone},
	I32GeS: {"i32.ge_s", ImmNone},
	I32GeU: {"i32.ge_u", ImmNone},

	I64Eqz: {"i64.eqz", ImmNone},
	I64Eq:  {"i64.eq", ImmNone},
	I64Ne:  {"i64.ne", ImmNone},
	I64LtS: {"i64.lt_s", ImmNone},
	I64LtU: {"i64.lt_u", ImmNone},
	I64GtS: {"i64.gt_s", ImmNone},
	I64GtU: {"i64.gt_u", ImmNone},
	I64LeS: {"i64.le_s", ImmNone},
	I64LeU: {"i64.le_u", ImmNone},
	I64GeS: {"i64.ge_s", ImmNone},
	I64GeU: {"i64.ge_u", ImmNone},

	I32Add:  {"i32.add", ImmNone},
	I32Sub:  {"i32.sub", ImmNone},
	I32Mul:  {"i32.mul", ImmNone},
	I32DivS: {"i32.div_s", ImmNone},
	I32DivU: {"i32.div_u", ImmNone},
	I32RemS: {"i32.rem_s", ImmNone},
	I32RemU: {"i32.rem_u", ImmNone},
	I32And:  {"i32.and", ImmNone},
	I32Or:   {"i32.or", ImmNone},
	I32Xor:  {"i32.xor", ImmNone},
	I32Shl:  {"i32.shl", ImmNone},
	I32ShrS: {"i32.shr_s", ImmNone},
	I32ShrU: {"i32.shr_u", ImmNone},

	I64Add:  {"i64.add", ImmNone},
	I64Sub:  {"i64.sub", ImmNone},
	I64Mul:  {"i64.mul", ImmNone},
	I64DivS: {"i64.div_s", ImmNone},
	I64DivU: {"i64.div_u", ImmNone},
	I64RemS: {"i64.rem_s", ImmNone},
	I64RemU: {"i64.rem_u", ImmNone},
	I64And:  {"i64.and", ImmNone},
	I64Or:   {"i64.or", ImmNone},
	I64Xor:  {"i64.xor", ImmNone},
	I64Shl:  {"i64.shl", ImmNone},
	I64ShrS: {"i64.shr_s", ImmNone},
	I64ShrU: {"i64.shr_u", ImmNone},

	F32Add: {"f32.add", ImmNone},
	F32Sub: {"f32.sub", ImmNone},
	F32Mul: {"f32.mul", ImmNone},
	F32Div: {"f32.div", ImmNone},

	F64Add: {"f64.add", ImmNone},
	F64Sub: {"f64.sub", ImmNone},
	F64Mul: {"f64.mul", ImmNone},
	F64Div: {"f64.div", ImmNone},

	I32WrapI64:    {"i32.wrap_i64", ImmNone},
	I64ExtendI32S: {"i64.extend_i32_s", ImmNone},
	I64ExtendI32U: {"i64.extend_i32_u", ImmNone},

	CallHost:     {"call_host", ImmIndex},
	ResourceNew:  {"resource.new", ImmIndex},
	ResourceRep:  {"resource.rep", ImmNone},
	ResourceDrop: {"resource.drop", ImmNone},
}

var byName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(infos))
	for op, info := range infos {
		m[info.Name] = op
	}
	return m
}()

// Lookup returns the opcode for a text name.
func Lookup(name string) (Opcode, bool) {
	op, ok := byName[name]
	return op, ok
}

// Describe returns the static info for op.
func Describe(op Opcode) (Info, bool) {
	info, ok := infos[op]
	return info, ok
}

func (op Opcode) String() string {
	if info, ok := infos[op]; ok {
		return info.Name
	}
	return fmt.Sprintf("opcode(%#x)", uint16(op))
}

// IsBlock reports whether op opens a structured block.
func (op Opcode) IsBlock() bool {
	return op == Block || op == Loop || op == If
}
