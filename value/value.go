// Package value defines the component-level value union exchanged at
// function-call boundaries.
//
// A Value is produced and consumed by the canonical value bridge. Scalars
// keep their bit pattern in Bits; compound shapes use Elems (records,
// tuples, lists) or Payload (variant, option, result).
package value

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Value is a tagged union over primitive numerics and component-level shapes.
type Value struct {
	Payload *Value
	Str     string
	Elems   []Value
	Bits    uint64
	Kind    Kind
}

func Bool(b bool) Value {
	if b {
		return Value{Kind: KindBool, Bits: 1}
	}
	return Value{Kind: KindBool}
}

func U8(v uint8) Value    { return Value{Kind: KindU8, Bits: uint64(v)} }
func S8(v int8) Value     { return Value{Kind: KindS8, Bits: uint64(uint8(v))} }
func U16(v uint16) Value  { return Value{Kind: KindU16, Bits: uint64(v)} }
func S16(v int16) Value   { return Value{Kind: KindS16, Bits: uint64(uint16(v))} }
func U32(v uint32) Value  { return Value{Kind: KindU32, Bits: uint64(v)} }
func S32(v int32) Value   { return Value{Kind: KindS32, Bits: uint64(uint32(v))} }
func U64(v uint64) Value  { return Value{Kind: KindU64, Bits: v} }
func S64(v int64) Value   { return Value{Kind: KindS64, Bits: uint64(v)} }
func F32(v float32) Value { return Value{Kind: KindF32, Bits: uint64(math.Float32bits(v))} }
func F64(v float64) Value { return Value{Kind: KindF64, Bits: math.Float64bits(v)} }
func Char(r rune) Value   { return Value{Kind: KindChar, Bits: uint64(uint32(r))} }

func String(s string) Value { return Value{Kind: KindString, Str: s} }

// List builds a homogeneous list. Element types are checked by the bridge.
func List(elems ...Value) Value { return Value{Kind: KindList, Elems: elems} }

// Record builds a record from its fields in declaration order.
func Record(fields ...Value) Value { return Value{Kind: KindRecord, Elems: fields} }

func Tuple(elems ...Value) Value { return Value{Kind: KindTuple, Elems: elems} }

// Variant builds a variant case; payload is nil for cases without a type.
func Variant(caseIndex uint32, payload *Value) Value {
	return Value{Kind: KindVariant, Bits: uint64(caseIndex), Payload: payload}
}

func Enum(caseIndex uint32) Value { return Value{Kind: KindEnum, Bits: uint64(caseIndex)} }

func None() Value { return Value{Kind: KindOption} }

func Some(v Value) Value { return Value{Kind: KindOption, Bits: 1, Payload: &v} }

// Ok builds result::ok; payload is nil for result<_, E>.
func Ok(payload *Value) Value { return Value{Kind: KindResult, Payload: payload} }

// Err builds result::err; payload is nil for result<T, _>.
func Err(payload *Value) Value { return Value{Kind: KindResult, Bits: 1, Payload: payload} }

// Flags builds a flags value from a bit set, bit i set meaning flag i is present.
func Flags(bits uint32) Value { return Value{Kind: KindFlags, Bits: uint64(bits)} }

func Own(handle uint32) Value    { return Value{Kind: KindOwn, Bits: uint64(handle)} }
func Borrow(handle uint32) Value { return Value{Kind: KindBorrow, Bits: uint64(handle)} }

// Ptr returns a pointer to a copy of v, for variant and result payloads.
func Ptr(v Value) *Value { return &v }

func (v Value) AsBool() bool         { return v.Bits != 0 }
func (v Value) AsU32() uint32        { return uint32(v.Bits) }
func (v Value) AsS32() int32         { return int32(uint32(v.Bits)) }
func (v Value) AsU64() uint64        { return v.Bits }
func (v Value) AsS64() int64         { return int64(v.Bits) }
func (v Value) AsF32() float32       { return math.Float32frombits(uint32(v.Bits)) }
func (v Value) AsF64() float64       { return math.Float64frombits(v.Bits) }
func (v Value) AsChar() rune         { return rune(uint32(v.Bits)) }
func (v Value) AsString() string     { return v.Str }
func (v Value) Handle() uint32       { return uint32(v.Bits) }
func (v Value) Discriminant() uint32 { return uint32(v.Bits) }

// IsSome reports whether an option value carries a payload.
func (v Value) IsSome() bool { return v.Kind == KindOption && v.Bits == 1 }

// IsErr reports whether a result value is the err case.
func (v Value) IsErr() bool { return v.Kind == KindResult && v.Bits == 1 }

// Equal reports deep equality. Floats compare by bit pattern so canonical
// NaNs compare equal to themselves.
func Equal(a, b Value) bool {
	if a.Kind != b.Kind || a.Bits != b.Bits || a.Str != b.Str {
		return false
	}
	if len(a.Elems) != len(b.Elems) {
		return false
	}
	for i := range a.Elems {
		if !Equal(a.Elems[i], b.Elems[i]) {
			return false
		}
	}
	if (a.Payload == nil) != (b.Payload == nil) {
		return false
	}
	if a.Payload != nil {
		return Equal(*a.Payload, *b.Payload)
	}
	return true
}

// EqualSlices reports element-wise deep equality.
func EqualSlices(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func (v Value) String() string {
	var b strings.Builder
	v.format(&b)
	return b.String()
}

func (v Value) format(b *strings.Builder) {
	switch v.Kind {
	case KindBool:
		b.WriteString(strconv.FormatBool(v.AsBool()))
	case KindU8, KindU16, KindU32, KindU64:
		b.WriteString(strconv.FormatUint(v.Bits, 10))
	case KindS8:
		b.WriteString(strconv.FormatInt(int64(int8(v.Bits)), 10))
	case KindS16:
		b.WriteString(strconv.FormatInt(int64(int16(v.Bits)), 10))
	case KindS32:
		b.WriteString(strconv.FormatInt(int64(v.AsS32()), 10))
	case KindS64:
		b.WriteString(strconv.FormatInt(v.AsS64(), 10))
	case KindF32:
		b.WriteString(strconv.FormatFloat(float64(v.AsF32()), 'g', -1, 32))
	case KindF64:
		b.WriteString(strconv.FormatFloat(v.AsF64(), 'g', -1, 64))
	case KindChar:
		b.WriteString(strconv.QuoteRune(v.AsChar()))
	case KindString:
		b.WriteString(strconv.Quote(v.Str))
	case KindList, KindTuple, KindRecord:
		open, closing := "[", "]"
		if v.Kind == KindTuple {
			open, closing = "(", ")"
		} else if v.Kind == KindRecord {
			open, closing = "{", "}"
		}
		b.WriteString(open)
		for i, e := range v.Elems {
			if i > 0 {
				b.WriteString(", ")
			}
			e.format(b)
		}
		b.WriteString(closing)
	case KindVariant, KindEnum:
		fmt.Fprintf(b, "case%d", v.Bits)
		if v.Payload != nil {
			b.WriteByte('(')
			v.Payload.format(b)
			b.WriteByte(')')
		}
	case KindOption:
		if !v.IsSome() {
			b.WriteString("none")
			return
		}
		b.WriteString("some(")
		v.Payload.format(b)
		b.WriteByte(')')
	case KindResult:
		if v.IsErr() {
			b.WriteString("err")
		} else {
			b.WriteString("ok")
		}
		if v.Payload != nil {
			b.WriteByte('(')
			v.Payload.format(b)
			b.WriteByte(')')
		}
	case KindFlags:
		fmt.Fprintf(b, "flags(%#x)", v.Bits)
	case KindOwn:
		fmt.Fprintf(b, "own<%d>", v.Bits)
	case KindBorrow:
		fmt.Fprintf(b, "borrow<%d>", v.Bits)
	default:
		b.WriteString("?")
	}
}
