package canon

import (
	"math"

	"github.com/tetratelabs/wazero/api"
	wasmagent "github.com/wippyai/wasm-agent"
	"github.com/wippyai/wasm-agent/canon/internal/layout"
	"github.com/wippyai/wasm-agent/errors"
	"go.bytecodealliance.org/wit"
)

const (
	MaxFlatParams  = 16
	MaxFlatResults = 1

	DefaultMaxStringLength = 16 << 20
	DefaultMaxListLength   = 1 << 20
)

// Canonical NaN bit patterns.
const (
	canonicalNaN32 = 0x7fc00000
	canonicalNaN64 = 0x7ff8000000000000
)

// Limits bounds what a single lowering may copy into linear memory.
// MaxMemory of zero means the allocator alone decides.
type Limits struct {
	MaxMemory       uint32
	MaxStringLength uint32
	MaxListLength   uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxStringLength: DefaultMaxStringLength,
		MaxListLength:   DefaultMaxListLength,
	}
}

// ResourceLowerer converts handles crossing into the callee. LowerBorrow
// creates a borrow that lives until the callee frame returns.
type ResourceLowerer interface {
	LowerOwn(handle uint32) (uint32, error)
	LowerBorrow(handle uint32) (uint32, error)
}

// Allocation records a block obtained from the allocator during lowering.
type Allocation struct {
	Ptr   uint32
	Size  uint32
	Align uint32
}

// RawOperands is the flat core form of a parameter list.
type RawOperands struct {
	Values      []uint64
	Types       []api.ValueType
	Allocations []Allocation
}

func (r RawOperands) Len() int { return len(r.Values) }

// Option configures a Bridge.
type Option func(*Bridge)

func WithLimits(l Limits) Option {
	return func(b *Bridge) { b.limits = l }
}

func WithResources(r ResourceLowerer) Option {
	return func(b *Bridge) { b.resources = r }
}

// Bridge lowers and lifts values against one instance memory. It is not
// safe for concurrent use.
type Bridge struct {
	mem       wasmagent.Memory
	alloc     wasmagent.Allocator
	resources ResourceLowerer
	layouts   *layout.Calculator
	pending   []Allocation
	limits    Limits
	used      uint64
}

func NewBridge(mem wasmagent.Memory, alloc wasmagent.Allocator, opts ...Option) *Bridge {
	b := &Bridge{
		mem:     mem,
		alloc:   alloc,
		layouts: layout.NewCalculator(),
		limits:  DefaultLimits(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetResources replaces the resource hook, typically once per call frame.
func (b *Bridge) SetResources(r ResourceLowerer) { b.resources = r }

// FlatTypes returns the concatenated flat core types of types.
func (b *Bridge) FlatTypes(types []wit.Type) []api.ValueType {
	var out []api.ValueType
	for _, t := range types {
		out = append(out, b.layouts.Flat(t)...)
	}
	return out
}

// CoreParams returns the core parameter signature for types, spilling to a
// single pointer past MaxFlatParams.
func (b *Bridge) CoreParams(types []wit.Type) []api.ValueType {
	flat := b.FlatTypes(types)
	if len(flat) > MaxFlatParams {
		return []api.ValueType{api.ValueTypeI32}
	}
	return flat
}

// CoreResults returns the core result signature for types, returning
// through a pointer past MaxFlatResults.
func (b *Bridge) CoreResults(types []wit.Type) []api.ValueType {
	flat := b.FlatTypes(types)
	if len(flat) > MaxFlatResults {
		return []api.ValueType{api.ValueTypeI32}
	}
	return flat
}

// Size returns the memory size of t.
func (b *Bridge) Size(t wit.Type) uint32 { return b.layouts.Calculate(t).Size }

// Free releases the allocations of a successful lowering, in reverse order.
func (b *Bridge) Free(ops RawOperands) {
	if b.alloc == nil {
		return
	}
	for i := len(ops.Allocations) - 1; i >= 0; i-- {
		a := ops.Allocations[i]
		b.alloc.Free(a.Ptr, a.Size, a.Align)
	}
}

func (b *Bridge) begin() {
	b.pending = b.pending[:0]
	b.used = 0
}

func (b *Bridge) rollback() {
	if b.alloc != nil {
		for i := len(b.pending) - 1; i >= 0; i-- {
			a := b.pending[i]
			b.alloc.Free(a.Ptr, a.Size, a.Align)
		}
	}
	b.pending = b.pending[:0]
	b.used = 0
}

func (b *Bridge) commit() []Allocation {
	if len(b.pending) == 0 {
		return nil
	}
	out := make([]Allocation, len(b.pending))
	copy(out, b.pending)
	b.pending = b.pending[:0]
	return out
}

func (b *Bridge) allocate(size, align uint32, path []string) (uint32, error) {
	if b.alloc == nil {
		return 0, errors.New(errors.PhaseLower, errors.KindAllocation).
			Path(path...).
			Detail("no allocator available for %d bytes", size).
			Build()
	}
	b.used += uint64(size)
	if b.limits.MaxMemory > 0 && b.used > uint64(b.limits.MaxMemory) {
		return 0, errors.LimitExceeded(errors.PhaseLower, "lowered bytes", b.used, uint64(b.limits.MaxMemory))
	}
	ptr, err := b.alloc.Alloc(size, align)
	if err != nil {
		return 0, errors.New(errors.PhaseLower, errors.KindAllocation).
			Path(path...).
			Cause(err).
			Detail("failed to allocate %d bytes (align %d)", size, align).
			Build()
	}
	b.pending = append(b.pending, Allocation{Ptr: ptr, Size: size, Align: align})
	return ptr, nil
}

func child(path []string, seg string) []string {
	out := make([]string, len(path)+1)
	copy(out, path)
	out[len(path)] = seg
	return out
}

func canonF32(bits uint32) uint32 {
	if f := math.Float32frombits(bits); f != f {
		return canonicalNaN32
	}
	return bits
}

func canonF64(bits uint64) uint64 {
	if f := math.Float64frombits(bits); f != f {
		return canonicalNaN64
	}
	return bits
}

func validChar(r uint32) bool {
	return r < 0xD800 || (r > 0xDFFF && r <= 0x10FFFF)
}

// underlying strips type aliases.
func underlying(t wit.Type) wit.Type {
	for {
		td, ok := t.(*wit.TypeDef)
		if !ok {
			return t
		}
		alias, ok := td.Kind.(wit.Type)
		if !ok {
			return t
		}
		t = alias
	}
}

func typeName(t wit.Type) string {
	switch t := underlying(t).(type) {
	case wit.Bool:
		return "bool"
	case wit.U8:
		return "u8"
	case wit.S8:
		return "s8"
	case wit.U16:
		return "u16"
	case wit.S16:
		return "s16"
	case wit.U32:
		return "u32"
	case wit.S32:
		return "s32"
	case wit.U64:
		return "u64"
	case wit.S64:
		return "s64"
	case wit.F32:
		return "f32"
	case wit.F64:
		return "f64"
	case wit.Char:
		return "char"
	case wit.String:
		return "string"
	case *wit.TypeDef:
		switch t.Kind.(type) {
		case *wit.Record:
			return "record"
		case *wit.Tuple:
			return "tuple"
		case *wit.List:
			return "list"
		case *wit.Variant:
			return "variant"
		case *wit.Enum:
			return "enum"
		case *wit.Option:
			return "option"
		case *wit.Result:
			return "result"
		case *wit.Flags:
			return "flags"
		case *wit.Own:
			return "own"
		case *wit.Borrow:
			return "borrow"
		}
	}
	return "unknown"
}
