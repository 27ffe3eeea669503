package layout

import (
	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"
)

// Info is the memory layout of a type. FieldOffs holds member offsets for
// records and tuples in declaration order.
type Info struct {
	FieldOffs []uint32
	Size      uint32
	Align     uint32
}

// AlignTo rounds offset up to a multiple of align.
func AlignTo(offset, align uint32) uint32 {
	if align <= 1 {
		return offset
	}
	return (offset + align - 1) &^ (align - 1)
}

// DiscriminantSize is 1 byte for up to 256 cases, 2 up to 65536, else 4.
func DiscriminantSize(numCases int) uint32 {
	if numCases <= 256 {
		return 1
	} else if numCases <= 65536 {
		return 2
	}
	return 4
}

// FlagsSize returns the byte width of a flags value with n flags.
func FlagsSize(n int) uint32 {
	switch {
	case n == 0:
		return 0
	case n <= 8:
		return 1
	case n <= 16:
		return 2
	default:
		return 4 * uint32((n+31)/32)
	}
}

// Calculator caches layouts of type definitions. Not safe for concurrent use.
type Calculator struct {
	cache map[*wit.TypeDef]Info
	flat  map[*wit.TypeDef][]api.ValueType
}

func NewCalculator() *Calculator {
	return &Calculator{
		cache: make(map[*wit.TypeDef]Info),
		flat:  make(map[*wit.TypeDef][]api.ValueType),
	}
}

func (c *Calculator) Calculate(t wit.Type) Info {
	switch typ := t.(type) {
	case wit.U8, wit.S8, wit.Bool:
		return Info{Size: 1, Align: 1}
	case wit.U16, wit.S16:
		return Info{Size: 2, Align: 2}
	case wit.U32, wit.S32, wit.F32, wit.Char:
		return Info{Size: 4, Align: 4}
	case wit.U64, wit.S64, wit.F64:
		return Info{Size: 8, Align: 8}
	case wit.String:
		return Info{Size: 8, Align: 4} // [ptr: u32, len: u32]
	case *wit.TypeDef:
		return c.calculateTypeDef(typ)
	default:
		return Info{Size: 0, Align: 1}
	}
}

func (c *Calculator) calculateTypeDef(t *wit.TypeDef) Info {
	if cached, ok := c.cache[t]; ok {
		return cached
	}

	var info Info
	switch kind := t.Kind.(type) {
	case *wit.Record:
		types := make([]wit.Type, len(kind.Fields))
		for i, f := range kind.Fields {
			types[i] = f.Type
		}
		info = c.sequence(types)
	case *wit.Tuple:
		info = c.sequence(kind.Types)
	case *wit.Variant:
		payloads := make([]wit.Type, len(kind.Cases))
		for i, cs := range kind.Cases {
			payloads[i] = cs.Type
		}
		info = c.tagged(DiscriminantSize(len(kind.Cases)), payloads)
	case *wit.Enum:
		size := DiscriminantSize(len(kind.Cases))
		info = Info{Size: size, Align: size}
	case *wit.Option:
		info = c.tagged(1, []wit.Type{nil, kind.Type})
	case *wit.Result:
		info = c.tagged(1, []wit.Type{kind.OK, kind.Err})
	case *wit.Flags:
		size := FlagsSize(len(kind.Flags))
		align := size
		if align > 4 {
			align = 4
		}
		if align == 0 {
			align = 1
		}
		info = Info{Size: size, Align: align}
	case *wit.List:
		info = Info{Size: 8, Align: 4}
	case *wit.Own, *wit.Borrow:
		info = Info{Size: 4, Align: 4}
	case wit.Type:
		info = c.Calculate(kind)
	default:
		info = Info{Size: 0, Align: 1}
	}

	c.cache[t] = info
	return info
}

// Tuple returns the layout of types stored back to back, as used for spilled
// parameter and result areas.
func (c *Calculator) Tuple(types []wit.Type) Info {
	return c.sequence(types)
}

func (c *Calculator) sequence(types []wit.Type) Info {
	if len(types) == 0 {
		return Info{Size: 0, Align: 1}
	}

	offs := make([]uint32, len(types))
	maxAlign := uint32(1)
	offset := uint32(0)
	for i, typ := range types {
		l := c.Calculate(typ)
		offset = AlignTo(offset, l.Align)
		offs[i] = offset
		if l.Align > maxAlign {
			maxAlign = l.Align
		}
		offset += l.Size
	}

	return Info{
		Size:      AlignTo(offset, maxAlign),
		Align:     maxAlign,
		FieldOffs: offs,
	}
}

// tagged lays out a discriminant followed by the widest payload. The payload
// offset is recorded as the single entry of FieldOffs.
func (c *Calculator) tagged(discSize uint32, payloads []wit.Type) Info {
	maxAlign := discSize
	maxSize := uint32(0)
	for _, p := range payloads {
		if p == nil {
			continue
		}
		l := c.Calculate(p)
		if l.Align > maxAlign {
			maxAlign = l.Align
		}
		if l.Size > maxSize {
			maxSize = l.Size
		}
	}

	payloadOffset := AlignTo(discSize, maxAlign)
	return Info{
		Size:      AlignTo(payloadOffset+maxSize, maxAlign),
		Align:     maxAlign,
		FieldOffs: []uint32{payloadOffset},
	}
}

// Flat returns the flattened core value types of t. Variant payloads are
// joined slot-wise: equal types stay, i32 with f32 becomes i32, anything
// else widens to i64.
func (c *Calculator) Flat(t wit.Type) []api.ValueType {
	switch typ := t.(type) {
	case wit.Bool, wit.U8, wit.S8, wit.U16, wit.S16, wit.U32, wit.S32, wit.Char:
		return []api.ValueType{api.ValueTypeI32}
	case wit.U64, wit.S64:
		return []api.ValueType{api.ValueTypeI64}
	case wit.F32:
		return []api.ValueType{api.ValueTypeF32}
	case wit.F64:
		return []api.ValueType{api.ValueTypeF64}
	case wit.String:
		return []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}
	case *wit.TypeDef:
		if cached, ok := c.flat[typ]; ok {
			return cached
		}
		flat := c.flatTypeDef(typ)
		c.flat[typ] = flat
		return flat
	}
	return nil
}

func (c *Calculator) flatTypeDef(t *wit.TypeDef) []api.ValueType {
	switch kind := t.Kind.(type) {
	case *wit.Record:
		var out []api.ValueType
		for _, f := range kind.Fields {
			out = append(out, c.Flat(f.Type)...)
		}
		return out
	case *wit.Tuple:
		var out []api.ValueType
		for _, typ := range kind.Types {
			out = append(out, c.Flat(typ)...)
		}
		return out
	case *wit.List:
		return []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}
	case *wit.Enum, *wit.Own, *wit.Borrow:
		return []api.ValueType{api.ValueTypeI32}
	case *wit.Flags:
		n := (len(kind.Flags) + 31) / 32
		out := make([]api.ValueType, n)
		for i := range out {
			out[i] = api.ValueTypeI32
		}
		return out
	case *wit.Variant:
		payloads := make([]wit.Type, len(kind.Cases))
		for i, cs := range kind.Cases {
			payloads[i] = cs.Type
		}
		return c.joined(payloads)
	case *wit.Option:
		return c.joined([]wit.Type{nil, kind.Type})
	case *wit.Result:
		return c.joined([]wit.Type{kind.OK, kind.Err})
	case wit.Type:
		return c.Flat(kind)
	}
	return nil
}

func (c *Calculator) joined(payloads []wit.Type) []api.ValueType {
	out := []api.ValueType{api.ValueTypeI32}
	for _, p := range payloads {
		if p == nil {
			continue
		}
		for i, vt := range c.Flat(p) {
			slot := i + 1
			if slot < len(out) {
				out[slot] = Join(out[slot], vt)
			} else {
				out = append(out, vt)
			}
		}
	}
	return out
}

// Join merges two flat slot types.
func Join(a, b api.ValueType) api.ValueType {
	if a == b {
		return a
	}
	if (a == api.ValueTypeI32 && b == api.ValueTypeF32) || (a == api.ValueTypeF32 && b == api.ValueTypeI32) {
		return api.ValueTypeI32
	}
	return api.ValueTypeI64
}
