package canon

import (
	"strconv"
	"unicode/utf8"

	"github.com/wippyai/wasm-agent/canon/internal/layout"
	"github.com/wippyai/wasm-agent/errors"
	"github.com/wippyai/wasm-agent/value"
	"go.bytecodealliance.org/wit"
)

// Lift converts core results into values of resultTypes. When the flat form
// exceeds MaxFlatResults, raw holds a single pointer to the result area.
func (b *Bridge) Lift(raw []uint64, resultTypes []wit.Type) ([]value.Value, error) {
	if len(resultTypes) == 0 {
		return nil, nil
	}

	flat := b.FlatTypes(resultTypes)
	if len(flat) > MaxFlatResults {
		if len(raw) != 1 {
			return nil, errors.InvalidEncoding(errors.PhaseLift, nil,
				"expected a result pointer, got %d core values", len(raw))
		}
		return b.loadTuple(uint32(raw[0]), resultTypes, "result")
	}

	if len(raw) != len(flat) {
		return nil, errors.InvalidEncoding(errors.PhaseLift, nil,
			"expected %d core results, got %d", len(flat), len(raw))
	}

	out := make([]value.Value, len(resultTypes))
	cur := 0
	for i, t := range resultTypes {
		v, err := b.liftFlat(raw, &cur, t, []string{"result[" + strconv.Itoa(i) + "]"})
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// LiftParams lifts operands produced by Lower, reading a spilled parameter
// area when needed. Hosts use it to decode guest calls.
func (b *Bridge) LiftParams(raw []uint64, paramTypes []wit.Type) ([]value.Value, error) {
	if len(b.FlatTypes(paramTypes)) > MaxFlatParams {
		if len(raw) != 1 {
			return nil, errors.InvalidEncoding(errors.PhaseLift, nil,
				"expected a parameter pointer, got %d core values", len(raw))
		}
		return b.loadTuple(uint32(raw[0]), paramTypes, "param")
	}
	out := make([]value.Value, len(paramTypes))
	cur := 0
	for i, t := range paramTypes {
		v, err := b.liftFlat(raw, &cur, t, []string{"param[" + strconv.Itoa(i) + "]"})
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (b *Bridge) loadTuple(ptr uint32, types []wit.Type, prefix string) ([]value.Value, error) {
	info := b.layouts.Tuple(types)
	out := make([]value.Value, len(types))
	for i, t := range types {
		v, err := b.load(ptr+info.FieldOffs[i], t, []string{prefix + "[" + strconv.Itoa(i) + "]"})
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// LoadValue reads a value of type t in its memory form at addr.
func (b *Bridge) LoadValue(addr uint32, t wit.Type) (value.Value, error) {
	return b.load(addr, t, nil)
}

func next(raw []uint64, cur *int, path []string) (uint64, error) {
	if *cur >= len(raw) {
		return 0, errors.InvalidEncoding(errors.PhaseLift, path, "missing core value at index %d", *cur)
	}
	v := raw[*cur]
	*cur++
	return v, nil
}

func (b *Bridge) liftFlat(raw []uint64, cur *int, t wit.Type, path []string) (value.Value, error) {
	t = underlying(t)

	switch typ := t.(type) {
	case wit.String:
		ptr, err := next(raw, cur, path)
		if err != nil {
			return value.Value{}, err
		}
		n, err := next(raw, cur, path)
		if err != nil {
			return value.Value{}, err
		}
		s, err := b.loadString(uint32(ptr), uint32(n), path)
		if err != nil {
			return value.Value{}, err
		}
		return value.String(s), nil
	case *wit.TypeDef:
		return b.liftTypeDef(raw, cur, typ, path)
	}

	bits, err := next(raw, cur, path)
	if err != nil {
		return value.Value{}, err
	}
	return liftScalar(bits, t, path)
}

func liftScalar(bits uint64, t wit.Type, path []string) (value.Value, error) {
	switch t.(type) {
	case wit.Bool:
		return value.Bool(uint32(bits) != 0), nil
	case wit.U8:
		return value.U8(uint8(bits)), nil
	case wit.S8:
		return value.S8(int8(bits)), nil
	case wit.U16:
		return value.U16(uint16(bits)), nil
	case wit.S16:
		return value.S16(int16(bits)), nil
	case wit.U32:
		return value.U32(uint32(bits)), nil
	case wit.S32:
		return value.S32(int32(uint32(bits))), nil
	case wit.U64:
		return value.U64(bits), nil
	case wit.S64:
		return value.S64(int64(bits)), nil
	case wit.F32:
		return value.Value{Kind: value.KindF32, Bits: uint64(canonF32(uint32(bits)))}, nil
	case wit.F64:
		return value.Value{Kind: value.KindF64, Bits: canonF64(bits)}, nil
	case wit.Char:
		r := uint32(bits)
		if !validChar(r) {
			return value.Value{}, errors.InvalidEncoding(errors.PhaseLift, path, "invalid char code point %#x", r)
		}
		return value.Char(rune(r)), nil
	}
	return value.Value{}, errors.Unsupported(errors.PhaseLift, "type "+typeName(t))
}

func (b *Bridge) liftTypeDef(raw []uint64, cur *int, t *wit.TypeDef, path []string) (value.Value, error) {
	switch kind := t.Kind.(type) {
	case *wit.Record:
		elems := make([]value.Value, len(kind.Fields))
		for i, f := range kind.Fields {
			v, err := b.liftFlat(raw, cur, f.Type, child(path, f.Name))
			if err != nil {
				return value.Value{}, err
			}
			elems[i] = v
		}
		return value.Record(elems...), nil
	case *wit.Tuple:
		elems := make([]value.Value, len(kind.Types))
		for i, et := range kind.Types {
			v, err := b.liftFlat(raw, cur, et, child(path, "["+strconv.Itoa(i)+"]"))
			if err != nil {
				return value.Value{}, err
			}
			elems[i] = v
		}
		return value.Tuple(elems...), nil
	case *wit.List:
		ptr, err := next(raw, cur, path)
		if err != nil {
			return value.Value{}, err
		}
		n, err := next(raw, cur, path)
		if err != nil {
			return value.Value{}, err
		}
		return b.loadList(uint32(ptr), uint32(n), kind.Type, path)
	case *wit.Enum:
		disc, err := next(raw, cur, path)
		if err != nil {
			return value.Value{}, err
		}
		if uint32(disc) >= uint32(len(kind.Cases)) {
			return value.Value{}, errors.InvalidDiscriminant(errors.PhaseLift, path, uint32(disc), uint32(len(kind.Cases)-1))
		}
		return value.Enum(uint32(disc)), nil
	case *wit.Flags:
		var bits uint64
		for i := 0; i < (len(kind.Flags)+31)/32; i++ {
			w, err := next(raw, cur, path)
			if err != nil {
				return value.Value{}, err
			}
			if i < 2 {
				bits |= uint64(uint32(w)) << (32 * i)
			}
		}
		return value.Value{Kind: value.KindFlags, Bits: maskFlags(bits, len(kind.Flags))}, nil
	case *wit.Option:
		return b.liftCase(raw, cur, t, value.KindOption, []wit.Type{nil, kind.Type}, path)
	case *wit.Result:
		return b.liftCase(raw, cur, t, value.KindResult, []wit.Type{kind.OK, kind.Err}, path)
	case *wit.Variant:
		cases := make([]wit.Type, len(kind.Cases))
		for i, c := range kind.Cases {
			cases[i] = c.Type
		}
		return b.liftCase(raw, cur, t, value.KindVariant, cases, path)
	case *wit.Own:
		h, err := next(raw, cur, path)
		if err != nil {
			return value.Value{}, err
		}
		return value.Own(uint32(h)), nil
	case *wit.Borrow:
		h, err := next(raw, cur, path)
		if err != nil {
			return value.Value{}, err
		}
		return value.Borrow(uint32(h)), nil
	}
	return value.Value{}, errors.Unsupported(errors.PhaseLift, "type "+typeName(t))
}

func (b *Bridge) liftCase(raw []uint64, cur *int, t *wit.TypeDef, kind value.Kind, cases []wit.Type, path []string) (value.Value, error) {
	slots := len(b.layouts.Flat(t))
	start := *cur

	disc, err := next(raw, cur, path)
	if err != nil {
		return value.Value{}, err
	}
	if uint32(disc) >= uint32(len(cases)) {
		return value.Value{}, errors.InvalidDiscriminant(errors.PhaseLift, path, uint32(disc), uint32(len(cases)-1))
	}

	out := value.Value{Kind: kind, Bits: uint64(uint32(disc))}
	if pt := cases[uint32(disc)]; pt != nil {
		payload, err := b.liftFlat(raw, cur, pt, child(path, "case"+strconv.FormatUint(uint64(uint32(disc)), 10)))
		if err != nil {
			return value.Value{}, err
		}
		out.Payload = &payload
	}

	if start+slots > len(raw) {
		return value.Value{}, errors.InvalidEncoding(errors.PhaseLift, path, "expected %d core values for %s", slots, typeName(t))
	}
	*cur = start + slots
	return out, nil
}

func (b *Bridge) loadString(ptr, n uint32, path []string) (string, error) {
	if b.limits.MaxStringLength > 0 && n > b.limits.MaxStringLength {
		return "", errors.LimitExceeded(errors.PhaseLift, "string length", uint64(n), uint64(b.limits.MaxStringLength))
	}
	if n == 0 {
		return "", nil
	}
	data, err := b.mem.Read(ptr, n)
	if err != nil {
		return "", errors.New(errors.PhaseLift, errors.KindOutOfBounds).
			Path(path...).
			Cause(err).
			Detail("string data at %d (len %d) out of bounds", ptr, n).
			Build()
	}
	if !utf8.Valid(data) {
		return "", errors.InvalidUTF8(errors.PhaseLift, path, data)
	}
	return string(data), nil
}

func (b *Bridge) loadList(ptr, n uint32, elemType wit.Type, path []string) (value.Value, error) {
	if b.limits.MaxListLength > 0 && n > b.limits.MaxListLength {
		return value.Value{}, errors.LimitExceeded(errors.PhaseLift, "list length", uint64(n), uint64(b.limits.MaxListLength))
	}
	if n == 0 {
		return value.List(), nil
	}
	info := b.layouts.Calculate(elemType)
	if uint64(ptr)+uint64(n)*uint64(info.Size) > 1<<32 {
		return value.Value{}, errors.New(errors.PhaseLift, errors.KindOutOfBounds).
			Path(path...).
			Detail("list of %d elements at %d exceeds address space", n, ptr).
			Build()
	}
	elems := make([]value.Value, n)
	for i := uint32(0); i < n; i++ {
		v, err := b.load(ptr+i*info.Size, elemType, child(path, "["+strconv.Itoa(int(i))+"]"))
		if err != nil {
			return value.Value{}, err
		}
		elems[i] = v
	}
	return value.List(elems...), nil
}

func (b *Bridge) load(addr uint32, t wit.Type, path []string) (value.Value, error) {
	t = underlying(t)

	switch typ := t.(type) {
	case wit.Bool, wit.U8, wit.S8:
		v, err := b.mem.ReadU8(addr)
		if err != nil {
			return value.Value{}, err
		}
		return liftScalar(uint64(v), t, path)
	case wit.U16, wit.S16:
		v, err := b.mem.ReadU16(addr)
		if err != nil {
			return value.Value{}, err
		}
		return liftScalar(uint64(v), t, path)
	case wit.U32, wit.S32, wit.F32, wit.Char:
		v, err := b.mem.ReadU32(addr)
		if err != nil {
			return value.Value{}, err
		}
		return liftScalar(uint64(v), t, path)
	case wit.U64, wit.S64, wit.F64:
		v, err := b.mem.ReadU64(addr)
		if err != nil {
			return value.Value{}, err
		}
		return liftScalar(v, t, path)
	case wit.String:
		ptr, n, err := b.readPair(addr)
		if err != nil {
			return value.Value{}, err
		}
		s, err := b.loadString(ptr, n, path)
		if err != nil {
			return value.Value{}, err
		}
		return value.String(s), nil
	case *wit.TypeDef:
		return b.loadTypeDef(addr, typ, path)
	}
	return value.Value{}, errors.Unsupported(errors.PhaseLift, "type "+typeName(t))
}

func (b *Bridge) loadTypeDef(addr uint32, t *wit.TypeDef, path []string) (value.Value, error) {
	info := b.layouts.Calculate(t)

	switch kind := t.Kind.(type) {
	case *wit.Record:
		elems := make([]value.Value, len(kind.Fields))
		for i, f := range kind.Fields {
			v, err := b.load(addr+info.FieldOffs[i], f.Type, child(path, f.Name))
			if err != nil {
				return value.Value{}, err
			}
			elems[i] = v
		}
		return value.Record(elems...), nil
	case *wit.Tuple:
		elems := make([]value.Value, len(kind.Types))
		for i, et := range kind.Types {
			v, err := b.load(addr+info.FieldOffs[i], et, child(path, "["+strconv.Itoa(i)+"]"))
			if err != nil {
				return value.Value{}, err
			}
			elems[i] = v
		}
		return value.Tuple(elems...), nil
	case *wit.List:
		ptr, n, err := b.readPair(addr)
		if err != nil {
			return value.Value{}, err
		}
		return b.loadList(ptr, n, kind.Type, path)
	case *wit.Enum:
		disc, err := b.readDisc(addr, info.Size)
		if err != nil {
			return value.Value{}, err
		}
		if disc >= uint32(len(kind.Cases)) {
			return value.Value{}, errors.InvalidDiscriminant(errors.PhaseLift, path, disc, uint32(len(kind.Cases)-1))
		}
		return value.Enum(disc), nil
	case *wit.Flags:
		bits, err := b.readFlags(addr, layout.FlagsSize(len(kind.Flags)))
		if err != nil {
			return value.Value{}, err
		}
		return value.Value{Kind: value.KindFlags, Bits: maskFlags(bits, len(kind.Flags))}, nil
	case *wit.Option:
		return b.loadCase(addr, value.KindOption, 1, info.FieldOffs[0], []wit.Type{nil, kind.Type}, path)
	case *wit.Result:
		return b.loadCase(addr, value.KindResult, 1, info.FieldOffs[0], []wit.Type{kind.OK, kind.Err}, path)
	case *wit.Variant:
		cases := make([]wit.Type, len(kind.Cases))
		for i, c := range kind.Cases {
			cases[i] = c.Type
		}
		return b.loadCase(addr, value.KindVariant, layout.DiscriminantSize(len(cases)), info.FieldOffs[0], cases, path)
	case *wit.Own:
		h, err := b.mem.ReadU32(addr)
		if err != nil {
			return value.Value{}, err
		}
		return value.Own(h), nil
	case *wit.Borrow:
		h, err := b.mem.ReadU32(addr)
		if err != nil {
			return value.Value{}, err
		}
		return value.Borrow(h), nil
	}
	return value.Value{}, errors.Unsupported(errors.PhaseLift, "type "+typeName(t))
}

func (b *Bridge) loadCase(addr uint32, kind value.Kind, discSize, payloadOff uint32, cases []wit.Type, path []string) (value.Value, error) {
	disc, err := b.readDisc(addr, discSize)
	if err != nil {
		return value.Value{}, err
	}
	if disc >= uint32(len(cases)) {
		return value.Value{}, errors.InvalidDiscriminant(errors.PhaseLift, path, disc, uint32(len(cases)-1))
	}
	out := value.Value{Kind: kind, Bits: uint64(disc)}
	if pt := cases[disc]; pt != nil {
		payload, err := b.load(addr+payloadOff, pt, child(path, "case"+strconv.FormatUint(uint64(disc), 10)))
		if err != nil {
			return value.Value{}, err
		}
		out.Payload = &payload
	}
	return out, nil
}

func (b *Bridge) readPair(addr uint32) (uint32, uint32, error) {
	ptr, err := b.mem.ReadU32(addr)
	if err != nil {
		return 0, 0, err
	}
	n, err := b.mem.ReadU32(addr + 4)
	if err != nil {
		return 0, 0, err
	}
	return ptr, n, nil
}

func (b *Bridge) readDisc(addr, size uint32) (uint32, error) {
	switch size {
	case 1:
		v, err := b.mem.ReadU8(addr)
		return uint32(v), err
	case 2:
		v, err := b.mem.ReadU16(addr)
		return uint32(v), err
	default:
		return b.mem.ReadU32(addr)
	}
}

func (b *Bridge) readFlags(addr, size uint32) (uint64, error) {
	switch size {
	case 0:
		return 0, nil
	case 1:
		v, err := b.mem.ReadU8(addr)
		return uint64(v), err
	case 2:
		v, err := b.mem.ReadU16(addr)
		return uint64(v), err
	}
	var bits uint64
	for off := uint32(0); off < size && off < 8; off += 4 {
		w, err := b.mem.ReadU32(addr + off)
		if err != nil {
			return 0, err
		}
		bits |= uint64(w) << (8 * off)
	}
	return bits, nil
}
