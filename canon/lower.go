package canon

import (
	"math"
	"strconv"
	"unicode/utf8"

	"github.com/tetratelabs/wazero/api"
	"github.com/wippyai/wasm-agent/errors"
	"github.com/wippyai/wasm-agent/value"
	"go.bytecodealliance.org/wit"
)

// Lower flattens values against paramTypes. Integer values wider than their
// declared type are truncated to it (u8 of 300 lowers to 44).
func (b *Bridge) Lower(values []value.Value, paramTypes []wit.Type) (RawOperands, error) {
	if len(values) != len(paramTypes) {
		return RawOperands{}, errors.New(errors.PhaseLower, errors.KindInvalidInput).
			Detail("parameter count mismatch: expected %d, got %d", len(paramTypes), len(values)).
			Build()
	}

	b.begin()
	flatTypes := b.FlatTypes(paramTypes)

	if len(flatTypes) > MaxFlatParams {
		ptr, err := b.spill(values, paramTypes)
		if err != nil {
			b.rollback()
			return RawOperands{}, err
		}
		return RawOperands{
			Values:      []uint64{uint64(ptr)},
			Types:       []api.ValueType{api.ValueTypeI32},
			Allocations: b.commit(),
		}, nil
	}

	flat := make([]uint64, 0, len(flatTypes))
	for i, t := range paramTypes {
		if err := b.lowerFlat(values[i], t, "param["+strconv.Itoa(i)+"]", nil, &flat); err != nil {
			b.rollback()
			return RawOperands{}, err
		}
	}

	return RawOperands{
		Values:      flat,
		Types:       flatTypes,
		Allocations: b.commit(),
	}, nil
}

func (b *Bridge) spill(values []value.Value, types []wit.Type) (uint32, error) {
	info := b.layouts.Tuple(types)
	ptr, err := b.allocate(info.Size, info.Align, nil)
	if err != nil {
		return 0, err
	}
	for i, t := range types {
		if err := b.store(ptr+info.FieldOffs[i], values[i], t, []string{"param[" + strconv.Itoa(i) + "]"}); err != nil {
			return 0, err
		}
	}
	return ptr, nil
}

// StoreValue writes v in its memory form at addr. Strings and lists are
// allocated as needed; on failure those allocations are freed.
func (b *Bridge) StoreValue(addr uint32, v value.Value, t wit.Type) error {
	b.begin()
	if err := b.store(addr, v, t, nil); err != nil {
		b.rollback()
		return err
	}
	b.commit()
	return nil
}

func expect(v value.Value, kind value.Kind, t wit.Type, path []string) error {
	if v.Kind != kind {
		return errors.TypeMismatch(errors.PhaseLower, path, v.Kind.String(), typeName(t))
	}
	return nil
}

func (b *Bridge) lowerFlat(v value.Value, t wit.Type, seg string, parent []string, flat *[]uint64) error {
	path := parent
	if seg != "" {
		path = child(parent, seg)
	}
	t = underlying(t)

	switch typ := t.(type) {
	case wit.Bool:
		if err := expect(v, value.KindBool, t, path); err != nil {
			return err
		}
		if v.Bits != 0 {
			*flat = append(*flat, 1)
		} else {
			*flat = append(*flat, 0)
		}
	case wit.U8:
		if err := expect(v, value.KindU8, t, path); err != nil {
			return err
		}
		*flat = append(*flat, v.Bits&0xff)
	case wit.S8:
		if err := expect(v, value.KindS8, t, path); err != nil {
			return err
		}
		*flat = append(*flat, api.EncodeI32(int32(int8(v.Bits))))
	case wit.U16:
		if err := expect(v, value.KindU16, t, path); err != nil {
			return err
		}
		*flat = append(*flat, v.Bits&0xffff)
	case wit.S16:
		if err := expect(v, value.KindS16, t, path); err != nil {
			return err
		}
		*flat = append(*flat, api.EncodeI32(int32(int16(v.Bits))))
	case wit.U32:
		if err := expect(v, value.KindU32, t, path); err != nil {
			return err
		}
		*flat = append(*flat, api.EncodeU32(uint32(v.Bits)))
	case wit.S32:
		if err := expect(v, value.KindS32, t, path); err != nil {
			return err
		}
		*flat = append(*flat, api.EncodeU32(uint32(v.Bits)))
	case wit.U64:
		if err := expect(v, value.KindU64, t, path); err != nil {
			return err
		}
		*flat = append(*flat, v.Bits)
	case wit.S64:
		if err := expect(v, value.KindS64, t, path); err != nil {
			return err
		}
		*flat = append(*flat, v.Bits)
	case wit.F32:
		if err := expect(v, value.KindF32, t, path); err != nil {
			return err
		}
		*flat = append(*flat, uint64(canonF32(uint32(v.Bits))))
	case wit.F64:
		if err := expect(v, value.KindF64, t, path); err != nil {
			return err
		}
		*flat = append(*flat, canonF64(v.Bits))
	case wit.Char:
		if err := expect(v, value.KindChar, t, path); err != nil {
			return err
		}
		if !validChar(uint32(v.Bits)) {
			return errors.InvalidEncoding(errors.PhaseLower, path, "invalid char code point %#x", v.Bits)
		}
		*flat = append(*flat, uint64(uint32(v.Bits)))
	case wit.String:
		if err := expect(v, value.KindString, t, path); err != nil {
			return err
		}
		ptr, n, err := b.lowerString(v.Str, path)
		if err != nil {
			return err
		}
		*flat = append(*flat, uint64(ptr), uint64(n))
	case *wit.TypeDef:
		return b.lowerTypeDef(v, typ, path, flat)
	default:
		return errors.Unsupported(errors.PhaseLower, "type "+typeName(t))
	}
	return nil
}

func (b *Bridge) lowerTypeDef(v value.Value, t *wit.TypeDef, path []string, flat *[]uint64) error {
	switch kind := t.Kind.(type) {
	case *wit.Record:
		if err := expect(v, value.KindRecord, t, path); err != nil {
			return err
		}
		if len(v.Elems) != len(kind.Fields) {
			return errors.TypeMismatch(errors.PhaseLower, path,
				"record with "+strconv.Itoa(len(v.Elems))+" fields", "record with "+strconv.Itoa(len(kind.Fields))+" fields")
		}
		for i, f := range kind.Fields {
			if err := b.lowerFlat(v.Elems[i], f.Type, f.Name, path, flat); err != nil {
				return err
			}
		}
	case *wit.Tuple:
		if err := expect(v, value.KindTuple, t, path); err != nil {
			return err
		}
		if len(v.Elems) != len(kind.Types) {
			return errors.TypeMismatch(errors.PhaseLower, path,
				"tuple of "+strconv.Itoa(len(v.Elems)), "tuple of "+strconv.Itoa(len(kind.Types)))
		}
		for i, et := range kind.Types {
			if err := b.lowerFlat(v.Elems[i], et, "["+strconv.Itoa(i)+"]", path, flat); err != nil {
				return err
			}
		}
	case *wit.List:
		if err := expect(v, value.KindList, t, path); err != nil {
			return err
		}
		ptr, n, err := b.lowerList(v.Elems, kind.Type, path)
		if err != nil {
			return err
		}
		*flat = append(*flat, uint64(ptr), uint64(n))
	case *wit.Enum:
		if err := expect(v, value.KindEnum, t, path); err != nil {
			return err
		}
		if v.Bits >= uint64(len(kind.Cases)) {
			return errors.InvalidDiscriminant(errors.PhaseLower, path, uint32(v.Bits), uint32(len(kind.Cases)-1))
		}
		*flat = append(*flat, v.Bits)
	case *wit.Flags:
		if err := expect(v, value.KindFlags, t, path); err != nil {
			return err
		}
		bits := maskFlags(v.Bits, len(kind.Flags))
		for i := 0; i < (len(kind.Flags)+31)/32; i++ {
			*flat = append(*flat, uint64(uint32(bits>>(32*i))))
		}
	case *wit.Option:
		if err := expect(v, value.KindOption, t, path); err != nil {
			return err
		}
		return b.lowerCase(v, t, []wit.Type{nil, kind.Type}, path, flat)
	case *wit.Result:
		if err := expect(v, value.KindResult, t, path); err != nil {
			return err
		}
		return b.lowerCase(v, t, []wit.Type{kind.OK, kind.Err}, path, flat)
	case *wit.Variant:
		if err := expect(v, value.KindVariant, t, path); err != nil {
			return err
		}
		cases := make([]wit.Type, len(kind.Cases))
		for i, c := range kind.Cases {
			cases[i] = c.Type
		}
		return b.lowerCase(v, t, cases, path, flat)
	case *wit.Own:
		h, err := b.lowerHandle(v, false, t, path)
		if err != nil {
			return err
		}
		*flat = append(*flat, uint64(h))
	case *wit.Borrow:
		h, err := b.lowerHandle(v, true, t, path)
		if err != nil {
			return err
		}
		*flat = append(*flat, uint64(h))
	default:
		return errors.Unsupported(errors.PhaseLower, "type "+typeName(t))
	}
	return nil
}

// lowerCase writes the discriminant and the selected payload, then pads the
// remaining joined slots with zeros. Payload bits are kept as-is: an i32 or
// f32 value zero-extended into a wider slot is the joined representation.
func (b *Bridge) lowerCase(v value.Value, t *wit.TypeDef, cases []wit.Type, path []string, flat *[]uint64) error {
	disc := v.Bits
	if disc >= uint64(len(cases)) {
		return errors.InvalidDiscriminant(errors.PhaseLower, path, uint32(disc), uint32(len(cases)-1))
	}

	slots := len(b.layouts.Flat(t))
	start := len(*flat)
	*flat = append(*flat, disc)

	if pt := cases[disc]; pt != nil {
		if v.Payload == nil {
			return errors.TypeMismatch(errors.PhaseLower, path, "case without payload", typeName(pt))
		}
		if err := b.lowerFlat(*v.Payload, pt, "case"+strconv.FormatUint(disc, 10), path, flat); err != nil {
			return err
		}
	}
	for len(*flat)-start < slots {
		*flat = append(*flat, 0)
	}
	return nil
}

func (b *Bridge) lowerHandle(v value.Value, borrow bool, t wit.Type, path []string) (uint32, error) {
	if v.Kind != value.KindOwn && !(borrow && v.Kind == value.KindBorrow) {
		return 0, errors.TypeMismatch(errors.PhaseLower, path, v.Kind.String(), typeName(t))
	}
	h := v.Handle()
	if b.resources == nil {
		return h, nil
	}
	var (
		out uint32
		err error
	)
	if borrow {
		out, err = b.resources.LowerBorrow(h)
	} else {
		out, err = b.resources.LowerOwn(h)
	}
	if err != nil {
		if e, ok := errors.As(err); ok && e.Path == nil {
			e.Path = path
		}
		return 0, err
	}
	return out, nil
}

func (b *Bridge) lowerString(s string, path []string) (uint32, uint32, error) {
	if !utf8.ValidString(s) {
		return 0, 0, errors.InvalidUTF8(errors.PhaseLower, path, []byte(s))
	}
	if uint64(len(s)) > uint64(b.limits.MaxStringLength) && b.limits.MaxStringLength > 0 {
		return 0, 0, errors.LimitExceeded(errors.PhaseLower, "string length", uint64(len(s)), uint64(b.limits.MaxStringLength))
	}
	n := uint32(len(s))
	if n == 0 {
		return 0, 0, nil
	}
	ptr, err := b.allocate(n, 1, path)
	if err != nil {
		return 0, 0, err
	}
	if err := b.mem.Write(ptr, []byte(s)); err != nil {
		return 0, 0, err
	}
	return ptr, n, nil
}

func (b *Bridge) lowerList(elems []value.Value, elemType wit.Type, path []string) (uint32, uint32, error) {
	n := uint64(len(elems))
	if b.limits.MaxListLength > 0 && n > uint64(b.limits.MaxListLength) {
		return 0, 0, errors.LimitExceeded(errors.PhaseLower, "list length", n, uint64(b.limits.MaxListLength))
	}
	if n == 0 {
		return 0, 0, nil
	}
	info := b.layouts.Calculate(elemType)
	total := n * uint64(info.Size)
	if total > math.MaxUint32 {
		return 0, 0, errors.New(errors.PhaseLower, errors.KindOverflow).
			Path(path...).
			Detail("list of %d elements of size %d overflows memory", n, info.Size).
			Build()
	}
	ptr, err := b.allocate(uint32(total), info.Align, path)
	if err != nil {
		return 0, 0, err
	}
	for i, e := range elems {
		if err := b.store(ptr+uint32(i)*info.Size, e, elemType, child(path, "["+strconv.Itoa(i)+"]")); err != nil {
			return 0, 0, err
		}
	}
	return ptr, uint32(n), nil
}

func maskFlags(bits uint64, n int) uint64 {
	if n >= 64 {
		return bits
	}
	return bits & (1<<uint(n) - 1)
}
