package canon

import (
	"strconv"

	"github.com/wippyai/wasm-agent/canon/internal/layout"
	"github.com/wippyai/wasm-agent/errors"
	"github.com/wippyai/wasm-agent/value"
	"go.bytecodealliance.org/wit"
)

func (b *Bridge) store(addr uint32, v value.Value, t wit.Type, path []string) error {
	t = underlying(t)

	switch typ := t.(type) {
	case wit.Bool:
		if err := expect(v, value.KindBool, t, path); err != nil {
			return err
		}
		var bit uint8
		if v.Bits != 0 {
			bit = 1
		}
		return b.mem.WriteU8(addr, bit)
	case wit.U8, wit.S8:
		if err := expect(v, primitiveKind(t), t, path); err != nil {
			return err
		}
		return b.mem.WriteU8(addr, uint8(v.Bits))
	case wit.U16, wit.S16:
		if err := expect(v, primitiveKind(t), t, path); err != nil {
			return err
		}
		return b.mem.WriteU16(addr, uint16(v.Bits))
	case wit.U32, wit.S32:
		if err := expect(v, primitiveKind(t), t, path); err != nil {
			return err
		}
		return b.mem.WriteU32(addr, uint32(v.Bits))
	case wit.U64, wit.S64:
		if err := expect(v, primitiveKind(t), t, path); err != nil {
			return err
		}
		return b.mem.WriteU64(addr, v.Bits)
	case wit.F32:
		if err := expect(v, value.KindF32, t, path); err != nil {
			return err
		}
		return b.mem.WriteU32(addr, canonF32(uint32(v.Bits)))
	case wit.F64:
		if err := expect(v, value.KindF64, t, path); err != nil {
			return err
		}
		return b.mem.WriteU64(addr, canonF64(v.Bits))
	case wit.Char:
		if err := expect(v, value.KindChar, t, path); err != nil {
			return err
		}
		if !validChar(uint32(v.Bits)) {
			return errors.InvalidEncoding(errors.PhaseLower, path, "invalid char code point %#x", v.Bits)
		}
		return b.mem.WriteU32(addr, uint32(v.Bits))
	case wit.String:
		if err := expect(v, value.KindString, t, path); err != nil {
			return err
		}
		ptr, n, err := b.lowerString(v.Str, path)
		if err != nil {
			return err
		}
		return b.writePair(addr, ptr, n)
	case *wit.TypeDef:
		return b.storeTypeDef(addr, v, typ, path)
	}
	return errors.Unsupported(errors.PhaseLower, "type "+typeName(t))
}

func (b *Bridge) storeTypeDef(addr uint32, v value.Value, t *wit.TypeDef, path []string) error {
	info := b.layouts.Calculate(t)

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
			if err := b.store(addr+info.FieldOffs[i], v.Elems[i], f.Type, child(path, f.Name)); err != nil {
				return err
			}
		}
		return nil
	case *wit.Tuple:
		if err := expect(v, value.KindTuple, t, path); err != nil {
			return err
		}
		if len(v.Elems) != len(kind.Types) {
			return errors.TypeMismatch(errors.PhaseLower, path,
				"tuple of "+strconv.Itoa(len(v.Elems)), "tuple of "+strconv.Itoa(len(kind.Types)))
		}
		for i, et := range kind.Types {
			if err := b.store(addr+info.FieldOffs[i], v.Elems[i], et, child(path, "["+strconv.Itoa(i)+"]")); err != nil {
				return err
			}
		}
		return nil
	case *wit.List:
		if err := expect(v, value.KindList, t, path); err != nil {
			return err
		}
		ptr, n, err := b.lowerList(v.Elems, kind.Type, path)
		if err != nil {
			return err
		}
		return b.writePair(addr, ptr, n)
	case *wit.Enum:
		if err := expect(v, value.KindEnum, t, path); err != nil {
			return err
		}
		if v.Bits >= uint64(len(kind.Cases)) {
			return errors.InvalidDiscriminant(errors.PhaseLower, path, uint32(v.Bits), uint32(len(kind.Cases)-1))
		}
		return b.writeDisc(addr, info.Size, uint32(v.Bits))
	case *wit.Flags:
		if err := expect(v, value.KindFlags, t, path); err != nil {
			return err
		}
		return b.writeFlags(addr, maskFlags(v.Bits, len(kind.Flags)), layout.FlagsSize(len(kind.Flags)))
	case *wit.Option:
		if err := expect(v, value.KindOption, t, path); err != nil {
			return err
		}
		return b.storeCase(addr, v, 1, info.FieldOffs[0], []wit.Type{nil, kind.Type}, path)
	case *wit.Result:
		if err := expect(v, value.KindResult, t, path); err != nil {
			return err
		}
		return b.storeCase(addr, v, 1, info.FieldOffs[0], []wit.Type{kind.OK, kind.Err}, path)
	case *wit.Variant:
		if err := expect(v, value.KindVariant, t, path); err != nil {
			return err
		}
		cases := make([]wit.Type, len(kind.Cases))
		for i, c := range kind.Cases {
			cases[i] = c.Type
		}
		return b.storeCase(addr, v, layout.DiscriminantSize(len(cases)), info.FieldOffs[0], cases, path)
	case *wit.Own:
		h, err := b.lowerHandle(v, false, t, path)
		if err != nil {
			return err
		}
		return b.mem.WriteU32(addr, h)
	case *wit.Borrow:
		h, err := b.lowerHandle(v, true, t, path)
		if err != nil {
			return err
		}
		return b.mem.WriteU32(addr, h)
	}
	return errors.Unsupported(errors.PhaseLower, "type "+typeName(t))
}

func (b *Bridge) storeCase(addr uint32, v value.Value, discSize, payloadOff uint32, cases []wit.Type, path []string) error {
	disc := v.Bits
	if disc >= uint64(len(cases)) {
		return errors.InvalidDiscriminant(errors.PhaseLower, path, uint32(disc), uint32(len(cases)-1))
	}
	if err := b.writeDisc(addr, discSize, uint32(disc)); err != nil {
		return err
	}
	pt := cases[disc]
	if pt == nil {
		return nil
	}
	if v.Payload == nil {
		return errors.TypeMismatch(errors.PhaseLower, path, "case without payload", typeName(pt))
	}
	return b.store(addr+payloadOff, *v.Payload, pt, child(path, "case"+strconv.FormatUint(disc, 10)))
}

func (b *Bridge) writePair(addr, ptr, n uint32) error {
	if err := b.mem.WriteU32(addr, ptr); err != nil {
		return err
	}
	return b.mem.WriteU32(addr+4, n)
}

func (b *Bridge) writeDisc(addr, size, disc uint32) error {
	switch size {
	case 1:
		return b.mem.WriteU8(addr, uint8(disc))
	case 2:
		return b.mem.WriteU16(addr, uint16(disc))
	default:
		return b.mem.WriteU32(addr, disc)
	}
}

func (b *Bridge) writeFlags(addr uint32, bits uint64, size uint32) error {
	switch size {
	case 0:
		return nil
	case 1:
		return b.mem.WriteU8(addr, uint8(bits))
	case 2:
		return b.mem.WriteU16(addr, uint16(bits))
	}
	for off := uint32(0); off < size; off += 4 {
		var word uint32
		if off < 8 {
			word = uint32(bits >> (8 * off))
		}
		if err := b.mem.WriteU32(addr+off, word); err != nil {
			return err
		}
	}
	return nil
}

func primitiveKind(t wit.Type) value.Kind {
	switch t.(type) {
	case wit.U8:
		return value.KindU8
	case wit.S8:
		return value.KindS8
	case wit.U16:
		return value.KindU16
	case wit.S16:
		return value.KindS16
	case wit.U32:
		return value.KindU32
	case wit.S32:
		return value.KindS32
	case wit.U64:
		return value.KindU64
	case wit.S64:
		return value.KindS64
	}
	return value.KindBool
}
