package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"
)

func td(kind wit.TypeDefKind) *wit.TypeDef { return &wit.TypeDef{Kind: kind} }

func TestCalculatePrimitives(t *testing.T) {
	c := NewCalculator()

	tests := []struct {
		typ   wit.Type
		name  string
		size  uint32
		align uint32
	}{
		{wit.Bool{}, "bool", 1, 1},
		{wit.U16{}, "u16", 2, 2},
		{wit.S32{}, "s32", 4, 4},
		{wit.U64{}, "u64", 8, 8},
		{wit.F32{}, "f32", 4, 4},
		{wit.Char{}, "char", 4, 4},
		{wit.String{}, "string", 8, 4},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			info := c.Calculate(tc.typ)
			assert.Equal(t, tc.size, info.Size, "size")
			assert.Equal(t, tc.align, info.Align, "align")
		})
	}
}

func TestCalculateRecord(t *testing.T) {
	c := NewCalculator()
	rec := td(&wit.Record{Fields: []wit.Field{
		{Name: "a", Type: wit.U8{}},
		{Name: "b", Type: wit.U32{}},
		{Name: "c", Type: wit.U16{}},
	}})

	info := c.Calculate(rec)
	assert.Equal(t, uint32(12), info.Size)
	assert.Equal(t, uint32(4), info.Align)
	assert.Equal(t, []uint32{0, 4, 8}, info.FieldOffs)

	empty := c.Calculate(td(&wit.Record{}))
	assert.Equal(t, uint32(0), empty.Size, "empty record size")
	assert.Equal(t, uint32(1), empty.Align, "empty record align")
}

func TestCalculateTagged(t *testing.T) {
	c := NewCalculator()

	tests := []struct {
		name              string
		typ               wit.Type
		size, align, offs uint32
	}{
		{"option<u64>", td(&wit.Option{Type: wit.U64{}}), 16, 8, 8},
		{"result<string>", td(&wit.Result{OK: wit.String{}}), 12, 4, 4},
		{"variant", td(&wit.Variant{Cases: []wit.Case{
			{Name: "none"},
			{Name: "byte", Type: wit.U8{}},
		}}), 2, 1, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			info := c.Calculate(tc.typ)
			assert.Equal(t, tc.size, info.Size, "size")
			assert.Equal(t, tc.align, info.Align, "align")
			assert.Equal(t, tc.offs, info.FieldOffs[0], "payload offset")
		})
	}
}

func TestCalculateFlags(t *testing.T) {
	c := NewCalculator()
	mk := func(n int) *wit.TypeDef {
		f := &wit.Flags{Flags: make([]wit.Flag, n)}
		return td(f)
	}
	tests := []struct {
		n    int
		size uint32
	}{{3, 1}, {9, 2}, {20, 4}, {40, 8}}
	for _, tc := range tests {
		assert.Equal(t, tc.size, c.Calculate(mk(tc.n)).Size, "flags(%d)", tc.n)
	}
}

func TestFlat(t *testing.T) {
	c := NewCalculator()

	tests := []struct {
		name string
		typ  wit.Type
		want []api.ValueType
	}{
		{"u8", wit.U8{}, []api.ValueType{api.ValueTypeI32}},
		{"s64", wit.S64{}, []api.ValueType{api.ValueTypeI64}},
		{"string", wit.String{}, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}},
		{"list", td(&wit.List{Type: wit.U8{}}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}},
		{"option<f32>", td(&wit.Option{Type: wit.F32{}}), []api.ValueType{api.ValueTypeI32, api.ValueTypeF32}},
		{"result<u32, f32>", td(&wit.Result{OK: wit.U32{}, Err: wit.F32{}}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}},
		{"result<f64, u32>", td(&wit.Result{OK: wit.F64{}, Err: wit.U32{}}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI64}},
		{"tuple", td(&wit.Tuple{Types: []wit.Type{wit.F64{}, wit.Bool{}}}), []api.ValueType{api.ValueTypeF64, api.ValueTypeI32}},
		{"own", td(&wit.Own{}), []api.ValueType{api.ValueTypeI32}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Flat(tc.typ))
		})
	}
}

func TestAlignTo(t *testing.T) {
	assert.Equal(t, uint32(8), AlignTo(5, 4))
	assert.Equal(t, uint32(8), AlignTo(8, 4))
	assert.Equal(t, uint32(3), AlignTo(3, 1))
	assert.Equal(t, uint32(3), AlignTo(3, 0))
}
