package instr

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tetratelabs/wazero/api"
)

// Parse assembles a module from its line-oriented text form:
//
//	module demo
//	import log (i32) -> () async
//	type (i32) -> (i32)
//	func add (i32 i32) -> (i32) local i64
//	  local.get 0
//	  local.get 1
//	  i32.add
//	end
//	table add
//	export add add
//
// Comments start with ";;". Functions and imports may be referenced by
// $name or index. The end that closes a function is kept as its final
// instruction. The result is resolved.
func Parse(src string) (*Module, error) {
	lines := tokenize(src)
	a := &assembler{
		mod:     &Module{},
		funcs:   make(map[string]uint32),
		imports: make(map[string]uint32),
	}
	a.declare(lines)
	if err := a.assemble(lines); err != nil {
		return nil, err
	}
	if err := Resolve(a.mod); err != nil {
		return nil, err
	}
	return a.mod, nil
}

// MustParse is Parse for fixed inputs; it panics on error.
func MustParse(src string) *Module {
	m, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return m
}

type line struct {
	words []string
	num   int
}

func tokenize(src string) []line {
	var out []line
	for i, raw := range strings.Split(src, "\n") {
		if c := strings.Index(raw, ";;"); c >= 0 {
			raw = raw[:c]
		}
		raw = strings.NewReplacer("(", " ( ", ")", " ) ").Replace(raw)
		words := strings.Fields(raw)
		if len(words) == 0 {
			continue
		}
		out = append(out, line{words: words, num: i + 1})
	}
	return out
}

type assembler struct {
	mod     *Module
	funcs   map[string]uint32
	imports map[string]uint32
	cur     *Function
	depth   int
}

func (a *assembler) declare(lines []line) {
	var nf, ni uint32
	for _, l := range lines {
		if len(l.words) < 2 {
			continue
		}
		switch l.words[0] {
		case "func":
			a.funcs[l.words[1]] = nf
			nf++
		case "import":
			a.imports[l.words[1]] = ni
			ni++
		}
	}
}

func (a *assembler) errorf(l line, format string, args ...any) error {
	return fmt.Errorf("line %d: %s", l.num, fmt.Sprintf(format, args...))
}

func (a *assembler) assemble(lines []line) error {
	for _, l := range lines {
		if a.cur != nil {
			if err := a.instruction(l); err != nil {
				return err
			}
			continue
		}
		if err := a.directive(l); err != nil {
			return err
		}
	}
	if a.cur != nil {
		return fmt.Errorf("function %q not closed", a.cur.Name)
	}
	for i := range a.mod.Exports {
		e := &a.mod.Exports[i]
		if int(e.Function) >= len(a.mod.Functions) {
			return fmt.Errorf("export %q: function %d not defined", e.Name, e.Function)
		}
		ft := a.mod.Functions[e.Function].Type
		e.Params, e.Results = coreWit(ft.Params), coreWit(ft.Results)
	}
	return nil
}

func (a *assembler) directive(l line) error {
	w := l.words
	switch w[0] {
	case "module":
		if len(w) != 2 {
			return a.errorf(l, "module takes a name")
		}
		a.mod.Name = w[1]
	case "import":
		if len(w) < 2 {
			return a.errorf(l, "import takes a name")
		}
		ft, rest, err := parseSignature(w[2:])
		if err != nil {
			return a.errorf(l, "import %s: %v", w[1], err)
		}
		imp := HostImport{Name: w[1], Type: ft}
		for _, flag := range rest {
			if flag != "async" {
				return a.errorf(l, "unknown import flag %q", flag)
			}
			imp.Async = true
		}
		a.mod.Imports = append(a.mod.Imports, imp)
	case "type":
		ft, rest, err := parseSignature(w[1:])
		if err != nil || len(rest) > 0 {
			return a.errorf(l, "bad type signature")
		}
		a.mod.Types = append(a.mod.Types, ft)
	case "func":
		if len(w) < 2 {
			return a.errorf(l, "func takes a name")
		}
		ft, rest, err := parseSignature(w[2:])
		if err != nil {
			return a.errorf(l, "func %s: %v", w[1], err)
		}
		f := Function{Name: w[1], Type: ft}
		if len(rest) > 0 {
			if rest[0] != "local" {
				return a.errorf(l, "unexpected %q", rest[0])
			}
			for _, name := range rest[1:] {
				t, ok := valueType(name)
				if !ok {
					return a.errorf(l, "unknown local type %q", name)
				}
				f.Locals = append(f.Locals, t)
			}
		}
		a.mod.Functions = append(a.mod.Functions, f)
		a.cur = &a.mod.Functions[len(a.mod.Functions)-1]
		a.depth = 0
	case "table":
		for _, ref := range w[1:] {
			idx, err := a.ref(ref, a.funcs, uint32(len(a.mod.Functions)))
			if err != nil {
				return a.errorf(l, "table: %v", err)
			}
			a.mod.Table = append(a.mod.Table, idx)
		}
	case "export":
		if len(w) != 3 {
			return a.errorf(l, "export takes a name and a function")
		}
		idx, err := a.ref(w[2], a.funcs, uint32(len(a.funcs)))
		if err != nil {
			return a.errorf(l, "export: %v", err)
		}
		a.mod.Exports = append(a.mod.Exports, Export{Name: w[1], Function: idx})
	default:
		return a.errorf(l, "unknown directive %q", w[0])
	}
	return nil
}

func (a *assembler) instruction(l line) error {
	name := l.words[0]
	op, ok := Lookup(name)
	if !ok {
		return a.errorf(l, "unknown instruction %q", name)
	}
	in := Instruction{Op: op}
	args := l.words[1:]
	info := infos[op]

	var err error
	switch info.Imm {
	case ImmNone:
	case ImmIndex:
		if len(args) == 0 {
			return a.errorf(l, "%s needs an operand", name)
		}
		var idx uint32
		switch op {
		case Call:
			idx, err = a.ref(args[0], a.funcs, uint32(len(a.funcs)))
		case CallHost:
			idx, err = a.ref(args[0], a.imports, uint32(len(a.imports)))
		default:
			idx, err = parseIndex(args[0])
		}
		in.Imm = uint64(idx)
		args = args[1:]
	case ImmOffset:
		if len(args) > 0 {
			var off uint32
			off, err = parseIndex(strings.TrimPrefix(args[0], "offset="))
			in.Imm = uint64(off)
			args = args[1:]
		}
	case ImmI32:
		if len(args) == 0 {
			return a.errorf(l, "%s needs a value", name)
		}
		var v int64
		v, err = parseInt(args[0], 32)
		in.Imm = uint64(uint32(v))
		args = args[1:]
	case ImmI64:
		if len(args) == 0 {
			return a.errorf(l, "%s needs a value", name)
		}
		var v int64
		v, err = parseInt(args[0], 64)
		in.Imm = uint64(v)
		args = args[1:]
	case ImmF32:
		if len(args) == 0 {
			return a.errorf(l, "%s needs a value", name)
		}
		var f float64
		f, err = parseFloat(args[0], 32)
		in.Imm = uint64(math.Float32bits(float32(f)))
		args = args[1:]
	case ImmF64:
		if len(args) == 0 {
			return a.errorf(l, "%s needs a value", name)
		}
		var f float64
		f, err = parseFloat(args[0], 64)
		in.Imm = math.Float64bits(f)
		args = args[1:]
	case ImmBlock:
		if len(args) > 0 {
			if _, ok := valueType(args[0]); !ok {
				return a.errorf(l, "bad block type %q", args[0])
			}
			in.Arity = 1
			args = args[1:]
		}
	case ImmLabels:
		if len(args) == 0 {
			return a.errorf(l, "br_table needs a default label")
		}
		for _, s := range args {
			var lbl uint32
			if lbl, err = parseIndex(s); err != nil {
				break
			}
			in.Table = append(in.Table, lbl)
		}
		args = nil
	}
	if err != nil {
		return a.errorf(l, "%s: %v", name, err)
	}
	if len(args) > 0 {
		return a.errorf(l, "%s: unexpected %q", name, args[0])
	}

	a.cur.Body = append(a.cur.Body, in)
	switch {
	case op.IsBlock():
		a.depth++
	case op == End:
		if a.depth == 0 {
			a.cur = nil
			return nil
		}
		a.depth--
	}
	return nil
}

func (a *assembler) ref(s string, names map[string]uint32, n uint32) (uint32, error) {
	if strings.HasPrefix(s, "$") {
		s = s[1:]
	}
	if idx, ok := names[s]; ok {
		return idx, nil
	}
	idx, err := parseIndex(s)
	if err != nil {
		return 0, fmt.Errorf("unknown reference %q", s)
	}
	if idx >= n {
		return 0, fmt.Errorf("index %d out of range", idx)
	}
	return idx, nil
}

// parseSignature reads "(params) -> (results)" and returns the words after it.
func parseSignature(w []string) (FuncType, []string, error) {
	var ft FuncType
	params, w, err := parseTypeList(w)
	if err != nil {
		return ft, nil, err
	}
	ft.Params = params
	if len(w) > 0 && w[0] == "->" {
		results, rest, err := parseTypeList(w[1:])
		if err != nil {
			return ft, nil, err
		}
		ft.Results = results
		w = rest
	}
	return ft, w, nil
}

func parseTypeList(w []string) ([]api.ValueType, []string, error) {
	if len(w) == 0 || w[0] != "(" {
		return nil, w, nil
	}
	var out []api.ValueType
	for i := 1; i < len(w); i++ {
		if w[i] == ")" {
			return out, w[i+1:], nil
		}
		t, ok := valueType(w[i])
		if !ok {
			return nil, nil, fmt.Errorf("unknown type %q", w[i])
		}
		out = append(out, t)
	}
	return nil, nil, fmt.Errorf("unterminated type list")
}

func valueType(s string) (api.ValueType, bool) {
	switch s {
	case "i32":
		return api.ValueTypeI32, true
	case "i64":
		return api.ValueTypeI64, true
	case "f32":
		return api.ValueTypeF32, true
	case "f64":
		return api.ValueTypeF64, true
	}
	return 0, false
}

func parseIndex(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.ReplaceAll(s, "_", ""), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad index %q", s)
	}
	return uint32(v), nil
}

// parseInt accepts signed or unsigned literals of the given width.
func parseInt(s string, bits int) (int64, error) {
	s = strings.ReplaceAll(s, "_", "")
	if v, err := strconv.ParseInt(s, 0, bits); err == nil {
		return v, nil
	}
	u, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("bad i%d literal %q", bits, s)
	}
	if bits == 32 {
		return int64(int32(uint32(u))), nil
	}
	return int64(u), nil
}

func parseFloat(s string, bits int) (float64, error) {
	switch strings.TrimPrefix(s, "+") {
	case "nan":
		return math.NaN(), nil
	case "inf":
		return math.Inf(1), nil
	case "-inf":
		return math.Inf(-1), nil
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, "_", ""), bits)
	if err != nil {
		return 0, fmt.Errorf("bad f%d literal %q", bits, s)
	}
	return f, nil
}
