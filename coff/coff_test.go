package coff_test

import (
	"debug/pe"
	"encoding/binary"
	"errors"
	"testing"

	"moria.us/xbeld/coff"
	"moria.us/xbeld/internal/fixture"
)

func sampleObject() *fixture.Object {
	obj := &fixture.Object{
		Sections: []fixture.ObjSection{
			{Name: ".text$mn", Characteristics: fixture.TextFlags | fixture.Align(4), Data: []byte{0xe8, 0, 0, 0, 0, 0xc3}},
			{Name: ".data", Characteristics: fixture.DataFlags, Data: make([]byte, 8)},
			{Name: ".bss", Characteristics: fixture.BSSFlags, Size: 0x100},
			{Name: ".debug$S", Characteristics: fixture.DataFlags | pe.IMAGE_SCN_MEM_DISCARDABLE, Data: []byte{1, 2, 3}},
			{Name: ".rdata$zzzzzz", Characteristics: fixture.RDataFlags, Data: []byte("long")},
		},
		Symbols: []fixture.ObjSymbol{
			{Name: ".text$mn", Section: 1, Class: fixture.ClassStatic, NumAux: 1},
			{Name: "_main", Section: 1, Class: fixture.ClassExternal},
			{Name: "_a_long_symbol_name", Section: 2, Value: 4, Class: fixture.ClassExternal},
			{Name: "_printf", Class: fixture.ClassExternal},
			{Name: "_common", Value: 16, Class: fixture.ClassExternal},
			{Name: "_abs", Section: -1, Value: 0x1234, Class: fixture.ClassExternal},
		},
	}
	obj.Sections[0].Relocs = []pe.Reloc{
		{VirtualAddress: 1, SymbolTableIndex: obj.SymbolIndex("_printf"), Type: fixture.RelRel32},
		{VirtualAddress: 0, SymbolTableIndex: 0, Type: fixture.RelAbsolute},
	}
	obj.Sections[1].Relocs = []pe.Reloc{
		{VirtualAddress: 0, SymbolTableIndex: obj.SymbolIndex("_main"), Type: fixture.RelDir32},
		{VirtualAddress: 4, SymbolTableIndex: obj.SymbolIndex(".text$mn"), Type: fixture.RelSecRel},
	}
	return obj
}

func TestParse(t *testing.T) {
	obj, err := coff.Parse("sample.obj", sampleObject().Bytes())
	if err != nil {
		t.Fatal("Parse:", err)
	}
	if obj.Name != "sample.obj" {
		t.Errorf("Name: got %q, expected %q", obj.Name, "sample.obj")
	}
	secs := []struct {
		name   string
		kind   coff.Kind
		align  uint32
		size   uint32
		relocs int
	}{
		{".text$mn", coff.Text, 4, 6, 1},
		{".data", coff.Data, 16, 8, 2},
		{".bss", coff.BSS, 16, 0x100, 0},
		{".debug$S", coff.Discard, 16, 3, 0},
		{".rdata$zzzzzz", coff.RData, 16, 4, 0},
	}
	if len(obj.Sections) != len(secs) {
		t.Fatalf("got %d sections, expected %d", len(obj.Sections), len(secs))
	}
	for i, e := range secs {
		s := &obj.Sections[i]
		if s.Name != e.name || s.Kind != e.kind || s.Align != e.align || s.Size != e.size || len(s.Relocs) != e.relocs {
			t.Errorf("section %d: got %q %s align %d size %d with %d relocations, expected %q %s align %d size %d with %d relocations",
				i+1, s.Name, s.Kind, s.Align, s.Size, len(s.Relocs), e.name, e.kind, e.align, e.size, e.relocs)
		}
	}
	if obj.Sections[2].Data != nil {
		t.Error(".bss: got data, expected nil")
	}
	if obj.Sections[3].Data != nil {
		t.Error(".debug$S: got data, expected nil")
	}

	if n := len(obj.Symbols); n != 7 {
		t.Fatalf("got %d symbol slots, expected 7", n)
	}
	if !obj.Symbols[1].Aux {
		t.Error("symbol 1: expected auxiliary record")
	}
	checks := []struct {
		name              string
		external, defined bool
		common            bool
	}{
		{"_main", true, true, false},
		{"_a_long_symbol_name", true, true, false},
		{"_printf", true, false, false},
		{"_common", true, false, true},
		{"_abs", true, true, false},
		{".text$mn", false, true, false},
	}
	for _, c := range checks {
		i, ok := obj.FindSymbol(c.name)
		if !ok {
			t.Errorf("symbol %q not found", c.name)
			continue
		}
		s := &obj.Symbols[i]
		if s.IsExternal() != c.external || s.IsDefined() != c.defined || s.IsCommon() != c.common {
			t.Errorf("symbol %q: got external=%t defined=%t common=%t, expected %t %t %t",
				c.name, s.IsExternal(), s.IsDefined(), s.IsCommon(), c.external, c.defined, c.common)
		}
	}
	if sec := obj.SymbolSection(&obj.Symbols[3]); sec == nil || sec.Name != ".data" {
		t.Error("SymbolSection: expected .data")
	}

	r := obj.Sections[1].Relocs
	if r[0].Kind != coff.Abs32 || r[1].Kind != coff.SecRel32 || r[1].Offset != 4 || r[1].Symbol != 0 {
		t.Errorf(".data relocations: got %+v", r)
	}
	if r := obj.Sections[0].Relocs[0]; r.Kind != coff.Rel32 || r.Offset != 1 {
		t.Errorf(".text relocation: got %+v", r)
	}
}

func TestParseErrors(t *testing.T) {
	type modifier func(o *fixture.Object, data []byte) []byte
	cases := []struct {
		name   string
		modify modifier
		err    error
	}{
		{"short header", func(o *fixture.Object, b []byte) []byte { return b[:10] }, coff.ErrMalformed},
		{"machine", func(o *fixture.Object, b []byte) []byte {
			binary.LittleEndian.PutUint16(b[0:], 0x8664)
			return b
		}, coff.ErrMalformed},
		{"optional header", func(o *fixture.Object, b []byte) []byte {
			binary.LittleEndian.PutUint16(b[16:], 0xe0)
			return b
		}, coff.ErrMalformed},
		{"section table", func(o *fixture.Object, b []byte) []byte {
			binary.LittleEndian.PutUint16(b[2:], 1000)
			return b
		}, coff.ErrMalformed},
		{"symbol table", func(o *fixture.Object, b []byte) []byte {
			binary.LittleEndian.PutUint32(b[12:], 100000)
			return b
		}, coff.ErrMalformed},
		{"string table", func(o *fixture.Object, b []byte) []byte {
			return b[:len(b)-3]
		}, coff.ErrMalformed},
		{"section data", func(o *fixture.Object, b []byte) []byte {
			// .text PointerToRawData
			binary.LittleEndian.PutUint32(b[20+20:], uint32(len(b)))
			return b
		}, coff.ErrMalformed},
		{"relocation table", func(o *fixture.Object, b []byte) []byte {
			// .text NumberOfRelocations
			binary.LittleEndian.PutUint16(b[20+32:], 0xfff0)
			return b
		}, coff.ErrMalformed},
		{"relocation symbol", func(o *fixture.Object, b []byte) []byte {
			o.Sections[0].Relocs[0].SymbolTableIndex = 99
			return o.Bytes()
		}, coff.ErrMalformed},
		{"relocation aux symbol", func(o *fixture.Object, b []byte) []byte {
			o.Sections[0].Relocs[0].SymbolTableIndex = 1
			return o.Bytes()
		}, coff.ErrMalformed},
		{"relocation site", func(o *fixture.Object, b []byte) []byte {
			o.Sections[0].Relocs[0].VirtualAddress = 3
			return o.Bytes()
		}, coff.ErrMalformed},
		{"symbol section", func(o *fixture.Object, b []byte) []byte {
			o.Symbols[1].Section = 9
			return o.Bytes()
		}, coff.ErrMalformed},
		{"unsupported section", func(o *fixture.Object, b []byte) []byte {
			o.Sections[1].Name = ".tls"
			return o.Bytes()
		}, coff.ErrUnsupportedSection},
		{"unsupported relocation", func(o *fixture.Object, b []byte) []byte {
			o.Sections[0].Relocs[0].Type = fixture.RelDir16
			return o.Bytes()
		}, coff.ErrUnsupportedRelocation},
	}
	for _, c := range cases {
		o := sampleObject()
		_, err := coff.Parse("bad.obj", c.modify(o, o.Bytes()))
		if !errors.Is(err, c.err) {
			t.Errorf("%s: got error %v, expected %v", c.name, err, c.err)
		}
	}
	if !errors.Is(coff.ErrUnsupportedRelocation, coff.ErrUnsupportedSection) {
		t.Error("ErrUnsupportedRelocation does not wrap ErrUnsupportedSection")
	}
}

func TestParseEmptySections(t *testing.T) {
	obj := &fixture.Object{
		Sections: []fixture.ObjSection{
			{Name: ".bss", Characteristics: fixture.BSSFlags},
			{Name: ".CRT$XCU", Characteristics: fixture.RDataFlags},
		},
	}
	o, err := coff.Parse("empty.obj", obj.Bytes())
	if err != nil {
		t.Fatal("Parse:", err)
	}
	if k := o.Sections[0].Kind; k != coff.BSS {
		t.Errorf(".bss: got kind %s, expected %s", k, coff.BSS)
	}
	if k := o.Sections[1].Kind; k != coff.Discard {
		t.Errorf(".CRT$XCU: got kind %s, expected %s", k, coff.Discard)
	}
}
