package link_test

import (
	"errors"
	"strings"
	"testing"

	"moria.us/xbeld/link"
)

type fakeLayout map[link.SectionRef]uint32

func (l fakeLayout) SectionAddress(ref link.SectionRef) (uint32, bool) {
	addr, ok := l[ref]
	return addr, ok
}

func TestSymbolTableDefine(t *testing.T) {
	st := link.NewSymbolTable()
	v := link.SectionValue(0, 1, 0x10)
	if err := st.Define("_a", v, "a.obj"); err != nil {
		t.Fatal("Define:", err)
	}
	if err := st.Define("_a", v, "a.obj"); err != nil {
		t.Error("identical redefinition:", err)
	}
	err := st.Define("_a", link.SectionValue(1, 1, 0x10), "b.obj")
	if !errors.Is(err, link.ErrDuplicateSymbol) {
		t.Errorf("got error %v, expected ErrDuplicateSymbol", err)
	} else if msg := err.Error(); !strings.Contains(msg, "a.obj") || !strings.Contains(msg, "b.obj") {
		t.Errorf("error %q does not name both definitions", msg)
	}
	if got, ok := st.Lookup("_a"); !ok || got != v {
		t.Errorf("Lookup: got %v, %t, expected %v, true", got, ok, v)
	}
	if _, ok := st.Lookup("_b"); ok {
		t.Error("Lookup of unknown symbol: got true, expected false")
	}
}

func TestSymbolTableReference(t *testing.T) {
	st := link.NewSymbolTable()
	id := st.Reference("_f")
	if id2 := st.Reference("_f"); id2 != id {
		t.Errorf("Reference: got %d, expected %d", id2, id)
	}
	if v, ok := st.Lookup("_f"); !ok || v.Kind != link.Undefined {
		t.Errorf("Lookup: got %v, %t, expected undefined, true", v, ok)
	}
	if err := st.Define("_f", link.AbsoluteValue(0x11000), "patch"); err != nil {
		t.Fatal("Define:", err)
	}
	if n := st.Len(); n != 1 {
		t.Errorf("Len: got %d, expected 1", n)
	}
	if err := st.Finalize(fakeLayout{}); err != nil {
		t.Fatal("Finalize:", err)
	}
	if addr := st.Address(id); addr != 0x11000 {
		t.Errorf("Address: got 0x%x, expected 0x11000", addr)
	}
}

func TestSymbolTableFinalize(t *testing.T) {
	st := link.NewSymbolTable()
	st.Reference("_z")
	if err := st.Define("_x", link.SectionValue(0, 0, 4), "a.obj"); err != nil {
		t.Fatal("Define:", err)
	}
	st.Reference("_y")
	err := st.Finalize(fakeLayout{})
	if !errors.Is(err, link.ErrUnresolvedSymbol) {
		t.Fatalf("got error %v, expected ErrUnresolvedSymbol", err)
	}
	msg := err.Error()
	if z, y := strings.Index(msg, `"_z"`), strings.Index(msg, `"_y"`); z < 0 || y < 0 || y < z {
		t.Errorf("error %q does not list _z then _y", msg)
	}
	if strings.Contains(msg, "_x") {
		t.Errorf("error %q names a defined symbol", msg)
	}

	st = link.NewSymbolTable()
	if err := st.Define("_x", link.SectionValue(0, 0, 4), "a.obj"); err != nil {
		t.Fatal("Define:", err)
	}
	if err := st.Finalize(fakeLayout{{0, 0}: 0x14000}); err != nil {
		t.Fatal("Finalize:", err)
	}
	if addr := st.Address(st.Reference("_x")); addr != 0x14004 {
		t.Errorf("Address: got 0x%x, expected 0x14004", addr)
	}
}

func TestSymbolTableDefineMisuse(t *testing.T) {
	st := link.NewSymbolTable()
	if err := st.Define("_u", link.Value{}, "a.obj"); err == nil {
		t.Error("Define with undefined value: got nil error")
	}
	if _, ok := st.Lookup("_u"); ok {
		t.Error("rejected definition registered the symbol")
	}
	if err := st.Finalize(fakeLayout{}); err != nil {
		t.Fatal("Finalize:", err)
	}
	if err := st.Define("_late", link.AbsoluteValue(0x11000), "patch"); err == nil {
		t.Error("Define after Finalize: got nil error")
	}
	if n := st.Len(); n != 0 {
		t.Errorf("Len: got %d, expected 0", n)
	}
}
