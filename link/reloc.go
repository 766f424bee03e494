package link

import (
	"encoding/binary"
	"fmt"
	"math"

	"moria.us/xbeld/coff"
	"moria.us/xbeld/internal/errwrap"
)

// A target is the resolved destination of a relocation.
type target struct {
	addr    uint32 // S
	base    uint32 // address of the output section containing S, for SecRel32
	hasBase bool
}

// applyReloc updates a relocation field in place. The field holds the
// implicit addend A, and p is the virtual address of the field.
func applyReloc(kind coff.RelocKind, field []byte, p uint32, t target) error {
	a := int64(int32(binary.LittleEndian.Uint32(field)))
	var v int64
	switch kind {
	case coff.Abs32:
		v = int64(t.addr) + a
		if v < 0 || v > math.MaxUint32 {
			return fmt.Errorf("%w: %s value 0x%x does not fit in 32 bits", ErrRelocationOutOfRange, kind, v)
		}
	case coff.Rel32:
		v = int64(t.addr) + a - (int64(p) + 4)
		if v < math.MinInt32 || v > math.MaxInt32 {
			return fmt.Errorf("%w: %s displacement %d from 0x%08x does not fit in 32 bits", ErrRelocationOutOfRange, kind, v, p)
		}
	case coff.SecRel32:
		if !t.hasBase {
			return fmt.Errorf("%w: %s target 0x%08x is not in any section", ErrRelocationOutOfRange, kind, t.addr)
		}
		v = int64(t.addr) - int64(t.base) + a
		if v < 0 || v > math.MaxUint32 {
			return fmt.Errorf("%w: %s offset %d is outside the section at 0x%08x", ErrRelocationOutOfRange, kind, v, t.base)
		}
	default:
		return fmt.Errorf("%w: relocation kind %d", ErrUnsupportedSection, kind)
	}
	binary.LittleEndian.PutUint32(field, uint32(v))
	return nil
}

// valueTarget resolves a symbol value to a relocation target.
func (l *linker) valueTarget(v Value, addr uint32) (target, error) {
	t := target{addr: addr}
	switch v.Kind {
	case Undefined:
		return target{}, ErrUnresolvedSymbol
	case SectionRelative:
		m := l.members[v.Section]
		if m == nil {
			return target{}, fmt.Errorf("%s is in a section that is not part of the image", v)
		}
		t.base, t.hasBase = m.sec.addr, true
	case Absolute:
		if s := l.img.SectionAt(addr); s != nil {
			t.base, t.hasBase = s.VirtualAddress, true
		}
	}
	return t, nil
}

// symbolTarget resolves the target of a relocation in an input object.
func (l *linker) symbolTarget(obj int, symIdx uint32) (target, error) {
	o := l.objs[obj]
	sym := &o.Symbols[symIdx]
	if id := l.symIDs[obj][symIdx]; id >= 0 {
		v, _ := l.syms.Lookup(sym.Name)
		return l.valueTarget(v, l.syms.Address(id))
	}
	switch {
	case sym.Section > 0:
		ref := SectionRef{obj, sym.Section - 1}
		if l.members[ref] == nil {
			return target{}, fmt.Errorf("symbol %q is in discarded section %q", sym.Name, o.Sections[ref.Section].Name)
		}
		v := SectionValue(obj, ref.Section, sym.Value)
		addr, err := resolve(v, l)
		if err != nil {
			return target{}, err
		}
		return l.valueTarget(v, addr)
	case sym.Section == coff.SectionAbsolute:
		return l.valueTarget(AbsoluteValue(sym.Value), sym.Value)
	}
	return target{}, fmt.Errorf("%w: local symbol %q has no definition", ErrUnresolvedSymbol, sym.Name)
}

// relocateMember applies the relocations of one input section.
func (l *linker) relocateMember(m *member) error {
	base := m.sec.addr + m.offset
	for i, r := range m.relocs {
		t, err := l.symbolTarget(m.ref.Object, r.Symbol)
		if err != nil {
			return errwrap.Wrapf(err, "relocation %d at 0x%x", i, r.Offset)
		}
		field := m.sec.data[m.offset+r.Offset:][:r.Kind.Width()]
		if err := applyReloc(r.Kind, field, base+r.Offset, t); err != nil {
			return errwrap.Wrapf(err, "relocation %d at 0x%x against %q", i, r.Offset,
				l.objs[m.ref.Object].Symbols[r.Symbol].Name)
		}
	}
	return nil
}

// relocateObjects applies the relocations of every input section.
func (l *linker) relocateObjects() error {
	for _, ms := range l.sections {
		for _, m := range ms.members {
			if len(m.relocs) == 0 {
				continue
			}
			if err := l.relocateMember(m); err != nil {
				return errwrap.Wrapf(err, "%s: section %d %q", l.objs[m.ref.Object].Name, m.ref.Section+1, m.name)
			}
		}
	}
	return nil
}
