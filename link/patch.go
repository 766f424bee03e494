package link

import (
	"encoding/binary"
	"fmt"

	"moria.us/xbeld/coff"
	"moria.us/xbeld/internal/errwrap"
	"moria.us/xbeld/xbe"
)

// A Patch overwrites bytes of an existing image section.
type Patch struct {
	Name string // for errors

	// The patch is written at Offset within the image section named
	// Section. If Section is empty, it is written at virtual address
	// Address, within whichever section contains it.
	Section string
	Address uint32
	Offset  uint32

	Bytes   []byte
	Relocs  []PatchReloc
	Symbols []PatchSymbol
}

// A PatchReloc is a relocation within a patch's bytes. It targets the global
// symbol Symbol or, if Symbol is empty, offset Target within the patch.
type PatchReloc struct {
	Offset uint32
	Kind   coff.RelocKind
	Symbol string
	Target uint32
}

// A PatchSymbol is a global symbol defined at an offset within a patch.
type PatchSymbol struct {
	Name   string
	Offset uint32
}

// An addrRange is a range of offsets within a section.
type addrRange struct {
	addr uint32
	size uint32
}

// overlaps returns true if the ranges contain any bytes in common.
func (x addrRange) overlaps(y addrRange) bool {
	return uint64(x.addr)+uint64(x.size) > uint64(y.addr) && uint64(y.addr)+uint64(y.size) > uint64(x.addr)
}

// An appliedPatch is a patch written to the image.
type appliedPatch struct {
	patch   *Patch
	section *xbe.Section
	addrRange
}

// vaddr returns the virtual address of an offset within the patch.
func (p *appliedPatch) vaddr(off uint32) uint32 {
	return p.section.VirtualAddress + p.addr + off
}

// check validates the parts of a patch that do not depend on the image.
func (p *Patch) check() error {
	n := uint64(len(p.Bytes))
	for _, s := range p.Symbols {
		if uint64(s.Offset) > n {
			return fmt.Errorf("%w: symbol %q at offset %d is past the end of the patch (%d bytes)",
				ErrPatchOutOfBounds, s.Name, s.Offset, n)
		}
	}
	for i, r := range p.Relocs {
		if uint64(r.Offset)+uint64(r.Kind.Width()) > n {
			return fmt.Errorf("%w: relocation %d at offset %d is past the end of the patch (%d bytes)",
				ErrPatchOutOfBounds, i, r.Offset, n)
		}
		if r.Symbol == "" && uint64(r.Target) > n {
			return fmt.Errorf("%w: relocation %d target %d is past the end of the patch (%d bytes)",
				ErrPatchOutOfBounds, i, r.Target, n)
		}
	}
	return nil
}

// locate finds the section and offset a patch applies to.
func (p *Patch) locate(img *xbe.Image) (*xbe.Section, uint32, error) {
	if p.Section != "" {
		s := img.Section(p.Section)
		if s == nil {
			return nil, 0, fmt.Errorf("%w: no section named %q", ErrPatchOutOfBounds, p.Section)
		}
		return s, p.Offset, nil
	}
	s := img.SectionAt(p.Address)
	if s == nil {
		return nil, 0, fmt.Errorf("%w: address 0x%08x is not in any section", ErrPatchOutOfBounds, p.Address)
	}
	return s, p.Address - s.VirtualAddress, nil
}

// applyPatch writes a patch to the image and defines its symbols.
func (l *linker) applyPatch(p *Patch) error {
	if err := p.check(); err != nil {
		return err
	}
	s, off, err := p.locate(l.img)
	if err != nil {
		return err
	}
	r := addrRange{off, uint32(len(p.Bytes))}
	if uint64(r.addr)+uint64(r.size) > uint64(s.RawSize) {
		return fmt.Errorf("%w: %d bytes at offset 0x%x exceed the %d bytes of section %q stored in the file",
			ErrPatchOutOfBounds, r.size, r.addr, s.RawSize, s.Name)
	}
	for _, q := range l.patches {
		if q.section == s && q.overlaps(r) {
			return fmt.Errorf("%w: section %q offsets 0x%x-0x%x overlap patch %q",
				ErrPatchConflict, s.Name, r.addr, uint64(r.addr)+uint64(r.size), q.patch.Name)
		}
	}
	ap := &appliedPatch{patch: p, section: s, addrRange: r}
	copy(l.img.SectionData(s)[r.addr:], p.Bytes)
	for _, sym := range p.Symbols {
		origin := fmt.Sprintf("patch %q", p.Name)
		if err := l.syms.Define(sym.Name, AbsoluteValue(ap.vaddr(sym.Offset)), origin); err != nil {
			return err
		}
	}
	l.patches = append(l.patches, ap)
	return nil
}

// applyPatches applies every patch in order.
func (l *linker) applyPatches(patches []Patch) error {
	for i := range patches {
		p := &patches[i]
		if err := l.applyPatch(p); err != nil {
			return errwrap.Wrapf(err, "patch %d %q", i, p.Name)
		}
	}
	return nil
}

// relocatePatches applies the relocations of every patch.
func (l *linker) relocatePatches() error {
	for _, ap := range l.patches {
		data := l.img.SectionData(ap.section)[ap.addr:][:ap.size]
		for i, r := range ap.patch.Relocs {
			var t target
			if r.Symbol == "" {
				addr := ap.vaddr(r.Target)
				var err error
				if t, err = l.valueTarget(AbsoluteValue(addr), addr); err != nil {
					return err
				}
			} else {
				id, ok := l.syms.lookupID(r.Symbol)
				if !ok {
					return fmt.Errorf("%w: %q", ErrUnresolvedSymbol, r.Symbol)
				}
				var err error
				if t, err = l.valueTarget(l.syms.entries[id].value, l.syms.Address(id)); err != nil {
					return errwrap.Wrapf(err, "patch %q: relocation %d", ap.patch.Name, i)
				}
			}
			field := data[r.Offset:][:r.Kind.Width()]
			if err := applyReloc(r.Kind, field, ap.vaddr(r.Offset), t); err != nil {
				return errwrap.Wrapf(err, "patch %q: relocation %d at offset 0x%x", ap.patch.Name, i, r.Offset)
			}
		}
	}
	return nil
}

// PatchFromObject builds a patch from the bytes between the start and end
// symbols of a parsed object, to be written at virtual address addr. The
// patch carries the object's relocations in that range, and defines the
// start symbol and each other external symbol in that range.
func PatchFromObject(name string, obj *coff.Object, start, end string, addr uint32) (*Patch, error) {
	si, ok := obj.FindSymbol(start)
	if !ok {
		return nil, fmt.Errorf("%w: start symbol %q not found in %s", ErrUnresolvedSymbol, start, obj.Name)
	}
	ei, ok := obj.FindSymbol(end)
	if !ok {
		return nil, fmt.Errorf("%w: end symbol %q not found in %s", ErrUnresolvedSymbol, end, obj.Name)
	}
	ss, es := &obj.Symbols[si], &obj.Symbols[ei]
	if ss.Section <= 0 || ss.Section != es.Section {
		return nil, fmt.Errorf("%s: symbols %q and %q must be defined in the same section", obj.Name, start, end)
	}
	if es.Value < ss.Value {
		return nil, fmt.Errorf("%s: end symbol %q (0x%x) is before start symbol %q (0x%x)",
			obj.Name, end, es.Value, start, ss.Value)
	}
	sec := obj.SymbolSection(ss)
	if sec.Data == nil {
		return nil, fmt.Errorf("%w: section %q of %s has no data to patch with", ErrUnsupportedSection, sec.Name, obj.Name)
	}
	lo, hi := ss.Value, es.Value
	p := &Patch{
		Name:    name,
		Address: addr,
		Bytes:   append([]byte(nil), sec.Data[lo:hi]...),
	}
	for _, r := range sec.Relocs {
		w := r.Kind.Width()
		if r.Offset+w <= lo || r.Offset >= hi {
			continue
		}
		if r.Offset < lo || r.Offset+w > hi {
			return nil, fmt.Errorf("%w: %s: relocation at 0x%x crosses the patch boundary [0x%x, 0x%x)",
				ErrPatchOutOfBounds, obj.Name, r.Offset, lo, hi)
		}
		sym := &obj.Symbols[r.Symbol]
		pr := PatchReloc{Offset: r.Offset - lo, Kind: r.Kind}
		switch {
		case sym.IsExternal():
			pr.Symbol = sym.Name
		case sym.Section == ss.Section:
			// Rebase the addend so the target is relative to the start of
			// the patch. This covers section symbols, whose value is zero.
			field := p.Bytes[pr.Offset:][:w]
			a := int32(binary.LittleEndian.Uint32(field))
			t := int64(sym.Value) + int64(a)
			if t < int64(lo) || t > int64(hi) {
				return nil, fmt.Errorf("%w: %s: relocation at 0x%x targets 0x%x, outside the patch [0x%x, 0x%x]",
					ErrPatchOutOfBounds, obj.Name, r.Offset, t, lo, hi)
			}
			binary.LittleEndian.PutUint32(field, uint32(t-int64(lo)))
		default:
			return nil, fmt.Errorf("%s: relocation at 0x%x refers to local symbol %q outside the patch section",
				obj.Name, r.Offset, sym.Name)
		}
		p.Relocs = append(p.Relocs, pr)
	}
	p.Symbols = append(p.Symbols, PatchSymbol{Name: start})
	for i := range obj.Symbols {
		sym := &obj.Symbols[i]
		if i == si || i == ei || !sym.IsExternal() || sym.Section != ss.Section {
			continue
		}
		if sym.Value >= lo && sym.Value < hi {
			p.Symbols = append(p.Symbols, PatchSymbol{Name: sym.Name, Offset: sym.Value - lo})
		}
	}
	return p, nil
}
