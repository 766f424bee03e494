package link

import (
	"fmt"

	"moria.us/xbeld/coff"
	"moria.us/xbeld/xbe"
)

// mergedKinds lists the kinds of merged sections in the order they are
// placed in the image.
var mergedKinds = [...]coff.Kind{coff.Text, coff.RData, coff.Data, coff.BSS}

var mergedNames = map[coff.Kind]string{
	coff.Text:  ".mtext",
	coff.RData: ".mrdata",
	coff.Data:  ".mdata",
	coff.BSS:   ".mbss",
}

var mergedFlags = map[coff.Kind]xbe.SectionFlag{
	coff.Text:  xbe.FlagPreload | xbe.FlagExecutable,
	coff.RData: xbe.FlagPreload,
	coff.Data:  xbe.FlagPreload | xbe.FlagWritable,
	coff.BSS:   xbe.FlagPreload | xbe.FlagWritable,
}

// Padding between code members is int3.
const textPadding = 0xcc

// A member is an input section placed in a merged section.
type member struct {
	ref    SectionRef
	name   string // for errors
	align  uint32
	size   uint32
	data   []byte // nil for BSS
	relocs []coff.Reloc
	sec    *mergedSection
	offset uint32 // offset within sec, set by allocate
}

// A mergedSection is a new image section built by concatenating input
// sections of one kind.
type mergedSection struct {
	kind    coff.Kind
	name    string
	align   uint32
	size    uint32
	data    []byte // nil for BSS
	addr    uint32
	members []*member
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// layout assigns each member an offset and computes the merged size and
// alignment. Data is filled with the members' bytes and padding.
func (ms *mergedSection) layout() error {
	var off uint64
	ms.align = 1
	for _, m := range ms.members {
		off = alignUp(off, uint64(m.align))
		if off+uint64(m.size) >= 1<<32 {
			return fmt.Errorf("%w: section %s is larger than 4 GiB", ErrHeaderOverflow, ms.name)
		}
		m.offset = uint32(off)
		off += uint64(m.size)
		if m.align > ms.align {
			ms.align = m.align
		}
	}
	ms.size = uint32(off)
	if ms.kind == coff.BSS {
		return nil
	}
	ms.data = make([]byte, ms.size)
	if ms.kind == coff.Text {
		for i := range ms.data {
			ms.data[i] = textPadding
		}
	}
	for _, m := range ms.members {
		copy(ms.data[m.offset:], m.data)
	}
	return nil
}

// placeSections lays out the merged sections and assigns their addresses,
// starting at next. Each section starts on a page boundary, or on its own
// alignment if that is larger.
func placeSections(secs []*mergedSection, next uint64) error {
	for _, ms := range secs {
		if err := ms.layout(); err != nil {
			return err
		}
		align := uint64(xbe.PageSize)
		if uint64(ms.align) > align {
			align = uint64(ms.align)
		}
		next = alignUp(next, align)
		if next+uint64(ms.size) > 1<<32 {
			return fmt.Errorf("%w: section %s at 0x%x (%d bytes) ends past the 32-bit address space",
				ErrHeaderOverflow, ms.name, next, ms.size)
		}
		ms.addr = uint32(next)
		next += uint64(ms.size)
	}
	return nil
}

// newSection describes a merged section as an image section.
func (ms *mergedSection) newSection() xbe.NewSection {
	return xbe.NewSection{
		Name:  ms.name,
		Flags: mergedFlags[ms.kind],
		Addr:  ms.addr,
		Size:  ms.size,
		Data:  ms.data,
	}
}

// commonAlign returns the alignment of a common block of the given size: the
// largest power of two not larger than the size, up to 16.
func commonAlign(size uint32) uint32 {
	align := uint32(1)
	for align < 16 && align*2 <= size {
		align *= 2
	}
	return align
}
