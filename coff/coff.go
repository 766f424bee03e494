// Package coff reads i386 COFF relocatable objects into a flat, index-based
// model of sections, symbols and relocations.
package coff

import "debug/pe"

// A Kind classifies a section by what the linker does with it.
type Kind uint8

const (
	// Discard marks sections with no image content, like .drectve and
	// .debug$S. They are parsed for validation and then skipped.
	Discard Kind = iota
	// Text is executable code, merged into .mtext.
	Text
	// RData is read-only initialized data, merged into .mrdata.
	RData
	// Data is writable initialized data, merged into .mdata.
	Data
	// BSS is zero-initialized data, merged into .mbss. It has a size but
	// no stored bytes.
	BSS
)

var kindNames = [...]string{
	Discard: "discard",
	Text:    ".text",
	RData:   ".rdata",
	Data:    ".data",
	BSS:     ".bss",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Section characteristics not exported by debug/pe.
const (
	scnLnkInfo   = 0x00000200
	scnLnkRemove = 0x00000800
	scnAlignMask = 0x00F00000
)

// A Section is one section of an object.
type Section struct {
	Name            string // full name, including any $ group suffix
	Kind            Kind
	Characteristics uint32
	Align           uint32  // alignment in bytes, a power of two
	Size            uint32  // size in bytes; for BSS, the only record of its extent
	Data            []byte  // contents, nil for BSS and Discard
	Relocs          []Reloc // relocations against Data
}

// A Class is a COFF symbol storage class.
type Class uint8

const (
	ClassExternal Class = 2
	ClassStatic   Class = 3
	ClassLabel    Class = 6
	ClassFunction Class = 101
	ClassFile     Class = 103
	ClassSection  Class = 104
)

// Special section numbers.
const (
	SectionUndefined = 0
	SectionAbsolute  = -1
	SectionDebug     = -2
)

// A Symbol is one symbol table record. Auxiliary records keep their slot in
// Object.Symbols so that relocation indexes can be used directly, but have
// Aux set and carry nothing else.
type Symbol struct {
	Name    string
	Value   uint32
	Section int // 1-based section number, or one of the Section* constants
	Type    uint16
	Class   Class
	Aux     bool
}

// IsExternal returns true if the symbol is visible to other objects.
func (s *Symbol) IsExternal() bool {
	return !s.Aux && s.Class == ClassExternal
}

// IsDefined returns true if the symbol has a location in this object, either
// in one of its sections or as an absolute value.
func (s *Symbol) IsDefined() bool {
	return s.Section > 0 || s.Section == SectionAbsolute
}

// IsCommon returns true if the symbol is an uninitialized common block whose
// size is Value.
func (s *Symbol) IsCommon() bool {
	return s.IsExternal() && s.Section == SectionUndefined && s.Value != 0
}

// A RelocKind is a relocation computation the linker supports.
type RelocKind uint8

const (
	// Abs32 stores the 32-bit virtual address of the target.
	Abs32 RelocKind = iota + 1
	// Rel32 stores the 32-bit displacement from the end of the field to the
	// target, as used by call and jmp.
	Rel32
	// SecRel32 stores the 32-bit offset of the target within its section.
	SecRel32
)

func (k RelocKind) String() string {
	switch k {
	case Abs32:
		return "DIR32"
	case Rel32:
		return "REL32"
	case SecRel32:
		return "SECREL"
	}
	return "unknown"
}

// Width returns the size of the relocated field in bytes.
func (k RelocKind) Width() uint32 {
	return 4
}

// i386 relocation types.
const (
	relI386Absolute = 0x0000
	relI386Dir16    = 0x0001
	relI386Rel16    = 0x0002
	relI386Dir32    = 0x0006
	relI386Dir32NB  = 0x0007
	relI386Seg12    = 0x0009
	relI386Section  = 0x000A
	relI386SecRel   = 0x000B
	relI386Token    = 0x000C
	relI386SecRel7  = 0x000D
	relI386Rel32    = 0x0014
)

// A Reloc is a relocation within a section.
type Reloc struct {
	Offset uint32 // offset of the field within the section
	Symbol uint32 // index into Object.Symbols
	Type   uint16 // raw IMAGE_REL_I386_* value
	Kind   RelocKind
}

// An Object is a parsed COFF object file.
type Object struct {
	Name     string
	Machine  uint16
	Sections []Section
	Symbols  []Symbol
}

// SymbolSection returns the section a symbol is defined in, or nil if the
// symbol is undefined, absolute, or debug-only.
func (o *Object) SymbolSection(sym *Symbol) *Section {
	if sym.Section <= 0 || sym.Section > len(o.Sections) {
		return nil
	}
	return &o.Sections[sym.Section-1]
}

// FindSymbol returns the index of the first non-auxiliary symbol with the
// given name.
func (o *Object) FindSymbol(name string) (int, bool) {
	for i := range o.Symbols {
		s := &o.Symbols[i]
		if !s.Aux && s.Name == name {
			return i, true
		}
	}
	return 0, false
}

// MachineI386 is the only machine type accepted.
const MachineI386 = pe.IMAGE_FILE_MACHINE_I386
