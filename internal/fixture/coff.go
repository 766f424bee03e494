// Package fixture builds small COFF objects and XBE images for tests.
package fixture

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"strconv"
)

// Section characteristics for the usual compiler output sections.
const (
	TextFlags  = pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ
	RDataFlags = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ
	DataFlags  = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE
	BSSFlags   = pe.IMAGE_SCN_CNT_UNINITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE
	InfoFlags  = 0x00000200 | 0x00000800 // LNK_INFO | LNK_REMOVE
)

// Align returns the IMAGE_SCN_ALIGN_* field for an alignment in bytes.
func Align(n uint32) uint32 {
	v := uint32(1)
	for 1<<(v-1) < n {
		v++
	}
	return v << 20
}

// i386 relocation types.
const (
	RelAbsolute = 0x0000
	RelDir16    = 0x0001
	RelDir32    = 0x0006
	RelSecRel   = 0x000B
	RelRel32    = 0x0014
)

// Storage classes.
const (
	ClassExternal = 2
	ClassStatic   = 3
)

// An ObjSection is a section of a synthetic object.
type ObjSection struct {
	Name            string
	Characteristics uint32
	Data            []byte
	Size            uint32 // used instead of len(Data) for uninitialized sections
	Relocs          []pe.Reloc
}

// An ObjSymbol is a symbol of a synthetic object. NumAux zero-filled
// auxiliary records follow it in the table.
type ObjSymbol struct {
	Name    string
	Value   uint32
	Section int16
	Class   uint8
	NumAux  int
}

// An Object is a synthetic i386 COFF object.
type Object struct {
	Sections []ObjSection
	Symbols  []ObjSymbol
}

// SymbolIndex returns the raw symbol table index of the named symbol,
// counting auxiliary records. It panics if there is no such symbol.
func (o *Object) SymbolIndex(name string) uint32 {
	idx := 0
	for _, s := range o.Symbols {
		if s.Name == name {
			return uint32(idx)
		}
		idx += 1 + s.NumAux
	}
	panic("fixture: no symbol " + name)
}

type stringTable struct {
	buf bytes.Buffer
}

func (st *stringTable) add(s string) uint32 {
	off := uint32(st.buf.Len()) + 4
	st.buf.WriteString(s)
	st.buf.WriteByte(0)
	return off
}

func putUint32(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b, v)
}

// Bytes encodes the object. Names longer than eight bytes go to the string
// table.
func (o *Object) Bytes() []byte {
	var strtab stringTable
	nsyms := 0
	for _, s := range o.Symbols {
		nsyms += 1 + s.NumAux
	}

	// Lay out data then relocations after the headers.
	pos := uint32(20 + 40*len(o.Sections))
	headers := make([]pe.SectionHeader32, len(o.Sections))
	for i, s := range o.Sections {
		sh := &headers[i]
		if len(s.Name) > 8 {
			copy(sh.Name[:], "/"+strconv.FormatUint(uint64(strtab.add(s.Name)), 10))
		} else {
			copy(sh.Name[:], s.Name)
		}
		sh.Characteristics = s.Characteristics
		sh.SizeOfRawData = s.Size
		if s.Data != nil {
			sh.SizeOfRawData = uint32(len(s.Data))
			sh.PointerToRawData = pos
			pos += uint32(len(s.Data))
		}
		if len(s.Relocs) != 0 {
			sh.NumberOfRelocations = uint16(len(s.Relocs))
			sh.PointerToRelocations = pos
			pos += uint32(10 * len(s.Relocs))
		}
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_I386,
		NumberOfSections:     uint16(len(o.Sections)),
		PointerToSymbolTable: pos,
		NumberOfSymbols:      uint32(nsyms),
	})
	binary.Write(&buf, binary.LittleEndian, headers)
	for _, s := range o.Sections {
		buf.Write(s.Data)
		if len(s.Relocs) != 0 {
			binary.Write(&buf, binary.LittleEndian, s.Relocs)
		}
	}
	for _, s := range o.Symbols {
		cs := pe.COFFSymbol{
			Value:              s.Value,
			SectionNumber:      s.Section,
			StorageClass:       s.Class,
			NumberOfAuxSymbols: uint8(s.NumAux),
		}
		if len(s.Name) > 8 {
			putUint32(cs.Name[4:], strtab.add(s.Name))
		} else {
			copy(cs.Name[:], s.Name)
		}
		binary.Write(&buf, binary.LittleEndian, &cs)
		buf.Write(make([]byte, 18*s.NumAux))
	}
	var size [4]byte
	putUint32(size[:], uint32(strtab.buf.Len())+4)
	buf.Write(size[:])
	buf.Write(strtab.buf.Bytes())
	return buf.Bytes()
}
