package coff

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"moria.us/xbeld/internal/errwrap"
)

const (
	fileHeaderSize    = 20
	sectionHeaderSize = 40
	relocSize         = 10
	symbolSize        = pe.COFFSymbolSize

	// scnNRelocOvfl means the relocation count did not fit in 16 bits and
	// is stored in the first relocation record instead.
	scnNRelocOvfl = 0x01000000

	defaultAlign = 16
)

var relocTypeNames = map[uint16]string{
	relI386Absolute: "ABSOLUTE",
	relI386Dir16:    "DIR16",
	relI386Rel16:    "REL16",
	relI386Dir32:    "DIR32",
	relI386Dir32NB:  "DIR32NB",
	relI386Seg12:    "SEG12",
	relI386Section:  "SECTION",
	relI386SecRel:   "SECREL",
	relI386Token:    "TOKEN",
	relI386SecRel7:  "SECREL7",
	relI386Rel32:    "REL32",
}

func relocTypeName(t uint16) string {
	if n, ok := relocTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("0x%04x", t)
}

// readAt decodes a little-endian record at the given offset, failing if the
// record does not fit in data.
func readAt(data []byte, off uint64, v interface{}) error {
	size := uint64(binary.Size(v))
	if off > uint64(len(data)) || uint64(len(data))-off < size {
		return fmt.Errorf("record at 0x%x (%d bytes) is past end of file (%d bytes)", off, size, len(data))
	}
	return binary.Read(bytes.NewReader(data[off:off+size]), binary.LittleEndian, v)
}

// inBounds returns true if the range [off, off+size) lies within data.
func inBounds(data []byte, off, size uint64) bool {
	return off <= uint64(len(data)) && size <= uint64(len(data))-off
}

// Parse parses the contents of a COFF object file. The name is only used to
// give errors context. Section data in the returned object aliases data.
func Parse(name string, data []byte) (*Object, error) {
	obj, err := parse(data)
	if err != nil {
		return nil, errwrap.Wrap(err, name)
	}
	obj.Name = name
	return obj, nil
}

func parse(data []byte) (*Object, error) {
	var fh pe.FileHeader
	if err := readAt(data, 0, &fh); err != nil {
		return nil, malformed("file header: %v", err)
	}
	if fh.Machine != MachineI386 {
		return nil, malformed("file header: machine 0x%04x, expected i386 (0x%04x)", fh.Machine, MachineI386)
	}
	if fh.SizeOfOptionalHeader != 0 {
		return nil, malformed("file header: optional header present (%d bytes), expected a relocatable object", fh.SizeOfOptionalHeader)
	}
	shoff := uint64(fileHeaderSize)
	if !inBounds(data, shoff, uint64(fh.NumberOfSections)*sectionHeaderSize) {
		return nil, malformed("section table: %d sections extend past end of file", fh.NumberOfSections)
	}
	strtab, err := readStringTable(data, &fh)
	if err != nil {
		return nil, err
	}
	syms, err := readSymbols(data, &fh, strtab)
	if err != nil {
		return nil, err
	}
	obj := &Object{
		Machine:  fh.Machine,
		Sections: make([]Section, fh.NumberOfSections),
		Symbols:  syms,
	}
	for i := range obj.Sections {
		var sh pe.SectionHeader32
		readAt(data, shoff+uint64(i)*sectionHeaderSize, &sh)
		name, err := sectionName(sh.Name, strtab)
		if err != nil {
			return nil, errwrap.Wrapf(err, "section %d", i+1)
		}
		if err := readSection(data, &sh, name, obj, &obj.Sections[i]); err != nil {
			return nil, wrapErrorSection(err, i, name)
		}
	}
	if err := checkSymbols(obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// readStringTable returns the string table that follows the symbol table.
// The returned table excludes the 4-byte length, matching pe.StringTable.
func readStringTable(data []byte, fh *pe.FileHeader) (pe.StringTable, error) {
	if fh.PointerToSymbolTable == 0 {
		if fh.NumberOfSymbols != 0 {
			return nil, malformed("symbol table: %d symbols but no symbol table offset", fh.NumberOfSymbols)
		}
		return nil, nil
	}
	symend := uint64(fh.PointerToSymbolTable) + uint64(fh.NumberOfSymbols)*symbolSize
	if !inBounds(data, uint64(fh.PointerToSymbolTable), symend-uint64(fh.PointerToSymbolTable)) {
		return nil, malformed("symbol table: %d symbols at 0x%x extend past end of file",
			fh.NumberOfSymbols, fh.PointerToSymbolTable)
	}
	if symend == uint64(len(data)) {
		return nil, nil
	}
	var size uint32
	if err := readAt(data, symend, &size); err != nil {
		return nil, malformed("string table: %v", err)
	}
	if size < 4 {
		if size == 0 {
			return nil, nil
		}
		return nil, malformed("string table: length %d is smaller than its own length field", size)
	}
	if !inBounds(data, symend, uint64(size)) {
		return nil, malformed("string table: length %d at 0x%x extends past end of file", size, symend)
	}
	return pe.StringTable(data[symend+4 : symend+uint64(size)]), nil
}

// readSymbols reads the symbol table, leaving placeholder entries for
// auxiliary records.
func readSymbols(data []byte, fh *pe.FileHeader, strtab pe.StringTable) ([]Symbol, error) {
	n := int(fh.NumberOfSymbols)
	syms := make([]Symbol, n)
	for i := 0; i < n; i++ {
		var cs pe.COFFSymbol
		readAt(data, uint64(fh.PointerToSymbolTable)+uint64(i)*symbolSize, &cs)
		name, err := cs.FullName(strtab)
		if err != nil {
			return nil, malformed("symbol table: symbol %d: name: %v", i, err)
		}
		syms[i] = Symbol{
			Name:    name,
			Value:   cs.Value,
			Section: int(cs.SectionNumber),
			Type:    cs.Type,
			Class:   Class(cs.StorageClass),
		}
		naux := int(cs.NumberOfAuxSymbols)
		if naux > n-i-1 {
			return nil, malformed("symbol table: symbol %d %q: %d auxiliary records run past end of table", i, name, naux)
		}
		for j := 1; j <= naux; j++ {
			syms[i+j] = Symbol{Aux: true}
		}
		i += naux
	}
	return syms, nil
}

// sectionName decodes a section header name, which is either inline or a
// "/offset" reference into the string table.
func sectionName(raw [8]uint8, strtab pe.StringTable) (string, error) {
	name := string(raw[:])
	if i := strings.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	if !strings.HasPrefix(name, "/") {
		return name, nil
	}
	off, err := strconv.ParseUint(name[1:], 10, 32)
	if err != nil {
		return "", malformed("name %q: invalid string table reference", name)
	}
	long, err := strtab.String(uint32(off))
	if err != nil {
		return "", malformed("name %q: %v", name, err)
	}
	return long, nil
}

// classify returns what the linker does with a section.
func classify(name string, characteristics, size uint32) (Kind, error) {
	if characteristics&(scnLnkInfo|scnLnkRemove|pe.IMAGE_SCN_MEM_DISCARDABLE) != 0 {
		return Discard, nil
	}
	base := name
	if i := strings.IndexByte(name, '$'); i >= 0 {
		base = name[:i]
	}
	switch base {
	case ".text":
		return Text, nil
	case ".rdata":
		return RData, nil
	case ".data":
		return Data, nil
	case ".bss":
		return BSS, nil
	}
	if size == 0 {
		// Nothing would be lost by dropping it.
		return Discard, nil
	}
	return Discard, fmt.Errorf("%w %q (characteristics 0x%08x)", ErrUnsupportedSection, name, characteristics)
}

// sectionAlign decodes the IMAGE_SCN_ALIGN_* field.
func sectionAlign(characteristics uint32) (uint32, error) {
	v := (characteristics & scnAlignMask) >> 20
	switch {
	case v == 0:
		return defaultAlign, nil
	case v > 14:
		return 0, malformed("invalid alignment field %d", v)
	}
	return 1 << (v - 1), nil
}

func readSection(data []byte, sh *pe.SectionHeader32, name string, obj *Object, s *Section) error {
	kind, err := classify(name, sh.Characteristics, sh.SizeOfRawData)
	if err != nil {
		return err
	}
	align, err := sectionAlign(sh.Characteristics)
	if err != nil {
		return err
	}
	*s = Section{
		Name:            name,
		Kind:            kind,
		Characteristics: sh.Characteristics,
		Align:           align,
		Size:            sh.SizeOfRawData,
	}
	if kind != BSS && sh.SizeOfRawData != 0 {
		if sh.PointerToRawData == 0 {
			return malformed("%d bytes of data but no data offset", sh.SizeOfRawData)
		}
		off := uint64(sh.PointerToRawData)
		if !inBounds(data, off, uint64(sh.SizeOfRawData)) {
			return malformed("data at 0x%x (%d bytes) is truncated, file is %d bytes",
				off, sh.SizeOfRawData, len(data))
		}
		if kind != Discard {
			s.Data = data[off : off+uint64(sh.SizeOfRawData)]
		}
	}
	relocs, err := readRelocs(data, sh)
	if err != nil {
		return err
	}
	if kind == Discard {
		return nil
	}
	if kind == BSS && len(relocs) != 0 {
		return malformed("%d relocations in uninitialized section", len(relocs))
	}
	s.Relocs = make([]Reloc, 0, len(relocs))
	for i, r := range relocs {
		rel, ok, err := convertReloc(r, s, obj)
		if err != nil {
			return errwrap.Wrapf(err, "relocation %d at 0x%x", i, r.VirtualAddress)
		}
		if ok {
			s.Relocs = append(s.Relocs, rel)
		}
	}
	return nil
}

// readRelocs reads and bounds-checks a section's relocation table.
func readRelocs(data []byte, sh *pe.SectionHeader32) ([]pe.Reloc, error) {
	n := uint64(sh.NumberOfRelocations)
	off := uint64(sh.PointerToRelocations)
	if n == 0 {
		return nil, nil
	}
	if off == 0 {
		return nil, malformed("relocation table: %d relocations but no table offset", n)
	}
	if sh.Characteristics&scnNRelocOvfl != 0 && n == 0xffff {
		var first pe.Reloc
		if err := readAt(data, off, &first); err != nil {
			return nil, malformed("relocation table: %v", err)
		}
		if first.VirtualAddress == 0 {
			return nil, malformed("relocation table: overflow count is zero")
		}
		// The count includes the record holding it.
		n = uint64(first.VirtualAddress) - 1
		off += relocSize
	}
	if !inBounds(data, off, n*relocSize) {
		return nil, malformed("relocation table: %d relocations at 0x%x extend past end of file", n, off)
	}
	relocs := make([]pe.Reloc, n)
	for i := range relocs {
		readAt(data, off+uint64(i)*relocSize, &relocs[i])
	}
	return relocs, nil
}

// convertReloc validates a relocation against its section and the symbol
// table. It returns false for relocations that have no effect.
func convertReloc(r pe.Reloc, s *Section, obj *Object) (Reloc, bool, error) {
	var kind RelocKind
	switch r.Type {
	case relI386Absolute:
		return Reloc{}, false, nil
	case relI386Dir32:
		kind = Abs32
	case relI386Rel32:
		kind = Rel32
	case relI386SecRel:
		kind = SecRel32
	default:
		return Reloc{}, false, fmt.Errorf("%w type %s", ErrUnsupportedRelocation, relocTypeName(r.Type))
	}
	if int64(r.SymbolTableIndex) >= int64(len(obj.Symbols)) {
		return Reloc{}, false, malformed("symbol index %d out of range (%d symbols)", r.SymbolTableIndex, len(obj.Symbols))
	}
	if obj.Symbols[r.SymbolTableIndex].Aux {
		return Reloc{}, false, malformed("symbol index %d refers to an auxiliary record", r.SymbolTableIndex)
	}
	if uint64(r.VirtualAddress)+uint64(kind.Width()) > uint64(s.Size) {
		return Reloc{}, false, malformed("%s field at 0x%x is outside the section (%d bytes)", kind, r.VirtualAddress, s.Size)
	}
	return Reloc{
		Offset: r.VirtualAddress,
		Symbol: r.SymbolTableIndex,
		Type:   r.Type,
		Kind:   kind,
	}, true, nil
}

// checkSymbols verifies that every symbol refers to an existing section and
// lies within it.
func checkSymbols(obj *Object) error {
	for i := range obj.Symbols {
		sym := &obj.Symbols[i]
		if sym.Aux || sym.Section <= 0 {
			if sym.Section < SectionDebug && !sym.Aux {
				return malformed("symbol table: symbol %d %q: invalid section number %d", i, sym.Name, sym.Section)
			}
			continue
		}
		if sym.Section > len(obj.Sections) {
			return malformed("symbol table: symbol %d %q: section number %d out of range (%d sections)",
				i, sym.Name, sym.Section, len(obj.Sections))
		}
		s := &obj.Sections[sym.Section-1]
		if s.Kind != Discard && sym.Value > s.Size {
			return malformed("symbol table: symbol %d %q: offset 0x%x is past end of section %q (%d bytes)",
				i, sym.Name, sym.Value, s.Name, s.Size)
		}
	}
	return nil
}
