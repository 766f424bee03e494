package xbe

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// headerLimit returns the file offset the headers may not grow past: the
// start of the first section, either in the file or in memory.
func (img *Image) headerLimit() uint64 {
	limit := uint64(1) << 32
	for _, s := range img.Sections {
		if s.RawSize != 0 && uint64(s.RawAddress) < limit {
			limit = uint64(s.RawAddress)
		}
		if s.VirtualAddress >= img.Header.BaseAddress {
			if off := uint64(s.VirtualAddress - img.Header.BaseAddress); off < limit {
				limit = off
			}
		}
	}
	return limit
}

// A headerLayout is the placement of the rewritten section table and the
// structures that follow it.
type headerLayout struct {
	table uint64   // file offset of the new section table
	refs  uint64   // file offset of the new page reference counters
	names []uint64 // file offset of each new section name
	end   uint64   // new size of headers
}

func (img *Image) layoutHeaders(secs []NewSection) headerLayout {
	n := uint64(len(img.Sections))
	k := uint64(len(secs))
	var l headerLayout
	l.table = alignUp(uint64(img.Header.SizeOfHeaders), 4)
	l.refs = l.table + (n+k)*SectionHeaderSize
	pos := l.refs + (k+1)*2
	for _, s := range secs {
		l.names = append(l.names, pos)
		pos += uint64(len(s.Name)) + 1
	}
	l.end = alignUp(pos, 4)
	return l
}

// checkNewSections verifies that the new sections are in address order,
// start past the existing image, and fit in the 32-bit address space.
func (img *Image) checkNewSections(secs []NewSection) error {
	next := img.NextAddress()
	for i, s := range secs {
		if uint64(len(s.Data)) > uint64(s.Size) {
			return fmt.Errorf("new section %q: %d bytes of data exceed virtual size %d", s.Name, len(s.Data), s.Size)
		}
		if uint64(s.Addr) < next {
			return fmt.Errorf("new section %q: address 0x%08x overlaps the image (next free address 0x%08x)", s.Name, s.Addr, next)
		}
		end := uint64(s.Addr) + uint64(s.Size)
		if end > 1<<32 {
			return fmt.Errorf("%w: section %d %q ends at 0x%x, past the 32-bit address space", ErrHeaderOverflow, i, s.Name, end)
		}
		next = end
	}
	return nil
}

// AppendSections adds sections to the image. The section table is moved to
// the end of the existing headers with the original entries copied
// unchanged, so nothing the old headers point at moves. Initialized data is
// appended to the file at page-aligned offsets; a section without data takes
// no space in the file.
func (img *Image) AppendSections(secs []NewSection) error {
	if len(secs) == 0 {
		return nil
	}
	if err := img.checkNewSections(secs); err != nil {
		return err
	}
	h := &img.Header
	base := uint64(h.BaseAddress)
	l := img.layoutHeaders(secs)
	if limit := img.headerLimit(); l.end > limit {
		return fmt.Errorf("%w: headers need 0x%x bytes, but the first section starts at 0x%x", ErrHeaderOverflow, l.end, limit)
	}
	if base+l.end > 1<<32 {
		return fmt.Errorf("%w: headers end past the 32-bit address space", ErrHeaderOverflow)
	}
	if uint64(len(img.Data)) < l.end {
		img.Data = append(img.Data, make([]byte, l.end-uint64(len(img.Data)))...)
	}

	// Raw data goes on page boundaries after the end of the file. Sections
	// without data point at the end of the file.
	fileEnd := uint64(len(img.Data))

	table := new(bytes.Buffer)
	oldTable := uint64(h.SectionHeadersAddress - h.BaseAddress)
	table.Write(img.Data[oldTable : oldTable+uint64(len(img.Sections))*SectionHeaderSize])
	added := make([]*Section, len(secs))
	for i, s := range secs {
		ref := l.refs + uint64(i)*2
		raw := fileEnd
		if len(s.Data) != 0 {
			raw = alignUp(fileEnd, PageSize)
			fileEnd = raw + uint64(len(s.Data))
			if fileEnd > 1<<32 {
				return fmt.Errorf("%w: section %q data ends past 4 GiB in the file", ErrHeaderOverflow, s.Name)
			}
		}
		sec := &Section{
			SectionHeader: SectionHeader{
				Flags:              s.Flags,
				VirtualAddress:     s.Addr,
				VirtualSize:        s.Size,
				RawAddress:         uint32(raw),
				RawSize:            uint32(len(s.Data)),
				NameAddress:        uint32(base + l.names[i]),
				HeadPageRefAddress: uint32(base + ref),
				TailPageRefAddress: uint32(base + ref + 2),
			},
			Name:  s.Name,
			Index: len(img.Sections) + i,
		}
		binary.Write(table, binary.LittleEndian, &sec.SectionHeader)
		added[i] = sec
	}

	hdr := img.Data[l.table:l.end]
	for i := range hdr {
		hdr[i] = 0
	}
	copy(hdr, table.Bytes())
	for i, s := range secs {
		copy(img.Data[l.names[i]:], s.Name)
	}
	for i, s := range secs {
		if len(s.Data) == 0 {
			continue
		}
		off := uint64(added[i].RawAddress)
		if off > uint64(len(img.Data)) {
			img.Data = append(img.Data, make([]byte, off-uint64(len(img.Data)))...)
		}
		img.Data = append(img.Data, s.Data...)
	}

	last := added[len(added)-1]
	if size := alignUp(last.End(), PageSize) - base; size > uint64(h.SizeOfImage) {
		h.SizeOfImage = uint32(size)
	}
	h.NumSections += uint32(len(secs))
	h.SectionHeadersAddress = uint32(base + l.table)
	h.SizeOfHeaders = uint32(l.end)
	img.Sections = append(img.Sections, added...)
	return img.writeHeader()
}

// writeHeader encodes the image header back into the file. Fields after
// ImageHeaderSize, in images that have them, are left untouched.
func (img *Image) writeHeader() error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &img.Header); err != nil {
		return err
	}
	copy(img.Data, buf.Bytes())
	return nil
}
