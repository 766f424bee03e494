package fixture

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"

	"moria.us/xbeld/xbe"
)

// Layout of the synthetic headers.
const (
	DefaultBase        = 0x10000
	imageHeaderSize    = 0x184
	certificateSize    = 0x1ec
	certificateOffset  = imageHeaderSize
	sectionTableOffset = certificateOffset + certificateSize
)

// An ImageSection is a section of a synthetic image. Sections are placed
// one after another at page-aligned file offsets starting at 0x1000, and at
// the same offsets from the base address in memory.
type ImageSection struct {
	Name  string
	Flags xbe.SectionFlag
	Data  []byte
	Size  uint32 // virtual size, at least len(Data)
}

// An Image is a synthetic XBE image.
type Image struct {
	Base     uint32 // DefaultBase if zero
	Title    string
	Sections []ImageSection

	// HeaderSlack is extra space reserved after the section names, counted
	// in SizeOfHeaders.
	HeaderSlack uint32
	// FirstSection is the file offset and virtual offset of the first
	// section, 0x1000 if zero.
	FirstSection uint32
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

// Bytes encodes the image.
func (img *Image) Bytes() []byte {
	base := img.Base
	if base == 0 {
		base = DefaultBase
	}
	first := img.FirstSection
	if first == 0 {
		first = xbe.PageSize
	}
	n := uint32(len(img.Sections))
	refs := uint32(sectionTableOffset) + n*xbe.SectionHeaderSize
	pos := refs + (n+1)*2
	names := make([]uint32, n)
	for i, s := range img.Sections {
		names[i] = pos
		pos += uint32(len(s.Name)) + 1
	}
	hdrEnd := alignUp(pos, 4) + img.HeaderSlack
	if hdrEnd > first {
		panic("fixture: headers do not fit before the first section")
	}

	headers := make([]xbe.SectionHeader, n)
	raw := first
	for i, s := range img.Sections {
		size := s.Size
		if size < uint32(len(s.Data)) {
			size = uint32(len(s.Data))
		}
		headers[i] = xbe.SectionHeader{
			Flags:              s.Flags,
			VirtualAddress:     base + raw,
			VirtualSize:        size,
			RawAddress:         raw,
			RawSize:            uint32(len(s.Data)),
			NameAddress:        base + names[i],
			HeadPageRefAddress: base + refs + uint32(i)*2,
			TailPageRefAddress: base + refs + uint32(i)*2 + 2,
		}
		headers[i].Digest[0] = byte(i + 1)
		raw = alignUp(raw+size, xbe.PageSize)
	}
	if n == 0 {
		raw = alignUp(hdrEnd, xbe.PageSize)
	}

	h := xbe.ImageHeader{
		Magic:                 xbe.Magic,
		BaseAddress:           base,
		SizeOfHeaders:         hdrEnd,
		SizeOfImage:           raw,
		SizeOfImageHeader:     imageHeaderSize,
		TimeDate:              0x3c000000,
		CertificateAddress:    base + certificateOffset,
		NumSections:           n,
		SectionHeadersAddress: base + sectionTableOffset,
		EntryPoint:            0xa8fc57ab ^ (base + first),
		PEBaseAddress:         base,
		PESizeOfImage:         raw,
		KernelThunkAddress:    0x5b6d40b6 ^ base,
	}
	for i := range h.Signature {
		h.Signature[i] = byte(i)
	}
	cert := xbe.Certificate{
		Size:    certificateSize,
		TitleID: 0x4d530001,
	}
	copy(cert.TitleName[:], utf16.Encode([]rune(img.Title)))

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &h)
	buf.Write(make([]byte, imageHeaderSize-buf.Len()))
	binary.Write(&buf, binary.LittleEndian, &cert)
	buf.Write(make([]byte, sectionTableOffset-buf.Len()))
	binary.Write(&buf, binary.LittleEndian, headers)
	buf.Write(make([]byte, (n+1)*2))
	for _, s := range img.Sections {
		buf.WriteString(s.Name)
		buf.WriteByte(0)
	}

	data := make([]byte, first)
	copy(data, buf.Bytes())
	for i, s := range img.Sections {
		off := headers[i].RawAddress
		if len(s.Data) == 0 {
			continue
		}
		if uint32(len(data)) < off {
			data = append(data, make([]byte, off-uint32(len(data)))...)
		}
		data = append(data[:off], s.Data...)
	}
	return data
}
