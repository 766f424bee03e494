package xbe

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

func malformed(f string, a ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(f, a...))
}

// Parse decodes the headers of an XBE image. The image keeps data and
// modifies it in place, so callers that need the original bytes should pass
// a copy.
func Parse(data []byte) (*Image, error) {
	img := &Image{Data: data}
	h := &img.Header
	if len(data) < ImageHeaderSize {
		return nil, malformed("file is %d bytes, smaller than the image header", len(data))
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, h); err != nil {
		return nil, err
	}
	if h.Magic != Magic {
		return nil, malformed("unknown signature %q (expected %q)", h.Magic[:], Magic[:])
	}
	if h.SizeOfImageHeader < ImageHeaderSize {
		return nil, malformed("image header size 0x%x is smaller than 0x%x", h.SizeOfImageHeader, ImageHeaderSize)
	}
	if h.SizeOfHeaders < h.SizeOfImageHeader {
		return nil, malformed("headers size 0x%x is smaller than image header size 0x%x", h.SizeOfHeaders, h.SizeOfImageHeader)
	}

	// Read section table
	tab, ok := img.headerOffset(h.SectionHeadersAddress)
	if !ok {
		return nil, malformed("section table address 0x%08x is outside the headers", h.SectionHeadersAddress)
	}
	tabSize := uint64(h.NumSections) * SectionHeaderSize
	if tab+tabSize > uint64(len(data)) {
		return nil, malformed("section table is out of bounds: %d sections at 0x%x", h.NumSections, tab)
	}
	r := bytes.NewReader(data[tab : tab+tabSize])
	for i := 0; i < int(h.NumSections); i++ {
		s := &Section{Index: i}
		binary.Read(r, binary.LittleEndian, &s.SectionHeader)
		name, err := img.cstring(s.NameAddress)
		if err != nil {
			return nil, fmt.Errorf("section %d: name: %w", i, err)
		}
		s.Name = name
		if uint64(s.RawAddress)+uint64(s.RawSize) > uint64(len(data)) {
			return nil, malformed("section %d %q: data at 0x%x (%d bytes) is out of bounds",
				i, name, s.RawAddress, s.RawSize)
		}
		if s.End() > 1<<32 {
			return nil, malformed("section %d %q: end address overflows", i, name)
		}
		img.Sections = append(img.Sections, s)
	}

	// The certificate is only needed for display.
	if off, ok := img.headerOffset(h.CertificateAddress); ok {
		cert := new(Certificate)
		if off+uint64(binary.Size(cert)) <= uint64(len(data)) {
			binary.Read(bytes.NewReader(data[off:]), binary.LittleEndian, cert)
			img.Certificate = cert
		}
	}
	return img, nil
}

// headerOffset converts an address within the headers to a file offset.
func (img *Image) headerOffset(addr uint32) (uint64, bool) {
	h := &img.Header
	if addr < h.BaseAddress || addr-h.BaseAddress >= h.SizeOfHeaders {
		return 0, false
	}
	return uint64(addr - h.BaseAddress), true
}

// cstring reads a NUL-terminated string from the headers.
func (img *Image) cstring(addr uint32) (string, error) {
	off, ok := img.headerOffset(addr)
	if !ok || off >= uint64(len(img.Data)) {
		return "", malformed("address 0x%08x is outside the headers", addr)
	}
	end := bytes.IndexByte(img.Data[off:], 0)
	if end < 0 {
		return "", malformed("string at 0x%08x is not terminated", addr)
	}
	return string(img.Data[off : off+uint64(end)]), nil
}

// Section returns the first section with the given name.
func (img *Image) Section(name string) *Section {
	for _, s := range img.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// SectionAt returns the section containing the given virtual address.
func (img *Image) SectionAt(addr uint32) *Section {
	for _, s := range img.Sections {
		if s.Contains(addr) {
			return s
		}
	}
	return nil
}

// SectionData returns the bytes of a section stored in the file. Writes to
// the returned slice modify the image.
func (img *Image) SectionData(s *Section) []byte {
	return img.Data[s.RawAddress : s.RawAddress+s.RawSize]
}

// NextAddress returns the first page-aligned virtual address past every
// section and past the declared image size.
func (img *Image) NextAddress() uint64 {
	end := uint64(img.Header.BaseAddress) + uint64(img.Header.SizeOfImage)
	for _, s := range img.Sections {
		if e := s.End(); e > end {
			end = e
		}
	}
	return alignUp(end, PageSize)
}

// Bytes returns the image file contents.
func (img *Image) Bytes() []byte {
	return img.Data
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
