// Package xbe provides an interface to Xbox executable images.
package xbe

import "errors"

var (
	// ErrMalformed is returned when an image cannot be decoded.
	ErrMalformed = errors.New("malformed XBE image")

	// ErrHeaderOverflow is returned when the image cannot describe the
	// requested sections within the limits of the format.
	ErrHeaderOverflow = errors.New("XBE header overflow")
)

const (
	// PageSize is the granularity of section placement, both in memory and
	// in the file.
	PageSize = 0x1000

	// ImageHeaderSize is the size of the fixed part of the image header.
	// Newer images declare a larger SizeOfImageHeader; the extra fields
	// are preserved but not decoded.
	ImageHeaderSize = 0x178

	// SectionHeaderSize is the size of one section table entry.
	SectionHeaderSize = 0x38
)

// Magic is the signature at the start of every image.
var Magic = [4]byte{'X', 'B', 'E', 'H'}

// An ImageHeader is the header at the start of an XBE file. Addresses are
// virtual; the headers are loaded at BaseAddress, so the file offset of a
// header structure is its address minus BaseAddress.
type ImageHeader struct {
	Magic                       [4]byte
	Signature                   [256]byte
	BaseAddress                 uint32
	SizeOfHeaders               uint32
	SizeOfImage                 uint32
	SizeOfImageHeader           uint32
	TimeDate                    uint32
	CertificateAddress          uint32
	NumSections                 uint32
	SectionHeadersAddress       uint32
	InitFlags                   uint32
	EntryPoint                  uint32 // XOR-encoded
	TLSAddress                  uint32
	PEStackCommit               uint32
	PEHeapReserve               uint32
	PEHeapCommit                uint32
	PEBaseAddress               uint32
	PESizeOfImage               uint32
	PEChecksum                  uint32
	PETimeDate                  uint32
	DebugPathnameAddress        uint32
	DebugFilenameAddress        uint32
	DebugUnicodeFilenameAddress uint32
	KernelThunkAddress          uint32 // XOR-encoded
	NonKernelImportDirAddress   uint32
	NumLibraryVersions          uint32
	LibraryVersionsAddress      uint32
	KernelLibraryVersionAddress uint32
	XAPILibraryVersionAddress   uint32
	LogoBitmapAddress           uint32
	LogoBitmapSize              uint32
}

// A SectionFlag is a set of flags for a section.
type SectionFlag uint32

const (
	// FlagWritable indicates a writable section.
	FlagWritable SectionFlag = 0x0001
	// FlagPreload indicates a section loaded at startup.
	FlagPreload SectionFlag = 0x0002
	// FlagExecutable indicates a section containing code.
	FlagExecutable SectionFlag = 0x0004
	// FlagInsertedFile indicates a section inserted after the original
	// build.
	FlagInsertedFile SectionFlag = 0x0008
	// FlagHeadPageReadOnly indicates the first page is read-only.
	FlagHeadPageReadOnly SectionFlag = 0x0010
	// FlagTailPageReadOnly indicates the last page is read-only.
	FlagTailPageReadOnly SectionFlag = 0x0020
)

var flagNames = []struct {
	flag SectionFlag
	name string
}{
	{FlagWritable, "W"},
	{FlagPreload, "P"},
	{FlagExecutable, "X"},
	{FlagInsertedFile, "I"},
	{FlagHeadPageReadOnly, "H"},
	{FlagTailPageReadOnly, "T"},
}

func (f SectionFlag) String() string {
	var b []byte
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			b = append(b, fn.name...)
		} else {
			b = append(b, '-')
		}
	}
	return string(b)
}

// A SectionHeader is one entry of the section table.
type SectionHeader struct {
	Flags              SectionFlag
	VirtualAddress     uint32
	VirtualSize        uint32
	RawAddress         uint32 // file offset of the section data
	RawSize            uint32 // bytes stored in the file, the rest is zero-filled
	NameAddress        uint32
	NameRefCount       uint32
	HeadPageRefAddress uint32
	TailPageRefAddress uint32
	Digest             [20]byte
}

// End returns the virtual address one past the end of the section.
func (h *SectionHeader) End() uint64 {
	return uint64(h.VirtualAddress) + uint64(h.VirtualSize)
}

// Contains returns true if the virtual address lies within the section.
func (h *SectionHeader) Contains(addr uint32) bool {
	return h.VirtualAddress <= addr && uint64(addr) < h.End()
}

// A Certificate is the decoded part of the image certificate.
type Certificate struct {
	Size             uint32
	TimeDate         uint32
	TitleID          uint32
	TitleName        [40]uint16
	AltTitleIDs      [16]uint32
	AllowedMedia     uint32
	GameRegion       uint32
	GameRatings      uint32
	DiskNumber       uint32
	Version          uint32
	LANKey           [16]byte
	SignatureKey     [16]byte
	AltSignatureKeys [256]byte
}

// Title returns the title name as a string.
func (c *Certificate) Title() string {
	var r []rune
	for _, u := range c.TitleName {
		if u == 0 {
			break
		}
		r = append(r, rune(u))
	}
	return string(r)
}

// A Section is a section of an image.
type Section struct {
	SectionHeader
	Name  string
	Index int // position in the section table
}

// An Image is an XBE executable held in memory. All accessors read from and
// write to Data, so the image is the single owner of its bytes.
type Image struct {
	Data        []byte
	Header      ImageHeader
	Certificate *Certificate // nil if the certificate is not present
	Sections    []*Section
}

// A NewSection describes a section to append to an image.
type NewSection struct {
	Name  string
	Flags SectionFlag
	Addr  uint32 // virtual address
	Size  uint32 // virtual size
	Data  []byte // initialized contents, at most Size bytes
}
