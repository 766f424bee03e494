package xbe

import (
	"bufio"
	"strconv"
)

const indentLevel = "  "

const hexDigits = "0123456789abcdef"

func writeHexStr(w *bufio.Writer, b []byte) {
	d := make([]byte, 4*len(b)+3)
	j := 3*len(b) + 2
	for i, c := range b {
		d[i*3+0] = hexDigits[c>>4]
		d[i*3+1] = hexDigits[c&15]
		d[i*3+2] = ' '
		if 0x20 <= c && c <= 0x7e {
			d[j+i] = c
		} else {
			d[j+i] = '.'
		}
	}
	d[j-2] = ' '
	d[j-1] = '"'
	d[4*len(b)+2] = '"'
	w.Write(d)
}

func writeInt0(w *bufio.Writer, v uint32, sz uint) {
	for i := uint(sz * 2); i > 0; i-- {
		w.WriteByte(hexDigits[(v>>((i-1)*4))&15])
	}
}

func writeInt(w *bufio.Writer, v uint32, sz uint) {
	w.WriteString("0x")
	writeInt0(w, v, sz)
}

type field struct {
	name string
	data interface{}
	hint string
}

func dumpFields(w *bufio.Writer, prefix string, fields []field) {
	if len(fields) == 0 {
		return
	}
	var (
		minName = int(^uint(0) >> 1)
		maxName int
	)
	for _, f := range fields {
		if len(f.name) > maxName {
			maxName = len(f.name)
		}
		if len(f.name) < minName {
			minName = len(f.name)
		}
	}
	spaces := make([]byte, maxName+2-minName)
	for i := range spaces {
		spaces[i] = ' '
	}
	for _, f := range fields {
		w.WriteString(prefix)
		w.WriteString(f.name)
		w.WriteByte(':')
		w.Write(spaces[:maxName+2-len(f.name)])
		switch v := f.data.(type) {
		case []byte:
			writeHexStr(w, v)
		case string:
			w.WriteString(strconv.Quote(v))
		case uint16:
			writeInt(w, uint32(v), 2)
		case uint32:
			writeInt(w, v, 4)
		case SectionFlag:
			writeInt(w, uint32(v), 4)
			w.WriteString("  ")
			w.WriteString(v.String())
		default:
			panic("unknown field type for " + f.name)
		}
		if f.hint != "" {
			w.WriteString("  ")
			w.WriteString(f.hint)
		}
		w.WriteByte('\n')
	}
}

// DumpText writes the image header, in text format, to the writer.
func (h *ImageHeader) DumpText(w *bufio.Writer, prefix string) {
	dumpFields(w, prefix, []field{
		{"Signature", h.Magic[:], ""},
		{"Base Address", h.BaseAddress, ""},
		{"Size of Headers", h.SizeOfHeaders, ""},
		{"Size of Image", h.SizeOfImage, ""},
		{"Size of Image Header", h.SizeOfImageHeader, ""},
		{"Time Date", h.TimeDate, ""},
		{"Certificate Address", h.CertificateAddress, ""},
		{"Num Sections", h.NumSections, ""},
		{"Section Headers Address", h.SectionHeadersAddress, ""},
		{"Init Flags", h.InitFlags, ""},
		{"Entry Point", h.EntryPoint, "XOR-encoded"},
		{"TLS Address", h.TLSAddress, ""},
		{"PE Stack Commit", h.PEStackCommit, ""},
		{"PE Heap Reserve", h.PEHeapReserve, ""},
		{"PE Heap Commit", h.PEHeapCommit, ""},
		{"PE Base Address", h.PEBaseAddress, ""},
		{"PE Size of Image", h.PESizeOfImage, ""},
		{"PE Checksum", h.PEChecksum, ""},
		{"PE Time Date", h.PETimeDate, ""},
		{"Debug Pathname Address", h.DebugPathnameAddress, ""},
		{"Debug Filename Address", h.DebugFilenameAddress, ""},
		{"Debug Unicode Filename Address", h.DebugUnicodeFilenameAddress, ""},
		{"Kernel Thunk Address", h.KernelThunkAddress, "XOR-encoded"},
		{"Non-Kernel Import Dir Address", h.NonKernelImportDirAddress, ""},
		{"Num Library Versions", h.NumLibraryVersions, ""},
		{"Library Versions Address", h.LibraryVersionsAddress, ""},
		{"Kernel Library Version Address", h.KernelLibraryVersionAddress, ""},
		{"XAPI Library Version Address", h.XAPILibraryVersionAddress, ""},
		{"Logo Bitmap Address", h.LogoBitmapAddress, ""},
		{"Logo Bitmap Size", h.LogoBitmapSize, ""},
	})
}

// DumpText writes the certificate, in text format, to the writer.
func (c *Certificate) DumpText(w *bufio.Writer, prefix string) {
	dumpFields(w, prefix, []field{
		{"Size", c.Size, ""},
		{"Time Date", c.TimeDate, ""},
		{"Title ID", c.TitleID, ""},
		{"Title Name", c.Title(), ""},
		{"Allowed Media", c.AllowedMedia, ""},
		{"Game Region", c.GameRegion, ""},
		{"Game Ratings", c.GameRatings, ""},
		{"Disk Number", c.DiskNumber, ""},
		{"Version", c.Version, ""},
	})
}

// DumpText writes the section header, in text format, to the writer.
func (s *Section) DumpText(w *bufio.Writer, prefix string) {
	dumpFields(w, prefix, []field{
		{"Name", s.Name, ""},
		{"Flags", s.Flags, ""},
		{"Virtual Address", s.VirtualAddress, ""},
		{"Virtual Size", s.VirtualSize, ""},
		{"Raw Address", s.RawAddress, ""},
		{"Raw Size", s.RawSize, ""},
		{"Name Address", s.NameAddress, ""},
		{"Name Ref Count", s.NameRefCount, ""},
		{"Head Page Ref Address", s.HeadPageRefAddress, ""},
		{"Tail Page Ref Address", s.TailPageRefAddress, ""},
		{"Digest", s.Digest[:], ""},
	})
}

// DumpText writes the image headers, in text format, to the writer.
func (img *Image) DumpText(w *bufio.Writer, prefix string) {
	nprefix := prefix + indentLevel
	w.WriteString(prefix)
	w.WriteString("Header:\n")
	img.Header.DumpText(w, nprefix)
	w.WriteByte('\n')
	if img.Certificate != nil {
		w.WriteString(prefix)
		w.WriteString("Certificate:\n")
		img.Certificate.DumpText(w, nprefix)
		w.WriteByte('\n')
	}
	for _, s := range img.Sections {
		w.WriteString(prefix)
		w.WriteString("Section ")
		w.WriteString(strconv.Itoa(s.Index + 1))
		w.WriteString(":\n")
		s.DumpText(w, nprefix)
		w.WriteByte('\n')
	}
}
