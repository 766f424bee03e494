// Package link injects COFF objects into an existing XBE image.
//
// Link parses the objects, merges their sections into new image sections,
// resolves symbols against each other and against symbols defined by
// patches, applies relocations, and rewrites the image headers.
package link

import (
	"fmt"
	"sync"

	"moria.us/xbeld/coff"
	"moria.us/xbeld/internal/errwrap"
	"moria.us/xbeld/xbe"
)

// An Input is an object file to link.
type Input struct {
	Name string
	Data []byte
}

// A common is an uninitialized common block not defined by any object.
type common struct {
	name string
	size uint32
}

// A linker holds the state of a single link.
type linker struct {
	img  *xbe.Image
	objs []*coff.Object
	syms *SymbolTable

	// symIDs maps each object's symbol indexes to global symbols, or -1
	// for local symbols.
	symIDs [][]SymbolID

	merged   map[coff.Kind]*mergedSection
	sections []*mergedSection // placed sections, in image order
	members  map[SectionRef]*member

	commons     []common
	commonIndex map[string]int

	patches []*appliedPatch
}

func newLinker(img *xbe.Image, objs []*coff.Object) *linker {
	return &linker{
		img:         img,
		objs:        objs,
		syms:        NewSymbolTable(),
		merged:      make(map[coff.Kind]*mergedSection),
		members:     make(map[SectionRef]*member),
		commonIndex: make(map[string]int),
	}
}

// SectionAddress implements Layout.
func (l *linker) SectionAddress(ref SectionRef) (uint32, bool) {
	m := l.members[ref]
	if m == nil {
		return 0, false
	}
	return m.sec.addr + m.offset, true
}

func (l *linker) addMember(kind coff.Kind, m *member) {
	ms := l.merged[kind]
	if ms == nil {
		ms = &mergedSection{kind: kind, name: mergedNames[kind]}
		l.merged[kind] = ms
	}
	m.sec = ms
	ms.members = append(ms.members, m)
	l.members[m.ref] = m
}

// parseObjects parses each input concurrently. Results are in input order,
// and the error of the first failing input is returned.
func parseObjects(inputs []Input) ([]*coff.Object, error) {
	objs := make([]*coff.Object, len(inputs))
	errs := make([]error, len(inputs))
	var wg sync.WaitGroup
	for i := range inputs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			objs[i], errs[i] = coff.Parse(inputs[i].Name, inputs[i].Data)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return objs, nil
}

// registerObject adds an object's sections to the merged sections and its
// external symbols to the symbol table.
func (l *linker) registerObject(i int) error {
	obj := l.objs[i]
	for j := range obj.Sections {
		s := &obj.Sections[j]
		if s.Kind == coff.Discard {
			continue
		}
		l.addMember(s.Kind, &member{
			ref:    SectionRef{i, j},
			name:   s.Name,
			align:  s.Align,
			size:   s.Size,
			data:   s.Data,
			relocs: s.Relocs,
		})
	}
	ids := make([]SymbolID, len(obj.Symbols))
	for j := range obj.Symbols {
		ids[j] = -1
		sym := &obj.Symbols[j]
		if !sym.IsExternal() {
			continue
		}
		switch {
		case sym.Section == coff.SectionDebug:
			continue
		case sym.Section == coff.SectionAbsolute:
			if err := l.syms.Define(sym.Name, AbsoluteValue(sym.Value), obj.Name); err != nil {
				return err
			}
		case sym.Section > 0:
			if obj.Sections[sym.Section-1].Kind == coff.Discard {
				continue
			}
			v := SectionValue(i, sym.Section-1, sym.Value)
			if err := l.syms.Define(sym.Name, v, obj.Name); err != nil {
				return err
			}
		case sym.IsCommon():
			l.addCommon(sym.Name, sym.Value)
		}
		ids[j] = l.syms.Reference(sym.Name)
	}
	l.symIDs = append(l.symIDs, ids)
	return nil
}

func (l *linker) addCommon(name string, size uint32) {
	if k, ok := l.commonIndex[name]; ok {
		if size > l.commons[k].size {
			l.commons[k].size = size
		}
		return
	}
	l.commonIndex[name] = len(l.commons)
	l.commons = append(l.commons, common{name, size})
}

// register adds every object and every patch's symbol references to the
// symbol table.
func (l *linker) register(patches []Patch) error {
	for i := range l.objs {
		if err := l.registerObject(i); err != nil {
			return errwrap.Wrap(err, l.objs[i].Name)
		}
	}
	for i := range patches {
		for _, r := range patches[i].Relocs {
			if r.Symbol != "" {
				l.syms.Reference(r.Symbol)
			}
		}
	}
	return nil
}

// allocateCommons places common blocks that no object defines at the end of
// the BSS section. Names a patch defines are left to the patch.
func (l *linker) allocateCommons(patches []Patch) error {
	patchDefined := make(map[string]bool)
	for i := range patches {
		for _, s := range patches[i].Symbols {
			patchDefined[s.Name] = true
		}
	}
	for k, c := range l.commons {
		if v, _ := l.syms.Lookup(c.name); v.Kind != Undefined || patchDefined[c.name] {
			continue
		}
		ref := SectionRef{-1, k}
		l.addMember(coff.BSS, &member{
			ref:   ref,
			name:  c.name,
			align: commonAlign(c.size),
			size:  c.size,
		})
		if err := l.syms.Define(c.name, Value{Kind: SectionRelative, Section: ref}, "common"); err != nil {
			return err
		}
	}
	return nil
}

// allocate merges the registered sections and assigns their addresses after
// the end of the image.
func (l *linker) allocate(patches []Patch) error {
	if err := l.allocateCommons(patches); err != nil {
		return err
	}
	for _, k := range mergedKinds {
		if ms := l.merged[k]; ms != nil {
			l.sections = append(l.sections, ms)
		}
	}
	return placeSections(l.sections, l.img.NextAddress())
}

// writeSections appends the merged sections to the image.
func (l *linker) writeSections() error {
	var secs []xbe.NewSection
	for _, ms := range l.sections {
		if ms.size == 0 {
			continue
		}
		secs = append(secs, ms.newSection())
	}
	return l.img.AppendSections(secs)
}

// Link links objects into a copy of the base image and applies the patches.
// The base image is not modified.
func Link(objects []Input, patches []Patch, base []byte) ([]byte, error) {
	objs, err := parseObjects(objects)
	if err != nil {
		return nil, err
	}
	img, err := xbe.Parse(append([]byte(nil), base...))
	if err != nil {
		return nil, fmt.Errorf("base image: %w", err)
	}
	l := newLinker(img, objs)
	if err := l.register(patches); err != nil {
		return nil, err
	}
	if err := l.allocate(patches); err != nil {
		return nil, err
	}
	if err := l.applyPatches(patches); err != nil {
		return nil, err
	}
	if err := l.syms.Finalize(l); err != nil {
		return nil, err
	}
	if err := l.relocateObjects(); err != nil {
		return nil, err
	}
	if err := l.relocatePatches(); err != nil {
		return nil, err
	}
	if err := l.writeSections(); err != nil {
		return nil, err
	}
	return img.Bytes(), nil
}
